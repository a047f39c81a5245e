// Package controlchannel maintains the agent's persistent session to the
// remote proxy: connect, authenticate, read inbound frames, write outbound
// frames, keepalive, and reconnect with backoff.
package controlchannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pori-dev/pori/internal/events"
	"github.com/pori-dev/pori/internal/tunnel"
)

const (
	pingInterval    = 30 * time.Second
	livenessTimeout = 60 * time.Second
)

// ErrAuthFatal marks an auth rejection the server did not mark retriable;
// callers can match it with errors.Is to distinguish a terminal auth
// failure from a fatal runtime error.
var ErrAuthFatal = errors.New("auth rejected")

// retriableAuthReasons are substrings of AuthAck.Reason that the server uses
// to signal a transient auth failure worth retrying. The wire format carries
// no dedicated retriable flag, only free text.
var retriableAuthReasons = []string{"try again", "unavailable", "overloaded", "rate limit"}

func isRetriableAuthReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, substr := range retriableAuthReasons {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

// Stats is the narrow contract the Client needs from AppStats.
type Stats interface {
	SetConnectionStatus(status events.ConnectionStatus, message string)
	IncWebsocketReconnects()
}

// DashboardSink is the narrow contract the Client needs to publish
// dashboard events.
type DashboardSink interface {
	Publish(events.DashboardEvent)
}

// InFlightCanceler aborts requests the forwarder has accepted but not yet
// answered: Cancel for a single remote-cancelled id, CancelAll when a
// session ends and its id namespace dies with it. *forwarder.Forwarder
// satisfies it.
type InFlightCanceler interface {
	Cancel(id string)
	CancelAll()
}

// Client owns one session to the remote proxy at a time, reconnecting with
// backoff across session failures.
type Client struct {
	url           string
	token         string
	maxReconnects int
	stats         Stats
	dashboard     DashboardSink
	dialer        *websocket.Dialer
	logger        *slog.Logger
	draining      atomic.Bool
}

// New builds a Client. maxReconnects == 0 means the reconnect loop never
// gives up. Pass a nil logger to use slog.Default().
func New(url, token string, maxReconnects int, stats Stats, dashboard DashboardSink, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:           url,
		token:         token,
		maxReconnects: maxReconnects,
		stats:         stats,
		dashboard:     dashboard,
		dialer:        websocket.DefaultDialer,
		logger:        logger,
	}
}

// Run drives the Connecting → Authenticating → Connected → Reconnecting
// state machine until ctx is cancelled (clean shutdown, returns nil), a
// fatal unretriable auth rejection occurs, or maxReconnects is exhausted.
// Inbound HttpRequest frames are delivered to forwarderIn; frames read from
// controlOut are written to the wire as they arrive.
func (c *Client) Run(ctx context.Context, forwarderIn chan<- tunnel.TunnelFrame, controlOut <-chan tunnel.TunnelFrame, requests InFlightCanceler) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setStatus(events.StatusConnecting, "")

		reachedAuth, authenticated, err := c.runSession(ctx, forwarderIn, controlOut, requests)
		if authenticated {
			// The session's id namespace ends with it; anything still in
			// flight can no longer be answered.
			requests.CancelAll()
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		if errors.Is(err, ErrAuthFatal) {
			c.setStatus(events.StatusError, err.Error())
			c.dashboard.Publish(events.DashboardEvent{Kind: events.EventError, Message: err.Error()})
			return err
		}

		if authenticated {
			attempt = 0
		}
		if reachedAuth {
			c.stats.IncWebsocketReconnects()
		}
		attempt++

		c.setStatus(events.StatusReconnecting, err.Error())

		if c.maxReconnects > 0 && attempt > c.maxReconnects {
			finalErr := fmt.Errorf("controlchannel: exhausted %d reconnect attempts: %w", c.maxReconnects, err)
			c.setStatus(events.StatusError, finalErr.Error())
			return finalErr
		}

		wait := nextBackoff(attempt - 1)
		c.logger.Warn("control session lost, reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// Drain stops routing new inbound HttpRequest frames to the forwarder while
// keeping the session itself alive, so responses for requests already in
// flight can still reach the wire. The fabric calls it at shutdown onset,
// before waiting for active requests to finish. Dropped requests are timed
// out by the remote proxy on its side.
func (c *Client) Drain() {
	c.draining.Store(true)
}

func (c *Client) setStatus(status events.ConnectionStatus, message string) {
	c.stats.SetConnectionStatus(status, message)
	c.dashboard.Publish(events.DashboardEvent{Kind: events.EventConnectionStatus, ConnectionStatus: status, Message: message})
}

// runSession dials, authenticates, and pumps one session until it ends.
// reachedAuth reports whether the dial succeeded (the session got at least
// to Authenticating); authenticated reports whether AuthAck.OK was true.
func (c *Client) runSession(ctx context.Context, forwarderIn chan<- tunnel.TunnelFrame, controlOut <-chan tunnel.TunnelFrame, requests InFlightCanceler) (reachedAuth, authenticated bool, err error) {
	conn, _, dialErr := c.dialer.DialContext(ctx, c.url, nil)
	if dialErr != nil {
		return false, false, fmt.Errorf("dial: %w", dialErr)
	}
	defer conn.Close()

	reachedAuth = true
	c.setStatus(events.StatusAuthenticating, "")

	if err := writeFrame(conn, tunnel.TunnelFrame{Type: tunnel.TypeAuth, Token: c.token}); err != nil {
		return reachedAuth, false, fmt.Errorf("writing auth frame: %w", err)
	}

	ack, err := readFrame(conn)
	if err != nil {
		return reachedAuth, false, fmt.Errorf("reading auth ack: %w", err)
	}
	if ack.Type != tunnel.TypeAuthAck {
		return reachedAuth, false, fmt.Errorf("expected auth_ack, got %q", ack.Type)
	}
	if !ack.OK {
		if isRetriableAuthReason(ack.Reason) {
			return reachedAuth, false, fmt.Errorf("auth rejected (retriable): %s", ack.Reason)
		}
		return reachedAuth, false, fmt.Errorf("%w: %s", ErrAuthFatal, ack.Reason)
	}

	authenticated = true
	sessionID := uuid.NewString()
	c.logger.Info("control session established", slog.String("session_id", sessionID))
	c.setStatus(events.StatusConnected, "")

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	internalOut := make(chan tunnel.TunnelFrame, 4)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(sessionCtx, conn, forwarderIn, requests, internalOut)
	}()
	go func() {
		defer wg.Done()
		errCh <- c.writeLoop(sessionCtx, conn, controlOut, internalOut)
	}()

	// Closing the connection is what actually unblocks a loop parked inside
	// ReadMessage or WriteMessage; cancelling the session context alone
	// would leave it stuck until the read deadline.
	select {
	case e := <-errCh:
		cancelSession()
		conn.Close()
		wg.Wait()
		c.logger.Info("control session ended", slog.String("session_id", sessionID), slog.Any("error", e))
		return reachedAuth, authenticated, e
	case <-ctx.Done():
		cancelSession()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		wg.Wait()
		c.logger.Info("control session closed", slog.String("session_id", sessionID))
		return reachedAuth, authenticated, nil
	}
}

// readLoop demultiplexes inbound frames: HttpRequest is delivered to
// forwarderIn, Ping triggers a Pong on internalOut, Pong and unrecognized
// types are otherwise ignored (liveness is tracked via the per-read
// deadline), and Error with an id cancels the matching in-flight request.
// An undecodable message is dropped without ending the session; only
// transport errors do that.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, forwarderIn chan<- tunnel.TunnelFrame, requests InFlightCanceler, internalOut chan<- tunnel.TunnelFrame) error {
	for {
		conn.SetReadDeadline(time.Now().Add(livenessTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		frame, err := tunnel.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", slog.Any("error", err))
			continue
		}
		switch frame.Type {
		case tunnel.TypeHTTPRequest:
			if c.draining.Load() {
				c.logger.Warn("dropping inbound request during shutdown", slog.String("id", frame.ID))
				continue
			}
			select {
			case forwarderIn <- frame:
			case <-ctx.Done():
				return nil
			}
		case tunnel.TypePing:
			select {
			case internalOut <- (tunnel.TunnelFrame{Type: tunnel.TypePong}):
			case <-ctx.Done():
				return nil
			}
		case tunnel.TypePong:
			// Liveness already reset by the deadline extension above.
		case tunnel.TypeError:
			if frame.ID != "" {
				requests.Cancel(frame.ID)
			}
		default:
			c.logger.Warn("ignoring frame with unknown type", slog.String("type", string(frame.Type)))
		}
	}
}

// writeLoop serializes every outbound frame: forwarder responses from
// controlOut and Pong replies from internalOut, plus a keepalive Ping
// whenever pingInterval elapses with no outbound traffic.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, controlOut <-chan tunnel.TunnelFrame, internalOut <-chan tunnel.TunnelFrame) error {
	idle := time.NewTimer(pingInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-internalOut:
			if err := writeFrame(conn, frame); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
			resetTimer(idle, pingInterval)
		case frame, ok := <-controlOut:
			if !ok {
				return nil
			}
			if err := writeFrame(conn, frame); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
			resetTimer(idle, pingInterval)
		case <-idle.C:
			if err := writeFrame(conn, tunnel.TunnelFrame{Type: tunnel.TypePing}); err != nil {
				return fmt.Errorf("writing ping: %w", err)
			}
			idle.Reset(pingInterval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func writeFrame(conn *websocket.Conn, frame tunnel.TunnelFrame) error {
	data, err := tunnel.Encode(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readFrame(conn *websocket.Conn) (tunnel.TunnelFrame, error) {
	conn.SetReadDeadline(time.Now().Add(livenessTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return tunnel.TunnelFrame{}, err
	}
	return tunnel.Decode(data)
}
