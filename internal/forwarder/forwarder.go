// Package forwarder consumes inbound request frames, invokes the local
// client with a bounded timeout, and synthesizes the outbound response
// frame, publishing statistics and dashboard events as it goes.
package forwarder

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pori-dev/pori/internal/events"
	"github.com/pori-dev/pori/internal/localclient"
	"github.com/pori-dev/pori/internal/tunnel"
)

// LocalForwarder is the narrow contract the Forwarder needs from a local
// HTTP client; *localclient.Client satisfies it.
type LocalForwarder interface {
	Forward(ctx context.Context, method, path string, headers tunnel.Headers, body []byte) (*localclient.LocalResponse, *localclient.LocalError)
}

// Stats is the narrow contract the Forwarder needs from AppStats.
type Stats interface {
	BeginRequest()
	EndRequest(success bool, bytesForwarded int, elapsed time.Duration)
}

// DashboardSink is the narrow contract the Forwarder needs to publish
// dashboard events.
type DashboardSink interface {
	Publish(events.DashboardEvent)
}

// errorHeaders are the headers attached to every synthesized error response.
func errorHeaders() tunnel.Headers {
	return tunnel.Headers{
		"content-type":  "text/plain; charset=utf-8",
		"cache-control": "no-cache",
	}
}

// Forwarder maps inbound HttpRequest frames to outbound HttpResponse (or
// error) frames, bounding concurrency to maxConnections.
type Forwarder struct {
	client    LocalForwarder
	stats     Stats
	dashboard DashboardSink
	timeout   time.Duration
	sem       chan struct{}

	mu       sync.Mutex
	inFlight map[string]*inflightEntry
}

type inflightEntry struct {
	cancel         context.CancelFunc
	remoteCanceled atomic.Bool
}

// New builds a Forwarder. maxConnections bounds both the number of
// concurrently in-flight local calls and, by extension, back-pressure onto
// forwarder-in.
func New(client LocalForwarder, stats Stats, dashboard DashboardSink, maxConnections int, timeout time.Duration) *Forwarder {
	return &Forwarder{
		client:    client,
		stats:     stats,
		dashboard: dashboard,
		timeout:   timeout,
		sem:       make(chan struct{}, maxConnections),
		inFlight:  make(map[string]*inflightEntry),
	}
}

// Run reads HttpRequest frames from in until it is closed or ctx is done,
// emitting exactly one response frame per accepted request onto out (unless
// the request was remotely cancelled). Run blocks the read
// from in whenever maxConnections requests are already outstanding; this is
// the system's admission-control back-pressure mechanism.
func (f *Forwarder) Run(ctx context.Context, in <-chan tunnel.TunnelFrame, out chan<- tunnel.TunnelFrame) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			select {
			case f.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-f.sem }()
				f.handle(ctx, frame, out)
			}()
		}
	}
}

// Cancel treats id as a remote cancellation: if a request with that id is
// still in flight, it is cancelled and no response frame will be sent.
func (f *Forwarder) Cancel(id string) {
	f.mu.Lock()
	entry, ok := f.inFlight[id]
	f.mu.Unlock()
	if !ok {
		return
	}
	entry.remoteCanceled.Store(true)
	entry.cancel()
}

// CancelAll aborts every in-flight request without emitting a response
// frame. The control channel calls it when a session ends: request ids are
// scoped to the session that issued them, so nothing still outstanding can
// be answered on the next one.
func (f *Forwarder) CancelAll() {
	f.mu.Lock()
	entries := make([]*inflightEntry, 0, len(f.inFlight))
	for _, entry := range f.inFlight {
		entries = append(entries, entry)
	}
	f.mu.Unlock()
	for _, entry := range entries {
		entry.remoteCanceled.Store(true)
		entry.cancel()
	}
}

func (f *Forwarder) handle(parent context.Context, frame tunnel.TunnelFrame, out chan<- tunnel.TunnelFrame) {
	reqCtx, cancel := context.WithTimeout(parent, f.timeout)
	defer cancel()

	entry := &inflightEntry{cancel: cancel}
	f.mu.Lock()
	f.inFlight[frame.ID] = entry
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.inFlight, frame.ID)
		f.mu.Unlock()
	}()

	path := NormalizePath(frame.URL)
	body, err := tunnel.DecodeBody(frame.Body)
	if err != nil {
		f.emitError(parent, out, frame.ID, fmt.Sprintf("undecodable request body: %v", err))
		return
	}

	f.stats.BeginRequest()
	f.dashboard.Publish(events.DashboardEvent{
		Kind:    events.EventRequestForwarded,
		Summary: frame.Method + " " + path,
	})

	start := time.Now()
	resp, lerr := f.client.Forward(reqCtx, frame.Method, path, frame.Headers, body)
	elapsed := time.Since(start)

	if entry.remoteCanceled.Load() {
		f.stats.EndRequest(false, 0, elapsed)
		return
	}

	if lerr == nil {
		respFrame := tunnel.TunnelFrame{
			Type:       tunnel.TypeHTTPResponse,
			ID:         frame.ID,
			Status:     resp.Status,
			StatusText: tunnel.Reason(resp.Status),
			Headers:    resp.Headers,
			Body:       tunnel.EncodeBody(resp.Body),
		}
		f.stats.EndRequest(true, len(resp.Body), elapsed)
		f.dashboard.Publish(events.DashboardEvent{
			Kind:    events.EventResponseReceived,
			Status:  resp.Status,
			ByteLen: len(resp.Body),
		})
		f.send(parent, out, respFrame)
		return
	}

	var status int
	var statusText, message string
	if reqCtx.Err() == context.DeadlineExceeded {
		status, statusText = 504, "Gateway Timeout"
		message = fmt.Sprintf("Local server did not respond within %s", f.timeout)
	} else {
		switch lerr.Kind {
		case localclient.KindConnection:
			status, statusText = 503, "Service Unavailable"
			message = fmt.Sprintf("Local server is unreachable: %v", lerr.Unwrap())
		default:
			status, statusText = 502, "Bad Gateway"
			message = fmt.Sprintf("Local server error: %v", lerr.Unwrap())
		}
	}

	respFrame := tunnel.TunnelFrame{
		Type:       tunnel.TypeHTTPResponse,
		ID:         frame.ID,
		Status:     status,
		StatusText: statusText,
		Headers:    errorHeaders(),
		Body:       tunnel.EncodeBody([]byte(message)),
	}
	f.stats.EndRequest(false, 0, elapsed)
	f.dashboard.Publish(events.DashboardEvent{Kind: events.EventError, Message: message})
	f.send(parent, out, respFrame)
}

func (f *Forwarder) emitError(ctx context.Context, out chan<- tunnel.TunnelFrame, id, message string) {
	f.dashboard.Publish(events.DashboardEvent{Kind: events.EventError, Message: message})
	f.send(ctx, out, tunnel.TunnelFrame{Type: tunnel.TypeError, ID: id, Message: message})
}

func (f *Forwarder) send(ctx context.Context, out chan<- tunnel.TunnelFrame, frame tunnel.TunnelFrame) {
	select {
	case out <- frame:
	case <-ctx.Done():
	}
}

// NormalizePath tolerates the URL forms the remote proxy may send: requests
// already rooted at "/" pass through verbatim, absolute URLs are reduced to
// path+query, and anything else is rooted at "/". NormalizePath is
// idempotent.
func NormalizePath(raw string) string {
	if strings.HasPrefix(raw, "/") {
		return raw
	}
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		p := u.Path
		if p == "" {
			p = "/"
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p
	}
	return "/" + strings.TrimPrefix(raw, "/")
}
