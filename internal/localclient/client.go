// Package localclient issues HTTP requests against the agent's local
// origin and classifies failures so the Request Forwarder can choose the
// correct synthetic response.
package localclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pori-dev/pori/internal/tunnel"
)

// Kind classifies why a local-origin call failed.
type Kind int

const (
	// KindConnection covers TCP/TLS connect refused, DNS failure, host
	// unreachable, and connection reset.
	KindConnection Kind = iota
	// KindProtocol covers malformed HTTP responses and invalid framing.
	KindProtocol
	// KindBodyIO covers network errors during body transfer after headers
	// have already arrived.
	KindBodyIO
	// KindOther covers anything not otherwise classified.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindBodyIO:
		return "body_io"
	default:
		return "other"
	}
}

// LocalError wraps a failed call to the local origin with its classified
// Kind. The underlying cause is reachable via errors.Unwrap.
type LocalError struct {
	Kind Kind
	Err  error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("local client: %s: %v", e.Kind, e.Err)
}

func (e *LocalError) Unwrap() error { return e.Err }

// LocalResponse is the result of a successful call to the local origin.
type LocalResponse struct {
	Status     int
	StatusText string
	Headers    tunnel.Headers
	Body       []byte
}

// Client issues requests against one local origin.
type Client struct {
	origin     string
	host       string
	httpClient *http.Client
}

// New builds a Client for origin (e.g. "http://127.0.0.1:3000"). When
// verifySSL is false, TLS certificates presented by the origin are not
// validated — intended for local dev HTTPS. New does not set a client-side
// timeout; the caller imposes one via the context passed to Forward.
func New(origin string, verifySSL bool) (*Client, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("localclient: invalid origin %q: %w", origin, err)
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifySSL},
	}
	return &Client{
		origin: strings.TrimRight(origin, "/"),
		host:   u.Host,
		httpClient: &http.Client{
			Transport: transport,
		},
	}, nil
}

// Forward issues method against path (which must begin with "/") on the
// local origin, carrying headers and body. It does not apply the per-request
// timeout itself; callers that want one should derive ctx with
// context.WithTimeout before calling Forward.
func (c *Client) Forward(ctx context.Context, method, path string, headers tunnel.Headers, body []byte) (*LocalResponse, *LocalError) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.origin+path, bodyReader)
	if err != nil {
		return nil, classify(err)
	}
	for k, v := range tunnel.StripHopByHop(headers) {
		req.Header.Set(k, v)
	}
	req.Host = c.host

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &LocalError{Kind: KindBodyIO, Err: err}
	}

	respHeaders := tunnel.Headers{}
	for k := range resp.Header {
		respHeaders.Set(k, resp.Header.Get(k))
	}
	respHeaders = tunnel.StripHopByHop(respHeaders)
	// The origin's Content-Length may reflect a transfer encoding that was
	// stripped above; recompute from the bytes actually read.
	respHeaders.Set("content-length", strconv.Itoa(len(respBody)))

	return &LocalResponse{
		Status:     resp.StatusCode,
		StatusText: tunnel.Reason(resp.StatusCode),
		Headers:    respHeaders,
		Body:       respBody,
	}, nil
}

// classify inspects err for a recognized typed network error first, falling
// back to a substring heuristic only when no typed classification applies.
func classify(err error) *LocalError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &LocalError{Kind: KindConnection, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &LocalError{Kind: KindConnection, Err: err}
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return &LocalError{Kind: KindConnection, Err: err}
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return &LocalError{Kind: KindConnection, Err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &LocalError{Kind: KindProtocol, Err: err}
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"connection", "refused", "unreachable", "network"} {
		if strings.Contains(msg, substr) {
			return &LocalError{Kind: KindConnection, Err: err}
		}
	}
	return &LocalError{Kind: KindOther, Err: err}
}
