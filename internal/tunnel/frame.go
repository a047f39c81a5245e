// Package tunnel defines the wire protocol exchanged between the agent and
// the remote proxy over the control channel: a self-describing tagged JSON
// frame per message, encoded one frame per WebSocket text message.
package tunnel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// FrameType discriminates the tagged variants of TunnelFrame.
type FrameType string

const (
	TypeAuth         FrameType = "auth"
	TypeAuthAck      FrameType = "auth_ack"
	TypeHTTPRequest  FrameType = "http_request"
	TypeHTTPResponse FrameType = "http_response"
	TypePing         FrameType = "ping"
	TypePong         FrameType = "pong"
	TypeError        FrameType = "error"
)

// Headers is a case-insensitive string-to-string header map. Keys are
// stored and compared in lower case.
type Headers map[string]string

// Get returns the value for key, case-insensitively, and whether it was
// present.
func (h Headers) Get(key string) (string, bool) {
	v, ok := h[lowerKey(key)]
	return v, ok
}

// Set stores value under key, case-insensitively.
func (h Headers) Set(key, value string) {
	h[lowerKey(key)] = value
}

// Del removes key, case-insensitively.
func (h Headers) Del(key string) {
	delete(h, lowerKey(key))
}

func lowerKey(key string) string {
	b := []byte(key)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// hopByHop is the set of headers stripped from both directions.
var hopByHop = map[string]bool{
	"connection":          true,
	"upgrade":             true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
}

// StripHopByHop returns a copy of h with hop-by-hop headers removed.
func StripHopByHop(h Headers) Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		lk := lowerKey(k)
		if hopByHop[lk] {
			continue
		}
		out[lk] = v
	}
	return out
}

// TunnelFrame is the flat, tagged representation of every message exchanged
// over the control channel. Only the fields relevant to Type are populated;
// the rest are left at their zero value and omitted from the JSON encoding.
type TunnelFrame struct {
	Type FrameType `json:"type"`

	// Auth
	Token string `json:"token,omitempty"`

	// AuthAck
	OK     bool   `json:"ok,omitempty"`
	Reason string `json:"reason,omitempty"`

	// HttpRequest / HttpResponse / Error share ID.
	ID string `json:"id,omitempty"`

	// HttpRequest
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`

	// HttpRequest / HttpResponse
	Headers Headers `json:"headers,omitempty"`
	Body    *string `json:"body,omitempty"`

	// HttpResponse
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`

	// Error
	Message string `json:"message,omitempty"`
}

// Encode marshals f to its JSON wire representation.
func Encode(f TunnelFrame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("tunnel: encoding frame %q: %w", f.Type, err)
	}
	return data, nil
}

// Decode unmarshals a JSON wire message into a TunnelFrame.
func Decode(data []byte) (TunnelFrame, error) {
	var f TunnelFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return TunnelFrame{}, fmt.Errorf("tunnel: decoding frame: %w", err)
	}
	return f, nil
}

// EncodeBody base64-encodes body for the wire; it returns nil when body is
// empty, so empty bodies are absent from the encoded frame.
func EncodeBody(body []byte) *string {
	if len(body) == 0 {
		return nil
	}
	s := base64.StdEncoding.EncodeToString(body)
	return &s
}

// DecodeBody reverses EncodeBody. A nil body decodes to nil bytes.
func DecodeBody(body *string) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(*body)
	if err != nil {
		return nil, fmt.Errorf("tunnel: decoding body: %w", err)
	}
	return b, nil
}

// reasonPhrases is the IANA status reason-phrase table used by Reason.
var reasonPhrases = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	102: "Processing",
	103: "Early Hints",
	200: "OK",
	201: "Created",
	202: "Accepted",
	203: "Non-Authoritative Information",
	204: "No Content",
	205: "Reset Content",
	206: "Partial Content",
	207: "Multi-Status",
	208: "Already Reported",
	226: "IM Used",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	305: "Use Proxy",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	402: "Payment Required",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	412: "Precondition Failed",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	416: "Range Not Satisfiable",
	417: "Expectation Failed",
	418: "I'm a Teapot",
	421: "Misdirected Request",
	422: "Unprocessable Entity",
	423: "Locked",
	424: "Failed Dependency",
	425: "Too Early",
	426: "Upgrade Required",
	428: "Precondition Required",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",
	451: "Unavailable For Legal Reasons",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
	506: "Variant Also Negotiates",
	507: "Insufficient Storage",
	508: "Loop Detected",
	510: "Not Extended",
	511: "Network Authentication Required",
}

// Reason returns the standard IANA reason phrase for status, or the empty
// string for codes not in the table.
func Reason(status int) string {
	return reasonPhrases[status]
}
