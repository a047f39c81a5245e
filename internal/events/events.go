// Package events holds the data types shared across the forwarder, control
// channel, and coordination fabric: connection status, dashboard events, and
// statistics snapshots.
package events

import "time"

// ConnectionStatus enumerates the Control-Channel Client's session state.
type ConnectionStatus string

const (
	StatusConnecting     ConnectionStatus = "connecting"
	StatusAuthenticating ConnectionStatus = "authenticating"
	StatusConnected      ConnectionStatus = "connected"
	StatusReconnecting   ConnectionStatus = "reconnecting"
	StatusDisconnected   ConnectionStatus = "disconnected"
	StatusError          ConnectionStatus = "error"
)

// StatsSnapshot is an immutable copy of AppStats taken under its
// reader-writer discipline.
type StatsSnapshot struct {
	RequestsProcessed   uint64           `json:"requests_processed"`
	RequestsSuccessful  uint64           `json:"requests_successful"`
	RequestsFailed      uint64           `json:"requests_failed"`
	BytesForwarded      uint64           `json:"bytes_forwarded"`
	WebsocketReconnects uint64           `json:"websocket_reconnects"`
	UptimeSeconds       float64          `json:"uptime_seconds"`
	ActiveRequests      int64            `json:"active_requests"`
	ConnectionStatus    ConnectionStatus `json:"connection_status"`
	StatusMessage       string           `json:"status_message,omitempty"`
	AvgResponseMillis   float64          `json:"avg_response_millis"`
	Timestamp           time.Time        `json:"timestamp"`
}

// EventKind discriminates the tagged variants of DashboardEvent.
type EventKind string

const (
	EventRequestForwarded EventKind = "request_forwarded"
	EventResponseReceived EventKind = "response_received"
	EventError            EventKind = "error"
	EventConnectionStatus EventKind = "connection_status"
	EventStatistics       EventKind = "statistics"
)

// DashboardEvent is the tagged variant broadcast to the dashboard publisher.
// Only the fields relevant to Kind are populated.
type DashboardEvent struct {
	Kind EventKind `json:"kind"`

	// RequestForwarded
	Summary string `json:"summary,omitempty"`

	// ResponseReceived
	Status  int `json:"status,omitempty"`
	ByteLen int `json:"byte_len,omitempty"`

	// Error
	Message string `json:"message,omitempty"`

	// ConnectionStatus
	ConnectionStatus ConnectionStatus `json:"connection_status,omitempty"`

	// Statistics
	Stats *StatsSnapshot `json:"stats,omitempty"`

	// Timestamp is stamped by the fabric when the event is emitted, used
	// for history ordering.
	Timestamp time.Time `json:"timestamp"`
}
