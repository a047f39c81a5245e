package app

import (
	"sync"
	"time"

	"github.com/pori-dev/pori/internal/events"
)

// Stats is the single mutable AppStats value, guarded by a reader-writer
// discipline: writers (the Forwarder, the Control-Channel Client, and the
// Fabric at shutdown) hold the exclusive lock only for the span needed to
// produce a consistent update; readers such as the statistics aggregator
// take snapshots under the shared lock.
type Stats struct {
	mu sync.RWMutex

	requestsProcessed   uint64
	requestsSuccessful  uint64
	requestsFailed      uint64
	bytesForwarded      uint64
	websocketReconnects uint64
	activeRequests      int64
	connectionStatus    events.ConnectionStatus
	statusMessage       string
	avgResponseMillis   float64
	startedAt           time.Time
}

// NewStats returns a Stats with its clock started and connection status set
// to Connecting.
func NewStats() *Stats {
	return &Stats{
		startedAt:        time.Now(),
		connectionStatus: events.StatusConnecting,
	}
}

// BeginRequest increments active_requests. It satisfies forwarder.Stats.
func (s *Stats) BeginRequest() {
	s.mu.Lock()
	s.activeRequests++
	s.mu.Unlock()
}

// EndRequest decrements active_requests, updates the processed/successful/
// failed counters, accumulates bytes_forwarded, and folds elapsed into the
// rolling mean response time using the unbounded cumulative average:
// avg' = (avg*(n-1) + sample) / n. It satisfies forwarder.Stats.
func (s *Stats) EndRequest(success bool, bytesForwarded int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeRequests--
	s.requestsProcessed++
	if success {
		s.requestsSuccessful++
	} else {
		s.requestsFailed++
	}
	s.bytesForwarded += uint64(bytesForwarded)

	n := float64(s.requestsProcessed)
	sample := float64(elapsed.Microseconds()) / 1000.0
	s.avgResponseMillis = (s.avgResponseMillis*(n-1) + sample) / n
}

// SetConnectionStatus records a connection state transition. It satisfies
// controlchannel.Stats.
func (s *Stats) SetConnectionStatus(status events.ConnectionStatus, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionStatus = status
	s.statusMessage = message
}

// IncWebsocketReconnects increments the monotonic reconnect counter. It
// satisfies controlchannel.Stats.
func (s *Stats) IncWebsocketReconnects() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.websocketReconnects++
}

// ActiveRequests returns the current active_requests gauge.
func (s *Stats) ActiveRequests() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRequests
}

// Snapshot takes an immutable, consistent copy of the current stats.
func (s *Stats) Snapshot() events.StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return events.StatsSnapshot{
		RequestsProcessed:   s.requestsProcessed,
		RequestsSuccessful:  s.requestsSuccessful,
		RequestsFailed:      s.requestsFailed,
		BytesForwarded:      s.bytesForwarded,
		WebsocketReconnects: s.websocketReconnects,
		UptimeSeconds:       time.Since(s.startedAt).Seconds(),
		ActiveRequests:      s.activeRequests,
		ConnectionStatus:    s.connectionStatus,
		StatusMessage:       s.statusMessage,
		AvgResponseMillis:   s.avgResponseMillis,
		Timestamp:           time.Now(),
	}
}
