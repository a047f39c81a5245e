// Package app implements the Coordination Fabric: shared state, the three
// event streams that wire the Local HTTP Client, Control-Channel Client, and
// Request Forwarder together, the statistics aggregator, and graceful
// shutdown orchestration.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/pori-dev/pori/internal/config"
	"github.com/pori-dev/pori/internal/controlchannel"
	"github.com/pori-dev/pori/internal/events"
	"github.com/pori-dev/pori/internal/tunnel"
)

// drainTimeout bounds how long shutdown waits for in-flight requests to
// finish before forcing the rest of the teardown sequence.
const drainTimeout = 5 * time.Second

// statsAggregatorInterval is how often the statistics aggregator snapshots
// AppStats and emits a Statistics dashboard event.
const statsAggregatorInterval = time.Second

// controlRunner is satisfied by *controlchannel.Client; it needs an
// in-flight canceler for remote-cancel and session-teardown routing and
// reports a terminal error (nil on clean shutdown). Drain stops routing
// new inbound requests while the session stays up.
type controlRunner interface {
	Run(ctx context.Context, forwarderIn chan<- tunnel.TunnelFrame, controlOut <-chan tunnel.TunnelFrame, requests controlchannel.InFlightCanceler) error
	Drain()
}

// forwarderRunner is satisfied by *forwarder.Forwarder.
type forwarderRunner interface {
	Run(ctx context.Context, in <-chan tunnel.TunnelFrame, out chan<- tunnel.TunnelFrame)
	Cancel(id string)
	CancelAll()
}

// Fabric owns Settings, Stats, the DashboardBus, and the three event
// streams, and drives startup/shutdown of the other components.
type Fabric struct {
	settings  *config.Settings
	stats     *Stats
	bus       *DashboardBus
	forwarder forwarderRunner
	control   controlRunner

	forwarderIn chan tunnel.TunnelFrame
	controlOut  chan tunnel.TunnelFrame

	shutdownErr error
}

// New builds a Fabric. forwarderIn and controlOut are sized to
// settings.MaxConnections so a slow proxy back-pressures the wire reader
// instead of growing an unbounded queue.
func New(settings *config.Settings, stats *Stats, bus *DashboardBus, fwd forwarderRunner, ctrl controlRunner) *Fabric {
	return &Fabric{
		settings:    settings,
		stats:       stats,
		bus:         bus,
		forwarder:   fwd,
		control:     ctrl,
		forwarderIn: make(chan tunnel.TunnelFrame, settings.MaxConnections),
		controlOut:  make(chan tunnel.TunnelFrame, settings.MaxConnections),
	}
}

// Stats returns the Fabric's shared AppStats, for components (e.g. the
// dashboard server) that only need to read snapshots.
func (f *Fabric) Stats() *Stats { return f.stats }

// Bus returns the Fabric's DashboardBus, for the dashboard server to
// subscribe to.
func (f *Fabric) Bus() *DashboardBus { return f.bus }

// Run spawns the dashboard bus, the statistics aggregator, the Forwarder,
// and the Control-Channel Client, then blocks until ctx is cancelled (the
// shutdown signal) or a component fails fatally, draining in-flight
// requests and tearing the components down in dependency order before
// returning. A non-nil return means some component crashed or a fatal
// error occurred; nil means a clean shutdown.
func (f *Fabric) Run(ctx context.Context) error {
	controlCtx, cancelControl := context.WithCancel(context.Background())
	forwarderCtx, cancelForwarder := context.WithCancel(context.Background())
	busCtx, cancelBus := context.WithCancel(context.Background())
	aggCtx, cancelAgg := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	fatal := make(chan error, 1)
	controlDone := make(chan struct{})
	forwarderDone := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.bus.Run(busCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.runAggregator(aggCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(forwarderDone)
		f.forwarder.Run(forwarderCtx, f.forwarderIn, f.controlOut)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(controlDone)
		if err := f.control.Run(controlCtx, f.forwarderIn, f.controlOut, f.forwarder); err != nil {
			select {
			case fatal <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-fatal:
		f.shutdownErr = err
	}

	f.stats.SetConnectionStatus(events.StatusDisconnected, "shutting down")
	f.bus.Publish(events.DashboardEvent{Kind: events.EventConnectionStatus, ConnectionStatus: events.StatusDisconnected})

	// Stop admitting new inbound requests, then let those already in
	// flight finish while the control channel is still up, so their
	// response frames reach the wire.
	f.control.Drain()
	f.waitForDrain(drainTimeout)

	// Close the session; anything still in flight past the drain window is
	// cancelled by the control client on its way out. forwarderIn can only
	// be closed once its sole producer has exited.
	cancelControl()
	<-controlDone
	close(f.forwarderIn)

	cancelForwarder()
	<-forwarderDone
	close(f.controlOut)

	cancelAgg()
	cancelBus()

	wg.Wait()

	return f.shutdownErr
}

func (f *Fabric) runAggregator(ctx context.Context) {
	ticker := time.NewTicker(statsAggregatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := f.stats.Snapshot()
			f.bus.Publish(events.DashboardEvent{Kind: events.EventStatistics, Stats: &snap})
		}
	}
}

func (f *Fabric) waitForDrain(max time.Duration) {
	deadline := time.Now().Add(max)
	for f.stats.ActiveRequests() > 0 && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}
}
