package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pori-dev/pori/internal/app"
	"github.com/pori-dev/pori/internal/config"
	"github.com/pori-dev/pori/internal/controlchannel"
	"github.com/pori-dev/pori/internal/events"
	"github.com/pori-dev/pori/internal/tunnel"
)

func TestStats_EndRequest_RollingAverage(t *testing.T) {
	s := app.NewStats()
	s.BeginRequest()
	s.EndRequest(true, 10, 100*time.Millisecond)
	s.BeginRequest()
	s.EndRequest(true, 20, 200*time.Millisecond)

	snap := s.Snapshot()
	if snap.RequestsProcessed != 2 || snap.RequestsSuccessful != 2 || snap.RequestsFailed != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.BytesForwarded != 30 {
		t.Errorf("BytesForwarded = %d, want 30", snap.BytesForwarded)
	}
	want := 150.0 // (100+200)/2
	if diff := snap.AvgResponseMillis - want; diff > 1 || diff < -1 {
		t.Errorf("AvgResponseMillis = %.2f, want ~%.2f", snap.AvgResponseMillis, want)
	}
}

func TestStats_Invariant_ProcessedEqualsSuccessPlusFailed(t *testing.T) {
	s := app.NewStats()
	s.BeginRequest()
	s.EndRequest(true, 1, time.Millisecond)
	s.BeginRequest()
	s.EndRequest(false, 0, time.Millisecond)
	s.BeginRequest()
	s.EndRequest(false, 0, time.Millisecond)

	snap := s.Snapshot()
	if snap.RequestsSuccessful+snap.RequestsFailed != snap.RequestsProcessed {
		t.Errorf("invariant violated: %+v", snap)
	}
}

func TestStats_ActiveRequestsNeverNegative(t *testing.T) {
	s := app.NewStats()
	s.BeginRequest()
	s.EndRequest(true, 0, 0)
	if s.ActiveRequests() < 0 {
		t.Errorf("ActiveRequests = %d, want >= 0", s.ActiveRequests())
	}
}

func TestDashboardBus_PublishAndSubscribe(t *testing.T) {
	bus := app.NewDashboardBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	defer cancel()

	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)

	bus.Publish(events.DashboardEvent{Kind: events.EventError, Message: "boom"})

	select {
	case e := <-ch:
		if e.Kind != events.EventError || e.Message != "boom" {
			t.Errorf("got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

type recordingHistory struct {
	mu     sync.Mutex
	events []events.DashboardEvent
}

func (r *recordingHistory) Record(e events.DashboardEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingHistory) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDashboardBus_FeedsHistory(t *testing.T) {
	hist := &recordingHistory{}
	bus := app.NewDashboardBus(hist)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	defer cancel()

	bus.Publish(events.DashboardEvent{Kind: events.EventRequestForwarded, Summary: "GET /x"})
	bus.Publish(events.DashboardEvent{Kind: events.EventRequestForwarded, Summary: "GET /y"})

	deadline := time.Now().Add(time.Second)
	for hist.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hist.count() != 2 {
		t.Errorf("history recorded %d events, want 2", hist.count())
	}
}

func TestDashboardBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := app.NewDashboardBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	defer cancel()

	id, _ := bus.Subscribe() // never drained
	defer bus.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(events.DashboardEvent{Kind: events.EventError, Message: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

type fakeForwarder struct {
	cancelled []string
	mu        sync.Mutex
}

func (f *fakeForwarder) Run(ctx context.Context, in <-chan tunnel.TunnelFrame, out chan<- tunnel.TunnelFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-in:
			if !ok {
				return
			}
		}
	}
}

func (f *fakeForwarder) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeForwarder) CancelAll() {}

type fakeControl struct {
	runErr  error
	ran     chan struct{}
	mu      sync.Mutex
	drained bool
}

func (f *fakeControl) Run(ctx context.Context, forwarderIn chan<- tunnel.TunnelFrame, controlOut <-chan tunnel.TunnelFrame, requests controlchannel.InFlightCanceler) error {
	if f.ran != nil {
		close(f.ran)
	}
	<-ctx.Done()
	return f.runErr
}

func (f *fakeControl) Drain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = true
}

func (f *fakeControl) wasDrained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drained
}

func testSettings() *config.Settings {
	return &config.Settings{
		RemoteURL:      "wss://proxy.example.com/tunnel",
		Token:          "t",
		Protocol:       "http",
		LocalPort:      3000,
		Timeout:        time.Second,
		MaxReconnects:  0,
		DashboardPort:  4040,
		MaxConnections: 4,
		LogLevel:       "info",
	}
}

func TestFabric_CleanShutdown(t *testing.T) {
	stats := app.NewStats()
	bus := app.NewDashboardBus(nil)
	fwd := &fakeForwarder{}
	ctrl := &fakeControl{ran: make(chan struct{})}

	fabric := app.New(testSettings(), stats, bus, fwd, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fabric.Run(ctx) }()

	<-ctrl.ran
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fabric.Run did not return after shutdown signal")
	}

	if !ctrl.wasDrained() {
		t.Error("Fabric did not drain the control client before tearing it down")
	}
}

func TestFabric_FatalControlError(t *testing.T) {
	stats := app.NewStats()
	bus := app.NewDashboardBus(nil)
	fwd := &fakeForwarder{}
	boom := errFatal{}
	ctrl := &fakeControlImmediateError{err: boom}

	fabric := app.New(testSettings(), stats, bus, fwd, ctrl)

	done := make(chan error, 1)
	go func() { done <- fabric.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected Run to return the fatal control error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fabric.Run did not return after a fatal control error")
	}
}

type errFatal struct{}

func (errFatal) Error() string { return "fatal control error" }

type fakeControlImmediateError struct {
	err error
}

func (f *fakeControlImmediateError) Run(ctx context.Context, forwarderIn chan<- tunnel.TunnelFrame, controlOut <-chan tunnel.TunnelFrame, requests controlchannel.InFlightCanceler) error {
	return f.err
}

func (f *fakeControlImmediateError) Drain() {}
