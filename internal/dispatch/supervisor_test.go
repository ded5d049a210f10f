package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"wakulink/go-backend/internal/envelope"
)

func TestResubscribeConvergesAfterPingFailures(t *testing.T) {
	const failures = 3
	ft := newFakeTransport()
	store := &memoryStore{}
	d := newTestDispatcher(t, ft, store, func(cfg *Config, _ *Deps) {
		cfg.RecreateAfterAttempts = 10
	})
	rec := &recorder{}
	if _, err := d.On("x", rec.handler()); err != nil {
		t.Fatalf("on: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	missed := rawMessage(t, "x", "missed", time.Now().Add(-5*time.Second))
	ft.mu.Lock()
	ft.pingFailures = failures
	ft.history = append(ft.history, missed)
	ft.mu.Unlock()

	d.CheckSubscription(context.Background())

	if d.State() != StateSubscribed {
		t.Fatalf("expected subscribed, got %s", d.State())
	}
	info := d.ConnectionInfo()
	if !info.SubscriptionConnected || info.ResubscribeAttempts != 0 {
		t.Fatalf("unexpected connection info: %+v", info)
	}
	pings, resubscribes, _, subscribeCalls, queries := ft.counters()
	if resubscribes != failures {
		t.Fatalf("expected %d resubscribe cycles, got %d", failures, resubscribes)
	}
	if pings != failures+1 {
		t.Fatalf("expected %d pings, got %d", failures+1, pings)
	}
	if subscribeCalls != 1 {
		t.Fatalf("raw resubscribe must not recreate the subscription, got %d subscribe calls", subscribeCalls)
	}
	if queries != 1 {
		t.Fatalf("expected exactly one gap-fill query, got %d", queries)
	}

	ft.mu.Lock()
	q := ft.queries[0]
	ft.mu.Unlock()
	if !q.Forward || q.End.Before(q.Start) || time.Since(q.Start) < failures*testConfig().BackfillWindow {
		t.Fatalf("gap-fill window does not cover the downtime: %+v", q)
	}

	calls := rec.all()
	if len(calls) != 1 || calls[0].meta.FromStore {
		t.Fatalf("gap-fill must deliver the missed message as live: %+v", calls)
	}
	if appends, _ := store.snapshot(); appends != 1 {
		t.Fatalf("gap-filled message should be persisted once, got %d", appends)
	}
}

func TestResubscribeRecreatesAfterThreshold(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, nil, func(cfg *Config, _ *Deps) {
		cfg.RecreateAfterAttempts = 1
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ft.mu.Lock()
	ft.pingFailures = 3
	ft.mu.Unlock()

	d.CheckSubscription(context.Background())

	_, resubscribes, unsubscribes, subscribeCalls, queries := ft.counters()
	if resubscribes != 1 {
		t.Fatalf("expected one raw resubscribe before recreating, got %d", resubscribes)
	}
	if subscribeCalls != 3 || unsubscribes != 2 {
		t.Fatalf("expected two teardown+recreate cycles, got subscribe=%d unsubscribe=%d", subscribeCalls, unsubscribes)
	}
	if queries != 1 || d.State() != StateSubscribed {
		t.Fatalf("unexpected end state %s with %d queries", d.State(), queries)
	}
}

func TestHealthyProbeDoesNothing(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, nil, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.CheckSubscription(context.Background())
	pings, resubscribes, _, _, queries := ft.counters()
	if pings != 1 || resubscribes != 0 || queries != 0 {
		t.Fatalf("healthy probe triggered work: pings=%d resubscribes=%d queries=%d", pings, resubscribes, queries)
	}
}

func TestConcurrentChecksCollapse(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, nil, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	gate := make(chan struct{})
	entered := make(chan struct{})
	ft.mu.Lock()
	ft.pingGate = gate
	ft.pingEntered = entered
	ft.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.CheckSubscription(context.Background())
	}()
	<-entered
	d.CheckSubscription(context.Background())
	close(gate)
	wg.Wait()

	if pings, _, _, _, _ := ft.counters(); pings != 1 {
		t.Fatalf("concurrent triggers must collapse into one probe, got %d pings", pings)
	}
}

func TestPeerDisconnectTriggersResubscribe(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, nil, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ft.mu.Lock()
	ft.pingFailures = 1
	ft.mu.Unlock()

	ft.disconnect("peerA")

	waitFor(t, 2*time.Second, func() bool {
		_, _, _, _, queries := ft.counters()
		return queries == 1 && d.State() == StateSubscribed
	})
}

func TestHandlerCanStopDispatcherDuringGapFill(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, nil, nil)
	stopped := make(chan error, 1)
	if _, err := d.On("logout", func(context.Context, envelope.Payload, string, Metadata) error {
		stopped <- d.Stop(context.Background())
		return nil
	}); err != nil {
		t.Fatalf("on: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ft.mu.Lock()
	ft.pingFailures = 1
	ft.history = append(ft.history, rawMessage(t, "logout", true, time.Now().Add(-time.Second)))
	ft.mu.Unlock()

	// runs the check on a supervised goroutine
	ft.disconnect("peerA")

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop from a gap-fill handler did not return")
	}
	if d.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", d.State())
	}
	waitFor(t, 2*time.Second, func() bool {
		return d.gapFilling.Load() == 0 && !d.checking.Load()
	})
	if d.State() != StateStopped {
		t.Fatalf("supervisor revived a stopped dispatcher: %s", d.State())
	}
	_, _, unsubscribes, _, _ := ft.counters()
	if unsubscribes != 1 {
		t.Fatalf("subscription must be released once, got %d", unsubscribes)
	}
}

func TestProbeTickerDetectsFailure(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, nil, func(cfg *Config, _ *Deps) {
		cfg.ProbeInterval = 10 * time.Millisecond
	})
	ft.pingFailures = 1
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, resubscribes, _, _, queries := ft.counters()
		return resubscribes == 1 && queries == 1 && d.State() == StateSubscribed
	})
}

func TestStopInterruptsBackoff(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, nil, func(cfg *Config, _ *Deps) {
		cfg.BackoffBase = time.Hour
		cfg.BackoffMax = time.Hour
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ft.mu.Lock()
	ft.pingFailures = 1000
	ft.mu.Unlock()

	ft.disconnect("peerA")
	waitFor(t, 2*time.Second, func() bool {
		_, resubscribes, _, _, _ := ft.counters()
		return resubscribes >= 1 && d.State() == StateDegraded
	})
	if d.ConnectionInfo().SubscriptionConnected {
		t.Fatal("degraded subscription reported as connected")
	}

	done := make(chan struct{})
	go func() {
		_ = d.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked on resubscribe backoff")
	}
	if d.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", d.State())
	}
}

func TestBackoffIsLinearAndCapped(t *testing.T) {
	d := newTestDispatcher(t, newFakeTransport(), nil, func(cfg *Config, _ *Deps) {
		cfg.BackoffBase = time.Second
		cfg.BackoffMax = 5 * time.Second
	})
	cases := map[int]time.Duration{1: time.Second, 3: 3 * time.Second, 5: 5 * time.Second, 9: 5 * time.Second}
	for attempts, want := range cases {
		if got := d.backoff(attempts); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
	if got := d.backfillWindow(2); got != 2*d.Config().BackfillWindow {
		t.Fatalf("backfill window must widen with attempts, got %v", got)
	}
}
