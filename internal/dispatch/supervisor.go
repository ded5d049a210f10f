package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wakulink/go-backend/internal/transport"
)

const (
	triggerProbe      = "probe"
	triggerDisconnect = "peer_disconnect"
)

func (d *Dispatcher) superviseLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkSubscription(ctx, triggerProbe)
		}
	}
}

func (d *Dispatcher) onPeerDisconnect(ctx context.Context, peer string) {
	d.logger.Debug("peer disconnected", "operation", "supervise", "peer", peer)
	d.spawn(func() {
		d.checkSubscription(ctx, triggerDisconnect)
	})
}

// CheckSubscription probes the live subscription and runs the resubscribe protocol if the
// probe fails. Concurrent calls collapse into the one already running.
func (d *Dispatcher) CheckSubscription(ctx context.Context) {
	d.checkSubscription(ctx, triggerProbe)
}

func (d *Dispatcher) checkSubscription(ctx context.Context, trigger string) {
	if !d.checking.CompareAndSwap(false, true) {
		return
	}
	defer d.checking.Store(false)

	sub := d.currentSubscription()
	if sub == nil || ctx.Err() != nil {
		return
	}
	log := d.logger.With("operation", "check_subscription", "trigger", trigger)

	pingCtx, cancel := context.WithTimeout(ctx, d.cfg.OperationTimeout)
	err := sub.Ping(pingCtx)
	cancel()
	if err == nil {
		return
	}
	log.Warn("subscription probe failed", "error", err.Error())
	if !d.enterDegraded() {
		return
	}
	d.resubscribeLoop(ctx)
}

func (d *Dispatcher) enterDegraded() bool {
	d.mu.Lock()
	if d.state == StateStopped || d.state == StateStarting {
		d.mu.Unlock()
		return false
	}
	d.transitionLocked(StateDegraded)
	d.mu.Unlock()
	d.metrics.SubscriptionConnected(false)
	d.publishStatus()
	return true
}

// resubscribeLoop retries until the subscription is healthy and the downtime gap has been
// replayed, or until ctx is cancelled.
func (d *Dispatcher) resubscribeLoop(ctx context.Context) {
	t0 := d.now()
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		attempts++
		if !d.setResubscribing(attempts) {
			return
		}
		log := d.logger.With("operation", "resubscribe", "attempt", attempts)

		err := d.resubscribe(ctx, attempts)
		if err == nil {
			err = d.gapFill(ctx, t0, attempts)
		}
		d.metrics.ResubscribeAttempt(err == nil)
		if err == nil {
			d.markSubscribed()
			log.Info("subscription restored")
			return
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		d.setDegraded()
		wait := d.backoff(attempts)
		log.Warn("resubscribe attempt failed", "error", err.Error(), "retry_in", wait.String())
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// resubscribe tries a raw resubscribe first; once attempts exceed the recreate threshold the
// old handle is torn down and a fresh subscription created. Success requires a healthy ping.
func (d *Dispatcher) resubscribe(ctx context.Context, attempts int) error {
	opCtx, cancel := context.WithTimeout(ctx, d.cfg.OperationTimeout)
	defer cancel()

	sub := d.currentSubscription()
	if sub == nil {
		return ErrNotRunning
	}
	if attempts > d.cfg.RecreateAfterAttempts {
		if err := sub.UnsubscribeAll(opCtx); err != nil {
			d.logger.Debug("teardown before recreate failed", "operation", "resubscribe", "error", err.Error())
		}
		d.mu.Lock()
		handler := d.handler
		d.mu.Unlock()
		if handler == nil {
			return ErrNotRunning
		}
		next, err := d.transport.Subscribe(opCtx, d.topic, handler)
		if err != nil {
			return fmt.Errorf("recreate subscription: %w", err)
		}
		if !d.replaceSubscription(next) {
			_ = next.UnsubscribeAll(opCtx)
			return ErrNotRunning
		}
		sub = next
	} else if err := sub.Resubscribe(opCtx); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	} else if d.State() == StateStopped {
		_ = sub.UnsubscribeAll(opCtx)
		return ErrNotRunning
	}
	if err := sub.Ping(opCtx); err != nil {
		return fmt.Errorf("ping after resubscribe: %w", err)
	}
	return nil
}

func (d *Dispatcher) gapFill(ctx context.Context, t0 time.Time, attempts int) error {
	q := transport.HistoryQuery{
		Forward:  true,
		PageSize: d.cfg.HistoryPageSize,
		Start:    t0.Add(-d.backfillWindow(attempts)),
		End:      d.now(),
	}
	d.gapFilling.Add(1)
	defer d.gapFilling.Add(-1)
	_, err := d.DispatchQuery(ctx, q, true)
	if err != nil {
		return fmt.Errorf("gap fill: %w", err)
	}
	return nil
}

func (d *Dispatcher) replaceSubscription(sub transport.Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateStopped {
		return false
	}
	d.sub = sub
	return true
}

func (d *Dispatcher) setResubscribing(attempts int) bool {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return false
	}
	d.attempts = attempts
	d.transitionLocked(StateResubscribing)
	d.mu.Unlock()
	d.publishStatus()
	return true
}

func (d *Dispatcher) setDegraded() {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return
	}
	d.transitionLocked(StateDegraded)
	d.mu.Unlock()
	d.publishStatus()
}

func (d *Dispatcher) markSubscribed() {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return
	}
	d.attempts = 0
	d.transitionLocked(StateSubscribed)
	d.mu.Unlock()
	d.metrics.SubscriptionConnected(true)
	d.publishStatus()
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	wait := time.Duration(attempts) * d.cfg.BackoffBase
	if wait > d.cfg.BackoffMax || wait <= 0 {
		wait = d.cfg.BackoffMax
	}
	return wait
}

func (d *Dispatcher) backfillWindow(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts) * d.cfg.BackfillWindow
}

func sleepCtx(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
