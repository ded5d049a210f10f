// Package dispatch turns a duplicate-prone transport stream into a deduplicated, verified,
// type-routed event stream and keeps the live subscription healthy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wakulink/go-backend/internal/dedup"
	"wakulink/go-backend/internal/platform/statushub"
	"wakulink/go-backend/internal/transport"
	"wakulink/go-backend/pkg/models"
)

type State string

const (
	StateStopped       State = "stopped"
	StateStarting      State = "starting"
	StateSubscribed    State = "subscribed"
	StateDegraded      State = "degraded"
	StateResubscribing State = "resubscribing"
)

var (
	ErrNotRunning     = errors.New("dispatcher is not running")
	ErrStartAborted   = errors.New("dispatcher stopped during start")
	ErrNoTransport    = errors.New("transport is required")
	ErrInvalidType    = errors.New("message type is required")
	ErrNilHandler     = errors.New("handler is required")
	ErrRateLimited    = errors.New("emit rate limited")
	ErrPayloadDecode  = errors.New("payload decode failed")
	ErrCallbackPanic  = errors.New("callback panicked")
	ErrNilDecryptKey  = errors.New("decryption key is required")
	ErrInvalidEmitKey = errors.New("signing identity is empty")
)

type Deps struct {
	Transport transport.Transport
	Store     Store
	Verifier  Verifier
	Metrics   Metrics
	Limiter   Limiter
	Status    *statushub.Hub
	Logger    *slog.Logger
	Now       func() time.Time
}

// Dispatcher is one messaging session over a single pubsub/content topic pair.
type Dispatcher struct {
	cfg       Config
	topic     transport.Topic
	transport transport.Transport
	store     Store
	verifier  Verifier
	metrics   Metrics
	limiter   Limiter
	status    *statushub.Hub
	logger    *slog.Logger
	now       func() time.Time

	seen *dedup.Cache

	regMu         sync.RWMutex
	registrations map[string][]*Registration
	keyed         map[registrationKey]*Registration
	decrypters    []Decrypter
	nextRegID     uint64

	mu               sync.Mutex
	state            State
	sub              transport.Subscription
	handler          transport.Handler
	cancel           context.CancelFunc
	disconnectCancel func()
	wg               sync.WaitGroup
	attempts         int
	lastDelivered    time.Time
	outboundFailures int
	stateTransitions int

	checking   atomic.Bool
	gapFilling atomic.Int32
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Transport == nil {
		return nil, ErrNoTransport
	}
	cfg = normalizeConfig(cfg)
	d := &Dispatcher{
		cfg:           cfg,
		topic:         transport.Topic{Pubsub: cfg.PubsubTopic, Content: cfg.ContentTopic},
		transport:     deps.Transport,
		store:         deps.Store,
		verifier:      deps.Verifier,
		metrics:       deps.Metrics,
		limiter:       deps.Limiter,
		status:        deps.Status,
		logger:        deps.Logger,
		now:           deps.Now,
		seen:          dedup.NewCache(cfg.DedupCapacity),
		registrations: make(map[string][]*Registration),
		keyed:         make(map[registrationKey]*Registration),
		state:         StateStopped,
	}
	if d.metrics == nil {
		d.metrics = nopMetrics{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.logger = d.logger.With("component", "dispatcher", "content_topic", cfg.ContentTopic)
	return d, nil
}

func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Start waits for transport connectivity, subscribes to the content topic and launches the
// subscription supervisor. Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateStopped {
		d.mu.Unlock()
		return nil
	}
	d.transitionLocked(StateStarting)
	d.mu.Unlock()
	d.publishStatus()

	log := d.logger.With("operation", "start")
	waitCtx, cancelWait := context.WithTimeout(ctx, d.cfg.ConnectivityTimeout)
	err := d.transport.WaitForConnectivity(waitCtx)
	cancelWait()
	if err != nil {
		log.Warn("transport connectivity not reached", "error", err.Error())
		d.abortStart()
		return fmt.Errorf("wait for connectivity: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	handler := func(msg transport.Message) {
		d.Dispatch(runCtx, msg, false)
	}
	subCtx, cancelSub := context.WithTimeout(ctx, d.cfg.OperationTimeout)
	sub, err := d.transport.Subscribe(subCtx, d.topic, handler)
	cancelSub()
	if err != nil {
		cancelRun()
		log.Warn("subscribe failed", "error", err.Error())
		d.abortStart()
		return fmt.Errorf("subscribe: %w", err)
	}

	d.mu.Lock()
	if d.state != StateStarting {
		d.mu.Unlock()
		cancelRun()
		d.releaseSubscription(ctx, sub)
		return ErrStartAborted
	}
	d.sub = sub
	d.handler = handler
	d.cancel = cancelRun
	d.attempts = 0
	d.transitionLocked(StateSubscribed)
	d.wg.Add(1)
	d.mu.Unlock()

	disconnectCancel := d.transport.OnPeerDisconnect(func(peer string) {
		d.onPeerDisconnect(runCtx, peer)
	})
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		disconnectCancel()
	} else {
		d.disconnectCancel = disconnectCancel
		d.mu.Unlock()
	}

	go d.superviseLoop(runCtx)

	d.metrics.SubscriptionConnected(true)
	d.publishStatus()
	log.Info("dispatcher started", "pubsub_topic", d.topic.Pubsub)
	return nil
}

func (d *Dispatcher) abortStart() {
	d.mu.Lock()
	if d.state == StateStarting {
		d.transitionLocked(StateStopped)
	}
	d.mu.Unlock()
	d.publishStatus()
}

// Stop cancels the supervisor, releases the subscription and clears registrations and the
// dedup cache. It is safe to call from any state and more than once.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	sub := d.sub
	disconnectCancel := d.disconnectCancel
	d.cancel = nil
	d.sub = nil
	d.handler = nil
	d.disconnectCancel = nil
	d.attempts = 0
	d.transitionLocked(StateStopped)
	d.mu.Unlock()

	if disconnectCancel != nil {
		disconnectCancel()
	}
	if cancel != nil {
		cancel()
	}
	// A gap-fill handler runs on a supervised goroutine and may call Stop itself. That
	// goroutine exits on the cancelled context once the handler returns.
	if d.gapFilling.Load() == 0 {
		d.wg.Wait()
	}

	d.releaseSubscription(ctx, sub)
	d.clearRegistrations()
	d.seen.Purge()
	d.metrics.SubscriptionConnected(false)
	d.publishStatus()
	d.logger.Info("dispatcher stopped", "operation", "stop")
	return nil
}

func (d *Dispatcher) releaseSubscription(ctx context.Context, sub transport.Subscription) {
	if sub == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.OperationTimeout)
	defer cancel()
	if err := sub.UnsubscribeAll(opCtx); err != nil {
		d.logger.Warn("unsubscribe failed", "operation", "stop", "error", err.Error())
	}
}

func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != StateStopped && d.state != StateStarting
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) ConnectionInfo() models.ConnectionInfo {
	d.mu.Lock()
	info := models.ConnectionInfo{
		State:                  string(d.state),
		SubscriptionConnected:  d.state == StateSubscribed,
		ResubscribeAttempts:    d.attempts,
		LastDeliveredTimestamp: d.lastDelivered,
		OutboundFailures:       d.outboundFailures,
	}
	d.mu.Unlock()
	info.PeerAddresses = d.transport.PeerAddresses()
	return info
}

// StateTransitions counts state changes since construction.
func (d *Dispatcher) StateTransitions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateTransitions
}

// SubscribeStatus returns retained status snapshots newer than fromSeq and a channel of later
// ones. Without a hub the channel is closed immediately.
func (d *Dispatcher) SubscribeStatus(fromSeq int64) ([]statushub.Event, <-chan statushub.Event, func()) {
	if d.status == nil {
		ch := make(chan statushub.Event)
		close(ch)
		return nil, ch, func() {}
	}
	return d.status.Subscribe(fromSeq)
}

func (d *Dispatcher) publishStatus() {
	if d.status == nil {
		return
	}
	d.status.Publish(d.ConnectionInfo())
}

func (d *Dispatcher) transitionLocked(next State) {
	if d.state != next {
		d.stateTransitions++
		d.state = next
	}
}

// spawn runs fn on a supervised goroutine unless the dispatcher is stopping.
func (d *Dispatcher) spawn(fn func()) bool {
	d.mu.Lock()
	if d.state == StateStopped || d.cancel == nil {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *Dispatcher) currentSubscription() transport.Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sub
}

func (d *Dispatcher) noteDelivered(ts time.Time) {
	d.mu.Lock()
	if ts.After(d.lastDelivered) {
		d.lastDelivered = ts
	}
	d.mu.Unlock()
}

func (d *Dispatcher) noteOutboundFailure() {
	d.mu.Lock()
	d.outboundFailures++
	d.mu.Unlock()
}
