package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wakulink/go-backend/internal/envelope"
	"wakulink/go-backend/internal/transport"
	"wakulink/go-backend/pkg/models"
)

var errPingTimeout = errors.New("ping timeout")

type fakeTransport struct {
	mu             sync.Mutex
	connectErr     error
	subscribeErr   error
	publishResult  transport.PublishResult
	handler        transport.Handler
	published      []transport.Message
	history        []transport.Message
	queries        []transport.HistoryQuery
	disconnectFns  map[int]func(string)
	nextListener   int
	pingFailures   int
	pingGate       chan struct{}
	pingEntered    chan struct{}
	pings          int
	resubscribes   int
	unsubscribes   int
	subscribeCalls int
	closedCursors  int
	peers          []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		disconnectFns: make(map[int]func(string)),
		peers:         []string{"/ip4/127.0.0.1/tcp/60000/p2p/peerA"},
	}
}

func (f *fakeTransport) WaitForConnectivity(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	return ctx.Err()
}

func (f *fakeTransport) Subscribe(_ context.Context, _ transport.Topic, handler transport.Handler) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.handler = handler
	return &fakeSubscription{t: f}, nil
}

func (f *fakeTransport) Publish(_ context.Context, _ transport.Topic, msg transport.Message) transport.PublishResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return f.publishResult
}

func (f *fakeTransport) QueryHistory(_ context.Context, _ transport.Topic, q transport.HistoryQuery) (transport.HistoryCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var out []transport.Message
	for _, msg := range f.history {
		if q.Contains(msg.Timestamp) {
			out = append(out, msg)
		}
	}
	return &trackedCursor{SliceCursor: transport.NewSliceCursor(out, q.PageSize), t: f}, nil
}

type trackedCursor struct {
	*transport.SliceCursor
	t *fakeTransport
}

func (c *trackedCursor) Close() error {
	c.t.mu.Lock()
	c.t.closedCursors++
	c.t.mu.Unlock()
	return c.SliceCursor.Close()
}

func (f *fakeTransport) OnPeerDisconnect(fn func(peer string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextListener
	f.nextListener++
	f.disconnectFns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.disconnectFns, id)
	}
}

func (f *fakeTransport) PeerAddresses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.peers...)
}

func (f *fakeTransport) disconnect(peer string) {
	f.mu.Lock()
	fns := make([]func(string), 0, len(f.disconnectFns))
	for _, fn := range f.disconnectFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(peer)
	}
}

func (f *fakeTransport) lastPublished(t *testing.T) transport.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("nothing was published")
	}
	return f.published[len(f.published)-1]
}

func (f *fakeTransport) counters() (pings, resubscribes, unsubscribes, subscribeCalls, queries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings, f.resubscribes, f.unsubscribes, f.subscribeCalls, len(f.queries)
}

type fakeSubscription struct {
	t *fakeTransport
}

func (s *fakeSubscription) Ping(ctx context.Context) error {
	s.t.mu.Lock()
	gate := s.t.pingGate
	entered := s.t.pingEntered
	s.t.pingGate = nil
	s.t.mu.Unlock()
	if gate != nil {
		close(entered)
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.pings++
	if s.t.pingFailures > 0 {
		s.t.pingFailures--
		return errPingTimeout
	}
	return nil
}

func (s *fakeSubscription) UnsubscribeAll(context.Context) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.unsubscribes++
	return nil
}

func (s *fakeSubscription) Resubscribe(context.Context) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.resubscribes++
	return nil
}

type memoryStore struct {
	mu      sync.Mutex
	records []models.StoredMessage
	appends int
}

func (s *memoryStore) Append(_ context.Context, rec models.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	for _, existing := range s.records {
		if existing.Hash == rec.Hash {
			return nil
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memoryStore) All(context.Context) ([]models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StoredMessage(nil), s.records...), nil
}

func (s *memoryStore) snapshot() (int, []models.StoredMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends, append([]models.StoredMessage(nil), s.records...)
}

type denyLimiter struct{}

func (denyLimiter) Allow(string, time.Time) bool { return false }

type delivery struct {
	payload envelope.Payload
	signer  string
	meta    Metadata
}

type recorder struct {
	mu    sync.Mutex
	calls []delivery
}

func (r *recorder) handler() HandlerFunc {
	return func(_ context.Context, payload envelope.Payload, signer string, meta Metadata) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, delivery{payload: payload, signer: signer, meta: meta})
		return nil
	}
}

func (r *recorder) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.calls...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProbeInterval = time.Hour
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.ConnectivityTimeout = time.Second
	cfg.OperationTimeout = time.Second
	return cfg
}

func newTestDispatcher(t *testing.T, ft *fakeTransport, store Store, mutate func(*Config, *Deps)) *Dispatcher {
	t.Helper()
	cfg := testConfig()
	deps := Deps{
		Transport: ft,
		Store:     store,
		Logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	d, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d
}

func rawMessage(t *testing.T, typ string, payload any, ts time.Time) transport.Message {
	t.Helper()
	var ms int64
	if !ts.IsZero() {
		ms = ts.UnixMilli()
	}
	raw, err := envelope.Encode(typ, payload, ms, nil, "")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return transport.Message{
		Payload:      raw,
		ContentTopic: DefaultContentTopic,
		PubsubTopic:  DefaultPubsubTopic,
		Timestamp:    ts,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
