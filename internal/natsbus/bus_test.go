package natsbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"wakulink/go-backend/internal/transport"
)

var testTopic = transport.Topic{Pubsub: "/waku/2/default-waku/proto", Content: "/wakulink/1/dispatch/json"}

func startTestServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      natsserver.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func connectBus(t *testing.T, ns *natsserver.Server) *Bus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = ns.ClientURL()
	cfg.ReconnectWait = 50 * time.Millisecond
	cfg.PageIdleTimeout = 200 * time.Millisecond
	b, err := Connect(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(b.Close)
	if err := b.WaitForConnectivity(context.Background()); err != nil {
		t.Fatalf("wait for connectivity: %v", err)
	}
	return b
}

type collector struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (c *collector) handle(msg transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, string(m.Payload))
	}
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishSubscribeKeepsTopicsAndTimestamps(t *testing.T) {
	ns := startTestServer(t)
	b := connectBus(t, ns)

	var got collector
	sub, err := b.Subscribe(context.Background(), testTopic, got.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ts := time.UnixMilli(1_700_000_000_123)
	if res := b.Publish(context.Background(), testTopic, transport.Message{Payload: []byte("persistent"), Timestamp: ts}); !res.OK() {
		t.Fatalf("publish: %v", res.Errors)
	}
	if res := b.Publish(context.Background(), testTopic, transport.Message{Payload: []byte("ephemeral"), Ephemeral: true}); !res.OK() {
		t.Fatalf("publish ephemeral: %v", res.Errors)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(got.payloads()) == 2 })

	got.mu.Lock()
	first, second := got.msgs[0], got.msgs[1]
	got.mu.Unlock()
	if first.ContentTopic != testTopic.Content || first.PubsubTopic != testTopic.Pubsub {
		t.Fatalf("topics not carried: %+v", first)
	}
	if !first.Timestamp.Equal(ts) || first.Ephemeral {
		t.Fatalf("unexpected persistent message: %+v", first)
	}
	if !second.Ephemeral {
		t.Fatal("ephemeral flag not carried")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sub.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestHistoryReturnsOnlyPersistentMessagesInPages(t *testing.T) {
	ns := startTestServer(t)
	b := connectBus(t, ns)

	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	for i, p := range []string{"a", "b", "c"} {
		b.Publish(context.Background(), testTopic, transport.Message{Payload: []byte(p), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	b.Publish(context.Background(), testTopic, transport.Message{Payload: []byte("eph"), Ephemeral: true})
	other := transport.Topic{Pubsub: testTopic.Pubsub, Content: "/wakulink/1/other/json"}
	b.Publish(context.Background(), other, transport.Message{Payload: []byte("other")})

	cursor, err := b.QueryHistory(context.Background(), testTopic, transport.HistoryQuery{Forward: true, PageSize: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var pages [][]string
	for {
		page, err := cursor.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		var ps []string
		for _, m := range page.Messages {
			ps = append(ps, string(m.Payload))
		}
		pages = append(pages, ps)
		if page.Complete {
			break
		}
	}
	if len(pages) != 2 || strings.Join(pages[0], ",") != "a,b" || strings.Join(pages[1], ",") != "c" {
		t.Fatalf("unexpected pages: %v", pages)
	}

	backward, err := b.QueryHistory(context.Background(), testTopic, transport.HistoryQuery{Start: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("backward query: %v", err)
	}
	page, err := backward.Next(context.Background())
	if err != nil {
		t.Fatalf("backward next: %v", err)
	}
	var ps []string
	for _, m := range page.Messages {
		ps = append(ps, string(m.Payload))
	}
	if strings.Join(ps, ",") != "c,b" {
		t.Fatalf("backward query should return newest first within range, got %v", ps)
	}
}

func TestEmptyHistoryCompletes(t *testing.T) {
	ns := startTestServer(t)
	b := connectBus(t, ns)
	cursor, err := b.QueryHistory(context.Background(), testTopic, transport.HistoryQuery{Forward: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	page, err := cursor.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !page.Complete || len(page.Messages) != 0 {
		t.Fatalf("expected an empty complete page, got %+v", page)
	}
}

func TestClosingHistoryCursorEarlyDropsConsumer(t *testing.T) {
	ns := startTestServer(t)
	b := connectBus(t, ns)
	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	for i, p := range []string{"a", "b", "c"} {
		b.Publish(context.Background(), testTopic, transport.Message{Payload: []byte(p), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	cursor, err := b.QueryHistory(context.Background(), testTopic, transport.HistoryQuery{Forward: true, PageSize: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	page, err := cursor.Next(context.Background())
	if err != nil || page.Complete || len(page.Messages) != 1 {
		t.Fatalf("expected a partial first page, got %+v %v", page, err)
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if cursor.(*historyCursor).sub.IsValid() {
		t.Fatal("ordered consumer still subscribed after Close")
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	page, err = cursor.Next(context.Background())
	if err != nil || !page.Complete || len(page.Messages) != 0 {
		t.Fatalf("closed cursor must report completion, got %+v %v", page, err)
	}
}

func TestUnsubscribeAndResubscribe(t *testing.T) {
	ns := startTestServer(t)
	b := connectBus(t, ns)

	var got collector
	sub, err := b.Subscribe(context.Background(), testTopic, got.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.UnsubscribeAll(context.Background()); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := sub.Ping(context.Background()); !errors.Is(err, transport.ErrSubscriptionClosed) {
		t.Fatalf("expected ErrSubscriptionClosed, got %v", err)
	}
	if err := sub.Resubscribe(context.Background()); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if err := sub.Ping(context.Background()); err != nil {
		t.Fatalf("ping after resubscribe: %v", err)
	}
	b.Publish(context.Background(), testTopic, transport.Message{Payload: []byte("back")})
	waitUntil(t, 2*time.Second, func() bool { return len(got.payloads()) == 1 })
}

func TestServerShutdownRaisesPeerDisconnect(t *testing.T) {
	ns := startTestServer(t)
	b := connectBus(t, ns)
	if len(b.PeerAddresses()) != 1 {
		t.Fatalf("expected the connected server as peer, got %v", b.PeerAddresses())
	}

	lost := make(chan string, 4)
	cancel := b.OnPeerDisconnect(func(peer string) { lost <- peer })
	defer cancel()

	ns.Shutdown()
	select {
	case peer := <-lost:
		if peer == "" {
			t.Fatal("disconnect event without a server address")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect event")
	}
}

func TestSubjectTokensAreSafe(t *testing.T) {
	b := &Bus{cfg: normalizeConfig(Config{SubjectPrefix: ".custom."})}
	subject := b.subject(kindPersistent, testTopic)
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "custom" || parts[1] != kindPersistent {
		t.Fatalf("unexpected subject %q", subject)
	}
	if strings.ContainsAny(parts[2]+parts[3], "/*> ") {
		t.Fatalf("topic tokens must not contain subject metacharacters: %q", subject)
	}
}
