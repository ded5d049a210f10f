package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"wakulink/go-backend/internal/dedup"
	"wakulink/go-backend/internal/envelope"
	"wakulink/go-backend/internal/transport"
	"wakulink/go-backend/pkg/models"
)

func payloadInt(t *testing.T, d delivery) int {
	t.Helper()
	var n int
	if err := json.Unmarshal(d.payload, &n); err != nil {
		t.Fatalf("payload: %v", err)
	}
	return n
}

func TestDispatchQueryPreservesPageOrder(t *testing.T) {
	ft := newFakeTransport()
	store := &memoryStore{}
	d := newTestDispatcher(t, ft, store, nil)
	rec := &recorder{}
	if _, err := d.On("x", rec.handler()); err != nil {
		t.Fatalf("on: %v", err)
	}
	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		ft.history = append(ft.history, rawMessage(t, "x", i, base.Add(time.Duration(i)*time.Second)))
	}

	n, err := d.DispatchQuery(context.Background(), transport.HistoryQuery{Forward: true, PageSize: 2}, false)
	if err != nil {
		t.Fatalf("dispatch query: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 replayed messages, got %d", n)
	}
	calls := rec.all()
	if len(calls) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(calls))
	}
	for i, c := range calls {
		if payloadInt(t, c) != i {
			t.Fatalf("delivery %d out of order", i)
		}
		if !c.meta.FromStore {
			t.Fatal("historical delivery must be marked FromStore")
		}
	}
	if appends, _ := store.snapshot(); appends != 0 {
		t.Fatalf("replayed messages must not be persisted, got %d", appends)
	}
}

func TestDispatchQueryClosesCursorWhenCancelled(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handled := 0
	if _, err := d.On("x", func(context.Context, envelope.Payload, string, Metadata) error {
		handled++
		cancel()
		return nil
	}); err != nil {
		t.Fatalf("on: %v", err)
	}
	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 3; i++ {
		ft.history = append(ft.history, rawMessage(t, "x", i, base.Add(time.Duration(i)*time.Second)))
	}

	if _, err := d.DispatchQuery(ctx, transport.HistoryQuery{Forward: true, PageSize: 1}, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if handled != 1 {
		t.Fatalf("replay must stop after cancellation, handled %d", handled)
	}
	ft.mu.Lock()
	closed := ft.closedCursors
	ft.mu.Unlock()
	if closed != 1 {
		t.Fatalf("cursor must be closed on early return, closed=%d", closed)
	}

	if _, err := d.DispatchQuery(context.Background(), transport.HistoryQuery{Forward: true}, false); err != nil {
		t.Fatalf("dispatch query: %v", err)
	}
	ft.mu.Lock()
	closed = ft.closedCursors
	ft.mu.Unlock()
	if closed != 2 {
		t.Fatalf("cursor must be closed after a complete replay, closed=%d", closed)
	}
}

func TestDispatchQueryUsesDefaultPageSize(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, nil, nil)
	if _, err := d.DispatchQuery(context.Background(), transport.HistoryQuery{}, true); err != nil {
		t.Fatalf("dispatch query: %v", err)
	}
	if ft.queries[0].PageSize != d.Config().HistoryPageSize {
		t.Fatalf("page size not defaulted: %d", ft.queries[0].PageSize)
	}
}

func TestDispatchLocalQueryReplaysSortedThenCatchesUp(t *testing.T) {
	ft := newFakeTransport()
	store := &memoryStore{}
	d := newTestDispatcher(t, ft, store, nil)
	rec := &recorder{}
	if _, err := d.On("x", rec.handler()); err != nil {
		t.Fatalf("on: %v", err)
	}

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	for _, i := range []int{2, 0, 1} {
		msg := rawMessage(t, "x", i, base.Add(time.Duration(i)*time.Minute))
		h := dedup.ComputeHash(msg.ContentTopic, msg.Payload, msg.Timestamp, msg.PubsubTopic)
		_ = store.Append(context.Background(), models.StoredMessage{
			Hash:         h.String(),
			Direction:    models.DirectionIn,
			ContentTopic: msg.ContentTopic,
			PubsubTopic:  msg.PubsubTopic,
			Payload:      msg.Payload,
			Timestamp:    msg.Timestamp,
		})
	}
	newest := base.Add(2 * time.Minute)
	// the newest stored message is also still in remote history and must not fire twice
	ft.history = append(ft.history,
		rawMessage(t, "x", 2, newest),
		rawMessage(t, "x", 3, base.Add(3*time.Minute)),
	)

	n, err := d.DispatchLocalQuery(context.Background())
	if err != nil {
		t.Fatalf("local query: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 3 local + 2 remote messages handled, got %d", n)
	}
	calls := rec.all()
	if len(calls) != 4 {
		t.Fatalf("expected 4 deliveries, got %d", len(calls))
	}
	for i, c := range calls {
		if payloadInt(t, c) != i {
			t.Fatalf("delivery %d out of order: %d", i, payloadInt(t, c))
		}
		if !c.meta.FromStore {
			t.Fatal("replay must be marked FromStore")
		}
	}
	if q := ft.queries[0]; !q.Start.Equal(newest) || !q.Forward {
		t.Fatalf("remote catch-up must start at the newest stored message: %+v", q)
	}
	if appends, _ := store.snapshot(); appends != 3 {
		t.Fatalf("replay must not write to the store, appends=%d", appends)
	}
}

func TestDispatchLocalQueryWithoutStoreQueriesRemote(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, nil, nil)
	if _, err := d.DispatchLocalQuery(context.Background()); err != nil {
		t.Fatalf("local query: %v", err)
	}
	if len(ft.queries) != 1 || !ft.queries[0].Start.IsZero() {
		t.Fatalf("expected an open-ended remote query, got %+v", ft.queries)
	}
}
