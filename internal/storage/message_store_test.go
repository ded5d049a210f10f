package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wakulink/go-backend/internal/securestore"
	"wakulink/go-backend/pkg/models"
)

func record(hash string, dir models.Direction, ts time.Time) models.StoredMessage {
	return models.StoredMessage{
		Hash:         hash,
		Direction:    dir,
		ContentTopic: "/wakulink/1/dispatch/json",
		PubsubTopic:  "/waku/2/default-waku/proto",
		Payload:      []byte(`{"type":"hello","payload":"` + hash + `"}`),
		Timestamp:    ts,
	}
}

func TestAppendIgnoresDuplicateHash(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	base := time.UnixMilli(1_700_000_000_000).UTC()
	if err := s.Append(ctx, record("h1", models.DirectionIn, base)); err != nil {
		t.Fatalf("append: %v", err)
	}
	dup := record("h1", models.DirectionOut, base.Add(time.Hour))
	if err := s.Append(ctx, dup); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one record, got %d", s.Len())
	}
	got, ok := s.Get("h1")
	if !ok || got.Direction != models.DirectionIn {
		t.Fatalf("first write must win: %+v", got)
	}
	if err := s.Append(ctx, models.StoredMessage{}); !errors.Is(err, ErrEmptyHash) {
		t.Fatalf("expected ErrEmptyHash, got %v", err)
	}
}

func TestAllIsOrderedByTimestamp(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	base := time.UnixMilli(1_700_000_000_000).UTC()
	_ = s.Append(ctx, record("c", models.DirectionIn, base.Add(2*time.Second)))
	_ = s.Append(ctx, record("a", models.DirectionOut, base))
	_ = s.Append(ctx, record("b", models.DirectionIn, base.Add(time.Second)))

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 || all[0].Hash != "a" || all[1].Hash != "b" || all[2].Hash != "c" {
		t.Fatalf("unexpected order: %+v", all)
	}
	in := s.ByDirection(models.DirectionIn)
	if len(in) != 2 || in[0].Hash != "b" {
		t.Fatalf("unexpected inbound records: %+v", in)
	}
}

func TestPersistentMessageStoreReloads(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "messages.json")
	s, err := NewPersistentMessageStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ts := time.UnixMilli(1_700_000_000_000).UTC()
	if err := s.Append(ctx, record("h1", models.DirectionOut, ts)); err != nil {
		t.Fatalf("append: %v", err)
	}

	reopened, err := NewPersistentMessageStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get("h1")
	if !ok || got.Direction != models.DirectionOut || !got.Timestamp.Equal(ts) {
		t.Fatalf("record not reloaded: %+v", got)
	}
}

func TestEncryptedPersistentMessageStoreTamperFailsAuth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.enc")
	s, err := NewEncryptedPersistentMessageStore(path, "pass")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Append(context.Background(), record("h2", models.DirectionIn, time.Now().UTC())); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := NewEncryptedPersistentMessageStore(path, "other"); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for wrong passphrase, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	data[len(data)-3] ^= 0xFF
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}
	_, err = NewEncryptedPersistentMessageStore(path, "pass")
	if !errors.Is(err, securestore.ErrAuthFailed) && !errors.Is(err, securestore.ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed or ErrInvalid, got %v", err)
	}
}

func TestEncryptedStoreAcceptsPlaintextSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	plain, err := NewPersistentMessageStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := plain.Append(context.Background(), record("h3", models.DirectionIn, time.Now().UTC())); err != nil {
		t.Fatalf("append: %v", err)
	}
	sealed, err := NewEncryptedPersistentMessageStore(path, "pass")
	if err != nil {
		t.Fatalf("open plaintext with passphrase: %v", err)
	}
	if sealed.Len() != 1 {
		t.Fatalf("expected plaintext record to load, got %d", sealed.Len())
	}
	if err := sealed.Append(context.Background(), record("h4", models.DirectionIn, time.Now().UTC())); err != nil {
		t.Fatalf("append: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !securestore.IsSealed(raw) {
		t.Fatal("next write must seal the snapshot")
	}
}
