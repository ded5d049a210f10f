package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"wakulink/go-backend/internal/securestore"
	"wakulink/go-backend/pkg/models"
)

var ErrEmptyHash = errors.New("stored message hash is empty")

// MessageStore keeps transport records keyed by dedup hash. A non-empty path makes it
// write a full snapshot on every change, sealed when a passphrase is set.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]models.StoredMessage
	path     string
	secret   string
}

type snapshot struct {
	Messages []models.StoredMessage `json:"messages"`
}

func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[string]models.StoredMessage)}
}

func NewPersistentMessageStore(path string) (*MessageStore, error) {
	return NewEncryptedPersistentMessageStore(path, "")
}

func NewEncryptedPersistentMessageStore(path, passphrase string) (*MessageStore, error) {
	s := &MessageStore{
		messages: make(map[string]models.StoredMessage),
		path:     path,
		secret:   passphrase,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append stores rec unless a record with the same hash already exists.
func (s *MessageStore) Append(_ context.Context, rec models.StoredMessage) error {
	if rec.Hash == "" {
		return ErrEmptyHash
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[rec.Hash]; ok {
		return nil
	}
	rec.Payload = bytes.Clone(rec.Payload)
	next := cloneMessages(s.messages)
	next[rec.Hash] = rec
	if err := s.persistSnapshotLocked(next); err != nil {
		return err
	}
	s.messages = next
	return nil
}

// All returns every record ordered by timestamp, oldest first.
func (s *MessageStore) All(_ context.Context) ([]models.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedMessages(s.messages, func(models.StoredMessage) bool { return true }), nil
}

func (s *MessageStore) ByDirection(dir models.Direction) []models.StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedMessages(s.messages, func(m models.StoredMessage) bool { return m.Direction == dir })
}

func (s *MessageStore) Get(hash string) (models.StoredMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[hash]
	return msg, ok
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MessageStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	data, err := securestore.ReadFile(s.path, s.secret)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	for _, msg := range snap.Messages {
		if msg.Hash == "" {
			continue
		}
		s.messages[msg.Hash] = msg
	}
	return nil
}

func (s *MessageStore) persistSnapshotLocked(messages map[string]models.StoredMessage) error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{Messages: sortedMessages(messages, func(models.StoredMessage) bool { return true })}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return securestore.WriteFile(s.path, s.secret, data)
}

func cloneMessages(in map[string]models.StoredMessage) map[string]models.StoredMessage {
	out := make(map[string]models.StoredMessage, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedMessages(in map[string]models.StoredMessage, keep func(models.StoredMessage) bool) []models.StoredMessage {
	out := make([]models.StoredMessage, 0, len(in))
	for _, msg := range in {
		if keep(msg) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
