// Package transport defines the pub/sub network contract the dispatcher consumes.
// Adapters (go-waku, NATS, in-memory) live in their own packages.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

type Topic struct {
	Pubsub  string
	Content string
}

func (t Topic) Validate() error {
	if strings.TrimSpace(t.Content) == "" {
		return errors.New("content topic is required")
	}
	return nil
}

// Message is one raw transport message. Payload is opaque (possibly ciphertext).
type Message struct {
	Payload      []byte
	ContentTopic string
	PubsubTopic  string
	Timestamp    time.Time
	Ephemeral    bool
}

type PublishResult struct {
	Errors []string
}

func (r PublishResult) OK() bool {
	return len(r.Errors) == 0
}

func FailedResult(err error) PublishResult {
	if err == nil {
		return PublishResult{}
	}
	return PublishResult{Errors: []string{err.Error()}}
}

type HistoryQuery struct {
	Forward  bool
	PageSize int
	Start    time.Time
	End      time.Time
}

// Contains reports whether ts falls inside the query's time range. Zero bounds are open.
func (q HistoryQuery) Contains(ts time.Time) bool {
	if !q.Start.IsZero() && ts.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && ts.After(q.End) {
		return false
	}
	return true
}

type HistoryPage struct {
	Messages []Message
	Complete bool
}

// HistoryCursor yields history pages in transport order. Close releases whatever the query
// holds open and is safe to call more than once, including after the last page.
type HistoryCursor interface {
	Next(ctx context.Context) (HistoryPage, error)
	Close() error
}

type Subscription interface {
	Ping(ctx context.Context) error
	UnsubscribeAll(ctx context.Context) error
	Resubscribe(ctx context.Context) error
}

type Handler func(Message)

type Transport interface {
	WaitForConnectivity(ctx context.Context) error
	Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error)
	Publish(ctx context.Context, topic Topic, msg Message) PublishResult
	QueryHistory(ctx context.Context, topic Topic, query HistoryQuery) (HistoryCursor, error)
	// OnPeerDisconnect registers fn for peer loss events and returns a func that removes it.
	OnPeerDisconnect(fn func(peer string)) (cancel func())
	PeerAddresses() []string
}

// SliceCursor pages over an in-memory message list.
type SliceCursor struct {
	messages []Message
	pageSize int
	offset   int
}

func NewSliceCursor(messages []Message, pageSize int) *SliceCursor {
	if pageSize <= 0 {
		pageSize = len(messages)
	}
	return &SliceCursor{messages: messages, pageSize: pageSize}
}

func (c *SliceCursor) Next(ctx context.Context) (HistoryPage, error) {
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}
	end := c.offset + c.pageSize
	if end > len(c.messages) {
		end = len(c.messages)
	}
	page := HistoryPage{Messages: append([]Message(nil), c.messages[c.offset:end]...)}
	c.offset = end
	page.Complete = c.offset >= len(c.messages)
	return page, nil
}

func (c *SliceCursor) Close() error {
	c.offset = len(c.messages)
	return nil
}
