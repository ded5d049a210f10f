package waku

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"wakulink/go-backend/internal/transport"
)

const subscriptionQueueSize = 256

// messageBus is the in-process relay used by the mock transport. Non-ephemeral messages are
// kept per topic so history queries behave like a store node.
type messageBus struct {
	mu      sync.Mutex
	subs    map[*busSubscription]struct{}
	records map[transport.Topic][]transport.Message
}

var globalBus = newMessageBus()

func newMessageBus() *messageBus {
	return &messageBus{
		subs:    make(map[*busSubscription]struct{}),
		records: make(map[transport.Topic][]transport.Message),
	}
}

func (b *messageBus) publish(msg transport.Message, historyLimit int, logger *slog.Logger) {
	topic := transport.Topic{Pubsub: msg.PubsubTopic, Content: msg.ContentTopic}
	msg.Payload = append([]byte(nil), msg.Payload...)

	b.mu.Lock()
	if !msg.Ephemeral {
		kept := append(b.records[topic], msg)
		if historyLimit > 0 && len(kept) > historyLimit {
			kept = append([]transport.Message(nil), kept[len(kept)-historyLimit:]...)
		}
		b.records[topic] = kept
	}
	targets := make([]*busSubscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.topic == topic {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.enqueue(msg) {
			logger.Warn("mock subscription queue full, dropping message", "content_topic", msg.ContentTopic)
		}
	}
}

func (b *messageBus) history(topic transport.Topic, q transport.HistoryQuery) []transport.Message {
	b.mu.Lock()
	out := make([]transport.Message, 0, len(b.records[topic]))
	for _, msg := range b.records[topic] {
		if q.Contains(msg.Timestamp) {
			out = append(out, msg)
		}
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if q.Forward {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (b *messageBus) subscribe(n *Node, topic transport.Topic, handler transport.Handler) *busSubscription {
	sub := &busSubscription{bus: b, node: n, topic: topic, handler: handler}
	b.attach(sub)
	return sub
}

func (b *messageBus) attach(sub *busSubscription) {
	sub.mu.Lock()
	if sub.queue == nil {
		sub.queue = make(chan transport.Message, subscriptionQueueSize)
		sub.done = make(chan struct{})
		go sub.pump(sub.queue, sub.done)
	}
	sub.mu.Unlock()

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
}

func (b *messageBus) detach(sub *busSubscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	sub.mu.Lock()
	if sub.done != nil {
		close(sub.done)
		sub.done = nil
		sub.queue = nil
	}
	sub.mu.Unlock()
}

func (b *messageBus) attached(sub *busSubscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[sub]
	return ok
}

func (b *messageBus) removeNode(n *Node) {
	b.mu.Lock()
	owned := make([]*busSubscription, 0)
	for sub := range b.subs {
		if sub.node == n {
			owned = append(owned, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range owned {
		b.detach(sub)
	}
}

type busSubscription struct {
	bus     *messageBus
	node    *Node
	topic   transport.Topic
	handler transport.Handler

	mu    sync.Mutex
	queue chan transport.Message
	done  chan struct{}
}

func (s *busSubscription) enqueue(msg transport.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return true
	}
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

func (s *busSubscription) pump(queue <-chan transport.Message, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-queue:
			s.handler(msg)
		}
	}
}

func (s *busSubscription) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.node.isOnline() || len(s.node.PeerAddresses()) == 0 {
		return transport.ErrNotConnected
	}
	if !s.bus.attached(s) {
		return transport.ErrSubscriptionClosed
	}
	return nil
}

func (s *busSubscription) UnsubscribeAll(context.Context) error {
	s.bus.detach(s)
	return nil
}

func (s *busSubscription) Resubscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.node.isOnline() {
		return transport.ErrNotConnected
	}
	s.bus.attach(s)
	return nil
}
