// Package natsbus carries dispatcher traffic over NATS. Persistent messages go through a
// JetStream stream so they can be replayed; ephemeral ones use core NATS publish.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nats-io/nats.go"

	"wakulink/go-backend/internal/transport"
)

const (
	headerTimestamp = "Wakulink-Timestamp"
	headerPubsub    = "Wakulink-Pubsub"
	headerContent   = "Wakulink-Content"

	kindPersistent = "msg"
	kindEphemeral  = "eph"

	pingTimeout = 2 * time.Second
)

var connectivityPollInterval = 50 * time.Millisecond

type Config struct {
	URL             string        `yaml:"url" envconfig:"URL"`
	Name            string        `yaml:"name" envconfig:"NAME"`
	Stream          string        `yaml:"stream" envconfig:"STREAM"`
	SubjectPrefix   string        `yaml:"subjectPrefix" envconfig:"SUBJECT_PREFIX"`
	MaxAge          time.Duration `yaml:"maxAge" envconfig:"MAX_AGE"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout" envconfig:"CONNECT_TIMEOUT"`
	ReconnectWait   time.Duration `yaml:"reconnectWait" envconfig:"RECONNECT_WAIT"`
	MaxReconnects   int           `yaml:"maxReconnects" envconfig:"MAX_RECONNECTS"`
	PageIdleTimeout time.Duration `yaml:"pageIdleTimeout" envconfig:"PAGE_IDLE_TIMEOUT"`
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Name:            "wakulink-node",
		Stream:          "WAKULINK",
		SubjectPrefix:   "wakulink",
		MaxAge:          30 * 24 * time.Hour,
		ConnectTimeout:  10 * time.Second,
		ReconnectWait:   2 * time.Second,
		MaxReconnects:   60,
		PageIdleTimeout: 500 * time.Millisecond,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = def.URL
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = def.Name
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		cfg.Stream = def.Stream
	}
	cfg.SubjectPrefix = strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.PageIdleTimeout <= 0 {
		cfg.PageIdleTimeout = def.PageIdleTimeout
	}
	return cfg
}

// Bus is a transport.Transport backed by one NATS connection.
type Bus struct {
	cfg    Config
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger

	mu           sync.Mutex
	listeners    map[int]func(string)
	nextListener int
}

func Connect(cfg Config, logger *slog.Logger) (*Bus, error) {
	cfg = normalizeConfig(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		cfg:       cfg,
		logger:    logger.With("component", "natsbus"),
		listeners: make(map[int]func(string)),
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(b.handleDisconnect),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "server", nc.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	b.nc = nc
	b.js = js
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStream() error {
	subjects := []string{b.cfg.SubjectPrefix + "." + kindPersistent + ".>"}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   b.cfg.MaxAge,
	})
	if err == nil || errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil
	}
	return fmt.Errorf("ensure stream %s: %w", b.cfg.Stream, err)
}

func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

func (b *Bus) WaitForConnectivity(ctx context.Context) error {
	ticker := time.NewTicker(connectivityPollInterval)
	defer ticker.Stop()
	for {
		if b.nc.IsConnected() {
			return nil
		}
		if b.nc.IsClosed() {
			return transport.ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Bus) Subscribe(_ context.Context, topic transport.Topic, handler transport.Handler) (transport.Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	sub := &subscription{bus: b, subject: b.subject("*", topic), handler: handler}
	if err := sub.open(); err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *Bus) Publish(ctx context.Context, topic transport.Topic, msg transport.Message) transport.PublishResult {
	if err := topic.Validate(); err != nil {
		return transport.FailedResult(err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	kind := kindPersistent
	if msg.Ephemeral {
		kind = kindEphemeral
	}
	out := nats.NewMsg(b.subject(kind, topic))
	out.Data = msg.Payload
	out.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp.UnixMilli(), 10))
	out.Header.Set(headerPubsub, topic.Pubsub)
	out.Header.Set(headerContent, topic.Content)

	if msg.Ephemeral {
		if err := b.nc.PublishMsg(out); err != nil {
			return transport.FailedResult(err)
		}
		return transport.PublishResult{}
	}
	if _, err := b.js.PublishMsg(out, nats.Context(ctx)); err != nil {
		return transport.FailedResult(err)
	}
	return transport.PublishResult{}
}

func (b *Bus) QueryHistory(ctx context.Context, topic transport.Topic, q transport.HistoryQuery) (transport.HistoryCursor, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	opts := []nats.SubOpt{nats.OrderedConsumer()}
	if !q.Start.IsZero() {
		opts = append(opts, nats.StartTime(q.Start))
	}
	sub, err := b.js.SubscribeSync(b.subject(kindPersistent, topic), opts...)
	if err != nil {
		return nil, fmt.Errorf("history consumer: %w", err)
	}
	cursor := &historyCursor{sub: sub, query: q, pageSize: q.PageSize, idle: b.cfg.PageIdleTimeout}
	if q.Forward {
		return cursor, nil
	}
	// JetStream only reads forward; backward queries drain the range and reverse it.
	cursor.pageSize = 0
	page, err := cursor.Next(ctx)
	if err != nil {
		return nil, err
	}
	msgs := page.Messages
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return transport.NewSliceCursor(msgs, q.PageSize), nil
}

func (b *Bus) OnPeerDisconnect(fn func(peer string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextListener
	b.nextListener++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *Bus) PeerAddresses() []string {
	if !b.nc.IsConnected() {
		return nil
	}
	return []string{b.nc.ConnectedUrlRedacted()}
}

func (b *Bus) handleDisconnect(nc *nats.Conn, err error) {
	peer := b.cfg.URL
	if addr := nc.ConnectedUrlRedacted(); addr != "" {
		peer = addr
	}
	attrs := []any{"server", peer}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	b.logger.Warn("nats disconnected", attrs...)

	b.mu.Lock()
	fns := make([]func(string), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(peer)
	}
}

// subject maps a topic pair onto NATS tokens. Topics contain '/' and '.', so each is base58
// encoded into a single token.
func (b *Bus) subject(kind string, topic transport.Topic) string {
	return strings.Join([]string{
		b.cfg.SubjectPrefix,
		kind,
		topicToken(topic.Pubsub),
		topicToken(topic.Content),
	}, ".")
}

func topicToken(topic string) string {
	if topic == "" {
		return "_"
	}
	return base58.Encode([]byte(topic))
}

func fromNATS(m *nats.Msg) transport.Message {
	msg := transport.Message{
		Payload:      m.Data,
		ContentTopic: m.Header.Get(headerContent),
		PubsubTopic:  m.Header.Get(headerPubsub),
		Ephemeral:    strings.Contains(m.Subject, "."+kindEphemeral+"."),
	}
	if ms, err := strconv.ParseInt(m.Header.Get(headerTimestamp), 10, 64); err == nil && ms > 0 {
		msg.Timestamp = time.UnixMilli(ms)
	} else if meta, err := m.Metadata(); err == nil {
		msg.Timestamp = meta.Timestamp
	}
	return msg
}

type subscription struct {
	bus     *Bus
	subject string
	handler transport.Handler

	mu  sync.Mutex
	sub *nats.Subscription
}

func (s *subscription) open() error {
	sub, err := s.bus.nc.Subscribe(s.subject, func(m *nats.Msg) {
		s.handler(fromNATS(m))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Ping round-trips a flush to the server and checks the subscription is still registered.
func (s *subscription) Ping(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil || !sub.IsValid() {
		return transport.ErrSubscriptionClosed
	}
	var err error
	if _, ok := ctx.Deadline(); ok {
		err = s.bus.nc.FlushWithContext(ctx)
	} else {
		err = s.bus.nc.FlushTimeout(pingTimeout)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	return nil
}

func (s *subscription) UnsubscribeAll(context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil || !sub.IsValid() {
		return nil
	}
	return sub.Unsubscribe()
}

func (s *subscription) Resubscribe(context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil && sub.IsValid() {
		return nil
	}
	return s.open()
}

// historyCursor pages an ordered consumer. A page ends when the consumer has nothing pending
// or stays idle for the configured timeout.
type historyCursor struct {
	sub      *nats.Subscription
	query    transport.HistoryQuery
	pageSize int
	idle     time.Duration
	done     bool
}

func (c *historyCursor) Next(ctx context.Context) (transport.HistoryPage, error) {
	if c.done {
		return transport.HistoryPage{Complete: true}, nil
	}
	page := transport.HistoryPage{}
	for c.pageSize <= 0 || len(page.Messages) < c.pageSize {
		waitCtx, cancel := context.WithTimeout(ctx, c.idle)
		m, err := c.sub.NextMsgWithContext(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				c.finish()
				return transport.HistoryPage{}, ctx.Err()
			}
			c.finish()
			break
		}
		msg := fromNATS(m)
		if c.query.Contains(msg.Timestamp) {
			page.Messages = append(page.Messages, msg)
		}
		if meta, err := m.Metadata(); err == nil && meta.NumPending == 0 {
			c.finish()
			break
		}
	}
	page.Complete = c.done
	return page, nil
}

// Close drops the ordered consumer when the caller stops before the last page.
func (c *historyCursor) Close() error {
	c.finish()
	return nil
}

func (c *historyCursor) finish() {
	if c.done {
		return
	}
	c.done = true
	_ = c.sub.Unsubscribe()
}
