//go:build real_waku

package waku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"

	"wakulink/go-backend/internal/transport"
)

var errNodeNotStarted = errors.New("go-waku node is not started")

type goWakuNode struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	logger         *slog.Logger
	onDisconnect   func(peer string)
	cfg            Config
	bootstrapNodes []string
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
	metrics        goWakuMetrics
}

type goWakuMetrics struct {
	DialAttempts       int
	DialSuccess        int
	DialFailures       int
	StoreQueryFailover int
	StoreQueryFailures int
}

func newGoWakuBackend(logger *slog.Logger) goWakuBackend {
	return &goWakuNode{logger: logger}
}

func (g *goWakuNode) Start(ctx context.Context, cfg Config) error {
	opts := make([]wakuNode.WakuNodeOption, 0)
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts = append(opts, wakuNode.WithHostAddress(hostAddr))
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if cfg.EnableStore {
		provider, err := newInMemoryMessageProvider()
		if err != nil {
			return err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider))
		opts = append(opts, wakuNode.WithWakuStore())
	}
	if cfg.EnableFilter {
		opts = append(opts, wakuNode.WithWakuFilterLightNode(), wakuNode.WithWakuFilterFullNode())
	}
	if cfg.EnableLightPush {
		opts = append(opts, wakuNode.WithLightPush())
	}

	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	node.Host().Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			g.mu.RLock()
			fn := g.onDisconnect
			g.mu.RUnlock()
			if fn != nil {
				fn(fmt.Sprintf("%s/p2p/%s", conn.RemoteMultiaddr(), conn.RemotePeer()))
			}
		},
	})

	for _, addr := range cfg.BootstrapNodes {
		if err := node.DialPeer(ctx, addr); err != nil {
			g.logger.Warn("bootstrap dial failed", "peer_addr", addr, "reason", err.Error())
		}
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.bootstrapNodes = append([]string(nil), cfg.BootstrapNodes...)
	g.mu.Unlock()
	if cfg.FailoverV1 {
		g.startPeerMaintenance()
	}
	return nil
}

func (g *goWakuNode) Stop() {
	g.stopPeerMaintenance()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuNode) SetDisconnectHandler(fn func(peer string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDisconnect = fn
}

func (g *goWakuNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuNode) PeerAddresses() []string {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return nil
	}
	nw := node.Host().Network()
	out := make([]string, 0)
	for _, id := range nw.Peers() {
		for _, conn := range nw.ConnsToPeer(id) {
			out = append(out, fmt.Sprintf("%s/p2p/%s", conn.RemoteMultiaddr(), id))
		}
	}
	return out
}

func (g *goWakuNode) NetworkMetrics() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"dial_attempts":        g.metrics.DialAttempts,
		"dial_success":         g.metrics.DialSuccess,
		"dial_failures":        g.metrics.DialFailures,
		"store_query_failover": g.metrics.StoreQueryFailover,
		"store_query_failures": g.metrics.StoreQueryFailures,
	}
}

func (g *goWakuNode) ApplyConfig(cfg Config) {
	g.mu.Lock()
	g.cfg.MinPeers = cfg.MinPeers
	g.cfg.ReconnectInterval = cfg.ReconnectInterval
	g.cfg.ReconnectBackoffMax = cfg.ReconnectBackoffMax
	g.cfg.FailoverV1 = cfg.FailoverV1
	g.bootstrapNodes = append([]string(nil), cfg.BootstrapNodes...)
	g.mu.Unlock()

	if cfg.FailoverV1 {
		g.startPeerMaintenance()
		return
	}
	g.stopPeerMaintenance()
}

func (g *goWakuNode) ListenAddresses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil
	}
	addrs := g.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (g *goWakuNode) Subscribe(ctx context.Context, topic transport.Topic, handler transport.Handler) (transport.Subscription, error) {
	sub := &relaySubscription{g: g, topic: topic, handler: handler}
	if err := sub.open(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

func (g *goWakuNode) Publish(ctx context.Context, topic transport.Topic, msg transport.Message) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errNodeNotStarted
	}
	ts := msg.Timestamp.UnixNano()
	ephemeral := msg.Ephemeral
	wm := &wpb.WakuMessage{
		Payload:      msg.Payload,
		ContentTopic: topic.Content,
		Timestamp:    &ts,
		Ephemeral:    &ephemeral,
	}
	_, err := node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(topic.Pubsub))
	return err
}

func (g *goWakuNode) QueryHistory(ctx context.Context, topic transport.Topic, q transport.HistoryQuery) (transport.HistoryCursor, error) {
	g.mu.RLock()
	node := g.node
	bootstrapNodes := append([]string(nil), g.bootstrapNodes...)
	fanout := g.cfg.StoreQueryFanout
	failoverEnabled := g.cfg.FailoverV1
	g.mu.RUnlock()
	if node == nil {
		return nil, errNodeNotStarted
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	criteria := legacyStore.Query{
		PubsubTopic:   topic.Pubsub,
		ContentTopics: []string{topic.Content},
	}
	if !q.Start.IsZero() {
		start := q.Start.UnixNano()
		criteria.StartTime = &start
	}
	if !q.End.IsZero() {
		end := q.End.UnixNano()
		criteria.EndTime = &end
	}
	baseOpts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(q.Forward, uint64(pageSize))}
	if fanout <= 0 {
		fanout = 1
	}

	type queryCandidate struct {
		opts     []legacyStore.HistoryRequestOption
		peerAddr string
	}
	candidates := make([]queryCandidate, 0, min(len(bootstrapNodes), fanout)+1)
	seen := make(map[string]struct{}, len(bootstrapNodes))
	for _, addr := range bootstrapNodes {
		if len(candidates) >= fanout {
			break
		}
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		peerAddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		opts := append([]legacyStore.HistoryRequestOption{}, baseOpts...)
		opts = append(opts, legacyStore.WithPeerAddr(peerAddr))
		candidates = append(candidates, queryCandidate{opts: opts, peerAddr: addr})
	}
	// Last attempt without a fixed peer so go-waku can pick any store peer.
	candidates = append(candidates, queryCandidate{
		opts:     append([]legacyStore.HistoryRequestOption{}, baseOpts...),
		peerAddr: "auto",
	})
	if !failoverEnabled {
		candidates = candidates[:1]
	}

	var (
		result  *legacyStore.Result
		err     error
		lastErr error
	)
	successAttempt := 0
	for i, candidate := range candidates {
		attempt := i + 1
		result, err = node.LegacyStore().Query(ctx, criteria, candidate.opts...)
		if err == nil {
			successAttempt = attempt
			break
		}
		g.recordStoreQueryFailure()
		g.logger.Warn("store query attempt failed", "peer_addr", candidate.peerAddr, "attempt", attempt, "reason", err.Error())
		lastErr = err
	}
	if err != nil {
		return nil, lastErr
	}
	if successAttempt > 1 {
		g.recordStoreQueryFailover()
		g.logger.Info("store query recovered via failover", "attempt", successAttempt)
	}
	return &storeCursor{node: node, topic: topic, result: result}, nil
}

// storeCursor walks legacy store pages. The first Next returns the page fetched by the query.
type storeCursor struct {
	node    *wakuNode.WakuNode
	topic   transport.Topic
	result  *legacyStore.Result
	started bool
	closed  bool
}

func (c *storeCursor) Next(ctx context.Context) (transport.HistoryPage, error) {
	if c.closed {
		return transport.HistoryPage{Complete: true}, nil
	}
	if c.started {
		if c.result.IsComplete() {
			return transport.HistoryPage{Complete: true}, nil
		}
		next, err := c.node.LegacyStore().Next(ctx, c.result)
		if err != nil {
			return transport.HistoryPage{}, err
		}
		c.result = next
	}
	c.started = true
	page := transport.HistoryPage{
		Messages: make([]transport.Message, 0, len(c.result.Messages)),
		Complete: c.result.IsComplete(),
	}
	for _, wm := range c.result.Messages {
		if wm == nil {
			continue
		}
		page.Messages = append(page.Messages, fromWakuMessage(wm, c.topic.Pubsub))
	}
	return page, nil
}

// Close stops further paging; store queries hold no open stream between pages.
func (c *storeCursor) Close() error {
	c.closed = true
	return nil
}

// relaySubscription owns the relay subscriptions for one content filter and pumps their
// envelopes into the handler.
type relaySubscription struct {
	g       *goWakuNode
	topic   transport.Topic
	handler transport.Handler

	mu     sync.Mutex
	subs   []*relay.Subscription
	gen    int
	active int
}

func (s *relaySubscription) open(ctx context.Context) error {
	s.g.mu.RLock()
	node := s.g.node
	s.g.mu.RUnlock()
	if node == nil {
		return errNodeNotStarted
	}
	filter := protocol.NewContentFilter(s.topic.Pubsub, s.topic.Content)
	subs, err := node.Relay().Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.subs = subs
	s.active = len(subs)
	s.mu.Unlock()
	for _, sub := range subs {
		go s.pump(sub, gen)
	}
	return nil
}

func (s *relaySubscription) pump(sub *relay.Subscription, gen int) {
	defer func() {
		s.mu.Lock()
		if s.gen == gen {
			s.active--
		}
		s.mu.Unlock()
	}()
	for env := range sub.Ch {
		if env == nil || env.Message() == nil {
			continue
		}
		s.handler(fromWakuMessage(env.Message(), env.PubsubTopic()))
	}
}

func (s *relaySubscription) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.g.mu.RLock()
	node := s.g.node
	s.g.mu.RUnlock()
	if node == nil {
		return errNodeNotStarted
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active <= 0 {
		return transport.ErrSubscriptionClosed
	}
	if len(node.Relay().PubSub().ListPeers(s.topic.Pubsub)) == 0 {
		return transport.ErrNotConnected
	}
	return nil
}

func (s *relaySubscription) UnsubscribeAll(context.Context) error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.gen++
	s.active = 0
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func (s *relaySubscription) Resubscribe(ctx context.Context) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active > 0 {
		return nil
	}
	return s.open(ctx)
}

func fromWakuMessage(wm *wpb.WakuMessage, pubsubTopic string) transport.Message {
	msg := transport.Message{
		Payload:      wm.Payload,
		ContentTopic: wm.ContentTopic,
		PubsubTopic:  pubsubTopic,
		Ephemeral:    wm.GetEphemeral(),
	}
	if ts := wm.GetTimestamp(); ts > 0 {
		msg.Timestamp = time.Unix(0, ts)
	}
	return msg
}

func (g *goWakuNode) startPeerMaintenance() {
	g.mu.Lock()
	if g.maintainCancel != nil {
		g.maintainCancel()
		g.maintainCancel = nil
	}
	if len(g.bootstrapNodes) == 0 || g.node == nil {
		g.mu.Unlock()
		return
	}
	maintainCtx, cancel := context.WithCancel(context.Background())
	g.maintainCancel = cancel
	g.maintainWG.Add(1)
	cfg := g.cfg
	g.mu.Unlock()

	go func() {
		defer g.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()

		backoff := cfg.ReconnectInterval
		nextAttemptAt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-maintainCtx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttemptAt) {
					continue
				}
				if !g.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}

				ok := g.redialBootstrapPeers(maintainCtx, rnd)
				if ok || !g.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}

				backoff *= 2
				if backoff > cfg.ReconnectBackoffMax {
					backoff = cfg.ReconnectBackoffMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff / 2)))
				nextAttemptAt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (g *goWakuNode) stopPeerMaintenance() {
	g.mu.Lock()
	cancel := g.maintainCancel
	g.maintainCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		g.maintainWG.Wait()
	}
}

func (g *goWakuNode) needMorePeers() bool {
	g.mu.RLock()
	node := g.node
	bootstrapCount := len(g.bootstrapNodes)
	target := g.cfg.MinPeers
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	if target <= 0 {
		target = desiredPeerFloor(bootstrapCount)
	}
	if bootstrapCount > 0 && target > bootstrapCount {
		target = bootstrapCount
	}
	return node.PeerCount() < target
}

func desiredPeerFloor(bootstrapCount int) int {
	if bootstrapCount <= 0 {
		return 0
	}
	if bootstrapCount == 1 {
		return 1
	}
	return 2
}

func (g *goWakuNode) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) bool {
	g.mu.RLock()
	node := g.node
	bootstrapNodes := append([]string(nil), g.bootstrapNodes...)
	g.mu.RUnlock()
	if node == nil || len(bootstrapNodes) == 0 {
		return false
	}

	rnd.Shuffle(len(bootstrapNodes), func(i, j int) {
		bootstrapNodes[i], bootstrapNodes[j] = bootstrapNodes[j], bootstrapNodes[i]
	})

	success := false
	for i, addr := range bootstrapNodes {
		attempt := i + 1
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		g.recordDialAttempt()
		if err := node.DialPeer(ctx, addr); err == nil {
			g.recordDialSuccess()
			success = true
			g.logger.Info("peer redial succeeded", "peer_addr", addr, "attempt", attempt)
			continue
		} else {
			g.recordDialFailure()
			g.logger.Warn("peer redial failed", "peer_addr", addr, "attempt", attempt, "reason", err.Error())
		}
	}
	return success
}

func (g *goWakuNode) recordDialAttempt() {
	g.mu.Lock()
	g.metrics.DialAttempts++
	g.mu.Unlock()
}

func (g *goWakuNode) recordDialSuccess() {
	g.mu.Lock()
	g.metrics.DialSuccess++
	g.mu.Unlock()
}

func (g *goWakuNode) recordDialFailure() {
	g.mu.Lock()
	g.metrics.DialFailures++
	g.mu.Unlock()
}

func (g *goWakuNode) recordStoreQueryFailover() {
	g.mu.Lock()
	g.metrics.StoreQueryFailover++
	g.mu.Unlock()
}

func (g *goWakuNode) recordStoreQueryFailure() {
	g.mu.Lock()
	g.metrics.StoreQueryFailures++
	g.mu.Unlock()
}

func newInMemoryMessageProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
