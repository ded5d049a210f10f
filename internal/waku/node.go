package waku

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"wakulink/go-backend/internal/transport"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var (
	runtimeStatusPollInterval = 1 * time.Second
	connectivityPollInterval  = 50 * time.Millisecond
)

var ErrBackendUnavailable = errors.New("go-waku backend is not available in this build")

type Config struct {
	Transport           string        `yaml:"transport" envconfig:"TRANSPORT"`
	Port                int           `yaml:"port" envconfig:"PORT"`
	EnableRelay         bool          `yaml:"enableRelay" envconfig:"ENABLE_RELAY"`
	EnableStore         bool          `yaml:"enableStore" envconfig:"ENABLE_STORE"`
	EnableFilter        bool          `yaml:"enableFilter" envconfig:"ENABLE_FILTER"`
	EnableLightPush     bool          `yaml:"enableLightPush" envconfig:"ENABLE_LIGHTPUSH"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes" envconfig:"BOOTSTRAP_NODES"`
	FailoverV1          bool          `yaml:"failoverV1" envconfig:"FAILOVER"`
	MinPeers            int           `yaml:"minPeers" envconfig:"MIN_PEERS"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout" envconfig:"STORE_QUERY_FANOUT"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval" envconfig:"RECONNECT_INTERVAL"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax" envconfig:"RECONNECT_BACKOFF_MAX"`
	HistoryLimit        int           `yaml:"historyLimit" envconfig:"HISTORY_LIMIT"`
}

type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

// Node is the waku Transport. The mock backend routes through an in-process bus; the go-waku
// backend is compiled in with the real_waku build tag.
type Node struct {
	mu        sync.RWMutex
	cfg       Config
	status    Status
	gw        goWakuBackend
	bus       *messageBus
	mockPeers []string
	dropped   []string
	logger    *slog.Logger

	listeners    map[int]func(string)
	nextListener int

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

type goWakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	PeerAddresses() []string
	ListenAddresses() []string
	NetworkMetrics() map[string]int
	ApplyConfig(cfg Config)
	SetDisconnectHandler(fn func(peer string))
	Subscribe(ctx context.Context, topic transport.Topic, handler transport.Handler) (transport.Subscription, error)
	Publish(ctx context.Context, topic transport.Topic, msg transport.Message) error
	QueryHistory(ctx context.Context, topic transport.Topic, q transport.HistoryQuery) (transport.HistoryCursor, error)
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		EnableFilter:        true,
		EnableLightPush:     true,
		FailoverV1:          true,
		MinPeers:            2,
		StoreQueryFanout:    3,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		HistoryLimit:        10000,
	}
}

func NewNode(cfg Config, logger *slog.Logger) *Node {
	return newNodeOnBus(cfg, globalBus, logger)
}

func newNodeOnBus(cfg Config, bus *messageBus, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "waku")
	cfg = normalizeConfig(cfg, logger)
	return &Node{
		cfg:       cfg,
		bus:       bus,
		logger:    logger,
		listeners: make(map[int]func(string)),
		status:    Status{State: StateDisconnected},
	}
}

func normalizeConfig(cfg Config, logger *slog.Logger) Config {
	def := DefaultConfig()
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	nodes := make([]string, 0, len(cfg.BootstrapNodes))
	for _, raw := range cfg.BootstrapNodes {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, err := ma.NewMultiaddr(raw); err != nil {
			if logger != nil {
				logger.Warn("skipping invalid bootstrap node", "addr", raw, "error", err.Error())
			}
			continue
		}
		nodes = append(nodes, raw)
	}
	cfg.BootstrapNodes = nodes
	return cfg
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	n.mu.Unlock()

	if n.cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend(n.logger)
		if backend == nil {
			n.setDisconnected()
			return ErrBackendUnavailable
		}
		backend.SetDisconnectHandler(n.notifyPeerDisconnect)
		if err := backend.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peerCount := backend.PeerCount()
		if n.cfg.FailoverV1 {
			var err error
			peerCount, err = waitForStartupPeerCount(ctx, backend, n.cfg)
			if err != nil {
				backend.Stop()
				n.setDisconnected()
				return err
			}
		}
		n.mu.Lock()
		n.gw = backend
		n.transitionStateLocked(startupStateFromPeerCount(peerCount, n.cfg))
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		return nil
	}
	if n.cfg.Transport != TransportMock {
		n.setDisconnected()
		return fmt.Errorf("unknown waku transport %q", n.cfg.Transport)
	}

	select {
	case <-ctx.Done():
		n.setDisconnected()
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	peers, err := mockPeerAddresses(n.cfg)
	if err != nil {
		n.setDisconnected()
		return err
	}
	n.mu.Lock()
	n.mockPeers = peers
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = len(peers)
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	n.startRuntimeMonitor()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	n.bus.removeNode(n)
	n.mockPeers = nil
	n.dropped = nil
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

func (n *Node) ApplyBootstrapConfig(cfg Config) {
	cfg = normalizeConfig(cfg, n.logger)

	n.mu.Lock()
	n.cfg.BootstrapNodes = append([]string(nil), cfg.BootstrapNodes...)
	n.cfg.MinPeers = cfg.MinPeers
	n.cfg.ReconnectInterval = cfg.ReconnectInterval
	n.cfg.ReconnectBackoffMax = cfg.ReconnectBackoffMax
	gw := n.gw
	nodeCfg := n.cfg
	n.mu.Unlock()

	if gw != nil {
		gw.ApplyConfig(nodeCfg)
	}
}

// WaitForConnectivity blocks until the node reports connected or ctx ends.
func (n *Node) WaitForConnectivity(ctx context.Context) error {
	ticker := time.NewTicker(connectivityPollInterval)
	defer ticker.Stop()
	for {
		n.mu.RLock()
		state := n.status.State
		n.mu.RUnlock()
		switch state {
		case StateConnected:
			return nil
		case StateDisconnected:
			return transport.ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) Subscribe(ctx context.Context, topic transport.Topic, handler transport.Handler) (transport.Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if !n.isOnline() {
		return nil, transport.ErrNotConnected
	}
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw != nil {
		return gw.Subscribe(ctx, topic, handler)
	}
	return n.bus.subscribe(n, topic, handler), nil
}

func (n *Node) Publish(ctx context.Context, topic transport.Topic, msg transport.Message) transport.PublishResult {
	if err := topic.Validate(); err != nil {
		return transport.FailedResult(err)
	}
	if !n.isOnline() {
		return transport.FailedResult(transport.ErrNotConnected)
	}
	msg.ContentTopic = topic.Content
	msg.PubsubTopic = topic.Pubsub
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw != nil {
		return transport.FailedResult(gw.Publish(ctx, topic, msg))
	}
	if err := ctx.Err(); err != nil {
		return transport.FailedResult(err)
	}
	n.bus.publish(msg, n.cfg.HistoryLimit, n.logger)
	return transport.PublishResult{}
}

func (n *Node) QueryHistory(ctx context.Context, topic transport.Topic, q transport.HistoryQuery) (transport.HistoryCursor, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if !n.isOnline() {
		return nil, transport.ErrNotConnected
	}
	n.mu.RLock()
	gw := n.gw
	storeEnabled := n.cfg.EnableStore
	n.mu.RUnlock()
	if !storeEnabled {
		return nil, errors.New("store protocol is disabled")
	}
	if gw != nil {
		return gw.QueryHistory(ctx, topic, q)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return transport.NewSliceCursor(n.bus.history(topic, q), q.PageSize), nil
}

func (n *Node) OnPeerDisconnect(fn func(peer string)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextListener
	n.nextListener++
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

func (n *Node) PeerAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw != nil {
		return n.gw.PeerAddresses()
	}
	return append([]string(nil), n.mockPeers...)
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	transitions := n.stateTransitions
	gw := n.gw
	n.mu.RUnlock()
	out := map[string]int{
		"network_state_transitions": transitions,
	}
	if gw != nil {
		for k, v := range gw.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (n *Node) isOnline() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status.State == StateConnected || n.status.State == StateDegraded
}

// dropMockPeers removes mock peers from the tail, as if they went away.
func (n *Node) dropMockPeers(count int) {
	n.mu.Lock()
	if count > len(n.mockPeers) {
		count = len(n.mockPeers)
	}
	keep := len(n.mockPeers) - count
	n.dropped = append(n.dropped, n.mockPeers[keep:]...)
	n.mockPeers = n.mockPeers[:keep]
	n.mu.Unlock()
}

func (n *Node) notifyPeerDisconnect(peerAddr string) {
	n.mu.RLock()
	fns := make([]func(string), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	n.logger.Debug("peer disconnected", "peer", peerAddr)
	for _, fn := range fns {
		fn(peerAddr)
	}
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
		n.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()

		n.refreshRuntimeStatus()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

// refreshRuntimeStatus tracks the peer count. With the mock backend a drop in peers is reported
// to disconnect listeners; the go-waku backend reports disconnects from its libp2p notifiee.
func (n *Node) refreshRuntimeStatus() {
	n.mu.Lock()
	gw := n.gw
	lost := n.dropped
	n.dropped = nil
	peerCount := len(n.mockPeers)
	n.mu.Unlock()
	if gw != nil {
		peerCount = gw.PeerCount()
	}
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	if n.status.State == StateDisconnected {
		n.mu.Unlock()
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
	n.mu.Unlock()

	for _, addr := range lost {
		n.notifyPeerDisconnect(addr)
	}
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func mockPeerAddresses(cfg Config) ([]string, error) {
	if len(cfg.BootstrapNodes) > 0 {
		return append([]string(nil), cfg.BootstrapNodes...), nil
	}
	count := estimatedPeers(cfg)
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		_, pub, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		id, err := peer.IDFromPublicKey(pub)
		if err != nil {
			return nil, err
		}
		addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d/p2p/%s", cfg.Port+i+1, id))
		if err != nil {
			return nil, err
		}
		out = append(out, addr.String())
	}
	return out, nil
}

func estimatedPeers(cfg Config) int {
	if cfg.MinPeers <= 0 {
		return 1
	}
	if cfg.MinPeers > 12 {
		return 12
	}
	return cfg.MinPeers
}

func waitForStartupPeerCount(ctx context.Context, backend goWakuBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	peerCount := backend.PeerCount()
	if peerCount >= target {
		return peerCount, nil
	}

	timeout := startupHandshakeTimeout(cfg)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-timer.C:
			return backend.PeerCount(), nil
		case <-ticker.C:
			peerCount = backend.PeerCount()
			if peerCount >= target {
				return peerCount, nil
			}
		}
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= startupPeerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	return target
}

func startupHandshakeTimeout(cfg Config) time.Duration {
	base := cfg.ReconnectInterval
	if base <= 0 {
		base = time.Second
	}
	timeout := base * 5
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	if cfg.ReconnectBackoffMax > 0 && timeout > cfg.ReconnectBackoffMax {
		timeout = cfg.ReconnectBackoffMax
	}
	return timeout
}
