package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"impact_verifier/pkg/config"
	"impact_verifier/pkg/data"
	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/utils"
)

const (
	connectionTimeout = 30 * time.Second
	defaultSeenCache  = 8192
)

// EventHandler receives verified events published by other nodes.
type EventHandler func(ctx context.Context, from peer.ID, rec *data.EventRecord)

// Stats counts gossip traffic.
type Stats struct {
	Published  uint64
	Received   uint64
	Duplicates uint64
	Rejected   uint64
	Peers      int
}

// Gossip publishes committed events to a GossipSub topic and relays
// events published by peers to an EventHandler. It implements ledger.Sink.
type Gossip struct {
	cfg    *config.P2PConfig
	host   host.Host
	key    crypto.PrivKey
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	clock  clock.Clock
	seen   *lru.Cache[string, struct{}]
	logger *zap.Logger

	handler EventHandler
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// NewGossip creates the libp2p host and joins the configured topic.
func NewGossip(ctx context.Context, cfg *config.P2PConfig, clk clock.Clock, logger *zap.Logger) (*Gossip, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	privKey, err := loadOrGenerateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("key management error: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	cacheSize := cfg.SeenCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultSeenCache
	}
	seen, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create seen cache: %w", err)
	}

	g := &Gossip{
		cfg:    cfg,
		host:   h,
		key:    privKey,
		pubsub: ps,
		clock:  clk,
		seen:   seen,
		logger: logger.With(zap.String("peer", h.ID().String())),
	}

	if err := ps.RegisterTopicValidator(cfg.Topic, g.validate); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to register validator: %w", err)
	}
	if g.topic, err = ps.Join(cfg.Topic); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to join topic %s: %w", cfg.Topic, err)
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		g.topic.Close()
		h.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", cfg.Topic, err)
	}
	return g, nil
}

// OnEvent sets the handler for remote events. Call before Start.
func (g *Gossip) OnEvent(handler EventHandler) {
	g.handler = handler
}

// Start connects to bootstrap peers and begins reading the topic.
func (g *Gossip) Start(ctx context.Context) error {
	peers, err := parseBootstrapPeers(g.cfg.BootstrapPeers)
	if err != nil {
		return err
	}
	for _, info := range peers {
		if err := g.Connect(ctx, info); err != nil {
			g.logger.Warn("Failed to connect to bootstrap peer",
				zap.String("peer", info.ID.String()),
				zap.Error(err))
		}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	utils.SafeGo(g.logger, func() {
		defer g.wg.Done()
		g.readLoop(readCtx)
	})

	g.logger.Info("Gossip started",
		zap.String("topic", g.cfg.Topic),
		zap.Int("bootstrap_peers", len(peers)))
	return nil
}

// Stop leaves the topic and closes the host.
func (g *Gossip) Stop() error {
	if g.cancel != nil {
		g.cancel()
	}
	g.sub.Cancel()
	g.wg.Wait()

	// subscription removal is asynchronous, so Close may still see it
	if err := g.topic.Close(); err != nil {
		g.logger.Debug("Topic not closed", zap.Error(err))
	}
	if err := g.host.Close(); err != nil {
		return fmt.Errorf("closing host: %w", err)
	}
	g.logger.Info("Gossip stopped")
	return nil
}

// Connect dials a peer.
func (g *Gossip) Connect(ctx context.Context, info peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	return g.host.Connect(ctx, info)
}

// Consume signs and publishes each committed event.
func (g *Gossip) Consume(ctx context.Context, events []ledger.Event) error {
	var errs []error
	for _, e := range events {
		if err := g.publish(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", e.Seq, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Gossip) publish(ctx context.Context, e ledger.Event) error {
	rec, err := data.NewEventRecord(e)
	if err != nil {
		return err
	}
	env := NewEnvelope(g.host.ID(), rec, g.clock.Now())
	if err := env.Sign(g.key); err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := g.topic.Publish(ctx, raw); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	g.mu.Lock()
	g.stats.Published++
	g.mu.Unlock()
	return nil
}

// validate runs before a message is delivered or forwarded.
func (g *Gossip) validate(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	env, err := UnmarshalEnvelope(msg.Data)
	if err == nil && env.SenderID != msg.GetFrom().String() {
		err = ErrSenderMismatch
	}
	if err == nil {
		err = env.Verify()
	}
	if err != nil {
		g.logger.Debug("Rejected gossip message",
			zap.String("from", msg.GetFrom().String()),
			zap.Error(err))
		g.mu.Lock()
		g.stats.Rejected++
		g.mu.Unlock()
		return pubsub.ValidationReject
	}
	msg.ValidatorData = env
	return pubsub.ValidationAccept
}

func (g *Gossip) readLoop(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			g.logger.Warn("Error reading from subscription", zap.Error(err))
			continue
		}
		if msg.ReceivedFrom == g.host.ID() {
			continue
		}
		g.handleMessage(ctx, msg)
	}
}

func (g *Gossip) handleMessage(ctx context.Context, msg *pubsub.Message) {
	env, ok := msg.ValidatorData.(*Envelope)
	if !ok {
		return
	}

	if !g.markSeen(env.Record.ID) {
		return
	}
	if g.handler != nil {
		g.handler(ctx, msg.GetFrom(), env.Record)
	}
}

// markSeen records id and reports whether it is new. The oldest ids are
// evicted once the cache is full.
func (g *Gossip) markSeen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if found, _ := g.seen.ContainsOrAdd(id, struct{}{}); found {
		g.stats.Duplicates++
		return false
	}
	g.stats.Received++
	return true
}

// ID returns the local peer id.
func (g *Gossip) ID() peer.ID {
	return g.host.ID()
}

// Addrs returns dialable addresses including the /p2p component.
func (g *Gossip) Addrs() []ma.Multiaddr {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: g.host.ID(), Addrs: g.host.Addrs()})
	if err != nil {
		return nil
	}
	return addrs
}

// Stats returns a snapshot of gossip counters.
func (g *Gossip) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.Peers = len(g.topic.ListPeers())
	return s
}

func parseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %q: %w", s, err)
		}
		out = append(out, *info)
	}
	return out, nil
}
