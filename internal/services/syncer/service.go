// Package syncer propagates cache writes and invalidations between nodes
// over Redis pub/sub. One strategy-specific channel carries operations,
// heartbeats keep a peer table, and a shared control channel announces
// departures. Broadcast and eventual publish directly; gossip forwards
// buffered ops on each tick; master-slave gates publishing on an
// earliest-joiner election; consensus commits through a majority-ack log.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultPeerTimeout       = 30 * time.Second
	defaultGossipFanout      = 3

	// membersKey is the sorted set of cluster members scored by join time;
	// the earliest healthy member is the master.
	membersKey = "cache:sync:members"

	// recentIDBound caps the dedup set of recently seen message ids.
	recentIDBound = 10_000

	// gossipBufferBound caps ops waiting for the next forward tick.
	gossipBufferBound = 256

	// proposalTimeout prunes consensus proposals that never committed.
	proposalTimeout = 5 * time.Minute
)

// ErrNotMaster is returned by Publish when the master-slave strategy is
// active and this node does not hold the master role.
var ErrNotMaster = errors.New("node is not the sync master")

// Service implements the CacheSyncer interface.
type Service struct {
	client   *redis.Client
	strategy models.SyncStrategy
	nodeID   string
	fanout   int

	heartbeatInterval time.Duration
	peerTimeout       time.Duration

	mu        sync.RWMutex
	peers     map[string]*models.PeerState
	handlers  []func(*models.SyncMessage)
	buffer    []*models.SyncMessage // gossip ops awaiting the next tick
	master    string
	proposals map[string]*proposal
	nextIndex uint64

	seen *recentSet

	pubsub   *redis.PubSub
	stopOnce sync.Once
	stopC    chan struct{}
	wg       sync.WaitGroup
	started  bool

	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var _ interfaces.CacheSyncer = (*Service)(nil)

// NewService builds a syncer from config. An empty node id gets a generated
// one; it is stable for the process lifetime only.
func NewService(config *common.CacheSyncConfig, client *redis.Client, m *metrics.Metrics, logger arbor.ILogger) (*Service, error) {
	heartbeat := defaultHeartbeatInterval
	if config.HeartbeatInterval != "" {
		parsed, err := time.ParseDuration(config.HeartbeatInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid heartbeat_interval: %w", err)
		}
		if parsed > 0 {
			heartbeat = parsed
		}
	}
	timeout := defaultPeerTimeout
	if config.PeerTimeout != "" {
		parsed, err := time.ParseDuration(config.PeerTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid peer_timeout: %w", err)
		}
		if parsed > 0 {
			timeout = parsed
		}
	}
	fanout := config.GossipFanout
	if fanout <= 0 {
		fanout = defaultGossipFanout
	}
	nodeID := config.NodeID
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}

	return &Service{
		client:            client,
		strategy:          models.ParseSyncStrategy(config.Strategy),
		nodeID:            nodeID,
		fanout:            fanout,
		heartbeatInterval: heartbeat,
		peerTimeout:       timeout,
		peers:             make(map[string]*models.PeerState),
		proposals:         make(map[string]*proposal),
		seen:              newRecentSet(recentIDBound),
		stopC:             make(chan struct{}),
		metrics:           m,
		logger:            logger,
	}, nil
}

// NodeID returns this node's stable identity.
func (s *Service) NodeID() string { return s.nodeID }

// Strategy returns the active propagation strategy.
func (s *Service) Strategy() models.SyncStrategy { return s.strategy }

// Start subscribes to the sync, heartbeat, and control channels, waits for
// the subscription to confirm, then begins heartbeating.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("syncer already started")
	}
	s.started = true
	s.mu.Unlock()

	s.pubsub = s.client.Subscribe(ctx, s.strategy.Channel(), models.HeartbeatChannel, models.ControlChannel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to sync channels: %w", err)
	}

	if s.strategy == models.SyncMasterSlave {
		if err := s.joinMembers(ctx); err != nil {
			return err
		}
		s.electMaster(ctx)
	}
	s.sendHeartbeat(ctx)

	s.wg.Add(2)
	go s.receiveLoop()
	go s.heartbeatLoop()

	s.logger.Info().
		Str("node_id", s.nodeID).
		Str("strategy", string(s.strategy)).
		Str("channel", s.strategy.Channel()).
		Msg("Cache syncer started")
	return nil
}

// Stop announces departure, leaves the member set, and shuts the loops down.
func (s *Service) Stop() error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return nil
	}

	s.stopOnce.Do(func() { close(s.stopC) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	leave, _ := json.Marshal(models.ControlMessage{NodeID: s.nodeID, Action: models.ControlLeave})
	if err := s.client.Publish(ctx, models.ControlChannel, leave).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to announce sync departure")
	}
	if s.strategy == models.SyncMasterSlave {
		if err := s.client.ZRem(ctx, membersKey, s.nodeID).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to leave member set")
		}
	}

	if err := s.pubsub.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close sync subscription")
	}
	s.wg.Wait()
	return nil
}

// Publish sends a sync message via the configured strategy. The message id,
// node id, timestamp, and strategy annotation are filled in.
func (s *Service) Publish(ctx context.Context, msg *models.SyncMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.NodeID = s.nodeID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Meta.Strategy = s.strategy
	s.seen.mark(msg.ID)

	switch s.strategy {
	case models.SyncMasterSlave:
		if !s.IsMaster() {
			return ErrNotMaster
		}
		return s.publishMessage(ctx, msg)
	case models.SyncGossip:
		s.bufferOp(msg)
		return nil
	case models.SyncConsensus:
		return s.propose(ctx, msg)
	case models.SyncEventual:
		// Best effort: delivery is owed eventually, not now.
		if err := s.publishMessage(ctx, msg); err != nil {
			s.logger.Warn().Err(err).Str("key", msg.Key).Msg("Eventual sync publish failed")
		}
		return nil
	default:
		return s.publishMessage(ctx, msg)
	}
}

func (s *Service) publishMessage(ctx context.Context, msg *models.SyncMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode sync message: %w", err)
	}
	if err := s.client.Publish(ctx, s.strategy.Channel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish sync message: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SyncMessages.WithLabelValues("out", string(s.strategy)).Inc()
	}
	return nil
}

// OnMessage registers the handler for remotely originated operations.
func (s *Service) OnMessage(fn func(msg *models.SyncMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Peers lists known nodes sorted by id.
func (s *Service) Peers() []models.PeerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PeerState, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// IsMaster reports whether this node holds the master role. Strategies
// without an election always answer true.
func (s *Service) IsMaster() bool {
	if s.strategy != models.SyncMasterSlave {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master == s.nodeID
}

// receiveLoop dispatches subscribed messages until the subscription closes.
func (s *Service) receiveLoop() {
	defer s.wg.Done()
	for msg := range s.pubsub.Channel() {
		switch msg.Channel {
		case models.HeartbeatChannel:
			s.handleHeartbeat([]byte(msg.Payload))
		case models.ControlChannel:
			s.handleControl([]byte(msg.Payload))
		default:
			s.handleSync([]byte(msg.Payload))
		}
	}
}

func (s *Service) handleSync(payload []byte) {
	msg, err := models.DecodeSyncMessage(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Undecodable sync message")
		return
	}
	if s.seen.mark(msg.ID) {
		return
	}
	if msg.NodeID == s.nodeID || msg.Meta.Origin == s.nodeID {
		return
	}
	if s.metrics != nil {
		s.metrics.SyncMessages.WithLabelValues("in", string(s.strategy)).Inc()
	}

	switch msg.Op {
	case models.SyncOpPropose:
		s.handlePropose(msg)
	case models.SyncOpAck:
		s.handleAck(msg)
	case models.SyncOpApply:
		s.handleApply(msg)
	default:
		s.deliver(msg)
		if s.strategy == models.SyncGossip {
			s.bufferOp(msg)
		}
	}
}

func (s *Service) deliver(msg *models.SyncMessage) {
	s.mu.RLock()
	handlers := append([]func(*models.SyncMessage){}, s.handlers...)
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (s *Service) handleHeartbeat(payload []byte) {
	var hb models.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		s.logger.Warn().Err(err).Msg("Undecodable heartbeat")
		return
	}
	if hb.NodeID == s.nodeID {
		return
	}

	s.mu.Lock()
	peer, ok := s.peers[hb.NodeID]
	if !ok {
		peer = &models.PeerState{NodeID: hb.NodeID}
		s.peers[hb.NodeID] = peer
		s.logger.Info().Str("peer", hb.NodeID).Msg("Sync peer discovered")
	}
	peer.LastSeen = time.Now()
	peer.Healthy = true
	s.mu.Unlock()

	s.updatePeerGauge()
}

func (s *Service) handleControl(payload []byte) {
	var ctl models.ControlMessage
	if err := json.Unmarshal(payload, &ctl); err != nil {
		s.logger.Warn().Err(err).Msg("Undecodable control message")
		return
	}
	if ctl.NodeID == s.nodeID || ctl.Action != models.ControlLeave {
		return
	}

	s.mu.Lock()
	delete(s.peers, ctl.NodeID)
	s.mu.Unlock()
	s.logger.Info().Str("peer", ctl.NodeID).Msg("Sync peer left")

	s.updatePeerGauge()
	if s.strategy == models.SyncMasterSlave {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.ZRem(ctx, membersKey, ctl.NodeID).Err(); err != nil {
			s.logger.Warn().Err(err).Str("peer", ctl.NodeID).Msg("Failed to evict departed member")
		}
		s.electMaster(ctx)
	}
}

// heartbeatLoop drives the periodic work: heartbeats, peer sweeps, gossip
// forwarding, election checks, and consensus log pruning.
func (s *Service) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopC:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.heartbeatInterval)
			s.sendHeartbeat(ctx)
			s.sweepPeers(ctx)
			if s.strategy == models.SyncGossip {
				s.gossipTick(ctx)
			}
			if s.strategy == models.SyncConsensus {
				s.pruneProposals()
			}
			cancel()
		}
	}
}

func (s *Service) sendHeartbeat(ctx context.Context) {
	hb, _ := json.Marshal(models.Heartbeat{
		NodeID:    s.nodeID,
		Timestamp: time.Now(),
		Strategy:  string(s.strategy),
	})
	if err := s.client.Publish(ctx, models.HeartbeatChannel, hb).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Heartbeat publish failed")
	}
	if s.strategy == models.SyncMasterSlave {
		if err := s.joinMembers(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Member set refresh failed")
		}
	}
}

// sweepPeers marks silent peers unhealthy and re-elects when the master
// goes dark.
func (s *Service) sweepPeers(ctx context.Context) {
	cutoff := time.Now().Add(-s.peerTimeout)
	var lapsed []string

	s.mu.Lock()
	for id, peer := range s.peers {
		if peer.Healthy && peer.LastSeen.Before(cutoff) {
			peer.Healthy = false
			lapsed = append(lapsed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range lapsed {
		s.logger.Warn().Str("peer", id).Dur("timeout", s.peerTimeout).Msg("Sync peer unhealthy")
	}
	s.updatePeerGauge()

	if len(lapsed) > 0 && s.strategy == models.SyncMasterSlave {
		for _, id := range lapsed {
			if err := s.client.ZRem(ctx, membersKey, id).Err(); err != nil {
				s.logger.Warn().Err(err).Str("peer", id).Msg("Failed to evict unhealthy member")
			}
		}
		s.electMaster(ctx)
	}
}

func (s *Service) joinMembers(ctx context.Context) error {
	err := s.client.ZAddNX(ctx, membersKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: s.nodeID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to join member set: %w", err)
	}
	return nil
}

// electMaster picks the earliest-joined member that is this node or a
// healthy peer. Every node computes the same answer from the shared set.
func (s *Service) electMaster(ctx context.Context) {
	members, err := s.client.ZRangeWithScores(ctx, membersKey, 0, -1).Result()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Member set read failed")
		return
	}

	s.mu.Lock()
	previous := s.master
	s.master = ""
	for _, member := range members {
		id, _ := member.Member.(string)
		if id == s.nodeID {
			s.master = id
			break
		}
		if peer, ok := s.peers[id]; ok && peer.Healthy {
			s.master = id
			break
		}
	}
	changed := s.master != previous
	master := s.master
	s.mu.Unlock()

	if changed {
		s.logger.Info().Str("master", master).Bool("is_self", master == s.nodeID).Msg("Sync master elected")
	}
}

// bufferOp queues an op for the next gossip tick, dropping the oldest when
// full.
func (s *Service) bufferOp(msg *models.SyncMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) >= gossipBufferBound {
		copy(s.buffer, s.buffer[1:])
		s.buffer = s.buffer[:gossipBufferBound-1]
	}
	s.buffer = append(s.buffer, msg)
}

// gossipTick forwards buffered ops to up to fanout healthy peers. The
// pub/sub transport reaches everyone; the sample bounds which peers this
// node vouches for this round, and the recent-id set stops replays.
func (s *Service) gossipTick(ctx context.Context) {
	s.mu.RLock()
	var healthy []string
	for id, peer := range s.peers {
		if peer.Healthy {
			healthy = append(healthy, id)
		}
	}
	s.mu.RUnlock()
	if len(healthy) == 0 {
		return
	}

	s.mu.Lock()
	ops := s.buffer
	s.buffer = nil
	s.mu.Unlock()
	if len(ops) == 0 {
		return
	}

	rand.Shuffle(len(healthy), func(i, j int) { healthy[i], healthy[j] = healthy[j], healthy[i] })
	targets := healthy[:min(s.fanout, len(healthy))]

	for _, op := range ops {
		forward := *op
		if forward.Meta.Origin == "" {
			forward.Meta.Origin = op.NodeID
		}
		forward.NodeID = s.nodeID
		if err := s.publishMessage(ctx, &forward); err != nil {
			s.logger.Warn().Err(err).Str("key", forward.Key).Msg("Gossip forward failed")
		}
	}

	s.logger.Debug().
		Int("ops", len(ops)).
		Strs("peers", targets).
		Msg("Gossip round forwarded")
}

func (s *Service) updatePeerGauge() {
	if s.metrics == nil {
		return
	}
	s.mu.RLock()
	healthy := 0
	for _, peer := range s.peers {
		if peer.Healthy {
			healthy++
		}
	}
	s.mu.RUnlock()
	s.metrics.PeerHealth.Set(float64(healthy))
}

// recentSet is a bounded FIFO id set for message dedup.
type recentSet struct {
	mu    sync.Mutex
	bound int
	ids   map[string]struct{}
	order []string
}

func newRecentSet(bound int) *recentSet {
	return &recentSet{
		bound: bound,
		ids:   make(map[string]struct{}, bound),
	}
}

// mark records the id and reports whether it was already present.
func (r *recentSet) mark(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return true
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	for len(r.order) > r.bound {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	return false
}
