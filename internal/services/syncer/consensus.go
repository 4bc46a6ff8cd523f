package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ternarybob/aranea/internal/models"
)

// proposal is one consensus log entry. The proposer holds the original op
// and counts acks; receivers hold the encoded payload until the apply
// arrives.
type proposal struct {
	index    uint64
	payload  []byte
	acks     map[string]struct{}
	created  time.Time
	proposed bool // true on the proposing node
}

// propose wraps the operation in a log entry and publishes it for
// acknowledgement. The commit happens asynchronously when a majority acks;
// a single-node cluster commits immediately.
func (s *Service) propose(ctx context.Context, msg *models.SyncMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode consensus payload: %w", err)
	}

	s.mu.Lock()
	s.nextIndex++
	entry := &models.SyncMessage{
		ID:        uuid.NewString(),
		NodeID:    s.nodeID,
		Op:        models.SyncOpPropose,
		Value:     payload,
		Timestamp: time.Now(),
		Meta: models.SyncMeta{
			Strategy: s.strategy,
			LogIndex: s.nextIndex,
		},
	}
	s.proposals[entry.ID] = &proposal{
		index:    entry.Meta.LogIndex,
		payload:  payload,
		acks:     make(map[string]struct{}),
		created:  time.Now(),
		proposed: true,
	}
	s.mu.Unlock()

	s.seen.mark(entry.ID)
	if err := s.publishMessage(ctx, entry); err != nil {
		s.mu.Lock()
		delete(s.proposals, entry.ID)
		s.mu.Unlock()
		return err
	}

	s.maybeCommit(ctx, entry.ID)
	return nil
}

// handlePropose appends the entry to the local log and acknowledges it.
func (s *Service) handlePropose(msg *models.SyncMessage) {
	s.mu.Lock()
	if _, exists := s.proposals[msg.ID]; exists {
		s.mu.Unlock()
		return
	}
	s.proposals[msg.ID] = &proposal{
		index:   msg.Meta.LogIndex,
		payload: msg.Value,
		created: time.Now(),
	}
	s.mu.Unlock()

	ack := &models.SyncMessage{
		ID:        uuid.NewString(),
		NodeID:    s.nodeID,
		Op:        models.SyncOpAck,
		Key:       msg.ID,
		Timestamp: time.Now(),
		Meta: models.SyncMeta{
			Strategy:  s.strategy,
			LogIndex:  msg.Meta.LogIndex,
			AckTarget: msg.NodeID,
		},
	}
	s.seen.mark(ack.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.publishMessage(ctx, ack); err != nil {
		s.logger.Warn().Err(err).Uint64("log_index", msg.Meta.LogIndex).Msg("Consensus ack failed")
	}
}

// handleAck counts acknowledgements on the proposing node.
func (s *Service) handleAck(msg *models.SyncMessage) {
	if msg.Meta.AckTarget != s.nodeID {
		return
	}

	s.mu.Lock()
	p, ok := s.proposals[msg.Key]
	if !ok || !p.proposed {
		s.mu.Unlock()
		return
	}
	p.acks[msg.NodeID] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.maybeCommit(ctx, msg.Key)
}

// maybeCommit commits when this node's append plus the received acks form a
// majority of the healthy cluster, then broadcasts the apply.
func (s *Service) maybeCommit(ctx context.Context, proposalID string) {
	s.mu.Lock()
	p, ok := s.proposals[proposalID]
	if !ok || !p.proposed {
		s.mu.Unlock()
		return
	}
	cluster := 1
	for _, peer := range s.peers {
		if peer.Healthy {
			cluster++
		}
	}
	votes := 1 + len(p.acks)
	if votes*2 <= cluster {
		s.mu.Unlock()
		return
	}
	delete(s.proposals, proposalID)
	index := p.index
	s.mu.Unlock()

	apply := &models.SyncMessage{
		ID:        uuid.NewString(),
		NodeID:    s.nodeID,
		Op:        models.SyncOpApply,
		Key:       proposalID,
		Timestamp: time.Now(),
		Meta: models.SyncMeta{
			Strategy: s.strategy,
			LogIndex: index,
		},
	}
	s.seen.mark(apply.ID)
	if err := s.publishMessage(ctx, apply); err != nil {
		s.logger.Warn().Err(err).Uint64("log_index", index).Msg("Consensus apply broadcast failed")
		return
	}

	s.logger.Debug().
		Uint64("log_index", index).
		Int("votes", votes).
		Int("cluster", cluster).
		Msg("Consensus entry committed")
}

// handleApply delivers the committed operation held since the propose.
func (s *Service) handleApply(msg *models.SyncMessage) {
	s.mu.Lock()
	p, ok := s.proposals[msg.Key]
	if ok {
		delete(s.proposals, msg.Key)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Uint64("log_index", msg.Meta.LogIndex).Msg("Apply for unknown consensus entry")
		return
	}

	original, err := models.DecodeSyncMessage(p.payload)
	if err != nil {
		s.logger.Warn().Err(err).Uint64("log_index", msg.Meta.LogIndex).Msg("Undecodable consensus payload")
		return
	}
	s.deliver(original)
}

// pruneProposals drops entries that never reached commit.
func (s *Service) pruneProposals() {
	cutoff := time.Now().Add(-proposalTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.proposals {
		if p.created.Before(cutoff) {
			delete(s.proposals, id)
			s.logger.Warn().Uint64("log_index", p.index).Msg("Consensus entry abandoned without commit")
		}
	}
}
