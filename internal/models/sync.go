package models

import (
	"encoding/json"
	"time"
)

// SyncStrategy selects how cache writes propagate between nodes.
type SyncStrategy string

const (
	SyncBroadcast   SyncStrategy = "broadcast"
	SyncGossip      SyncStrategy = "gossip"
	SyncMasterSlave SyncStrategy = "masterslave"
	SyncConsensus   SyncStrategy = "consensus"
	SyncEventual    SyncStrategy = "eventual"
)

// ParseSyncStrategy maps a config string to a strategy, defaulting to
// broadcast.
func ParseSyncStrategy(s string) SyncStrategy {
	switch SyncStrategy(s) {
	case SyncGossip, SyncMasterSlave, SyncConsensus, SyncEventual:
		return SyncStrategy(s)
	default:
		return SyncBroadcast
	}
}

// Channel returns the strategy-specific pub/sub channel name.
func (s SyncStrategy) Channel() string {
	return "cache:sync:" + string(s)
}

// Well-known pub/sub channels shared by all strategies.
const (
	HeartbeatChannel = "cache:heartbeat"
	ControlChannel   = "cache:control"
)

// SyncOp names the cache operation a sync message carries.
type SyncOp string

const (
	SyncOpSet        SyncOp = "set"
	SyncOpDelete     SyncOp = "delete"
	SyncOpInvalidate SyncOp = "invalidate"
	SyncOpApply      SyncOp = "apply"   // Consensus commit application
	SyncOpAck        SyncOp = "ack"     // Consensus acknowledgement
	SyncOpPropose    SyncOp = "propose" // Consensus log append
)

// SyncMeta carries typed message annotations.
type SyncMeta struct {
	Strategy  SyncStrategy `json:"strategy,omitempty"`
	Origin    string       `json:"origin,omitempty"`    // Originating node for forwarded gossip ops
	LogIndex  uint64       `json:"log_index,omitempty"` // Consensus log position
	AckTarget string       `json:"ack_target,omitempty"`
}

// SyncMessage is the JSON wire format on the sync channels.
type SyncMessage struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	Op        SyncOp    `json:"op"`
	Key       string    `json:"key,omitempty"`
	Value     []byte    `json:"value,omitempty"`
	TTLMillis int64     `json:"ttl_ms,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Meta      SyncMeta  `json:"meta,omitempty"`
}

// Encode serializes the message for publishing.
func (m *SyncMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeSyncMessage parses a received payload.
func DecodeSyncMessage(data []byte) (*SyncMessage, error) {
	var m SyncMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Heartbeat is published on HeartbeatChannel every heartbeat interval.
type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Strategy  string    `json:"strategy"`
}

// ControlLeave announces a graceful departure on ControlChannel.
const ControlLeave = "leave"

// ControlMessage is the membership control wire format.
type ControlMessage struct {
	NodeID string `json:"node_id"`
	Action string `json:"action"`
}

// PeerState tracks liveness for one remote node.
type PeerState struct {
	NodeID   string    `json:"node_id"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}
