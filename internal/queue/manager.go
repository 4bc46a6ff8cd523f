package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

// ErrNoMessage is returned when no message is ready for delivery.
var ErrNoMessage = errors.New("no messages in queue")

// deadLetterTTL bounds how long poisoned messages are kept for inspection.
const deadLetterTTL = 7 * 24 * time.Hour

// dedupTTL bounds how long enqueue dedup markers survive.
const dedupTTL = 24 * time.Hour

// Manager is a persistent job queue on top of Badger. Message bodies
// live under queue:{name}:msg:{id}; a visibility index under
// queue:{name}:index:{visibleAt}:{id} keeps ready messages cheap to
// find in delivery order. Messages that exceed MaxReceive are moved to
// a dead-letter prefix instead of being redelivered forever.
type Manager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	logger            arbor.ILogger
}

// NewManager creates a Badger-backed queue manager. The database handle
// is shared with the rest of the storage layer and is not closed here.
func NewManager(db *badger.DB, config Config, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 5 * time.Minute
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = 3
	}

	return &Manager{
		db:                db,
		queueName:         config.QueueName,
		visibilityTimeout: config.VisibilityTimeout,
		maxReceive:        config.MaxReceive,
		logger:            logger,
	}, nil
}

// Enqueue adds a message to the queue. When dedupID is non-empty and a
// marker for it already exists, the enqueue is silently skipped; this
// keeps job restarts from doubling worker-slot messages.
func (m *Manager) Enqueue(ctx context.Context, msg *JobMessage, dedupID string) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	qMsg := QueueMessage{
		ID:         msg.ID,
		Body:       *msg,
		EnqueuedAt: msg.EnqueuedAt,
		VisibleAt:  time.Now(),
		DedupID:    dedupID,
	}

	data, err := json.Marshal(qMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if dedupID != "" {
			dedupKey := m.dedupKey(dedupID)
			if _, err := txn.Get(dedupKey); err == nil {
				m.logger.Debug().
					Str("dedup_id", dedupID).
					Str("type", msg.Type).
					Msg("Duplicate enqueue suppressed")
				return nil
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			entry := badger.NewEntry(dedupKey, []byte(msg.ID)).WithTTL(dedupTTL)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}

		if err := txn.Set(m.msgKey(qMsg.ID), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(qMsg.VisibleAt, qMsg.ID), []byte{})
	})
}

// Receive pulls the next visible message. The returned delete function
// acknowledges the message; an unacknowledged message is redelivered
// once its visibility timeout expires.
func (m *Manager) Receive(ctx context.Context) (*QueueMessage, func() error, error) {
	var qMsg QueueMessage
	var msgID string

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found := false

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}
			// Index keys sort by timestamp, so the first future entry
			// means nothing else is ready either.
			if ts.After(now) {
				break
			}

			item, err := txn.Get(m.msgKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry; clean it up and keep scanning.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &qMsg)
			}); err != nil {
				return err
			}

			if qMsg.ReceiveCount >= m.maxReceive {
				if err := m.deadLetter(txn, key, &qMsg); err != nil {
					return err
				}
				continue
			}

			found = true
			msgID = id

			// Claim: bump receive count and push visibility forward.
			qMsg.ReceiveCount++
			qMsg.VisibleAt = now.Add(m.visibilityTimeout)

			data, err := json.Marshal(qMsg)
			if err != nil {
				return err
			}
			if err := txn.Set(m.msgKey(msgID), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			return txn.Set(m.indexKey(qMsg.VisibleAt, msgID), []byte{})
		}

		if !found {
			return ErrNoMessage
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	deleteFn := func() error {
		return m.delete(msgID)
	}
	return &qMsg, deleteFn, nil
}

// Extend pushes a claimed message's visibility further into the future.
// Long-running handlers call this as a heartbeat so the message is not
// redelivered while they are still working.
func (m *Manager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(messageID))
		if err != nil {
			return err
		}

		var qMsg QueueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &qMsg)
		}); err != nil {
			return err
		}

		oldVisibleAt := qMsg.VisibleAt
		qMsg.VisibleAt = time.Now().Add(duration)

		data, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(messageID), data); err != nil {
			return err
		}
		if err := txn.Delete(m.indexKey(oldVisibleAt, messageID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(m.indexKey(qMsg.VisibleAt, messageID), []byte{})
	})
}

// Pending counts messages in the queue, split into ready (visible now)
// and in-flight (claimed, visibility in the future).
func (m *Manager) Pending(ctx context.Context) (ready int, inflight int, err error) {
	err = m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ts, _, err := m.parseIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			if ts.After(now) {
				inflight++
			} else {
				ready++
			}
		}
		return nil
	})
	return ready, inflight, err
}

// DeadLetters returns up to limit poisoned messages for inspection.
func (m *Manager) DeadLetters(ctx context.Context, limit int) ([]QueueMessage, error) {
	var out []QueueMessage
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("queue:%s:dead:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var qMsg QueueMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &qMsg)
			}); err != nil {
				continue
			}
			out = append(out, qMsg)
		}
		return nil
	})
	return out, err
}

// Close is a no-op; the Badger handle is owned by the storage manager.
func (m *Manager) Close() error {
	return nil
}

func (m *Manager) delete(messageID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(messageID)
		item, err := txn.Get(msgKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // Already deleted
			}
			return err
		}

		var qMsg QueueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &qMsg)
		}); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(qMsg.VisibleAt, messageID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Delete(msgKey)
	})
}

// deadLetter moves a poisoned message out of the live queue.
func (m *Manager) deadLetter(txn *badger.Txn, indexKey []byte, qMsg *QueueMessage) error {
	m.logger.Warn().
		Str("message_id", qMsg.ID).
		Str("type", qMsg.Body.Type).
		Int("receive_count", qMsg.ReceiveCount).
		Msg("Message exceeded max receives, moving to dead letter")

	data, err := json.Marshal(qMsg)
	if err != nil {
		return err
	}
	deadKey := []byte(fmt.Sprintf("queue:%s:dead:%s", m.queueName, qMsg.ID))
	entry := badger.NewEntry(deadKey, data).WithTTL(deadLetterTTL)
	if err := txn.SetEntry(entry); err != nil {
		return err
	}
	if err := txn.Delete(indexKey); err != nil {
		return err
	}
	return txn.Delete(m.msgKey(qMsg.ID))
}

func (m *Manager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *Manager) dedupKey(dedupID string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dedup:%s", m.queueName, dedupID))
}

func (m *Manager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
}

// indexKey zero-pads the timestamp to 20 digits so lexical ordering
// matches numeric ordering.
func (m *Manager) indexKey(visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, visibleAt.UnixNano(), id))
}

func (m *Manager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key length")
	}

	suffix := string(key[len(prefix):])
	if len(suffix) < 22 { // 20 digits + colon + at least one id byte
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	ts, err := strconv.ParseInt(suffix[:20], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
