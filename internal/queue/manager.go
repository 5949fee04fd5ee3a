// -----------------------------------------------------------------------
// Badger Queue Manager - persistent at-least-once queue on BadgerDB
// - Message data at queue:{name}:msg:{id}
// - Visibility index at queue:{name}:index:{20-digit-nanos}:{id}
// - Poison messages moved to queue:{name}:dead:{id} after max receives
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/coremachine/internal/interfaces"
	"github.com/ternarybob/coremachine/internal/models"
)

// MaxSendBatch is the most messages one SendBatch transaction accepts.
// Callers with larger fan-outs chunk to this size.
const MaxSendBatch = 10

// queueMessage is the internal structure stored in Badger. Body is opaque
// to the queue; it is base64-encoded by the JSON envelope, never parsed.
type queueMessage struct {
	ID           string    `json:"id"`
	Body         []byte    `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// Manager implements a persistent queue using BadgerDB. A received message
// stays invisible for the visibility timeout; an unacknowledged message
// reappears and is redelivered, which is what makes delivery at-least-once.
type Manager struct {
	db                *badger.DB
	name              string
	visibilityTimeout time.Duration
	maxReceive        int
	logger            arbor.ILogger
}

var _ interfaces.Queue = (*Manager)(nil)

// NewManager creates a Badger-backed queue manager
func NewManager(db *badger.DB, name string, visibilityTimeout time.Duration, maxReceive int, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &Manager{
		db:                db,
		name:              name,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		logger:            logger,
	}, nil
}

func (m *Manager) SendOne(ctx context.Context, body []byte) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return m.putMessage(txn, body, time.Now())
	})
}

func (m *Manager) SendOneDelayed(ctx context.Context, body []byte, delay time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return m.putMessage(txn, body, time.Now().Add(delay))
	})
}

func (m *Manager) SendBatch(ctx context.Context, bodies [][]byte) error {
	if len(bodies) == 0 {
		return nil
	}
	if len(bodies) > MaxSendBatch {
		return fmt.Errorf("batch of %d exceeds limit of %d", len(bodies), MaxSendBatch)
	}

	// One transaction: either the whole batch is enqueued or none of it is.
	return m.db.Update(func(txn *badger.Txn) error {
		now := time.Now()
		for _, body := range bodies {
			if err := m.putMessage(txn, body, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Manager) putMessage(txn *badger.Txn, body []byte, visibleAt time.Time) error {
	qMsg := queueMessage{
		ID:         uuid.New().String(),
		Body:       body,
		EnqueuedAt: time.Now(),
		VisibleAt:  visibleAt,
	}

	data, err := json.Marshal(qMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	if err := txn.Set(m.msgKey(qMsg.ID), data); err != nil {
		return err
	}
	return txn.Set(m.indexKey(qMsg.VisibleAt, qMsg.ID), []byte{})
}

// Receive pulls the next visible message. The returned ack function deletes
// it; an unacked message becomes visible again after the visibility timeout.
func (m *Manager) Receive(ctx context.Context) (*interfaces.Envelope, func() error, error) {
	var qMsg queueMessage
	var msgID string
	found := false

	// The transaction must commit even when nothing is deliverable:
	// dead-letter parking and orphaned-index cleanup happen during the
	// scan, and returning an error here would roll them back.
	err := m.db.Update(func(txn *badger.Txn) error {
		found = false

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", m.name))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var oldIndexKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}

			// Index keys sort by visibility time; the first future entry
			// means nothing later is ready either.
			if ts.After(now) {
				break
			}

			itemMsg, err := txn.Get(m.msgKey(id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry, clean it up
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if err := itemMsg.Value(func(val []byte) error {
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
			oldIndexKey = key
			break
		}

		if !found {
			return nil
		}

		// Claim: bump the receive count and push visibility forward
		qMsg.ReceiveCount++
		qMsg.VisibleAt = time.Now().Add(m.visibilityTimeout)

		newData, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(msgID), newData); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(qMsg.VisibleAt, msgID), []byte{})
	})

	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, models.ErrNoMessage
	}

	env := &interfaces.Envelope{
		ID:           msgID,
		Body:         qMsg.Body,
		ReceiveCount: qMsg.ReceiveCount,
	}

	ack := func() error {
		return m.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(m.msgKey(msgID))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil // Already deleted
				}
				return err
			}

			var current queueMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}

			if err := txn.Delete(m.indexKey(current.VisibleAt, msgID)); err != nil {
				if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
			}
			return txn.Delete(m.msgKey(msgID))
		})
	}

	return env, ack, nil
}

// deadLetter parks a poison message outside the visibility index so it
// stops looping but stays inspectable.
func (m *Manager) deadLetter(txn *badger.Txn, indexKey []byte, qMsg *queueMessage) error {
	data, err := json.Marshal(qMsg)
	if err != nil {
		return err
	}
	if err := txn.Set(m.deadKey(qMsg.ID), data); err != nil {
		return err
	}
	if err := txn.Delete(indexKey); err != nil {
		return err
	}
	if err := txn.Delete(m.msgKey(qMsg.ID)); err != nil {
		return err
	}

	m.logger.Warn().
		Str("queue", m.name).
		Str("message_id", qMsg.ID).
		Int("receive_count", qMsg.ReceiveCount).
		Msg("Message exceeded max receives, moved to dead letter")
	return nil
}

// Close is a no-op; the Badger handle is owned by the caller
func (m *Manager) Close() error {
	return nil
}

// Helpers

func (m *Manager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.name, id))
}

func (m *Manager) deadKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dead:%s", m.name, id))
}

func (m *Manager) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so lexicographic order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.name, visibleAt.UnixNano(), id))
}

func (m *Manager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", m.name)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefix):])
	if len(suffix) < 21 { // 20 digits + 1 colon
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	tsStr := suffix[:20]
	id := suffix[21:]

	var ts int64
	if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), id, nil
}
