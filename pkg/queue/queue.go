// Package queue implements the C3 Persistent Queue: a crash-safe
// on-disk FIFO of events accepted by the deduplicator but not yet
// acknowledged by the server.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/pulsebeam/pkg/log"
	"github.com/cuemby/pulsebeam/pkg/metrics"
	"github.com/cuemby/pulsebeam/pkg/types"
)

var (
	bucketPending    = []byte("pending")
	bucketDeadLetter = []byte("deadletter")
)

// Defaults per spec §4.3.
const (
	DefaultSoftCap       = 10000
	DefaultPruneThreshold = 8000
	DefaultRetryCeiling  = 10
)

// Queue is a durable FIFO backed by go.etcd.io/bbolt, following the same
// bucket/JSON-record idiom as pkg/tenant. Every record's value is
// prefixed with a CRC32 checksum of its JSON payload: bbolt's own
// transaction log already makes individual writes atomic, but the
// checksum catches an application bug that wrote a half-built record
// independent of any on-disk corruption bbolt itself would have caught.
type Queue struct {
	db             *bolt.DB
	softCap        int
	pruneThreshold int
	retryCeiling   int
}

// Option configures a Queue at construction time.
type Option func(*Queue)

func WithSoftCap(cap, pruneThreshold int) Option {
	return func(q *Queue) { q.softCap = cap; q.pruneThreshold = pruneThreshold }
}

func WithRetryCeiling(n int) Option {
	return func(q *Queue) { q.retryCeiling = n }
}

// Open opens (creating if absent) the queue database at
// <dataDir>/queue.db.
func Open(dataDir string, opts ...Option) (*Queue, error) {
	dbPath := filepath.Join(dataDir, "queue.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPending); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketDeadLetter)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: init buckets: %w", err)
	}

	q := &Queue{db: db, softCap: DefaultSoftCap, pruneThreshold: DefaultPruneThreshold, retryCeiling: DefaultRetryCeiling}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

func encodeRecord(pe *types.PendingEvent) ([]byte, error) {
	payload, err := json.Marshal(pe)
	if err != nil {
		return nil, err
	}
	checksum := crc32.ChecksumIEEE(payload)
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], checksum)
	copy(buf[4:], payload)
	return buf, nil
}

func decodeRecord(buf []byte) (*types.PendingEvent, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("queue: record too short")
	}
	want := binary.BigEndian.Uint32(buf[:4])
	payload := buf[4:]
	if got := crc32.ChecksumIEEE(payload); got != want {
		return nil, fmt.Errorf("queue: checksum mismatch (corrupt record)")
	}
	var pe types.PendingEvent
	if err := json.Unmarshal(payload, &pe); err != nil {
		return nil, err
	}
	return &pe, nil
}

func seqKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// Enqueue durably appends event, returning only after the write is
// committed. A process crash immediately after this call returns
// cannot lose the event.
func (q *Queue) Enqueue(event types.Event) (uint64, error) {
	var id uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		pe := &types.PendingEvent{ID: id, Event: event, EnqueuedAt: time.Now()}
		buf, err := encodeRecord(pe)
		if err != nil {
			return err
		}
		return b.Put(seqKey(id), buf)
	})
	if err != nil {
		return 0, err
	}
	metrics.QueueDepth.Set(float64(q.size()))
	q.maybePrune()
	return id, nil
}

// PeekBatch returns the oldest up to max pending events in insertion
// order, without removing them. Corrupt records are skipped and logged
// rather than aborting the whole peek.
func (q *Queue) PeekBatch(max int) ([]*types.PendingEvent, error) {
	var out []*types.PendingEvent
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		for k, v := c.First(); k != nil && len(out) < max; k, v = c.Next() {
			pe, err := decodeRecord(v)
			if err != nil {
				log.Error(fmt.Sprintf("queue: skipping corrupt record at key %x: %v", k, err))
				continue
			}
			out = append(out, pe)
		}
		return nil
	})
	return out, err
}

// Ack removes the given event ids. Safe to call with ids from a prior
// PeekBatch even across restarts.
func (q *Queue) Ack(ids []uint64) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		for _, id := range ids {
			if err := b.Delete(seqKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.QueueDepth.Set(float64(q.size()))
	return nil
}

// moveToDeadLetter writes pe into the dead-letter bucket and removes it
// from pending, within tx. Shared by Retry's ceiling path and
// DeadLetter's immediate path so the two never drift apart.
func moveToDeadLetter(tx *bolt.Tx, id uint64, pe *types.PendingEvent) error {
	buf, err := encodeRecord(pe)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketDeadLetter).Put(seqKey(id), buf); err != nil {
		return err
	}
	return tx.Bucket(bucketPending).Delete(seqKey(id))
}

// Retry increments the retry counter and last-error for id. If the
// counter exceeds retryCeiling, the event is moved to the dead-letter
// region instead of being retried further. This ceiling-based path is
// for failures with no sharper classification (a transport error, or
// ReasonInternal) — callers that already know an event can never
// succeed (ReasonInvalidSchema, ReasonPayloadTooLarge) should call
// DeadLetter directly, and callers that know it will eventually
// succeed (ReasonThrottled) should call RetryIndefinitely instead, so
// neither case is silently governed by this counter.
func (q *Queue) Retry(id uint64, errMsg string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		buf := pending.Get(seqKey(id))
		if buf == nil {
			return nil // already acked or pruned
		}
		pe, err := decodeRecord(buf)
		if err != nil {
			return pending.Delete(seqKey(id))
		}
		pe.RetryCount++
		pe.LastError = errMsg

		if pe.RetryCount > q.retryCeiling {
			return moveToDeadLetter(tx, id, pe)
		}

		newBuf, err := encodeRecord(pe)
		if err != nil {
			return err
		}
		return pending.Put(seqKey(id), newBuf)
	})
}

// RetryIndefinitely re-queues id without advancing it toward the retry
// ceiling, for failures expected to clear given enough time rather than
// a defect in the event itself (spec §7: a throttled tenant must never
// have its events dead-lettered just because the throttle outlasted
// retryCeiling attempts).
func (q *Queue) RetryIndefinitely(id uint64, errMsg string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		buf := pending.Get(seqKey(id))
		if buf == nil {
			return nil
		}
		pe, err := decodeRecord(buf)
		if err != nil {
			return pending.Delete(seqKey(id))
		}
		pe.LastError = errMsg
		newBuf, err := encodeRecord(pe)
		if err != nil {
			return err
		}
		return pending.Put(seqKey(id), newBuf)
	})
}

// DeadLetter moves id straight to the dead-letter region regardless of
// its retry count, for failures the spec classifies as permanent
// (invalid schema, payload too large): no amount of retrying fixes a
// malformed event, so holding it in pending until retryCeiling is spent
// only delays the operator from seeing it.
func (q *Queue) DeadLetter(id uint64, errMsg string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		buf := pending.Get(seqKey(id))
		if buf == nil {
			return nil
		}
		pe, err := decodeRecord(buf)
		if err != nil {
			return pending.Delete(seqKey(id))
		}
		pe.LastError = errMsg
		return moveToDeadLetter(tx, id, pe)
	})
}

// Size returns the current pending count.
func (q *Queue) Size() int { return q.size() }

func (q *Queue) size() int {
	n := 0
	_ = q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n
}

// DeadLetterSize returns the current dead-letter count.
func (q *Queue) DeadLetterSize() int {
	n := 0
	_ = q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDeadLetter).Stats().KeyN
		return nil
	})
	metrics.QueueDeadLetterTotal.Set(float64(n))
	return n
}

// DeadLetterEvents returns all dead-lettered events, for CLI/operator
// enumeration (spec §4.3: "still enumerable by operators").
func (q *Queue) DeadLetterEvents() ([]*types.PendingEvent, error) {
	var out []*types.PendingEvent
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).ForEach(func(k, v []byte) error {
			pe, err := decodeRecord(v)
			if err != nil {
				return nil
			}
			out = append(out, pe)
			return nil
		})
	})
	return out, err
}

// maybePrune implements the soft-cap policy from spec §4.3: once size
// exceeds softCap, the oldest events past pruneThreshold are dropped in
// insertion order (the bbolt cursor walks the bucket in key order, and
// keys are the monotonic enqueue sequence), since new events are always
// admitted and the queue has no cheaper way to single out "worth
// keeping" events than FIFO order.
func (q *Queue) maybePrune() {
	if q.size() <= q.softCap {
		return
	}
	excess := q.size() - q.pruneThreshold
	if excess <= 0 {
		return
	}
	_ = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		c := b.Cursor()
		pruned := 0
		for k, _ := c.First(); k != nil && pruned < excess; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		if pruned > 0 {
			log.Error(fmt.Sprintf("queue: pruned %d events under sustained backlog (soft cap %d exceeded)", pruned, q.softCap))
		}
		return nil
	})
	metrics.QueueDepth.Set(float64(q.size()))
}
