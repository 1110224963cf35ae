// Package shipper implements the C5 Shipper Loop: drains the persistent
// queue via the transport multiplexer, batching on the stream channel
// and pacing single-event requests on the HTTP fallback, acknowledging
// only what the server confirms.
package shipper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cuemby/pulsebeam/pkg/ingest"
	"github.com/cuemby/pulsebeam/pkg/log"
	"github.com/cuemby/pulsebeam/pkg/metrics"
	"github.com/cuemby/pulsebeam/pkg/queue"
	"github.com/cuemby/pulsebeam/pkg/transport"
	"github.com/cuemby/pulsebeam/pkg/types"
)

// Defaults per spec §4.5.
const (
	StreamBatchSize       = 50
	DefaultHTTPPacing     = 700 * time.Millisecond
	BackpressureWatermark = 5000
)

// ErrHalted is wrapped and returned by a ship cycle when the server
// rejects an event as unauthenticated: the agent's credential itself is
// the problem, so retrying (with any backoff) only repeats the same
// rejection forever. The operator has to re-provision the agent, so
// Run logs it and stops rather than spin.
var ErrHalted = errors.New("shipper: halted on an unauthenticated response")

// SlowdownNotifier is implemented by the sampler to receive the C5 ->
// C1 back-pressure signal.
type SlowdownNotifier interface {
	SetSlowdown(on bool)
}

// Loop drains q via mux until its context is canceled.
type Loop struct {
	q        *queue.Queue
	mux      *transport.Multiplexer
	notifier SlowdownNotifier
	pacing   atomic.Int64 // nanoseconds; read/written from separate goroutines under config hot-reload
}

// New constructs a shipper Loop.
func New(q *queue.Queue, mux *transport.Multiplexer, notifier SlowdownNotifier) *Loop {
	l := &Loop{q: q, mux: mux, notifier: notifier}
	l.pacing.Store(int64(DefaultHTTPPacing))
	return l
}

// SetPacing updates the HTTP-fallback pacing live, for config hot-reload.
func (l *Loop) SetPacing(d time.Duration) {
	l.pacing.Store(int64(d))
}

func (l *Loop) getPacing() time.Duration {
	return time.Duration(l.pacing.Load())
}

// Run blocks, shipping batches until ctx is canceled or the server
// halts the loop with ErrHalted (spec §7: an unauthenticated response
// is an operator problem, not a transient one).
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.applyBackpressure()
		err := l.shipOnce(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrHalted) {
			log.Error("shipper: " + err.Error())
			return
		}
		log.Error("shipper: ship cycle failed: " + err.Error())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (l *Loop) applyBackpressure() {
	if l.notifier == nil {
		return
	}
	l.notifier.SetSlowdown(shouldSlowdown(l.q.Size()))
}

func shouldSlowdown(depth int) bool {
	return depth > BackpressureWatermark
}

func (l *Loop) shipOnce(ctx context.Context) error {
	switch l.mux.State() {
	case transport.Streaming:
		return l.shipStreamBatch()
	case transport.HTTPOnly:
		return l.shipSingleHTTP(ctx)
	default:
		// Not yet connected: give the supervisor a chance to move us
		// into Streaming or HTTPOnly before trying again.
		time.Sleep(100 * time.Millisecond)
		return nil
	}
}

func (l *Loop) shipStreamBatch() error {
	batch, err := l.q.PeekBatch(StreamBatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	items := make([]*ingest.EventIn, len(batch))
	for i, pe := range batch {
		items[i] = toEventIn(pe)
	}

	resp, err := l.mux.SendStream(struct {
		Kind  string            `json:"kind"`
		Batch []*ingest.EventIn `json:"batch"`
	}{Kind: "batch", Batch: items})
	if err != nil {
		metrics.ShipperBatchesTotal.WithLabelValues("stream", "error").Inc()
		return nil // transport already transitioned; do not ack, retry next cycle
	}

	var frame struct {
		Outcome *ingest.BatchOutcome `json:"outcome"`
	}
	if err := json.Unmarshal(resp, &frame); err != nil || frame.Outcome == nil {
		metrics.ShipperBatchesTotal.WithLabelValues("stream", "error").Inc()
		return nil
	}

	if err := l.applyOutcome(batch, frame.Outcome); err != nil {
		return err
	}
	metrics.ShipperBatchesTotal.WithLabelValues("stream", "ok").Inc()
	return nil
}

// errorBody mirrors pkg/ingest's JSON error envelope. Its apiError type
// is unexported, so this is a minimal local echo of the same
// {"reason": "...", "detail": "..."} wire shape.
type errorBody struct {
	Reason ingest.Reason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

func (l *Loop) shipSingleHTTP(ctx context.Context) error {
	batch, err := l.q.PeekBatch(1)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		time.Sleep(l.getPacing())
		return nil
	}
	pe := batch[0]

	resp, err := l.mux.SendHTTP(ctx, "/ingest", toEventIn(pe))
	if err != nil {
		metrics.ShipperBatchesTotal.WithLabelValues("http", "error").Inc()
		_ = l.q.Retry(pe.ID, err.Error())
		time.Sleep(l.getPacing())
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_ = l.q.Ack([]uint64{pe.ID})
		metrics.ShipperBatchesTotal.WithLabelValues("http", "ok").Inc()
		time.Sleep(l.getPacing())
		return nil
	}

	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)
	metrics.ShipperBatchesTotal.WithLabelValues("http", "rejected").Inc()

	if err := l.applyRejection(pe.ID, body.Reason, body.Detail); err != nil {
		return err
	}
	if wait := retryAfterDelay(resp.Header.Get("Retry-After")); wait > 0 {
		time.Sleep(wait)
	} else {
		time.Sleep(l.getPacing())
	}
	return nil
}

// retryAfterDelay parses the seconds-only form of Retry-After that
// pkg/ingest/http.go sends; an empty or unparseable header means the
// caller should fall back to its own pacing instead.
func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// applyOutcome acks every element the outcome does not list as failed
// and applies the spec §7 rejection contract to the failed ones, per the partial-success semantics of
// a batch outcome. The outcome carries only a count of processed and a
// failed list by index; ids map 1:1 to batch order.
func (l *Loop) applyOutcome(batch []*types.PendingEvent, outcome *ingest.BatchOutcome) error {
	failedIdx := make(map[int]ingest.Reason, len(outcome.Failed))
	for _, f := range outcome.Failed {
		failedIdx[f.Index] = f.Reason
	}

	var toAck []uint64
	for i, pe := range batch {
		reason, failed := failedIdx[i]
		if !failed {
			toAck = append(toAck, pe.ID)
			continue
		}
		if err := l.applyRejection(pe.ID, reason, string(reason)); err != nil {
			return err
		}
	}
	if len(toAck) > 0 {
		_ = l.q.Ack(toAck)
	}
	return nil
}

// applyRejection routes a rejected event to the queue action spec §7
// requires for its reason: a throttled tenant always recovers given
// enough time, so it retries forever rather than being governed by
// retryCeiling; a malformed or oversized event can never succeed no
// matter how many times it's resent, so it dead-letters immediately
// instead of waiting out the ceiling; an unauthenticated credential is
// a problem with the agent itself, so it halts the loop instead of
// retrying a rejection that will never change on its own. Anything
// else (ReasonInternal, or a reason this agent doesn't recognize) gets
// the existing ceiling-based retry.
func (l *Loop) applyRejection(id uint64, reason ingest.Reason, detail string) error {
	switch reason {
	case ingest.ReasonThrottled:
		_ = l.q.RetryIndefinitely(id, detail)
		return nil
	case ingest.ReasonInvalidSchema, ingest.ReasonPayloadTooLarge:
		_ = l.q.DeadLetter(id, detail)
		return nil
	case ingest.ReasonUnauthenticated:
		return fmt.Errorf("%w: %s", ErrHalted, detail)
	default:
		_ = l.q.Retry(id, detail)
		return nil
	}
}

func toEventIn(pe *types.PendingEvent) *ingest.EventIn {
	return &ingest.EventIn{
		Event:           string(pe.Event.EventKind),
		Subject:         pe.Event.Subject,
		Title:           pe.Event.Title,
		Principal:       pe.Event.Principal,
		Machine:         pe.Event.Machine,
		ClientID:        pe.Event.ClientID,
		ClientTimestamp: pe.Event.ClientTimestamp,
	}
}
