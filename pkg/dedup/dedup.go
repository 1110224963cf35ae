// Package dedup implements the C2 Deduplicator: an in-memory,
// advisory-only suppression of repeat observations within a short
// window, keyed by a siphash fingerprint of (event-kind, subject,
// normalized title, principal). The server's (tenant-id, clientId)
// idempotency check is the correctness backstop; this package only
// trims redundant traffic off the wire.
package dedup

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/dchest/siphash"

	"github.com/cuemby/pulsebeam/pkg/metrics"
	"github.com/cuemby/pulsebeam/pkg/types"
)

// Defaults per spec §4.2.
const (
	DefaultSuppressionWindow = 60 * time.Second
	DefaultMaxEntries        = 1024
)

// fingerprintKey0/Key1 are the siphash key halves. Fixed and unexported:
// this hash is used only to build a process-local suppression map, never
// for anything security-sensitive, so a stable compiled-in key is
// sufficient.
const (
	fingerprintKey0 = 0x70756c7365626561
	fingerprintKey1 = 0x6d64656475702121
)

// Deduplicator suppresses candidate events seen again within window of a
// prior emission, using an LRU-bounded map from fingerprint to
// last-emitted-time.
type Deduplicator struct {
	mu       sync.Mutex
	window   time.Duration
	maxSize  int
	entries  map[uint64]*list.Element
	order    *list.List // front = most recently used
}

type entry struct {
	fingerprint uint64
	lastEmitted time.Time
}

// New constructs a Deduplicator with the default suppression window and
// bound.
func New() *Deduplicator {
	return NewWithConfig(DefaultSuppressionWindow, DefaultMaxEntries)
}

// NewWithConfig constructs a Deduplicator with explicit parameters.
func NewWithConfig(window time.Duration, maxSize int) *Deduplicator {
	return &Deduplicator{
		window:  window,
		maxSize: maxSize,
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
	}
}

// SetWindow updates the suppression window live, for config hot-reload.
func (d *Deduplicator) SetWindow(window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = window
}

// Fingerprint computes the suppression key for a candidate event.
func Fingerprint(kind types.EventKind, subject, title, principal string) uint64 {
	normalizedTitle := strings.ToLower(strings.TrimSpace(title))
	data := string(kind) + "\x00" + subject + "\x00" + normalizedTitle + "\x00" + principal
	return siphash.Hash(fingerprintKey0, fingerprintKey1, []byte(data))
}

// Allow reports whether a candidate event with this fingerprint should
// be emitted now: true if never seen, or if at least window has
// elapsed since its last emission. On acceptance, it stamps now as the
// new last-emitted time.
func (d *Deduplicator) Allow(kind types.EventKind, subject, title, principal string, now time.Time) bool {
	fp := Fingerprint(kind, subject, title, principal)

	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.entries[fp]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.lastEmitted) < d.window {
			metrics.DedupSuppressedTotal.Inc()
			return false
		}
		e.lastEmitted = now
		d.order.MoveToFront(el)
		return true
	}

	e := &entry{fingerprint: fp, lastEmitted: now}
	el := d.order.PushFront(e)
	d.entries[fp] = el
	d.evictIfNeeded()
	return true
}

func (d *Deduplicator) evictIfNeeded() {
	for len(d.entries) > d.maxSize {
		back := d.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		delete(d.entries, e.fingerprint)
		d.order.Remove(back)
	}
}

// Len returns the number of fingerprints currently tracked.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
