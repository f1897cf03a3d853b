// Package ratelimit implements the auto-blocklist rate limiter of
// spec.md §4.2: a sharded hash table of per-IPv4 access counters
// partitioned into a fixed number of time slots forming a sliding window,
// plus a background expiry worker woken by a condition variable.
//
// The sharding/free-pool/chaining shape is grounded on the teacher's
// server/rate_limiter.go (map-of-per-client state behind a config struct
// and a background cleanup goroutine) and server/query_cache.go (intrusive
// linked lists with an explicit free list). The sliding-window algorithm
// itself is the spec's "stamped slot" form rather than the teacher's token
// bucket, per spec.md §9's design note.
package ratelimit

import (
	"sync"
	"time"

	"github.com/relaycore/tcp-proxy/internal/logging"
)

// Slots is the fixed number of time buckets in the sliding window.
const Slots = 12

// IP is a raw IPv4 address, used as the table key.
type IP [4]byte

type slot struct {
	abs     int64 // absolute slot index this counter belongs to
	counter int64
}

type entry struct {
	ip            IP
	slots         [Slots]slot
	sum           int64 // running sum; invariant: equals sum of valid slot counters
	success       int64 // incremented on admission without authorization match
	firstBlockLog time.Time
	next          *entry
}

func (e *entry) reset(ip IP) {
	e.ip = ip
	e.sum = 0
	e.success = 0
	e.firstBlockLog = time.Time{}
	e.next = nil
	for i := range e.slots {
		e.slots[i] = slot{}
	}
}

type bucket struct {
	mu   sync.Mutex
	head *entry
}

// Snapshot is a point-in-time, detached read of an entry. Per spec.md §4.2,
// the reference backing Touch's return value is tied to the bucket lock;
// callers read it immediately and never retain it — Snapshot enforces that
// by copying out the fields they need.
type Snapshot struct {
	Counter       int64
	Success       int64
	FirstBlockLog time.Time
}

// Table is the sharded IP access table.
type Table struct {
	buckets   []bucket
	frequency time.Duration
	logger    *logging.Logger

	poolMu sync.Mutex
	pool   *entry // LIFO free pool

	expiryMu   sync.Mutex
	expiryCond *sync.Cond
	pending    bool
	stopped    bool
	lastAbs    int64
	wg         sync.WaitGroup
}

// NewTable creates a table with hashSize buckets, dividing monitorPeriod
// into Slots equal slots.
func NewTable(hashSize int, monitorPeriod time.Duration, logger *logging.Logger) *Table {
	if hashSize <= 0 {
		hashSize = 521
	}
	if monitorPeriod <= 0 {
		monitorPeriod = 86400 * time.Second
	}
	t := &Table{
		buckets:   make([]bucket, hashSize),
		frequency: monitorPeriod / Slots,
		logger:    logger,
	}
	t.expiryCond = sync.NewCond(&t.expiryMu)
	t.wg.Add(1)
	go t.expiryWorker()
	return t
}

func (t *Table) bucketFor(ip IP) *bucket {
	h := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	return &t.buckets[int(h%uint32(len(t.buckets)))]
}

func (t *Table) absSlot(now time.Time) int64 {
	return now.UnixNano() / int64(t.frequency)
}

// staleClear walks all Slots positions backwards from the current absolute
// slot, zeroing any slot whose stamped absolute index no longer matches
// what it should hold. Must be called with the entry's bucket locked.
func staleClear(e *entry, abs int64) {
	pos := int(abs % Slots)
	for k := 0; k < Slots; k++ {
		idx := (pos - k + Slots) % Slots
		expected := abs - int64(k)
		if e.slots[idx].abs != expected {
			e.sum -= e.slots[idx].counter
			e.slots[idx].counter = 0
			e.slots[idx].abs = expected
		}
	}
}

func (t *Table) allocEntry(ip IP) *entry {
	t.poolMu.Lock()
	e := t.pool
	if e != nil {
		t.pool = e.next
	}
	t.poolMu.Unlock()

	if e == nil {
		e = &entry{}
	}
	e.reset(ip)
	return e
}

func (t *Table) freeEntry(e *entry) {
	t.poolMu.Lock()
	e.next = t.pool
	t.pool = e
	t.poolMu.Unlock()
}

func (t *Table) find(b *bucket, ip IP) *entry {
	for e := b.head; e != nil; e = e.next {
		if e.ip == ip {
			return e
		}
	}
	return nil
}

// Touch locates (creating if absent) the entry for ip, staleness-clears it,
// increments the current slot and running sum, and returns a detached
// snapshot of the result.
func (t *Table) Touch(ip IP) Snapshot {
	b := t.bucketFor(ip)
	b.mu.Lock()
	defer b.mu.Unlock()

	e := t.find(b, ip)
	if e == nil {
		e = t.allocEntry(ip)
		e.next = b.head
		b.head = e
	}

	now := time.Now()
	abs := t.absSlot(now)
	staleClear(e, abs)

	pos := int(abs % Slots)
	e.slots[pos].abs = abs
	e.slots[pos].counter++
	e.sum++

	return Snapshot{Counter: e.sum, Success: e.success, FirstBlockLog: e.firstBlockLog}
}

// MarkAdmitted increments the success counter for ip — called when an
// anonymous peer is admitted without an authorization match (spec.md §3).
func (t *Table) MarkAdmitted(ip IP) {
	b := t.bucketFor(ip)
	b.mu.Lock()
	defer b.mu.Unlock()
	e := t.find(b, ip)
	if e == nil {
		e = t.allocEntry(ip)
		e.next = b.head
		b.head = e
	}
	e.success++
}

// ShouldLogBlock reports whether a block-decision log line should be
// emitted for ip given the throttle interval, and if so records now as the
// new first-block log time.
func (t *Table) ShouldLogBlock(ip IP, now time.Time, interval time.Duration) bool {
	b := t.bucketFor(ip)
	b.mu.Lock()
	defer b.mu.Unlock()
	e := t.find(b, ip)
	if e == nil {
		e = t.allocEntry(ip)
		e.next = b.head
		b.head = e
	}
	if e.firstBlockLog.IsZero() || now.Sub(e.firstBlockLog) >= interval {
		e.firstBlockLog = now
		return true
	}
	return false
}

// EntryAge returns how long ago ip's first-block log time was set, used by
// the acceptor's "long-running persistent check" (spec.md §4.4).
func (t *Table) EntryAge(ip IP, now time.Time) (time.Duration, bool) {
	b := t.bucketFor(ip)
	b.mu.Lock()
	defer b.mu.Unlock()
	e := t.find(b, ip)
	if e == nil || e.firstBlockLog.IsZero() {
		return 0, false
	}
	return now.Sub(e.firstBlockLog), true
}

// ExpireStats summarizes one expiry pass, logged by doExpire.
type ExpireStats struct {
	Expired       int
	Remaining     int
	LongestChain  int
	EmptyChains   int
}

// Expire is the tick-path entry point (spec.md §4.2 / §4.6): it signals the
// background expiry worker unless the current absolute slot was already
// signaled, in which case it returns immediately.
func (t *Table) Expire() {
	now := time.Now()
	abs := t.absSlot(now)

	t.expiryMu.Lock()
	if abs == t.lastAbs {
		t.expiryMu.Unlock()
		return
	}
	t.lastAbs = abs
	t.pending = true
	t.expiryCond.Signal()
	t.expiryMu.Unlock()
}

func (t *Table) expiryWorker() {
	defer t.wg.Done()
	t.expiryMu.Lock()
	for {
		for !t.pending && !t.stopped {
			t.expiryCond.Wait()
		}
		if t.stopped {
			t.expiryMu.Unlock()
			return
		}
		t.pending = false
		t.expiryMu.Unlock()

		t.doExpire()

		t.expiryMu.Lock()
	}
}

func (t *Table) doExpire() {
	now := time.Now()
	abs := t.absSlot(now)
	stats := ExpireStats{}

	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()

		chainLen := 0
		var prev *entry
		e := b.head
		for e != nil {
			next := e.next
			staleClear(e, abs)
			if e.sum == 0 {
				if prev == nil {
					b.head = next
				} else {
					prev.next = next
				}
				stats.Expired++
				t.freeEntry(e)
			} else {
				chainLen++
				prev = e
			}
			e = next
		}

		if chainLen == 0 {
			stats.EmptyChains++
		}
		if chainLen > stats.LongestChain {
			stats.LongestChain = chainLen
		}
		stats.Remaining += chainLen

		b.mu.Unlock()
	}

	if t.logger != nil {
		t.logger.Infof("rate limiter expiry: expired=%d remaining=%d longest_chain=%d empty_chains=%d",
			stats.Expired, stats.Remaining, stats.LongestChain, stats.EmptyChains)
	}
}

// ForEach invokes visitor for every entry with a positive running sum,
// under that entry's bucket lock.
func (t *Table) ForEach(visitor func(ip IP, snap Snapshot)) {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for e := b.head; e != nil; e = e.next {
			if e.sum > 0 {
				visitor(e.ip, Snapshot{Counter: e.sum, Success: e.success, FirstBlockLog: e.firstBlockLog})
			}
		}
		b.mu.Unlock()
	}
}

// Shutdown signals the expiry worker to exit and waits for it to do so.
func (t *Table) Shutdown() {
	t.expiryMu.Lock()
	t.stopped = true
	t.expiryCond.Broadcast()
	t.expiryMu.Unlock()
	t.wg.Wait()
}
