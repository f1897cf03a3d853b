// Package relay implements the bidirectional relay engine and idle
// connection reaper of spec.md §4.5: per-ready-fd copying under a global
// worker lock and a per-connection lock, plus a periodic scan that closes
// connections past an inactivity deadline.
//
// The connection record's free-pool/global-list bookkeeping is grounded on
// the teacher's server/query_cache.go (intrusive doubly-linked CacheEntry
// list with an LRU head/tail and an eviction path) and its goroutine
// lifecycle discipline is grounded on server/worker_pool.go (context
// cancellation, WaitGroup, panic-recovery around per-task work).
package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaycore/tcp-proxy/internal/dbgate"
	"github.com/relaycore/tcp-proxy/internal/eventloop"
	"github.com/relaycore/tcp-proxy/internal/logging"
)

// bufferSize is the fixed per-read chunk size from spec.md §4.5.
const bufferSize = 32 * 1024

// reportInterval is how often the reaper emits a throughput report.
const reportInterval = 15 * time.Minute

// Analyzer is the narrow interface the relay calls into for the optional
// packet analyzer plugin (spec.md §4.7). internal/analyzer implements it.
type Analyzer interface {
	Allocate() (interface{}, bool)
	Release(handle interface{})
	Analyze(connID uint64, fromClient bool, buf []byte) uint64
}

// ConnInfo is one connection record: spec.md §3's "Connection record".
type ConnInfo struct {
	ID uint64

	ClientConn   net.Conn
	ClientHandle eventloop.Handle
	BackendConn  net.Conn
	BackendHandle eventloop.Handle

	RequestCount  int64
	ResponseCount int64
	BytesSent     int64
	BytesReceived int64

	StartTime time.Time
	Recent    time.Time

	InList bool

	Session  *dbgate.Session
	InsertID int64
	IP       string
	NthUser  uint64

	Attempts int64

	AnalyzerHandle interface{}

	mu         sync.Mutex
	prev, next *ConnInfo
}

func (ci *ConnInfo) reset() {
	*ci = ConnInfo{}
}

// Engine owns the global connection list, the connection free pool, the
// worker lock, and the relay/reaper logic.
type Engine struct {
	loop     *eventloop.Loop
	gate     *dbgate.Gate
	analyzer Analyzer
	logger   *logging.Logger

	maxAllowedRequests int
	expiringTimeout    time.Duration

	nextID uint64

	workerLock sync.Mutex
	buf        [bufferSize]byte

	listMu  sync.Mutex
	head    *ConnInfo
	listLen int

	poolMu sync.Mutex
	pool   *ConnInfo

	scratch []*ConnInfo

	startedAt     time.Time
	lastReport    time.Time
	totalRequests int64
	userCounter   uint64
}

// New creates a relay Engine. analyzer may be nil if no plugin is loaded.
func New(loop *eventloop.Loop, gate *dbgate.Gate, analyzer Analyzer, maxAllowedRequests int, expiringTimeout time.Duration, logger *logging.Logger) *Engine {
	now := time.Now()
	return &Engine{
		loop:               loop,
		gate:               gate,
		analyzer:           analyzer,
		logger:             logger,
		maxAllowedRequests: maxAllowedRequests,
		expiringTimeout:    expiringTimeout,
		startedAt:          now,
		lastReport:         now,
	}
}

// Allocate returns a zeroed ConnInfo from the free pool, or a new one if the
// pool is empty, with a freshly assigned monotonically increasing id.
func (e *Engine) Allocate() *ConnInfo {
	e.poolMu.Lock()
	ci := e.pool
	if ci != nil {
		e.pool = ci.next
	}
	e.poolMu.Unlock()

	if ci == nil {
		ci = &ConnInfo{}
	} else {
		ci.reset()
	}

	ci.ID = atomic.AddUint64(&e.nextID, 1)
	ci.StartTime = time.Now()
	ci.Recent = ci.StartTime
	return ci
}

// Free returns ci to the free pool. Must only be called once both the
// worker lock and ci's own lock have been released by the caller — pushing
// a still-locked record into the pool would let a concurrent Allocate hand
// it to a new connection before the previous critical section finishes.
func (e *Engine) Free(ci *ConnInfo) {
	e.poolMu.Lock()
	ci.next = e.pool
	e.pool = ci
	e.poolMu.Unlock()
}

// NextUserNumber returns the next value of the monotonic user counter from
// spec.md §3, incremented once per authorized session (never for anonymous
// or denied connections).
func (e *Engine) NextUserNumber() uint64 {
	return atomic.AddUint64(&e.userCounter, 1)
}

// Attach adds ci to the global connection list.
func (e *Engine) Attach(ci *ConnInfo) {
	e.listMu.Lock()
	ci.prev = nil
	ci.next = e.head
	if e.head != nil {
		e.head.prev = ci
	}
	e.head = ci
	e.listLen++
	ci.InList = true
	e.listMu.Unlock()
}

// detach removes ci from the global list. Must be called with ci.mu held.
func (e *Engine) detach(ci *ConnInfo) {
	if !ci.InList {
		return
	}
	e.listMu.Lock()
	if ci.prev != nil {
		ci.prev.next = ci.next
	} else {
		e.head = ci.next
	}
	if ci.next != nil {
		ci.next.prev = ci.prev
	}
	e.listLen--
	e.listMu.Unlock()
	ci.prev = nil
	ci.next = nil
	ci.InList = false
}

// Len returns the number of live connections.
func (e *Engine) Len() int {
	e.listMu.Lock()
	defer e.listMu.Unlock()
	return e.listLen
}

// ServiceReady is the Event Loop handler invoked when the client or backend
// half of ci becomes readable. fromClient indicates which half fired.
func (e *Engine) ServiceReady(ci *ConnInfo, fromClient bool) {
	e.workerLock.Lock()
	ci.mu.Lock()
	closed := e.step(ci, fromClient)
	ci.mu.Unlock()
	e.workerLock.Unlock()

	if closed {
		e.Free(ci)
	}
}

// step performs one read/analyze/write cycle and returns true if the
// connection was closed. Must be called with the worker lock and ci.mu
// held.
func (e *Engine) step(ci *ConnInfo, fromClient bool) bool {
	ci.Recent = time.Now()

	var src, dst net.Conn
	if fromClient {
		src, dst = ci.ClientConn, ci.BackendConn
	} else {
		src, dst = ci.BackendConn, ci.ClientConn
	}

	n, err := src.Read(e.buf[:])
	if err != nil || n <= 0 {
		e.closeLocked(ci, false)
		return true
	}

	if e.analyzer != nil {
		e.analyzer.Analyze(ci.ID, fromClient, e.buf[:n])
	}

	if fromClient && ci.RequestCount > int64(e.maxAllowedRequests) {
		if e.logger != nil {
			e.logger.Noticef("connection %d from %s exceeded max-allowed-requests, closing", ci.ID, ci.IP)
		}
		e.closeLocked(ci, false)
		return true
	}

	written, werr := writeFull(dst, e.buf[:n])
	if werr != nil || written != n {
		e.closeLocked(ci, false)
		return true
	}

	if fromClient {
		ci.BytesSent += int64(written)
		ci.RequestCount++
		atomic.AddInt64(&e.totalRequests, 1)
	} else {
		ci.BytesReceived += int64(written)
		ci.ResponseCount++
	}
	return false
}

func writeFull(dst net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := dst.Write(buf[total:])
		if err != nil {
			return total, err
		}
		if n <= 0 {
			return total, net.ErrClosed
		}
		total += n
	}
	return total, nil
}

// closeLocked detaches ci, closes both halves, unregisters the event loop
// handles, releases the analyzer handle, and records termination
// accounting. Must be called with the worker lock and ci.mu held; the
// caller is responsible for calling Free(ci) afterward.
func (e *Engine) closeLocked(ci *ConnInfo, idle bool) {
	e.detach(ci)

	if ci.ClientConn != nil {
		ci.ClientConn.Close()
	}
	if ci.BackendConn != nil {
		ci.BackendConn.Close()
	}
	if e.loop != nil {
		if ci.ClientHandle >= 0 {
			e.loop.Unregister(ci.ClientHandle)
		}
		if ci.BackendHandle >= 0 {
			e.loop.Unregister(ci.BackendHandle)
		}
	}
	if e.analyzer != nil && ci.AnalyzerHandle != nil {
		e.analyzer.Release(ci.AnalyzerHandle)
		ci.AnalyzerHandle = nil
	}

	if e.gate != nil {
		var sn int64
		if ci.Session != nil {
			sn = ci.Session.SN
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e.gate.ConnectionClose(ctx, sn, ci.BytesSent+ci.BytesReceived, ci.RequestCount+ci.ResponseCount, idle)
		cancel()
		e.gate.CloseIdle(time.Now())
	}
}

// Reap scans the global list once and closes every connection whose
// inactivity exceeds the configured expiring timeout. It snapshots the
// list under the list lock, then proceeds without holding it, per
// spec.md §4.5.
func (e *Engine) Reap(now time.Time) {
	e.snapshot()

	for _, ci := range e.scratch {
		if e.reapOne(ci, now, false) {
			e.Free(ci)
		}
	}

	e.maybeReport(now)
}

// ReapAll force-closes every live connection, used at shutdown with the
// equivalent of a negative timeout (spec.md §5).
func (e *Engine) ReapAll() {
	e.snapshot()
	for _, ci := range e.scratch {
		if e.reapOne(ci, time.Now(), true) {
			e.Free(ci)
		}
	}
}

func (e *Engine) snapshot() {
	e.listMu.Lock()
	e.scratch = e.scratch[:0]
	for ci := e.head; ci != nil; ci = ci.next {
		e.scratch = append(e.scratch, ci)
	}
	e.listMu.Unlock()
}

func (e *Engine) reapOne(ci *ConnInfo, now time.Time, force bool) bool {
	e.workerLock.Lock()
	ci.mu.Lock()
	defer ci.mu.Unlock()
	defer e.workerLock.Unlock()

	if !ci.InList {
		return false
	}
	if !force && now.Sub(ci.Recent) <= e.expiringTimeout {
		return false
	}
	e.closeLocked(ci, true)
	return true
}

func (e *Engine) maybeReport(now time.Time) {
	if now.Sub(e.lastReport) < reportInterval {
		return
	}
	e.lastReport = now
	if e.logger == nil {
		return
	}

	uptime := now.Sub(e.startedAt)
	total := atomic.LoadInt64(&e.totalRequests)
	users := atomic.LoadUint64(&e.userCounter)
	var rps float64
	if uptime.Seconds() > 0 {
		rps = float64(total) / uptime.Seconds()
	}
	e.logger.Noticef("uptime=%s connections=%d users=%d cumulative_requests=%d requests_per_second=%.2f",
		uptime.Round(time.Second), e.Len(), users, total, rps)
}
