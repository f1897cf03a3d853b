//go:build linux

// Package eventloop implements the single-threaded readiness multiplexer of
// spec.md §4.1: register/unregister file descriptors with handlers, block
// on readiness, and dispatch exactly one ready descriptor per poll.
//
// No example repo in the pack implements a readiness multiplexer directly
// (see DESIGN.md), so this is grounded on the pack's own dependency
// surface: golang.org/x/sys/unix (a direct dependency of hashicorp-nomad
// and nabbar-golib) backs the epoll syscalls.
//
// This package is Linux-only, matching the listening-socket and backend
// TCP semantics in spec.md §6, which this proxy is deployed against.
package eventloop

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxEvents bounds the number of live registrations, per spec.md §4.1.
const MaxEvents = 4096

// Handler is invoked with the registration's opaque payload when its fd is
// ready.
type Handler func(payload interface{})

// Handle is returned by Register and used to Unregister later.
type Handle int

type registration struct {
	fd      int
	handler Handler
	payload interface{}
	active  bool
}

// Loop is an epoll-backed event loop that dispatches one handler per poll.
// Register, Unregister, Count and PollOnce's handler lookup all take mu, so
// registrations may change from other goroutines (the accept loop, the
// reaper) while one goroutine drives PollOnce; handlers run outside mu.
type Loop struct {
	epfd     int
	capacity int

	mu    sync.Mutex // guards regs, count and high
	regs  []registration
	count int
	high  int // one past the highest ever-used index, for iteration bounds
}

// ErrCapacityExhausted is returned by Register once MaxEvents registrations
// are active.
var ErrCapacityExhausted = fmt.Errorf("eventloop: capacity exhausted (max %d)", MaxEvents)

// New creates a Loop backed by a fresh epoll instance, sized for MaxEvents
// registrations.
func New() (*Loop, error) {
	return newWithCapacity(MaxEvents)
}

// newWithCapacity is the unexported constructor used by tests to exercise
// capacity exhaustion without opening MaxEvents real file descriptors.
func newWithCapacity(capacity int) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:     epfd,
		regs:     make([]registration, capacity),
		capacity: capacity,
	}, nil
}

// Register installs fd with readable-edge interest and returns a handle
// used for later removal.
func (l *Loop) Register(fd int, handler Handler, payload interface{}) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count >= l.capacity {
		return -1, ErrCapacityExhausted
	}

	idx := -1
	for i := 0; i < l.high; i++ {
		if !l.regs[i].active {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = l.high
		l.high++
	}

	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return -1, fmt.Errorf("eventloop: epoll_ctl add: %w", err)
	}

	l.regs[idx] = registration{fd: fd, handler: handler, payload: payload, active: true}
	l.count++
	return Handle(idx), nil
}

// Unregister clears the slot for handle. It is idempotent: a second call on
// an already-cleared handle is a no-op, satisfying the round-trip
// idempotence property in spec.md §8.
func (l *Loop) Unregister(handle Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := int(handle)
	if idx < 0 || idx >= l.high || !l.regs[idx].active {
		return false
	}

	fd := l.regs[idx].fd
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil) // best effort; fd may already be closed

	l.regs[idx] = registration{}
	l.count--

	if idx == l.high-1 {
		for l.high > 0 && !l.regs[l.high-1].active {
			l.high--
		}
	}
	return true
}

// Count returns the active registration count.
func (l *Loop) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// PollOnce blocks until at least one descriptor is ready, invokes the
// handler of the first ready descriptor in registration order, and
// returns. An interrupted wait returns (0, nil) without invoking any
// handler. A negative return indicates unrecoverable loop failure.
func (l *Loop) PollOnce(timeoutMillis int) (int, error) {
	events := make([]unix.EpollEvent, l.capacity)
	n, err := unix.EpollWait(l.epfd, events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return -1, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	ready := make(map[int]bool, n)
	for _, ev := range events[:n] {
		ready[int(ev.Fd)] = true
	}

	l.mu.Lock()
	var handler Handler
	var payload interface{}
	found := false
	for i := 0; i < l.high; i++ {
		if l.regs[i].active && ready[l.regs[i].fd] {
			handler = l.regs[i].handler
			payload = l.regs[i].payload
			found = true
			break
		}
	}
	l.mu.Unlock()

	if found && handler != nil {
		handler(payload)
		return 1, nil
	}
	return 0, nil
}

// Close releases the underlying epoll instance.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
