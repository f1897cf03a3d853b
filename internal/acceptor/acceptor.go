// Package acceptor implements the Connection Acceptor of spec.md §4.4: the
// classification pipeline that turns one freshly-accepted TCP connection
// into either a backend dispatch or a deny decision, plus the dial/attach
// path that wires an admitted connection into the relay engine.
//
// Grounded on the teacher's server/server.go NewHandler control flow
// (resolve identity from the incoming AMQP message, consult a policy,
// dispatch to a queue) transplanted from message classification to
// TCP-accept classification; the whitelist/threshold/failure-guessing
// decision tree is new domain logic with no direct teacher analogue, built
// the way server/server.go chains sequential policy checks before acting.
package acceptor

import (
	"context"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/relaycore/tcp-proxy/internal/backend"
	"github.com/relaycore/tcp-proxy/internal/dbgate"
	"github.com/relaycore/tcp-proxy/internal/eventloop"
	"github.com/relaycore/tcp-proxy/internal/logging"
	"github.com/relaycore/tcp-proxy/internal/ratelimit"
	"github.com/relaycore/tcp-proxy/internal/relay"
)

// blockLogInterval is the "at most once per 1800 seconds" throttle from
// spec.md §4.4.
const blockLogInterval = 1800 * time.Second

// Gate is the subset of *dbgate.Gate the acceptor consults. Narrowed to an
// interface so classification logic can be tested against a stub.
type Gate interface {
	CheckAvailable(ctx context.Context, ip string) (*dbgate.Session, bool, error)
	ConnectionNotAllowed(ctx context.Context, ip string) error
	ConnectionBlacklisted(ctx context.Context, ip string) (int64, error)
	CheckVIP(ctx context.Context, ip string) (int64, error)
	AddIPToAutoBlacklist(ctx context.Context, ip string) (int64, error)
	FailGuessing(ctx context.Context, ip string) (bool, error)
	ConnectionEstablished(ctx context.Context, sn int64, account, ip string) (int64, error)
}

// RateLimiter is the subset of *ratelimit.Table the acceptor consults.
type RateLimiter interface {
	Touch(ip ratelimit.IP) ratelimit.Snapshot
	MarkAdmitted(ip ratelimit.IP)
	ShouldLogBlock(ip ratelimit.IP, now time.Time, interval time.Duration) bool
	EntryAge(ip ratelimit.IP, now time.Time) (time.Duration, bool)
}

// denyReason classifies why channel < 0, driving the log-level choice in
// spec.md §4.4 step 5.
type denyReason int

const (
	denyNone denyReason = iota
	denySilentWhitelist
	denyBlocklisted
	denyAutoBlocklisted
	denyOther
)

// decision is the outcome of classify.
type decision struct {
	channel int
	session *dbgate.Session
	reason  denyReason
	ip      string
	ipv4    ratelimit.IP
	haveV4  bool
}

// Acceptor runs the classification and dispatch pipeline.
type Acceptor struct {
	Gate              Gate
	Limiter           RateLimiter
	Backends          *backend.Table
	Relay             *relay.Engine
	Logger            *logging.Logger
	Whitelist         []string
	Threshold         int
	PersistThreshold  int
	MaxPersistentTime time.Duration

	// Loop, when set, registers each admitted connection's two halves for
	// readiness dispatch through Relay.ServiceReady. Tests leave it nil and
	// exercise the relay directly instead.
	Loop *eventloop.Loop

	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// connFD extracts the raw file descriptor backing conn, for registration
// with the event loop. Connections that don't expose one (e.g. net.Pipe,
// used by tests) are reported as not available.
func connFD(conn net.Conn) (int, bool) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var fd int
	if err := raw.Control(func(fdPtr uintptr) { fd = int(fdPtr) }); err != nil {
		return 0, false
	}
	return fd, true
}

// registerHalf registers one half of ci's connection pair with the event
// loop, calling Relay.ServiceReady on readiness. fromClient selects which
// half of the pair is being registered and handed back to ServiceReady.
func (a *Acceptor) registerHalf(conn net.Conn, ci *relay.ConnInfo, fromClient bool) eventloop.Handle {
	if a.Loop == nil {
		return -1
	}
	fd, ok := connFD(conn)
	if !ok {
		return -1
	}
	handle, err := a.Loop.Register(fd, func(payload interface{}) {
		a.Relay.ServiceReady(payload.(*relay.ConnInfo), fromClient)
	}, ci)
	if err != nil {
		if a.Logger != nil {
			a.Logger.Errorf("event loop register: %v", err)
		}
		return -1
	}
	return handle
}

func (a *Acceptor) dial(ctx context.Context, addr string) (net.Conn, error) {
	if a.Dial != nil {
		return a.Dial(ctx, addr)
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}
	return conn, nil
}

func (a *Acceptor) whitelisted(ip string) bool {
	lower := strings.ToLower(ip)
	for _, p := range a.Whitelist {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// failureGuessingEligible implements the §4.4 "failure-guessing probe"
// range/parity check: counter in (threshold-7, threshold] and even. The
// asymmetric even/odd split is preserved from the source as an intentional
// alternate-access probe, not relaxed to a plain range check.
func failureGuessingEligible(counter int64, threshold int) bool {
	return counter > int64(threshold-7) && counter <= int64(threshold) && counter%2 == 0
}

// classify runs §4.4 steps 2–4 and returns a dispatch decision.
func (a *Acceptor) classify(ctx context.Context, ip string, peer net.IP) decision {
	d := decision{ip: ip}
	if v4 := peer.To4(); v4 != nil {
		d.haveV4 = true
		copy(d.ipv4[:], v4)
	}

	if a.Gate != nil {
		if sess, ok, err := a.Gate.CheckAvailable(ctx, ip); err != nil {
			if a.Logger != nil {
				a.Logger.Errorf("check_available(%s): %v", ip, err)
			}
		} else if ok {
			d.channel = sess.Channel
			d.session = sess
			return d
		}
	}

	if !a.whitelisted(ip) {
		d.channel = -1
		d.reason = denySilentWhitelist
		return d
	}

	d.channel = a.Backends.Default()

	if a.Gate != nil {
		if rows, err := a.Gate.ConnectionBlacklisted(ctx, ip); err == nil && rows > 0 {
			d.channel = -1
			d.reason = denyBlocklisted
		}
	}

	if d.haveV4 && a.Limiter != nil {
		snap := a.Limiter.Touch(d.ipv4)

		if a.Backends.Failover() != a.Backends.Default() && failureGuessingEligible(snap.Counter, a.Threshold) && a.Gate != nil {
			if guessed, _ := a.Gate.FailGuessing(ctx, ip); guessed {
				d.channel = a.Backends.Failover()
			}
		}

		promote := func() {
			if a.Gate == nil {
				return
			}
			vipRows, _ := a.Gate.CheckVIP(ctx, ip)
			if vipRows != 0 {
				return
			}
			d.channel = -1
			d.reason = denyAutoBlocklisted
			if snap.Counter > int64(a.PersistThreshold) {
				a.Gate.AddIPToAutoBlacklist(ctx, ip)
			}
		}

		if snap.Counter > int64(a.Threshold) {
			promote()
		}
		if age, ok := a.Limiter.EntryAge(d.ipv4, time.Now()); ok && age > a.MaxPersistentTime {
			promote()
		}

		if d.channel >= 0 && d.session == nil {
			a.Limiter.MarkAdmitted(d.ipv4)
		}
	}

	if d.channel < 0 && d.reason == denyNone {
		d.reason = denyOther
	}
	return d
}

// logDeny emits the §4.4 step-5 deny log line at the level the reason
// dictates.
func (a *Acceptor) logDeny(d decision) {
	if a.Logger == nil || d.reason == denySilentWhitelist {
		return
	}
	switch d.reason {
	case denyAutoBlocklisted:
		a.Logger.Noticef("connection from %s denied: auto-blocklisted", d.ip)
	case denyBlocklisted:
		shouldLog := true
		if d.haveV4 && a.Limiter != nil {
			shouldLog = a.Limiter.ShouldLogBlock(d.ipv4, time.Now(), blockLogInterval)
		}
		if shouldLog {
			a.Logger.Noticef("connection from %s denied: blocklisted", d.ip)
		} else {
			a.Logger.Debugf("connection from %s denied: blocklisted (throttled)", d.ip)
		}
	default:
		a.Logger.Debugf("connection from %s denied: not allowed", d.ip)
	}
}

// Dispatch runs §4.4 step 5 for one accepted client connection.
func (a *Acceptor) Dispatch(ctx context.Context, client net.Conn, d decision) {
	ip := d.ip

	if d.channel < 0 {
		client.Close()
		if a.Gate != nil {
			a.Gate.ConnectionNotAllowed(ctx, ip)
		}
		a.logDeny(d)
		return
	}

	be, err := a.Backends.Channel(d.channel)
	if err != nil {
		if a.Logger != nil {
			a.Logger.Errorf("no backend configured for channel %d: %v", d.channel, err)
		}
		client.Close()
		return
	}

	backendConn, err := a.dial(ctx, net.JoinHostPort(be.Host, strconv.Itoa(int(be.Port))))
	if err != nil {
		if a.Logger != nil {
			a.Logger.Warningf("backend dial %s:%d failed for %s: %v", be.Host, be.Port, ip, err)
		}
		client.Close()
		return
	}

	if tc, ok := client.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}

	ci := a.Relay.Allocate()
	ci.ClientConn = client
	ci.BackendConn = backendConn
	ci.IP = ip

	a.Relay.Attach(ci)
	ci.ClientHandle = a.registerHalf(client, ci, true)
	ci.BackendHandle = a.registerHalf(backendConn, ci, false)

	if d.session != nil {
		insertID, err := a.Gate.ConnectionEstablished(ctx, d.session.SN, d.session.Account, ip)
		if err != nil && a.Logger != nil {
			a.Logger.Errorf("connection_established(%s): %v", ip, err)
		}
		ci.InsertID = insertID
		ci.Session = d.session
		ci.NthUser = a.Relay.NextUserNumber()
	}
}

// Accept runs the blocking accept loop against ln until ctx is cancelled or
// Accept returns an error.
func (a *Acceptor) Accept(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if a.Logger != nil {
				a.Logger.Errorf("accept: %v", err)
			}
			return err
		}

		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			host = conn.RemoteAddr().String()
		}
		peer := net.ParseIP(host)

		d := a.classify(ctx, host, peer)
		a.Dispatch(ctx, conn, d)
	}
}
