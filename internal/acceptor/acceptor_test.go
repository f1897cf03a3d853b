package acceptor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/tcp-proxy/internal/backend"
	"github.com/relaycore/tcp-proxy/internal/config"
	"github.com/relaycore/tcp-proxy/internal/dbgate"
	"github.com/relaycore/tcp-proxy/internal/ratelimit"
	"github.com/relaycore/tcp-proxy/internal/relay"
)

type stubGate struct {
	session        *dbgate.Session
	blacklistRows  int64
	vipRows        int64
	failGuess      bool
	addBlacklisted int
	notAllowed     int
	established    int
	establishedID  int64
}

func (s *stubGate) CheckAvailable(context.Context, string) (*dbgate.Session, bool, error) {
	if s.session == nil {
		return nil, false, nil
	}
	return s.session, true, nil
}
func (s *stubGate) ConnectionNotAllowed(context.Context, string) error {
	s.notAllowed++
	return nil
}
func (s *stubGate) ConnectionBlacklisted(context.Context, string) (int64, error) {
	return s.blacklistRows, nil
}
func (s *stubGate) CheckVIP(context.Context, string) (int64, error) { return s.vipRows, nil }
func (s *stubGate) AddIPToAutoBlacklist(context.Context, string) (int64, error) {
	s.addBlacklisted++
	return 1, nil
}
func (s *stubGate) FailGuessing(context.Context, string) (bool, error) { return s.failGuess, nil }
func (s *stubGate) ConnectionEstablished(context.Context, int64, string, string) (int64, error) {
	s.established++
	return s.establishedID, nil
}

type stubLimiter struct {
	snap          ratelimit.Snapshot
	age           time.Duration
	ageOK         bool
	markAdmitted  int
	shouldLogBlock bool
}

func (s *stubLimiter) Touch(ratelimit.IP) ratelimit.Snapshot { return s.snap }
func (s *stubLimiter) MarkAdmitted(ratelimit.IP)             { s.markAdmitted++ }
func (s *stubLimiter) ShouldLogBlock(ratelimit.IP, time.Time, time.Duration) bool {
	return s.shouldLogBlock
}
func (s *stubLimiter) EntryAge(ratelimit.IP, time.Time) (time.Duration, bool) {
	return s.age, s.ageOK
}

func newTestBackends() *backend.Table {
	return backend.New([]config.Backend{
		{Host: "10.0.0.1", Port: 9000},
		{Host: "10.0.0.2", Port: 9001},
	}, 0, 1)
}

func TestClassifyAuthorizedSessionSkipsWhitelistAndBlacklist(t *testing.T) {
	gate := &stubGate{session: &dbgate.Session{SN: 7, Account: "acct", Channel: 1}}
	a := &Acceptor{Gate: gate, Backends: newTestBackends()}

	d := a.classify(context.Background(), "203.0.113.5", net.ParseIP("203.0.113.5"))

	assert.Equal(t, 1, d.channel)
	require.NotNil(t, d.session)
	assert.Equal(t, int64(7), d.session.SN)
	assert.Equal(t, 0, gate.addBlacklisted)
}

func TestClassifyNonWhitelistedAnonymousIsSilentlyDropped(t *testing.T) {
	gate := &stubGate{}
	a := &Acceptor{Gate: gate, Backends: newTestBackends(), Whitelist: []string{"198.51.100."}}

	d := a.classify(context.Background(), "203.0.113.5", net.ParseIP("203.0.113.5"))

	assert.Equal(t, -1, d.channel)
	assert.Equal(t, denySilentWhitelist, d.reason)
}

func TestClassifyWhitelistedAnonymousIsAdmittedAndMarked(t *testing.T) {
	gate := &stubGate{}
	limiter := &stubLimiter{snap: ratelimit.Snapshot{Counter: 1}}
	a := &Acceptor{
		Gate: gate, Limiter: limiter, Backends: newTestBackends(),
		Whitelist: []string{"203.0.113."}, Threshold: 5, PersistThreshold: 5,
	}

	d := a.classify(context.Background(), "203.0.113.5", net.ParseIP("203.0.113.5"))

	assert.Equal(t, 0, d.channel)
	assert.Nil(t, d.session)
	assert.Equal(t, 1, limiter.markAdmitted)
}

func TestClassifyThresholdBreachAutoBlocklistsNonVIP(t *testing.T) {
	gate := &stubGate{vipRows: 0}
	limiter := &stubLimiter{snap: ratelimit.Snapshot{Counter: 10}}
	a := &Acceptor{
		Gate: gate, Limiter: limiter, Backends: newTestBackends(),
		Whitelist: []string{"203.0.113."}, Threshold: 5, PersistThreshold: 5,
	}

	d := a.classify(context.Background(), "203.0.113.5", net.ParseIP("203.0.113.5"))

	assert.Equal(t, -1, d.channel)
	assert.Equal(t, denyAutoBlocklisted, d.reason)
	assert.Equal(t, 1, gate.addBlacklisted, "counter above persist_threshold must promote to the persistent blocklist")
}

func TestClassifyThresholdBreachSparesVIP(t *testing.T) {
	gate := &stubGate{vipRows: 1}
	limiter := &stubLimiter{snap: ratelimit.Snapshot{Counter: 10}}
	a := &Acceptor{
		Gate: gate, Limiter: limiter, Backends: newTestBackends(),
		Whitelist: []string{"203.0.113."}, Threshold: 5, PersistThreshold: 5,
	}

	d := a.classify(context.Background(), "203.0.113.5", net.ParseIP("203.0.113.5"))

	assert.Equal(t, 0, d.channel)
	assert.Equal(t, 0, gate.addBlacklisted)
}

func TestClassifyFailureGuessingDivertsToFallbackChannel(t *testing.T) {
	gate := &stubGate{failGuess: true}
	limiter := &stubLimiter{snap: ratelimit.Snapshot{Counter: 4}} // in (5-7, 5], even
	a := &Acceptor{
		Gate: gate, Limiter: limiter, Backends: newTestBackends(),
		Whitelist: []string{"203.0.113."}, Threshold: 5, PersistThreshold: 5,
	}

	d := a.classify(context.Background(), "203.0.113.5", net.ParseIP("203.0.113.5"))

	assert.Equal(t, 1, d.channel, "an eligible counter plus a true fail_guessing must switch to the fallback channel")
}

func TestClassifyLongRunningPersistentEntryPromotes(t *testing.T) {
	gate := &stubGate{vipRows: 0}
	limiter := &stubLimiter{snap: ratelimit.Snapshot{Counter: 1}, age: 10 * time.Hour, ageOK: true}
	a := &Acceptor{
		Gate: gate, Limiter: limiter, Backends: newTestBackends(),
		Whitelist: []string{"203.0.113."}, Threshold: 5, PersistThreshold: 5,
		MaxPersistentTime: time.Hour,
	}

	d := a.classify(context.Background(), "203.0.113.5", net.ParseIP("203.0.113.5"))

	assert.Equal(t, -1, d.channel)
	assert.Equal(t, denyAutoBlocklisted, d.reason)
}

func TestDispatchDenyClosesClientAndCallsConnectionNotAllowed(t *testing.T) {
	gate := &stubGate{}
	a := &Acceptor{Gate: gate}
	client, remote := net.Pipe()
	defer remote.Close()

	a.Dispatch(context.Background(), client, decision{channel: -1, reason: denyOther, ip: "203.0.113.5"})

	assert.Equal(t, 1, gate.notAllowed)
	_, err := client.Write([]byte("x"))
	assert.Error(t, err, "client side must be closed")
}

func TestDispatchSilentWhitelistStillCallsConnectionNotAllowed(t *testing.T) {
	gate := &stubGate{}
	a := &Acceptor{Gate: gate}
	client, remote := net.Pipe()
	defer remote.Close()

	a.Dispatch(context.Background(), client, decision{channel: -1, reason: denySilentWhitelist, ip: "203.0.113.5"})

	assert.Equal(t, 1, gate.notAllowed, "every channel<0 drop calls connection_not_allowed, including the silent non-whitelisted path")
}

func TestDispatchAdmitsAndAttachesConnectionWithSession(t *testing.T) {
	gate := &stubGate{establishedID: 42}
	engine := relay.New(nil, nil, nil, 6, time.Minute, nil)
	backendLocal, backendRemote := net.Pipe()
	defer backendLocal.Close()

	a := &Acceptor{
		Gate: gate, Backends: newTestBackends(), Relay: engine,
		Dial: func(context.Context, string) (net.Conn, error) { return backendRemote, nil },
	}

	client, remote := net.Pipe()
	defer client.Close()
	defer remote.Close()

	sess := &dbgate.Session{SN: 7, Account: "acct", Channel: 0}
	a.Dispatch(context.Background(), remote, decision{channel: 0, session: sess, ip: "203.0.113.5"})

	assert.Equal(t, 1, engine.Len())
	assert.Equal(t, 1, gate.established)
}

func TestDispatchWithSessionIncrementsUserCounter(t *testing.T) {
	gate := &stubGate{}
	engine := relay.New(nil, nil, nil, 6, time.Minute, nil)

	dial := func() (net.Conn, func()) {
		backendLocal, backendRemote := net.Pipe()
		return backendRemote, func() { backendLocal.Close() }
	}

	a := &Acceptor{Gate: gate, Backends: newTestBackends(), Relay: engine}

	for i := 0; i < 2; i++ {
		backendRemote, cleanup := dial()
		defer cleanup()
		a.Dial = func(context.Context, string) (net.Conn, error) { return backendRemote, nil }

		client, remote := net.Pipe()
		defer client.Close()
		defer remote.Close()

		sess := &dbgate.Session{SN: int64(i + 1), Account: "acct", Channel: 0}
		a.Dispatch(context.Background(), remote, decision{channel: 0, session: sess, ip: "203.0.113.5"})
	}

	assert.Equal(t, uint64(2), engine.NextUserNumber()-1, "two prior authorized sessions must have consumed two counter values")
}

func TestDispatchWithoutSessionDoesNotIncrementUserCounter(t *testing.T) {
	gate := &stubGate{}
	engine := relay.New(nil, nil, nil, 6, time.Minute, nil)
	backendLocal, backendRemote := net.Pipe()
	defer backendLocal.Close()

	a := &Acceptor{
		Gate: gate, Backends: newTestBackends(), Relay: engine,
		Dial: func(context.Context, string) (net.Conn, error) { return backendRemote, nil },
	}

	client, remote := net.Pipe()
	defer client.Close()
	defer remote.Close()

	a.Dispatch(context.Background(), remote, decision{channel: 0, ip: "203.0.113.5"})

	assert.Equal(t, uint64(1), engine.NextUserNumber(), "no session means the user counter must not have advanced")
}
