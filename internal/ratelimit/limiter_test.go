package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouchConservation(t *testing.T) {
	tbl := NewTable(8, 120*time.Second, nil) // frequency = 10s
	defer tbl.Shutdown()

	ip := IP{10, 0, 0, 2}
	var snap Snapshot
	for i := 0; i < 6; i++ {
		snap = tbl.Touch(ip)
	}
	assert.EqualValues(t, 6, snap.Counter, "running sum should equal number of touches within one slot")
}

func TestPersistentBlocklistPromotion(t *testing.T) {
	// threshold=5, persist_threshold=10 scenario from spec.md §8 scenario 4.
	tbl := NewTable(8, 120*time.Second, nil)
	defer tbl.Shutdown()

	ip := IP{10, 0, 0, 2}
	var snap Snapshot
	for i := 0; i < 11; i++ {
		snap = tbl.Touch(ip)
	}
	require.EqualValues(t, 11, snap.Counter)
	assert.Greater(t, snap.Counter, int64(10), "11 touches within the window must exceed persist_threshold=10")
}

func TestFailureGuessingParity(t *testing.T) {
	tbl := NewTable(8, 120*time.Second, nil)
	defer tbl.Shutdown()

	ip := IP{10, 0, 0, 3}
	tbl.Touch(ip)
	tbl.Touch(ip)
	tbl.Touch(ip)
	snap := tbl.Touch(ip) // 4th touch
	assert.EqualValues(t, 4, snap.Counter)
	assert.Zero(t, snap.Counter%2, "scenario 5 requires an even counter to trigger the failure-guessing probe")
}

func TestSuccessCounterIndependentOfSlidingWindow(t *testing.T) {
	tbl := NewTable(8, 120*time.Second, nil)
	defer tbl.Shutdown()

	ip := IP{10, 0, 0, 4}
	tbl.Touch(ip)
	tbl.MarkAdmitted(ip)
	tbl.MarkAdmitted(ip)

	snap := tbl.Touch(ip)
	assert.EqualValues(t, 2, snap.Counter)
	assert.EqualValues(t, 2, snap.Success, "success counter must not be touched by staleness-clearing")
}

func TestShouldLogBlockThrottles(t *testing.T) {
	tbl := NewTable(8, 120*time.Second, nil)
	defer tbl.Shutdown()

	ip := IP{10, 0, 0, 5}
	now := time.Now()
	assert.True(t, tbl.ShouldLogBlock(ip, now, 1800*time.Second), "first log for an IP is never throttled")
	assert.False(t, tbl.ShouldLogBlock(ip, now.Add(time.Second), 1800*time.Second), "a second log within the interval must be suppressed")
	assert.True(t, tbl.ShouldLogBlock(ip, now.Add(1801*time.Second), 1800*time.Second), "a log after the interval elapses must fire again")
}

func TestExpireReclaimsZeroedEntries(t *testing.T) {
	tbl := NewTable(4, 10*time.Second, nil) // frequency = 10s/12 slots -> sub-second; force via direct manipulation instead
	defer tbl.Shutdown()

	ip := IP{10, 0, 0, 6}
	tbl.Touch(ip)

	var remaining int
	var sawIt bool
	tbl.ForEach(func(gotIP IP, snap Snapshot) {
		remaining++
		if gotIP == ip {
			sawIt = true
		}
	})
	assert.Equal(t, 1, remaining)
	assert.True(t, sawIt)

	// Age every slot out of the window, then run one expiry pass directly.
	b := tbl.bucketFor(ip)
	b.mu.Lock()
	for i := range b.head.slots {
		b.head.slots[i].abs -= 2 * Slots
	}
	b.mu.Unlock()
	tbl.doExpire()

	remaining = 0
	tbl.ForEach(func(IP, Snapshot) { remaining++ })
	assert.Equal(t, 0, remaining, "an entry whose running sum drops to zero must be reclaimed")
	tbl.poolMu.Lock()
	pooled := tbl.pool
	tbl.poolMu.Unlock()
	assert.NotNil(t, pooled, "a reclaimed entry must be returned to the free pool")
}

func TestExpireIsANoOpWithinTheSameAbsoluteSlot(t *testing.T) {
	tbl := NewTable(4, 120*time.Second, nil)
	defer tbl.Shutdown()

	// Two calls within the same absolute slot index: the second must
	// return immediately rather than queue a redundant pass. We only
	// assert this doesn't deadlock or panic; the dedup itself is internal.
	tbl.Expire()
	tbl.Expire()
}

func TestBucketSharding(t *testing.T) {
	tbl := NewTable(16, 120*time.Second, nil)
	defer tbl.Shutdown()

	a := IP{10, 0, 0, 1}
	b := IP{10, 0, 0, 2}
	tbl.Touch(a)
	tbl.Touch(a)
	tbl.Touch(b)

	snapA := tbl.Touch(a)
	snapB := tbl.Touch(b)
	assert.EqualValues(t, 3, snapA.Counter)
	assert.EqualValues(t, 2, snapB.Counter)
}
