package analyzer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	mu        sync.Mutex
	allocated int
	released  int
	analyzed  int
	panicOn   int // Analyze panics on the panicOn'th call (1-indexed), 0 = never
}

func (f *fakePlugin) Init(context.Context) error { return nil }
func (f *fakePlugin) Allocate() (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocated++
	return f.allocated, nil
}
func (f *fakePlugin) Release(interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}
func (f *fakePlugin) Analyze(connID uint64, fromClient bool, buf []byte) uint64 {
	f.mu.Lock()
	f.analyzed++
	n := f.analyzed
	f.mu.Unlock()
	if f.panicOn != 0 && n == f.panicOn {
		panic("simulated analyzer fault")
	}
	return uint64(len(buf))
}

func loadedManager(t *testing.T, impl Plugin) *Manager {
	t.Helper()
	m := NewManager(nil)
	m.impl = impl
	m.path = "fake"
	m.enabled = true
	return m
}

func TestAllocateReturnsFalseWhenDisabled(t *testing.T) {
	m := loadedManager(t, &fakePlugin{})
	m.Disable()

	_, ok := m.Allocate()
	assert.False(t, ok)
}

func TestAllocateAndReleaseRoundTrip(t *testing.T) {
	fp := &fakePlugin{}
	m := loadedManager(t, fp)

	h, ok := m.Allocate()
	require.True(t, ok)
	assert.Equal(t, 1, fp.allocated)

	m.Release(h)
	assert.Equal(t, 1, fp.released)
}

func TestAnalyzeSafeModeDisablesOnPanic(t *testing.T) {
	fp := &fakePlugin{panicOn: 1}
	m := loadedManager(t, fp)
	require.Equal(t, "safe", m.Mode())

	result := m.Analyze(1, true, []byte("x"))

	assert.Equal(t, uint64(0), result, "a panicking analyze call must not propagate or crash")
	_, ok := m.Allocate()
	assert.False(t, ok, "a faulted analyzer must refuse further handles")
}

func TestAnalyzeFastModePropagatesPanic(t *testing.T) {
	fp := &fakePlugin{panicOn: 1}
	m := loadedManager(t, fp)
	m.SetSafeMode(false)

	assert.Panics(t, func() {
		m.Analyze(1, true, []byte("x"))
	})
}

func TestUnloadWaitsForOutstandingHandles(t *testing.T) {
	fp := &fakePlugin{}
	m := loadedManager(t, fp)

	h, ok := m.Allocate()
	require.True(t, ok)

	unloaded := make(chan struct{})
	go func() {
		m.Unload()
		close(unloaded)
	}()

	select {
	case <-unloaded:
		t.Fatal("Unload must block while a handle is outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(h)

	select {
	case <-unloaded:
	case <-time.After(time.Second):
		t.Fatal("Unload must complete once the last handle is released")
	}

	_, loaded := m.Loaded()
	assert.False(t, loaded)
}

func TestModeReportsSafeOrFast(t *testing.T) {
	m := NewManager(nil)
	assert.Equal(t, "safe", m.Mode())
	m.SetSafeMode(false)
	assert.Equal(t, "fast", m.Mode())
}
