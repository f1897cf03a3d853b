// Package analyzer implements the optional packet analyzer collaborator of
// spec.md §4.7: a pluggable `init/allocate/release/analyze` contract loaded
// from a shared object, with safe-mode isolation (a panic guard standing
// in for the source's segfault guard) and refcounted unload-drain.
//
// No example repo in the pack loads runtime plugins (see DESIGN.md), so
// this is built directly against the standard library's `plugin` package —
// the one component in this tree where no third-party library from the
// pack or the ecosystem could stand in for `plugin.Open`/`Lookup`. The
// refcount/drain discipline is grounded on `internal/ratelimit`'s
// condition-variable expiry worker, adapted from "wait for pending work"
// to "wait for outstanding handles."
package analyzer

import (
	"context"
	"fmt"
	"plugin"
	"sync"

	"github.com/relaycore/tcp-proxy/internal/logging"
)

// Plugin is the contract a loaded shared object must implement, exported
// under the symbol name "Analyzer".
type Plugin interface {
	Init(ctx context.Context) error
	Allocate() (interface{}, error)
	Release(handle interface{})
	Analyze(connID uint64, fromClient bool, buf []byte) uint64
}

// Manager owns the currently loaded analyzer plugin, if any, and enforces
// safe-mode isolation and drained unload.
type Manager struct {
	mu     sync.Mutex
	cond   *sync.Cond
	logger *logging.Logger

	path string
	plug *plugin.Plugin
	impl Plugin

	enabled  bool
	safeMode bool
	faulted  bool
	refcount int
}

// NewManager creates an unloaded, disabled Manager in safe mode.
func NewManager(logger *logging.Logger) *Manager {
	m := &Manager{logger: logger, safeMode: true}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Load opens path and looks up its exported "Analyzer" symbol. A module
// must be unloaded before a new one can be loaded.
func (m *Manager) Load(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.impl != nil {
		return fmt.Errorf("analyzer: a module is already loaded, unload first")
	}

	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("analyzer: open %s: %w", path, err)
	}
	sym, err := p.Lookup("Analyzer")
	if err != nil {
		return fmt.Errorf("analyzer: lookup Analyzer symbol in %s: %w", path, err)
	}
	impl, ok := sym.(Plugin)
	if !ok {
		return fmt.Errorf("analyzer: exported Analyzer symbol in %s does not implement Plugin", path)
	}
	if err := impl.Init(ctx); err != nil {
		return fmt.Errorf("analyzer: init %s: %w", path, err)
	}

	m.plug = p
	m.impl = impl
	m.path = path
	m.faulted = false
	return nil
}

// Unload disables the module, waits for all outstanding handles to be
// released, then discards the plugin. Go's runtime offers no true
// OS-level unload of a *plugin.Plugin; a later Load against the same path
// reuses the process's cached handle rather than picking up a rebuilt
// .so (spec.md §9, Open Question 4).
func (m *Manager) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.impl == nil {
		return
	}
	m.enabled = false
	for m.refcount > 0 {
		m.cond.Wait()
	}
	m.plug = nil
	m.impl = nil
	m.path = ""
}

// Enable turns on dispatch to the loaded module (admin command "analyzer enable").
func (m *Manager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.impl != nil {
		m.enabled = true
	}
}

// Disable turns off dispatch without unloading (admin command "analyzer disable").
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// SetSafeMode toggles the panic guard around Analyze (admin command
// "analyzer mode {safe|fast}").
func (m *Manager) SetSafeMode(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safeMode = on
}

// Mode reports "safe" or "fast" (admin command "show analyzer mode").
func (m *Manager) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.safeMode {
		return "safe"
	}
	return "fast"
}

// Loaded reports the path of the currently loaded module, if any.
func (m *Manager) Loaded() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path, m.impl != nil
}

// Faulted reports whether the currently loaded module panicked during
// Analyze and was automatically disabled. Unlike internal/dbgate's Fatal,
// a faulted analyzer does not terminate the process: the plugin contract
// is optional and safe-mode isolation exists precisely so a bad module
// degrades to "no analysis" instead of taking the proxy down with it.
func (m *Manager) Faulted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faulted
}

// Allocate obtains a handle from the loaded module, implementing
// relay.Analyzer. It returns ok=false if no module is enabled.
func (m *Manager) Allocate() (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled || m.faulted || m.impl == nil {
		return nil, false
	}
	h, err := m.impl.Allocate()
	if err != nil {
		if m.logger != nil {
			m.logger.Errorf("analyzer allocate failed: %v", err)
		}
		return nil, false
	}
	m.refcount++
	return h, true
}

// Release returns a handle obtained from Allocate, implementing
// relay.Analyzer.
func (m *Manager) Release(handle interface{}) {
	m.mu.Lock()
	impl := m.impl
	m.mu.Unlock()

	if impl != nil && handle != nil {
		impl.Release(handle)
	}

	m.mu.Lock()
	m.refcount--
	if m.refcount == 0 {
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

// Analyze dispatches one data chunk to the loaded module, implementing
// relay.Analyzer. In safe mode, a panicking module is disabled for all
// subsequent traffic and marked faulted rather than crashing the process.
func (m *Manager) Analyze(connID uint64, fromClient bool, buf []byte) uint64 {
	m.mu.Lock()
	impl := m.impl
	enabled := m.enabled && !m.faulted
	safe := m.safeMode
	m.mu.Unlock()

	if !enabled || impl == nil {
		return 0
	}
	if safe {
		return m.safeAnalyze(impl, connID, fromClient, buf)
	}
	return impl.Analyze(connID, fromClient, buf)
}

func (m *Manager) safeAnalyze(impl Plugin, connID uint64, fromClient bool, buf []byte) (result uint64) {
	defer func() {
		if r := recover(); r != nil {
			if m.logger != nil {
				m.logger.Errorf("packet analyzer panicked, disabling for subsequent traffic: %v", r)
			}
			m.mu.Lock()
			m.faulted = true
			m.enabled = false
			m.mu.Unlock()
			result = 0
		}
	}()
	return impl.Analyze(connID, fromClient, buf)
}
