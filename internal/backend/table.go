// Package backend holds the ordered list of configured (host, port)
// backend servers and the mutable default/fallback channel indices
// described in spec.md §3 ("Backend channel table").
package backend

import (
	"fmt"
	"sync/atomic"

	"github.com/relaycore/tcp-proxy/internal/config"
)

// Table is the ordered, runtime-mutable backend channel list.
type Table struct {
	servers  []config.Backend
	defaultC int32
	failoverC int32
}

// New builds a Table from the parsed server list and initial indices.
func New(servers []config.Backend, defaultChannel, onFailedChannel int) *Table {
	return &Table{
		servers:   servers,
		defaultC:  int32(defaultChannel),
		failoverC: int32(onFailedChannel),
	}
}

// Len returns the number of configured backend channels.
func (t *Table) Len() int { return len(t.servers) }

// Channel clamps an arbitrary channel index to the table size, per
// spec.md §4.4's "channel >= N => 0" dispatch rule.
func (t *Table) Channel(i int) (config.Backend, error) {
	if len(t.servers) == 0 {
		return config.Backend{}, fmt.Errorf("backend table is empty")
	}
	if i < 0 || i >= len(t.servers) {
		i = 0
	}
	return t.servers[i], nil
}

// Default returns the current default channel index.
func (t *Table) Default() int { return int(atomic.LoadInt32(&t.defaultC)) }

// SetDefault sets the default channel index (admin command "set default channel <n>").
func (t *Table) SetDefault(i int) { atomic.StoreInt32(&t.defaultC, int32(i)) }

// Failover returns the current fallback-on-failure channel index.
func (t *Table) Failover() int { return int(atomic.LoadInt32(&t.failoverC)) }

// SetFailover sets the fallback channel index (admin command "set fall back channel <n>").
func (t *Table) SetFailover(i int) { atomic.StoreInt32(&t.failoverC, int32(i)) }
