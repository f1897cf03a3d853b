package dbgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigKeysCoverAllStatements(t *testing.T) {
	want := []string{
		"sql-check-available", "sql-connection-close", "sql-connection-established",
		"sql-connection-begin", "sql-connection-not-allowed", "sql-check-vip",
		"sql-blacklist", "sql-add-to-blacklist", "sql-add-details",
		"sql-add-machine-owner", "sql-update-machine-access",
		"sql-call-failure-guessing", "sql-all-product-names",
	}
	got := make(map[string]bool, len(configKeys))
	for _, key := range configKeys {
		got[key] = true
	}
	for _, w := range want {
		assert.True(t, got[w], "missing prepared-statement config key %q", w)
	}
	assert.Len(t, configKeys, len(want))
}

func TestNewMapsSQLTextByConfigKey(t *testing.T) {
	g := New("user:pass@tcp(127.0.0.1:3306)/db", map[string]string{
		"sql-check-vip": "SELECT 1 FROM vip WHERE ip = ?",
	}, 0, nil)

	assert.Equal(t, "SELECT 1 FROM vip WHERE ip = ?", g.sqlText[StmtCheckVIP])
	assert.Empty(t, g.sqlText[StmtCheckAvailable])
	assert.Equal(t, 3600*time.Second, g.maxConnTime, "zero maxConnTime must fall back to the spec default")
}

func TestCloseIdleNoopWhenDisconnected(t *testing.T) {
	g := New("dsn", nil, time.Hour, nil)
	// st starts disconnected; CloseIdle must not panic or try to touch a nil db.
	g.CloseIdle(time.Now())
	assert.False(t, g.Fatal())
}

func TestCloseIdleHonorsMaxConnectionTime(t *testing.T) {
	g := New("dsn", nil, time.Minute, nil)
	g.mu.Lock()
	g.st = connected
	g.connectedAt = time.Now().Add(-2 * time.Minute)
	g.lastUsedAt = time.Now()
	g.mu.Unlock()

	g.CloseIdle(time.Now())

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, disconnected, g.st, "a connection older than max-db-connection-time must be force-cycled")
}

func TestCloseIdleHonorsIdleWindow(t *testing.T) {
	g := New("dsn", nil, time.Hour, nil)
	g.mu.Lock()
	g.st = connected
	g.connectedAt = time.Now()
	g.lastUsedAt = time.Now().Add(-400 * time.Second)
	g.mu.Unlock()

	g.CloseIdle(time.Now())

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, disconnected, g.st, "a connection idle past the fixed 300s window must disconnect")
}
