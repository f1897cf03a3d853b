// Package dbgate implements the database-backed policy gate of spec.md
// §4.3: a serialized façade around a SQL client exposing the semantic
// operations the acceptor needs, with a lazy prepared-statement cache and
// bounded-retry reconnection.
//
// The reconnect state machine is grounded on the teacher's
// client/reconnect.go ConnectionManager (attempt counter, fixed
// inter-attempt sleep, last-error tracking) generalized from an AMQP
// connection to a database/sql one; the single-mutex-around-every-call
// discipline is grounded on server/server.go's Handler, whose every method
// touching h.db runs under one lock.
package dbgate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/relaycore/tcp-proxy/internal/logging"
)

// StatementName is the closed enumeration of prepared-statement slots from
// spec.md §4.3. Modeled as a typed enum (per SPEC_FULL.md §6.1) rather than
// free-form strings, so an unknown key is a compile error inside the core.
type StatementName int

const (
	StmtCheckAvailable StatementName = iota
	StmtConnectionClose
	StmtConnectionEstablished
	StmtConnectionBegin
	StmtConnectionNotAllowed
	StmtCheckVIP
	StmtBlacklist
	StmtAddToBlacklist
	StmtAddDetails
	StmtAddMachineOwner
	StmtUpdateMachineAccess
	StmtCallFailureGuessing
	StmtAllProductNames
)

var configKeys = map[StatementName]string{
	StmtCheckAvailable:        "sql-check-available",
	StmtConnectionClose:       "sql-connection-close",
	StmtConnectionEstablished: "sql-connection-established",
	StmtConnectionBegin:       "sql-connection-begin",
	StmtConnectionNotAllowed:  "sql-connection-not-allowed",
	StmtCheckVIP:              "sql-check-vip",
	StmtBlacklist:             "sql-blacklist",
	StmtAddToBlacklist:        "sql-add-to-blacklist",
	StmtAddDetails:            "sql-add-details",
	StmtAddMachineOwner:       "sql-add-machine-owner",
	StmtUpdateMachineAccess:   "sql-update-machine-access",
	StmtCallFailureGuessing:   "sql-call-failure-guessing",
	StmtAllProductNames:       "sql-all-product-names",
}

// maxReconnectAttempts and interReconnectSleep follow spec.md §4.3 exactly
// ("up to 60 reconnects, 10-second sleep between the second and subsequent
// attempts").
const (
	maxReconnectAttempts = 60
	interReconnectSleep  = 10 * time.Second
	idleWindow           = 300 * time.Second
)

type connState int

const (
	disconnected connState = iota
	connecting
	connected
)

// Session is the authorized-session descriptor returned by CheckAvailable.
type Session struct {
	SN      int64
	Account string
	Channel int
}

// Gate is the serialized database policy gate.
type Gate struct {
	mu sync.Mutex

	dsn     string
	sqlText map[StatementName]string
	logger  *logging.Logger

	db          *sql.DB
	st          connState
	stmts       map[StatementName]*sql.Stmt
	connectedAt time.Time
	lastUsedAt  time.Time
	maxConnTime time.Duration
	fatal       bool

	productNames sync.Map // "appID-kmsID" -> product name
}

// New creates a Gate. sqlText maps the spec's "sql-*" config keys to SQL
// text; dbgate never parses the config file itself (SPEC_FULL.md §1.1).
func New(dsn string, sqlText map[string]string, maxConnTime time.Duration, logger *logging.Logger) *Gate {
	text := make(map[StatementName]string, len(configKeys))
	for name, key := range configKeys {
		text[name] = sqlText[key]
	}
	if maxConnTime <= 0 {
		maxConnTime = 3600 * time.Second
	}
	return &Gate{
		dsn:         dsn,
		sqlText:     text,
		logger:      logger,
		stmts:       map[StatementName]*sql.Stmt{},
		maxConnTime: maxConnTime,
	}
}

// Fatal reports whether the gate hit an unrecoverable reconnect failure;
// the caller (cmd/tcp-proxy) should treat this as exit code 139.
func (g *Gate) Fatal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fatal
}

// ensureConnected must be called with g.mu held.
func (g *Gate) ensureConnected() error {
	if g.st == connected {
		g.lastUsedAt = time.Now()
		return nil
	}
	return g.reconnect()
}

// reconnect must be called with g.mu held.
func (g *Gate) reconnect() error {
	g.st = connecting
	var lastErr error

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(interReconnectSleep)
		}
		if err := g.tryConnectOnce(); err != nil {
			lastErr = err
			if g.logger != nil {
				g.logger.Errorf("database reconnect attempt %d/%d failed: %v", attempt, maxReconnectAttempts, err)
			}
			continue
		}
		g.st = connected
		g.connectedAt = time.Now()
		g.lastUsedAt = time.Now()
		return nil
	}

	g.st = disconnected
	g.fatal = true
	if g.logger != nil {
		g.logger.Errorf("database reconnect exhausted after %d attempts, unrecoverable", maxReconnectAttempts)
	}
	return fmt.Errorf("database reconnect exhausted: %w", lastErr)
}

// tryConnectOnce opens a fresh *sql.DB and resets the statement cache. It is
// wrapped in a recover() as the Go-native stand-in for the source's
// segfault guard around the reconnect path (spec.md §9) — a panic from the
// driver during connect is treated the same as any other failed attempt.
func (g *Gate) tryConnectOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered panic during database connect: %v", r)
		}
	}()

	g.closeLocked()

	db, openErr := sql.Open("mysql", g.dsn)
	if openErr != nil {
		return openErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if pingErr := db.PingContext(ctx); pingErr != nil {
		db.Close()
		return pingErr
	}

	g.db = db
	g.stmts = map[StatementName]*sql.Stmt{}
	return nil
}

// closeLocked closes prepared statements and the underlying connection.
// Must be called with g.mu held.
func (g *Gate) closeLocked() {
	for name, stmt := range g.stmts {
		stmt.Close()
		delete(g.stmts, name)
	}
	if g.db != nil {
		g.db.Close()
		g.db = nil
	}
}

// prepared lazily creates and caches the statement for name. Must be called
// with g.mu held and a live g.db.
func (g *Gate) prepared(ctx context.Context, name StatementName) (*sql.Stmt, error) {
	if stmt, ok := g.stmts[name]; ok {
		return stmt, nil
	}
	text := g.sqlText[name]
	if text == "" {
		return nil, fmt.Errorf("no SQL configured for statement %q", configKeys[name])
	}
	stmt, err := g.db.PrepareContext(ctx, text)
	if err != nil {
		return nil, err
	}
	g.stmts[name] = stmt
	return stmt, nil
}

// onTransportError marks the gate disconnected so the next call reconnects.
// Must be called with g.mu held.
func (g *Gate) onTransportError() {
	g.closeLocked()
	g.st = disconnected
}

// CheckAvailable returns an authorized session if ip matches an active
// reservation; on transport error it triggers a reconnect and returns none.
func (g *Gate) CheckAvailable(ctx context.Context, ip string) (*Session, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnected(); err != nil {
		return nil, false, err
	}
	stmt, err := g.prepared(ctx, StmtCheckAvailable)
	if err != nil {
		return nil, false, err
	}

	row := stmt.QueryRowContext(ctx, ip)
	var sess Session
	switch err := row.Scan(&sess.SN, &sess.Account, &sess.Channel); err {
	case nil:
		return &sess, true, nil
	case sql.ErrNoRows:
		return nil, false, nil
	default:
		g.onTransportError()
		return nil, false, err
	}
}

// ConnectionClose records termination accounting by session id.
func (g *Gate) ConnectionClose(ctx context.Context, sn int64, bytes, count int64, idle bool) error {
	return g.execNoResult(ctx, StmtConnectionClose, sn, bytes, count, idle)
}

// ConnectionEstablished marks the session live and returns the accounting
// row id that the driver reports for the insert (sql.Result.LastInsertId);
// no separate LAST_INSERT_ID query is issued.
func (g *Gate) ConnectionEstablished(ctx context.Context, sn int64, account, ip string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnected(); err != nil {
		return 0, err
	}
	stmt, err := g.prepared(ctx, StmtConnectionEstablished)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, sn, account, ip)
	if err != nil {
		g.onTransportError()
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		g.onTransportError()
		return 0, err
	}
	return id, nil
}

// ConnectionNotAllowed records an administrative not-allowed decision.
func (g *Gate) ConnectionNotAllowed(ctx context.Context, ip string) error {
	return g.execNoResult(ctx, StmtConnectionNotAllowed, ip)
}

// ConnectionBlacklisted reports the number of rows indicating ip is on the
// persistent blocklist.
func (g *Gate) ConnectionBlacklisted(ctx context.Context, ip string) (int64, error) {
	return g.execAffected(ctx, StmtBlacklist, ip)
}

// CheckVIP reports the number of rows indicating ip is a VIP exception.
func (g *Gate) CheckVIP(ctx context.Context, ip string) (int64, error) {
	return g.execAffected(ctx, StmtCheckVIP, ip)
}

// AddIPToAutoBlacklist promotes ip to the persistent blocklist.
func (g *Gate) AddIPToAutoBlacklist(ctx context.Context, ip string) (int64, error) {
	return g.execAffected(ctx, StmtAddToBlacklist, ip)
}

// FailGuessing executes the failure-guessing stored procedure and compares
// its first result column against the threshold of 5 (spec.md §4.3).
func (g *Gate) FailGuessing(ctx context.Context, ip string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnected(); err != nil {
		return false, err
	}
	stmt, err := g.prepared(ctx, StmtCallFailureGuessing)
	if err != nil {
		return false, err
	}
	var value int64
	switch err := stmt.QueryRowContext(ctx, ip).Scan(&value); err {
	case nil:
		return value > 5, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		g.onTransportError()
		return false, err
	}
}

// AddKMSDetails records auxiliary accounting used by the packet-analyzer plugin.
func (g *Gate) AddKMSDetails(ctx context.Context, args ...interface{}) error {
	return g.execNoResult(ctx, StmtAddDetails, args...)
}

// UpdateMachineOwner records auxiliary machine-owner accounting.
func (g *Gate) UpdateMachineOwner(ctx context.Context, args ...interface{}) error {
	return g.execNoResult(ctx, StmtAddMachineOwner, args...)
}

// ReloadProductNames refreshes the in-process product name cache from the
// database's full product list.
func (g *Gate) ReloadProductNames(ctx context.Context) error {
	g.mu.Lock()
	if err := g.ensureConnected(); err != nil {
		g.mu.Unlock()
		return err
	}
	stmt, err := g.prepared(ctx, StmtAllProductNames)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		g.onTransportError()
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()
	defer rows.Close()

	for rows.Next() {
		var appID, kmsID, name string
		if err := rows.Scan(&appID, &kmsID, &name); err != nil {
			return err
		}
		g.productNames.Store(appID+"-"+kmsID, name)
	}
	return rows.Err()
}

// GetProductName reads the cache populated by ReloadProductNames.
func (g *Gate) GetProductName(appID, kmsID string) (string, bool) {
	v, ok := g.productNames.Load(appID + "-" + kmsID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// CloseIdle force-disconnects once the connection has exceeded the fixed
// 300-second idle window, or unconditionally once it exceeds the
// configured max-connection-time policy (spec.md §4.3).
func (g *Gate) CloseIdle(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.st != connected {
		return
	}
	if now.Sub(g.lastUsedAt) > idleWindow {
		g.closeLocked()
		g.st = disconnected
		return
	}
	if now.Sub(g.connectedAt) > g.maxConnTime {
		g.closeLocked()
		g.st = disconnected
	}
}

func (g *Gate) execNoResult(ctx context.Context, name StatementName, args ...interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnected(); err != nil {
		return err
	}
	stmt, err := g.prepared(ctx, name)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		g.onTransportError()
		return err
	}
	return nil
}

func (g *Gate) execAffected(ctx context.Context, name StatementName, args ...interface{}) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnected(); err != nil {
		return 0, err
	}
	stmt, err := g.prepared(ctx, name)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		g.onTransportError()
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		g.onTransportError()
		return 0, err
	}
	return n, nil
}

// Close releases the underlying connection and statements.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeLocked()
	g.st = disconnected
}
