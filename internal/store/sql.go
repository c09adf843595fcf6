package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"   // PostgreSQL 驱动
	_ "modernc.org/sqlite" // 纯 Go SQLite 驱动

	irisk "risk-gate-go/internal/risk"
	"risk-gate-go/inventory"
	"risk-gate-go/order"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id              TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		strategy_id     TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		status          TEXT NOT NULL,
		updated_at_ms   BIGINT NOT NULL,
		body            TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
	`CREATE TABLE IF NOT EXISTS risk_state (
		key           TEXT PRIMARY KEY,
		body          TEXT NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		seq       BIGINT PRIMARY KEY,
		at_ms     BIGINT NOT NULL,
		component TEXT NOT NULL,
		action    TEXT NOT NULL,
		scope     TEXT NOT NULL,
		principal TEXT NOT NULL,
		outcome   TEXT NOT NULL,
		body      TEXT NOT NULL
	)`,
}

// SQLStore database/sql 实现。sqlite 与 postgres 共用同一套 SQL，仅占位符不同。
type SQLStore struct {
	db        *sql.DB
	postgres  bool
	opTimeout time.Duration
}

// OpenSQLite 打开（或创建）sqlite 文件，WAL 模式，单连接写入
func OpenSQLite(path string, opTimeout time.Duration) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir sqlite path: %w", err)
		}
		path = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLStore(db, false, opTimeout)
}

// OpenPostgres 连接 postgres
func OpenPostgres(dsn string, opTimeout time.Duration) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newSQLStore(db, true, opTimeout)
}

func newSQLStore(db *sql.DB, postgres bool, opTimeout time.Duration) (*SQLStore, error) {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	s := &SQLStore{db: db, postgres: postgres, opTimeout: opTimeout}
	ctx, cancel := s.ctx()
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return s, nil
}

// Close 关闭连接
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

// rebind 将 ? 占位符改写为 postgres 的 $n
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveOrder 按 ID upsert
func (s *SQLStore) SaveOrder(o *order.Order) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", o.ID, err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO orders (id, idempotency_key, strategy_id, symbol, status, updated_at_ms, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			updated_at_ms = excluded.updated_at_ms,
			body = excluded.body`),
		o.ID, o.IdempotencyKey, o.StrategyID, o.Symbol, string(o.Status), o.UpdatedAt.UnixMilli(), string(body),
	)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// LoadOrders 返回全部订单
func (s *SQLStore) LoadOrders() ([]*order.Order, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM orders ORDER BY updated_at_ms, id`)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		var o order.Order
		if err := json.Unmarshal([]byte(body), &o); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// SaveState 保存风控组件状态
func (s *SQLStore) SaveState(key string, data []byte) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO risk_state (key, body, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET body = excluded.body, updated_at_ms = excluded.updated_at_ms`),
		key, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

// LoadState 不存在时 ok=false
func (s *SQLStore) LoadState(key string) ([]byte, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM risk_state WHERE key = ?`), key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load state %s: %w", key, err)
	}
	return []byte(body), true, nil
}

// SaveLedger 账本快照存于状态表
func (s *SQLStore) SaveLedger(st inventory.LedgerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	return s.SaveState(ledgerKey, data)
}

// LoadLedger 读取账本快照
func (s *SQLStore) LoadLedger() (inventory.LedgerState, bool, error) {
	data, ok, err := s.LoadState(ledgerKey)
	if err != nil || !ok {
		return inventory.LedgerState{}, ok, err
	}
	var st inventory.LedgerState
	if err := json.Unmarshal(data, &st); err != nil {
		return inventory.LedgerState{}, false, fmt.Errorf("decode ledger: %w", err)
	}
	return st, true, nil
}

// AppendAudit 只插入，不更新
func (s *SQLStore) AppendAudit(e irisk.AuditEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_log (seq, at_ms, component, action, scope, principal, outcome, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(e.Seq), e.At.UnixMilli(), e.Component, e.Action, e.Scope, e.Principal, e.Outcome, string(body),
	)
	if err != nil {
		return fmt.Errorf("append audit %d: %w", e.Seq, err)
	}
	return nil
}

// LoadAudit 按序号升序
func (s *SQLStore) LoadAudit() ([]irisk.AuditEntry, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM audit_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load audit: %w", err)
	}
	defer rows.Close()

	var out []irisk.AuditEntry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		var e irisk.AuditEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
