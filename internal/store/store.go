// Package store 持久化订单、账本快照、风控状态与审计日志。
// SQL 后端（sqlite/postgres）与 bbolt 后端实现同一组接口。
package store

import (
	"errors"
	"fmt"
	"time"

	irisk "risk-gate-go/internal/risk"
	"risk-gate-go/inventory"
	"risk-gate-go/order"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

// ledgerKey 账本快照在状态表中的键
const ledgerKey = "ledger"

// ErrClosed 存储已关闭
var ErrClosed = errors.New("store closed")

// Store 引擎所需的全部持久化能力
type Store interface {
	order.Store
	inventory.LedgerStore
	irisk.StateStore
	irisk.AuditSink
	// LoadAudit 按序号升序返回全部审计记录
	LoadAudit() ([]irisk.AuditEntry, error)
	Close() error
}

// Config 存储配置
type Config struct {
	Driver string `yaml:"driver"`
	// DSN sqlite/bolt 为文件路径，postgres 为连接串
	DSN string `yaml:"dsn"`
	// OpTimeout 单次 SQL 操作超时
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// Open 按驱动打开存储并完成建表
func Open(cfg Config) (Store, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	switch cfg.Driver {
	case DriverSQLite, "":
		return OpenSQLite(cfg.DSN, cfg.OpTimeout)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN, cfg.OpTimeout)
	case DriverBolt:
		return OpenBolt(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*BoltStore)(nil)
)
