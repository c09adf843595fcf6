package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	irisk "risk-gate-go/internal/risk"
	"risk-gate-go/inventory"
	"risk-gate-go/order"
)

var (
	ordersBucket = []byte("orders")
	stateBucket  = []byte("risk_state")
	auditBucket  = []byte("audit_log")
)

// BoltStore 单文件嵌入式存储，每类记录一个 bucket，值为 JSON
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt 打开（或创建）bolt 文件
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir bolt path: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{ordersBucket, stateBucket, auditBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close 关闭文件
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) put(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

// SaveOrder 按 ID 覆盖
func (s *BoltStore) SaveOrder(o *order.Order) error {
	if err := s.put(ordersBucket, []byte(o.ID), o); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// LoadOrders 返回全部订单
func (s *BoltStore) LoadOrders() ([]*order.Order, error) {
	var out []*order.Order
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ordersBucket).ForEach(func(_, v []byte) error {
			var o order.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			out = append(out, &o)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	return out, nil
}

// SaveState 保存风控组件状态
func (s *BoltStore) SaveState(key string, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

// LoadState 不存在时 ok=false
func (s *BoltStore) LoadState(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(stateBucket).Get([]byte(key)); v != nil {
			// bolt 返回的切片只在事务内有效
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load state %s: %w", key, err)
	}
	return out, out != nil, nil
}

// SaveLedger 账本快照
func (s *BoltStore) SaveLedger(st inventory.LedgerState) error {
	if err := s.put(stateBucket, []byte(ledgerKey), st); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// LoadLedger 读取账本快照
func (s *BoltStore) LoadLedger() (inventory.LedgerState, bool, error) {
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

// AppendAudit 键为大端序号，游标遍历即为追加顺序。已存在的序号不覆盖。
func (s *BoltStore) AppendAudit(e irisk.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, e.Seq)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)
		if b.Get(key) != nil {
			return fmt.Errorf("audit entry %d already exists", e.Seq)
		}
		return b.Put(key, data)
	})
}

// LoadAudit 按序号升序
func (s *BoltStore) LoadAudit() ([]irisk.AuditEntry, error) {
	var out []irisk.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(auditBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e irisk.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load audit: %w", err)
	}
	return out, nil
}
