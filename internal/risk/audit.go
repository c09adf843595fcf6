package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditEntry 审计日志条目，写入后不可修改。
type AuditEntry struct {
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
	Component string    `json:"component"`
	Action    string    `json:"action"`
	Scope     string    `json:"scope,omitempty"`
	Principal string    `json:"principal,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Outcome   string    `json:"outcome"`
}

// 审计结果
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
	OutcomeDenied  = "denied"
)

// AuditSink 审计持久化。
type AuditSink interface {
	AppendAudit(e AuditEntry) error
}

// AuditLog 只追加的审计日志
type AuditLog struct {
	mu      sync.Mutex
	seq     uint64
	entries []AuditEntry
	sink    AuditSink
	logger  *zap.Logger
	now     func() time.Time
}

// NewAuditLog 创建审计日志，sink 可为 nil。
func NewAuditLog(sink AuditSink, logger *zap.Logger) *AuditLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLog{
		sink:   sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Restore 从持久化加载历史条目，之后的序号接续。
func (a *AuditLog) Restore(entries []AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append([]AuditEntry(nil), entries...)
	for _, e := range entries {
		if e.Seq > a.seq {
			a.seq = e.Seq
		}
	}
}

// Append 追加一条记录，分配序号与时间。持久化失败只记日志，不阻塞调用方。
func (a *AuditLog) Append(e AuditEntry) AuditEntry {
	a.mu.Lock()
	a.seq++
	e.Seq = a.seq
	if e.At.IsZero() {
		e.At = a.now()
	}
	a.entries = append(a.entries, e)
	a.mu.Unlock()

	a.logger.Info("audit",
		zap.Uint64("seq", e.Seq),
		zap.String("component", e.Component),
		zap.String("action", e.Action),
		zap.String("scope", e.Scope),
		zap.String("principal", e.Principal),
		zap.String("reason", e.Reason),
		zap.String("outcome", e.Outcome),
	)
	if a.sink != nil {
		if err := a.sink.AppendAudit(e); err != nil {
			a.logger.Error("audit persist failed", zap.Uint64("seq", e.Seq), zap.Error(err))
		}
	}
	return e
}

// Entries 返回副本
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}
