package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"risk-gate-go/gateway"
	irisk "risk-gate-go/internal/risk"
)

// BrokerSource 对账所需的券商读接口
type BrokerSource interface {
	FetchPositions(ctx context.Context) ([]gateway.Position, error)
	FetchAccount(ctx context.Context) (gateway.Account, error)
}

// KillSwitch 暂停交易
type KillSwitch interface {
	Activate(scope irisk.Scope, reason, principal string) error
}

// Metrics 对账指标
type Metrics interface {
	RecordReconciliation(passed bool, discrepancies int)
}

// Discrepancy 本地账本与券商不一致
type Discrepancy struct {
	Symbol     string          `json:"symbol"`
	LedgerQty  decimal.Decimal `json:"ledger_qty"`
	BrokerQty  decimal.Decimal `json:"broker_qty"`
	Delta      decimal.Decimal `json:"delta"`
	DetectedAt time.Time       `json:"detected_at"`
}

func (d Discrepancy) Error() string {
	return fmt.Sprintf("reconciliation mismatch %s: ledger=%s broker=%s", d.Symbol, d.LedgerQty, d.BrokerQty)
}

// Comparison 单个 symbol 的比对结果
type Comparison struct {
	Symbol    string          `json:"symbol"`
	LedgerQty decimal.Decimal `json:"ledger_qty"`
	BrokerQty decimal.Decimal `json:"broker_qty"`
	Match     bool            `json:"match"`
}

// Result 一次对账结果
type Result struct {
	RunID         string        `json:"run_id"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Comparisons   []Comparison  `json:"comparisons"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Passed        bool          `json:"passed"`
	Paused        bool          `json:"paused"`
}

// ReconcilerConfig 对账配置
type ReconcilerConfig struct {
	Interval time.Duration // 对账间隔，默认 1 分钟
	Epsilon  decimal.Decimal
	// PauseAfterMismatches 连续出现差异的对账次数达到该值时暂停全部交易
	PauseAfterMismatches int
	// SyncCash 同时以券商现金覆盖账本现金
	SyncCash bool
}

// Reconciler 持仓对账任务，券商数据为准
type Reconciler struct {
	broker  BrokerSource
	ledger  *Ledger
	ks      KillSwitch
	alerter irisk.Alerter
	metrics Metrics
	logger  *zap.Logger
	config  ReconcilerConfig
	now     func() time.Time

	runMu sync.Mutex // 同一时刻只允许一次对账

	mu                 sync.RWMutex
	consecutive        int
	totalRuns          int64
	totalDiscrepancies int64
	last               *Result

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewReconciler 创建对账任务
func NewReconciler(broker BrokerSource, ledger *Ledger, ks KillSwitch, alerter irisk.Alerter, metrics Metrics, logger *zap.Logger, config ReconcilerConfig) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if !config.Epsilon.IsPositive() {
		config.Epsilon = decimal.New(1, -6)
	}
	if config.PauseAfterMismatches <= 0 {
		config.PauseAfterMismatches = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		broker:   broker,
		ledger:   ledger,
		ks:       ks,
		alerter:  alerter,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start 启动定时对账
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("reconciler already started")
	}
	go r.loop(ctx)
	return nil
}

// Stop 停止对账
func (r *Reconciler) Stop() error {
	if !r.started.Load() {
		return nil
	}
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.doneChan
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Warn("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Reconcile 执行一次对账，也用于手动触发
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	res := Result{RunID: uuid.NewString(), StartedAt: r.now()}

	positions, err := r.broker.FetchPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch broker positions: %w", err)
	}
	broker := make(map[string]gateway.Position, len(positions))
	for _, p := range positions {
		broker[p.Symbol] = p
	}

	local := r.ledger.Aggregates()
	symbols := make([]string, 0, len(local)+len(broker))
	for sym := range local {
		symbols = append(symbols, sym)
	}
	for sym := range broker {
		if _, ok := local[sym]; !ok {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		lq := local[sym]
		bp := broker[sym]
		delta := bp.Quantity.Sub(lq)
		match := delta.Abs().LessThanOrEqual(r.config.Epsilon)
		res.Comparisons = append(res.Comparisons, Comparison{Symbol: sym, LedgerQty: lq, BrokerQty: bp.Quantity, Match: match})
		if match {
			continue
		}
		d := Discrepancy{Symbol: sym, LedgerQty: lq, BrokerQty: bp.Quantity, Delta: delta, DetectedAt: r.now()}
		res.Discrepancies = append(res.Discrepancies, d)
		r.ledger.Overwrite(sym, bp.Quantity, bp.AvgEntryPrice)
		r.alert(res.RunID, d)
	}

	if r.config.SyncCash {
		if acct, err := r.broker.FetchAccount(ctx); err != nil {
			r.logger.Warn("fetch broker account failed", zap.Error(err))
		} else {
			r.ledger.SyncCash(acct.Cash)
		}
	}

	res.Passed = len(res.Discrepancies) == 0
	res.FinishedAt = r.now()

	r.mu.Lock()
	r.totalRuns++
	r.totalDiscrepancies += int64(len(res.Discrepancies))
	if res.Passed {
		r.consecutive = 0
	} else {
		r.consecutive++
	}
	pause := !res.Passed && r.consecutive >= r.config.PauseAfterMismatches
	consecutive := r.consecutive
	r.mu.Unlock()

	if pause && r.ks != nil {
		reason := fmt.Sprintf("RECONCILIATION_MISMATCH: %d consecutive mismatching runs", consecutive)
		if err := r.ks.Activate(irisk.GlobalScope, reason, "reconciler"); err != nil {
			r.logger.Error("pause trading failed", zap.Error(err))
		} else {
			res.Paused = true
		}
	}
	if r.metrics != nil {
		r.metrics.RecordReconciliation(res.Passed, len(res.Discrepancies))
	}

	r.mu.Lock()
	r.last = &res
	r.mu.Unlock()

	r.logger.Info("reconciliation finished",
		zap.String("run_id", res.RunID),
		zap.Int("symbols", len(res.Comparisons)),
		zap.Int("discrepancies", len(res.Discrepancies)),
		zap.Bool("paused", res.Paused),
	)
	return res, nil
}

// alert 差异一律 CRITICAL，不受节流
func (r *Reconciler) alert(runID string, d Discrepancy) {
	r.logger.Error("reconciliation mismatch",
		zap.String("run_id", runID),
		zap.String("symbol", d.Symbol),
		zap.String("ledger_qty", d.LedgerQty.String()),
		zap.String("broker_qty", d.BrokerQty.String()),
	)
	if r.alerter == nil {
		return
	}
	if err := r.alerter.SendCritical(d.Error(), map[string]interface{}{
		"run_id":     runID,
		"symbol":     d.Symbol,
		"ledger_qty": d.LedgerQty.String(),
		"broker_qty": d.BrokerQty.String(),
	}); err != nil {
		r.logger.Error("send reconciliation alert failed", zap.Error(err))
	}
}

// ReconcilerStats 对账统计信息
type ReconcilerStats struct {
	TotalRuns          int64
	TotalDiscrepancies int64
	ConsecutiveMisses  int
	Last               *Result
	Interval           time.Duration
}

// GetStatistics 获取对账统计信息
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ReconcilerStats{
		TotalRuns:          r.totalRuns,
		TotalDiscrepancies: r.totalDiscrepancies,
		ConsecutiveMisses:  r.consecutive,
		Last:               r.last,
		Interval:           r.config.Interval,
	}
}

// Acknowledge 人工复核后清零连续差异计数
func (r *Reconciler) Acknowledge() {
	r.mu.Lock()
	r.consecutive = 0
	r.mu.Unlock()
}
