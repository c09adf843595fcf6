package risk

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 - 正常运行
	StateClosed State = iota
	// StateOpen 打开状态 - 熔断，只能人工重置
	StateOpen
	// StateHalfOpen 半开状态 - 回撤接近上限，仅告警
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", b)
	}
	return nil
}

// Thresholds 回撤上限（比例，0 表示不检查）
type Thresholds struct {
	MaxDailyDrawdownPct decimal.Decimal
	MaxTotalDrawdownPct decimal.Decimal
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	// WarningFraction 达到上限的该比例进入 HALF_OPEN，默认 0.8
	WarningFraction decimal.Decimal
	// Thresholds 每次更新时读取，跟随限额热更新
	Thresholds func() Thresholds
	KillSwitch *KillSwitch
	Store      StateStore
	Alerter    Alerter
	Metrics    Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// BreakerStatus 熔断器状态快照
type BreakerStatus struct {
	State         State           `json:"state"`
	Reason        string          `json:"reason,omitempty"`
	OpenedAt      time.Time       `json:"opened_at,omitempty"`
	DailyDrawdown decimal.Decimal `json:"daily_drawdown"`
	TotalDrawdown decimal.Decimal `json:"total_drawdown"`
	UpdatedAt     time.Time       `json:"updated_at,omitempty"`
	TripCount     int64           `json:"trip_count"`
}

const breakerStateKey = "circuit_breaker"

// CircuitBreaker 回撤熔断器。OPEN 不会自动恢复。
type CircuitBreaker struct {
	warning    decimal.Decimal
	thresholds func() Thresholds
	ks         *KillSwitch
	store      StateStore
	alerter    Alerter
	metrics    Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	status BreakerStatus

	persistMu sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if !cfg.WarningFraction.IsPositive() || cfg.WarningFraction.GreaterThan(decimal.NewFromInt(1)) {
		cfg.WarningFraction = decimal.RequireFromString("0.8")
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = func() Thresholds { return Thresholds{} }
	}
	if cfg.Alerter == nil {
		cfg.Alerter = nopAlerter{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &CircuitBreaker{
		warning:    cfg.WarningFraction,
		thresholds: cfg.Thresholds,
		ks:         cfg.KillSwitch,
		store:      cfg.Store,
		alerter:    cfg.Alerter,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
		status:     BreakerStatus{State: StateClosed},
	}
}

// Restore 从 StateStore 恢复，OPEN 状态跨重启保持
func (cb *CircuitBreaker) Restore() error {
	if cb.store == nil {
		return nil
	}
	data, ok, err := cb.store.LoadState(breakerStateKey)
	if err != nil {
		return fmt.Errorf("load breaker state: %w", err)
	}
	if !ok {
		return nil
	}
	var st BreakerStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode breaker state: %w", err)
	}
	cb.mu.Lock()
	cb.status = st
	cb.mu.Unlock()
	cb.metrics.SetBreakerState(int(st.State))
	if st.State == StateOpen {
		cb.logger.Warn("circuit breaker restored OPEN", zap.String("reason", st.Reason))
	}
	return nil
}

// Update 每个评估周期调用一次，返回更新后的状态
func (cb *CircuitBreaker) Update(dailyPct, totalPct decimal.Decimal) State {
	th := cb.thresholds()
	cb.metrics.SetDrawdown(dailyPct.InexactFloat64(), totalPct.InexactFloat64())

	cb.mu.Lock()
	cb.status.DailyDrawdown = dailyPct
	cb.status.TotalDrawdown = totalPct
	cb.status.UpdatedAt = cb.now()
	if cb.status.State == StateOpen {
		cb.mu.Unlock()
		return StateOpen
	}

	if reason, breached := breach(th, dailyPct, totalPct); breached {
		cb.mu.Unlock()
		cb.Trip(reason)
		return StateOpen
	}

	prev := cb.status.State
	next := StateClosed
	if cb.nearLimit(th, dailyPct, totalPct) {
		next = StateHalfOpen
	}
	cb.status.State = next
	cb.mu.Unlock()

	if prev != next {
		cb.metrics.SetBreakerState(int(next))
		cb.persist()
		cb.logger.Info("circuit breaker state changed", zap.Stringer("from", prev), zap.Stringer("to", next))
		if next == StateHalfOpen {
			_ = cb.alerter.SendWarning("drawdown approaching limit", map[string]interface{}{
				"daily_drawdown": dailyPct.String(),
				"total_drawdown": totalPct.String(),
			})
		}
	}
	return next
}

func breach(th Thresholds, daily, total decimal.Decimal) (string, bool) {
	if th.MaxTotalDrawdownPct.IsPositive() && total.GreaterThanOrEqual(th.MaxTotalDrawdownPct) {
		return fmt.Sprintf("total drawdown %s >= %s", total.StringFixed(4), th.MaxTotalDrawdownPct.String()), true
	}
	if th.MaxDailyDrawdownPct.IsPositive() && daily.GreaterThanOrEqual(th.MaxDailyDrawdownPct) {
		return fmt.Sprintf("daily drawdown %s >= %s", daily.StringFixed(4), th.MaxDailyDrawdownPct.String()), true
	}
	return "", false
}

func (cb *CircuitBreaker) nearLimit(th Thresholds, daily, total decimal.Decimal) bool {
	if th.MaxTotalDrawdownPct.IsPositive() && total.GreaterThanOrEqual(th.MaxTotalDrawdownPct.Mul(cb.warning)) {
		return true
	}
	return th.MaxDailyDrawdownPct.IsPositive() && daily.GreaterThanOrEqual(th.MaxDailyDrawdownPct.Mul(cb.warning))
}

// Trip 强制打开熔断器并激活全局 kill switch。已打开时为空操作。
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	if cb.status.State == StateOpen {
		cb.mu.Unlock()
		return
	}
	cb.status.State = StateOpen
	cb.status.Reason = reason
	cb.status.OpenedAt = cb.now()
	cb.status.TripCount++
	cb.mu.Unlock()

	cb.metrics.SetBreakerState(int(StateOpen))
	cb.persist()
	cb.logger.Error("circuit breaker OPEN", zap.String("reason", reason))
	_ = cb.alerter.SendCritical("circuit breaker tripped", map[string]interface{}{"reason": reason})
	if cb.ks != nil {
		if err := cb.ks.Activate(GlobalScope, "CIRCUIT_BREAKER: "+reason, "circuit_breaker"); err != nil {
			cb.logger.Error("activate kill switch failed", zap.Error(err))
		}
	}
}

// Reset 人工重置：OPEN→CLOSED 并用同一令牌解除全局 kill switch。
// 不抑制下一次评估，仍在越限时会再次熔断。
func (cb *CircuitBreaker) Reset(token, principal string) error {
	if cb.ks == nil || !cb.ks.Authorized(token) {
		if cb.ks != nil {
			cb.ks.AuditLog().Append(AuditEntry{Component: "circuit_breaker", Action: "reset",
				Scope: string(GlobalScope), Principal: principal, Outcome: OutcomeDenied})
		}
		return &AuthorizationError{Action: "reset", Scope: GlobalScope, Principal: principal}
	}

	cb.mu.Lock()
	prev := cb.status.State
	cb.status.State = StateClosed
	cb.status.Reason = ""
	cb.status.OpenedAt = time.Time{}
	cb.mu.Unlock()

	cb.metrics.SetBreakerState(int(StateClosed))
	cb.persist()
	outcome := OutcomeApplied
	if prev != StateOpen {
		outcome = OutcomeNoop
	}
	cb.ks.AuditLog().Append(AuditEntry{Component: "circuit_breaker", Action: "reset",
		Scope: string(GlobalScope), Principal: principal, Outcome: outcome})
	cb.logger.Info("circuit breaker reset", zap.String("principal", principal), zap.Stringer("from", prev))

	return cb.ks.Deactivate(GlobalScope, token, principal)
}

// State 返回当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.status.State
}

// IsOpen 是否处于熔断
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// Status 返回状态快照
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.status
}

func (cb *CircuitBreaker) persist() {
	if cb.store == nil {
		return
	}
	cb.persistMu.Lock()
	defer cb.persistMu.Unlock()
	data, err := json.Marshal(cb.Status())
	if err == nil {
		err = cb.store.SaveState(breakerStateKey, data)
	}
	if err != nil {
		cb.logger.Error("persist breaker state failed", zap.Error(err))
	}
}
