package risk

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scope kill switch 作用域："global" 或 "strategy:<id>"
type Scope string

const GlobalScope Scope = "global"

const strategyPrefix = "strategy:"

// StrategyScope 返回策略级作用域
func StrategyScope(strategyID string) Scope {
	return Scope(strategyPrefix + strategyID)
}

// ParseScope 校验作用域字符串
func ParseScope(s string) (Scope, error) {
	if s == string(GlobalScope) {
		return GlobalScope, nil
	}
	if strings.HasPrefix(s, strategyPrefix) && len(s) > len(strategyPrefix) {
		return Scope(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

var (
	ErrInvalidScope = errors.New("invalid kill switch scope")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthorizationError 解除 kill switch / 重置熔断器时凭证不符
type AuthorizationError struct {
	Action    string
	Scope     Scope
	Principal string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s %s by %q: unauthorized", e.Action, e.Scope, e.Principal)
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrUnauthorized }

// KillSwitchState 单个作用域的状态
type KillSwitchState struct {
	Scope       Scope     `json:"scope"`
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	Principal   string    `json:"principal,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// KillSwitchConfig kill switch 配置
type KillSwitchConfig struct {
	Token   string // 解除授权令牌，为空时任何解除都会被拒绝
	Audit   *AuditLog
	Store   StateStore
	Alerter Alerter
	Metrics Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

const killSwitchStateKey = "kill_switch"

// KillSwitch 全局/策略级交易开关。激活是幂等的，解除需要令牌。
type KillSwitch struct {
	token   []byte
	audit   *AuditLog
	store   StateStore
	alerter Alerter
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	states  map[Scope]KillSwitchState
	tripped chan struct{}

	persistMu sync.Mutex
}

// NewKillSwitch 创建 kill switch
func NewKillSwitch(cfg KillSwitchConfig) *KillSwitch {
	ks := &KillSwitch{
		token:   []byte(cfg.Token),
		audit:   cfg.Audit,
		store:   cfg.Store,
		alerter: cfg.Alerter,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
		states:  make(map[Scope]KillSwitchState),
		tripped: make(chan struct{}),
	}
	if ks.audit == nil {
		ks.audit = NewAuditLog(nil, cfg.Logger)
	}
	if ks.alerter == nil {
		ks.alerter = nopAlerter{}
	}
	if ks.metrics == nil {
		ks.metrics = nopMetrics{}
	}
	if ks.logger == nil {
		ks.logger = zap.NewNop()
	}
	if ks.now == nil {
		ks.now = func() time.Time { return time.Now().UTC() }
	}
	return ks
}

// Restore 从 StateStore 恢复激活状态
func (ks *KillSwitch) Restore() error {
	if ks.store == nil {
		return nil
	}
	data, ok, err := ks.store.LoadState(killSwitchStateKey)
	if err != nil {
		return fmt.Errorf("load kill switch state: %w", err)
	}
	if !ok {
		return nil
	}
	var states []KillSwitchState
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("decode kill switch state: %w", err)
	}

	ks.mu.Lock()
	for _, st := range states {
		if st.Active {
			ks.states[st.Scope] = st
		}
	}
	restored := len(ks.states)
	ks.mu.Unlock()

	for _, st := range states {
		if st.Active {
			ks.metrics.SetKillSwitch(string(st.Scope), true)
		}
	}
	if restored > 0 {
		ks.logger.Warn("kill switch restored active", zap.Int("scopes", restored))
	}
	return nil
}

// Activate 激活指定作用域。重复激活只更新原因与时间，不报错。
func (ks *KillSwitch) Activate(scope Scope, reason, principal string) error {
	if _, err := ParseScope(string(scope)); err != nil {
		return err
	}

	ks.mu.Lock()
	prev, already := ks.states[scope]
	ks.states[scope] = KillSwitchState{Scope: scope, Active: true, Reason: reason, Principal: principal, ActivatedAt: ks.now()}
	if !already || !prev.Active {
		close(ks.tripped)
		ks.tripped = make(chan struct{})
	}
	ks.mu.Unlock()

	ks.persist()
	if already && prev.Active {
		ks.audit.Append(AuditEntry{Component: "kill_switch", Action: "reactivate", Scope: string(scope),
			Principal: principal, Reason: reason, Outcome: OutcomeApplied})
		ks.logger.Info("kill switch reactivated", zap.String("scope", string(scope)), zap.String("reason", reason))
		return nil
	}
	ks.metrics.SetKillSwitch(string(scope), true)
	ks.audit.Append(AuditEntry{Component: "kill_switch", Action: "activate", Scope: string(scope),
		Principal: principal, Reason: reason, Outcome: OutcomeApplied})
	ks.logger.Warn("kill switch activated",
		zap.String("scope", string(scope)), zap.String("reason", reason), zap.String("principal", principal))
	_ = ks.alerter.SendCritical("kill switch activated", map[string]interface{}{
		"scope": string(scope), "reason": reason, "principal": principal,
	})
	return nil
}

// Authorized 常量时间比较令牌
func (ks *KillSwitch) Authorized(token string) bool {
	if len(ks.token) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(ks.token, []byte(token)) == 1
}

// Deactivate 解除作用域。令牌错误返回 *AuthorizationError，并记录审计。
func (ks *KillSwitch) Deactivate(scope Scope, token, principal string) error {
	if _, err := ParseScope(string(scope)); err != nil {
		return err
	}
	if !ks.Authorized(token) {
		ks.audit.Append(AuditEntry{Component: "kill_switch", Action: "deactivate", Scope: string(scope),
			Principal: principal, Outcome: OutcomeDenied})
		ks.logger.Warn("kill switch deactivation denied",
			zap.String("scope", string(scope)), zap.String("principal", principal))
		return &AuthorizationError{Action: "deactivate", Scope: scope, Principal: principal}
	}

	ks.mu.Lock()
	if st, ok := ks.states[scope]; !ok || !st.Active {
		ks.mu.Unlock()
		ks.audit.Append(AuditEntry{Component: "kill_switch", Action: "deactivate", Scope: string(scope),
			Principal: principal, Outcome: OutcomeNoop})
		return nil
	}
	delete(ks.states, scope)
	ks.mu.Unlock()

	ks.persist()
	ks.metrics.SetKillSwitch(string(scope), false)
	ks.audit.Append(AuditEntry{Component: "kill_switch", Action: "deactivate", Scope: string(scope),
		Principal: principal, Outcome: OutcomeApplied})
	ks.logger.Info("kill switch deactivated", zap.String("scope", string(scope)), zap.String("principal", principal))
	_ = ks.alerter.SendWarning("kill switch deactivated", map[string]interface{}{
		"scope": string(scope), "principal": principal,
	})
	return nil
}

// IsActive 全局开关优先；strategyID 为空时只看全局。
func (ks *KillSwitch) IsActive(strategyID string) bool {
	_, ok := ks.ActiveScope(strategyID)
	return ok
}

// ActiveScope 返回拦截该策略的作用域状态
func (ks *KillSwitch) ActiveScope(strategyID string) (KillSwitchState, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if st, ok := ks.states[GlobalScope]; ok && st.Active {
		return st, true
	}
	if strategyID == "" {
		return KillSwitchState{}, false
	}
	st, ok := ks.states[StrategyScope(strategyID)]
	return st, ok && st.Active
}

// Status 返回所有激活中的作用域，按名称排序
func (ks *KillSwitch) Status() []KillSwitchState {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.snapshotLocked()
}

// Tripped 返回在下一次激活时关闭的 channel。
// 等待方被唤醒后应重新检查 IsActive 并重新获取 channel。
func (ks *KillSwitch) Tripped() <-chan struct{} {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.tripped
}

// AuditLog 返回审计日志
func (ks *KillSwitch) AuditLog() *AuditLog { return ks.audit }

func (ks *KillSwitch) snapshotLocked() []KillSwitchState {
	out := make([]KillSwitchState, 0, len(ks.states))
	for _, st := range ks.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// persist 在 persistMu 下重新取快照，保证最后一次写入的是最新状态
func (ks *KillSwitch) persist() {
	if ks.store == nil {
		return
	}
	ks.persistMu.Lock()
	defer ks.persistMu.Unlock()
	data, err := json.Marshal(ks.Status())
	if err == nil {
		err = ks.store.SaveState(killSwitchStateKey, data)
	}
	if err != nil {
		ks.logger.Error("persist kill switch state failed", zap.Error(err))
	}
}
