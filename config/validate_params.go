package config

import (
	"github.com/shopspring/decimal"
)

// ValidateParams 校验数值参数：金额可解析、间隔与次数非负。
func ValidateParams(cfg AppConfig) error {
	if cfg.Engine.InitialCash != "" {
		if v, err := decimal.NewFromString(cfg.Engine.InitialCash); err != nil || v.IsNegative() {
			return ErrInvalid("engine.initial_cash must be a non-negative decimal")
		}
	}
	if cfg.Broker.FakeEquity != "" {
		if _, err := decimal.NewFromString(cfg.Broker.FakeEquity); err != nil {
			return ErrInvalid("broker.fake_equity must be a decimal")
		}
	}
	if cfg.Engine.Retry.MaxAttempts < 0 {
		return ErrInvalid("engine.retry.max_attempts must be >= 0")
	}
	if cfg.Engine.Retry.Jitter < 0 || cfg.Engine.Retry.Jitter > 1 {
		return ErrInvalid("engine.retry.jitter must be within [0,1]")
	}
	if cfg.Engine.AttemptTimeout < 0 || cfg.Engine.PollInterval < 0 {
		return ErrInvalid("engine timeouts must be >= 0")
	}
	for sym, sc := range cfg.Engine.Symbols {
		if sc.TickSize.IsNegative() || sc.StepSize.IsNegative() || sc.MinQty.IsNegative() ||
			sc.MaxQty.IsNegative() || sc.MinNotional.IsNegative() {
			return ErrInvalid("engine.symbols." + sym + " constraints must be >= 0")
		}
	}
	if cfg.Reconcile.Interval < 0 || cfg.Reconcile.PauseAfterMismatches < 0 {
		return ErrInvalid("reconcile.interval/pause_after_mismatches must be >= 0")
	}
	if cfg.Reconcile.Epsilon != "" {
		if v, err := decimal.NewFromString(cfg.Reconcile.Epsilon); err != nil || v.IsNegative() {
			return ErrInvalid("reconcile.epsilon must be a non-negative decimal")
		}
	}
	if cfg.Breaker.WarningFraction != "" {
		v, err := decimal.NewFromString(cfg.Breaker.WarningFraction)
		if err != nil || !v.IsPositive() || v.GreaterThan(decimal.NewFromInt(1)) {
			return ErrInvalid("breaker.warning_fraction must be within (0,1]")
		}
	}
	if cfg.Breaker.MonitorInterval < 0 || cfg.Alerts.ThrottleInterval < 0 {
		return ErrInvalid("intervals must be >= 0")
	}
	return nil
}

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }
