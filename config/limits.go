package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"risk-gate-go/risk"
)

// LimitsConfig 限额文件格式。比例字段写小数（0.05 即 5%），省略即不检查。
type LimitsConfig struct {
	Portfolio  PortfolioLimitsConfig           `yaml:"portfolio"`
	Strategies map[string]StrategyLimitsConfig `yaml:"strategies"`
	Order      OrderLimitsConfig               `yaml:"order"`
}

type PortfolioLimitsConfig struct {
	MaxDailyDrawdownPct   decimal.Decimal `yaml:"max_daily_drawdown_pct"`
	MaxTotalDrawdownPct   decimal.Decimal `yaml:"max_total_drawdown_pct"`
	MaxCapitalDeployedPct decimal.Decimal `yaml:"max_capital_deployed_pct"`
	MaxOpenPositions      int             `yaml:"max_open_positions"`
}

type StrategyLimitsConfig struct {
	MaxAllocationPct decimal.Decimal `yaml:"max_allocation_pct"`
	MaxDrawdownPct   decimal.Decimal `yaml:"max_drawdown_pct"`
	DailyLossCap     decimal.Decimal `yaml:"daily_loss_cap"`
}

type OrderLimitsConfig struct {
	MaxRiskPerTradePct   decimal.Decimal `yaml:"max_risk_per_trade_pct"`
	MaxNotional          decimal.Decimal `yaml:"max_notional"`
	MaxPriceDeviationPct decimal.Decimal `yaml:"max_price_deviation_pct"`
	MinPrice             decimal.Decimal `yaml:"min_price"`
	DefaultStopLossPct   decimal.Decimal `yaml:"default_stop_loss_pct"`
}

// ToLimits 转换并校验
func (c LimitsConfig) ToLimits() (*risk.Limits, error) {
	l := &risk.Limits{
		Portfolio: risk.PortfolioLimits{
			MaxDailyDrawdownPct:   c.Portfolio.MaxDailyDrawdownPct,
			MaxTotalDrawdownPct:   c.Portfolio.MaxTotalDrawdownPct,
			MaxCapitalDeployedPct: c.Portfolio.MaxCapitalDeployedPct,
			MaxOpenPositions:      c.Portfolio.MaxOpenPositions,
		},
		Strategies: make(map[string]risk.StrategyLimits, len(c.Strategies)),
		Order: risk.OrderLimits{
			MaxRiskPerTradePct:   c.Order.MaxRiskPerTradePct,
			MaxNotional:          c.Order.MaxNotional,
			MaxPriceDeviationPct: c.Order.MaxPriceDeviationPct,
			MinPrice:             c.Order.MinPrice,
			DefaultStopLossPct:   c.Order.DefaultStopLossPct,
		},
	}
	for id, s := range c.Strategies {
		l.Strategies[id] = risk.StrategyLimits{
			MaxAllocationPct: s.MaxAllocationPct,
			MaxDrawdownPct:   s.MaxDrawdownPct,
			DailyLossCap:     s.DailyLossCap,
		}
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadLimits 读取单独的限额文件
func LoadLimits(path string) (*risk.Limits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits: %w", err)
	}
	// 写入过程中可能读到被截断的空文件，空文件不能当作“无限额”
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: limits file %s is empty", risk.ErrInvalidLimits, path)
	}
	var c LimitsConfig
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse limits yaml: %w", err)
	}
	return c.ToLimits()
}

// ResolveLimits 优先使用 limits_file，否则使用内联 limits 段
func (cfg AppConfig) ResolveLimits() (*risk.Limits, error) {
	if cfg.LimitsFile != "" {
		return LoadLimits(cfg.LimitsFile)
	}
	return cfg.Limits.ToLimits()
}
