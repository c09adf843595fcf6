package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ViolationType 违规类型，作为拒单原因和指标标签。
type ViolationType string

const (
	KillSwitchActive      ViolationType = "KILL_SWITCH_ACTIVE"
	CircuitBreakerOpen    ViolationType = "CIRCUIT_BREAKER_OPEN"
	MaxNotional           ViolationType = "MAX_NOTIONAL"
	MaxRiskPerTrade       ViolationType = "MAX_RISK_PER_TRADE"
	MaxPriceDeviation     ViolationType = "MAX_PRICE_DEVIATION"
	MinPrice              ViolationType = "MIN_PRICE"
	NoReferencePrice      ViolationType = "NO_REFERENCE_PRICE"
	EquityUnavailable     ViolationType = "EQUITY_UNAVAILABLE"
	StrategyNotConfigured ViolationType = "STRATEGY_NOT_CONFIGURED"
	StrategyAllocation    ViolationType = "STRATEGY_ALLOCATION"
	StrategyDailyLoss     ViolationType = "STRATEGY_DAILY_LOSS"
	StrategyDrawdown      ViolationType = "STRATEGY_DRAWDOWN"
	MaxCapitalDeployed    ViolationType = "MAX_CAPITAL_DEPLOYED"
	MaxOpenPositions      ViolationType = "MAX_OPEN_POSITIONS"
	MaxDailyDrawdown      ViolationType = "MAX_DAILY_DRAWDOWN"
	MaxTotalDrawdown      ViolationType = "MAX_TOTAL_DRAWDOWN"
)

// Violation 一条违规：限额值、观测值和可读说明。
type Violation struct {
	Type     ViolationType   `json:"type"`
	Limit    decimal.Decimal `json:"limit"`
	Observed decimal.Decimal `json:"observed"`
	Message  string          `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s(limit=%s observed=%s): %s", v.Type, v.Limit, v.Observed, v.Message)
}

// Decision 风控结论。零违规即通过。
type Decision struct {
	Approved    bool
	Violations  []Violation
	EvaluatedAt time.Time
}

// Approve 构造通过的结论。
func Approve(at time.Time) Decision {
	return Decision{Approved: true, EvaluatedAt: at}
}

// Reject 构造拒绝结论。
func Reject(at time.Time, vs ...Violation) Decision {
	return Decision{Approved: false, Violations: vs, EvaluatedAt: at}
}

// Has 是否包含某类违规。
func (d Decision) Has(t ViolationType) bool {
	for _, v := range d.Violations {
		if v.Type == t {
			return true
		}
	}
	return false
}

// ErrRiskRejected 用于 errors.Is 判断风控拒单。
var ErrRiskRejected = errors.New("rejected by risk gate")

// RiskRejection 风控拒单，携带完整违规清单。这是预期结果而非异常。
type RiskRejection struct {
	OrderID    string
	Violations []Violation
}

func (e *RiskRejection) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("order %s rejected by risk gate: %s", e.OrderID, strings.Join(parts, "; "))
}

func (e *RiskRejection) Is(target error) bool { return target == ErrRiskRejected }

// FormatViolations 将违规拼接为拒单原因。
func FormatViolations(vs []Violation) string {
	msgs := make([]string, 0, len(vs))
	for _, v := range vs {
		msgs = append(msgs, string(v.Type)+": "+v.Message)
	}
	return strings.Join(msgs, "; ")
}
