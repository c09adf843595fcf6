package order

import "time"

// statusNew 创建前的伪状态，只能进入 PENDING 或直接 REJECTED
const statusNew Status = ""

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机，转换表创建后只读
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 创建
		{statusNew, StatusPending},
		{statusNew, StatusRejected},

		// 从PENDING可以转到
		{StatusPending, StatusSubmitted},
		{StatusPending, StatusRejected},
		{StatusPending, StatusCancelled}, // 确认前撤单

		// 从SUBMITTED可以转到
		{StatusSubmitted, StatusPartiallyFilled},
		{StatusSubmitted, StatusFilled},
		{StatusSubmitted, StatusRejected},
		{StatusSubmitted, StatusCancelled},

		// 从PARTIALLY_FILLED可以转到
		{StatusPartiallyFilled, StatusPartiallyFilled}, // 多次部分成交
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCancelled}, // 剩余数量撤销

		// 终态不能转换（FILLED, REJECTED, CANCELLED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) bool {
	return sm.transitions[StateTransition{From: from, To: to}]
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	return allowed
}

// Apply 校验并执行转换，记录时间戳
func (sm *StateMachine) Apply(o *Order, to Status, at time.Time, reason string) error {
	if !sm.ValidateTransition(o.Status, to) {
		return &TransitionError{OrderID: o.ID, From: o.Status, To: to}
	}
	o.Transitions = append(o.Transitions, Transition{From: o.Status, To: to, At: at, Reason: reason})
	o.Status = to
	o.UpdatedAt = at
	switch to {
	case StatusPending:
		o.CreatedAt = at
	case StatusSubmitted:
		o.SubmittedAt = at
	case StatusFilled:
		o.FilledAt = at
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = at
	}
	if IsFinalState(to) {
		o.ClosedAt = at
	}
	return nil
}

// IsFinalState 判断是否是终态
func IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// IsActiveState 判断是否是活跃状态（可能产生成交）
func IsActiveState(status Status) bool {
	switch status {
	case StatusSubmitted, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// GetStateDescription 获取状态描述
func GetStateDescription(status Status) string {
	descriptions := map[Status]string{
		StatusPending:         "订单待提交",
		StatusSubmitted:       "订单已确认",
		StatusPartiallyFilled: "订单部分成交",
		StatusFilled:          "订单完全成交",
		StatusCancelled:       "订单已撤销",
		StatusRejected:        "订单被拒绝",
	}

	if desc, ok := descriptions[status]; ok {
		return desc
	}
	return "未知状态"
}
