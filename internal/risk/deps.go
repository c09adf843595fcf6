package risk

// StateStore 保存 kill switch / 熔断器 / 回撤状态，重启后恢复。
type StateStore interface {
	SaveState(key string, data []byte) error
	// LoadState 不存在时返回 (nil, false, nil)
	LoadState(key string) ([]byte, bool, error)
}

// Alerter 告警出口，infrastructure/alert.Manager 满足该接口。
type Alerter interface {
	SendCritical(message string, fields map[string]interface{}) error
	SendWarning(message string, fields map[string]interface{}) error
}

// Metrics 风控状态指标，infrastructure/monitor.Monitor 满足该接口。
type Metrics interface {
	SetKillSwitch(scope string, active bool)
	SetBreakerState(state int)
	SetDrawdown(daily, total float64)
}

type nopAlerter struct{}

func (nopAlerter) SendCritical(string, map[string]interface{}) error { return nil }
func (nopAlerter) SendWarning(string, map[string]interface{}) error  { return nil }

type nopMetrics struct{}

func (nopMetrics) SetKillSwitch(string, bool)   {}
func (nopMetrics) SetBreakerState(int)          {}
func (nopMetrics) SetDrawdown(float64, float64) {}
