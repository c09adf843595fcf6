package alert

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// 告警级别
const (
	LevelWarning  = "WARNING"
	LevelCritical = "CRITICAL"
)

// subjectKeys 决定同一条告警的限流粒度：不同 scope / 标的的告警互不压制
var subjectKeys = []string{"scope", "symbol"}

// Alert 告警信息
type Alert struct {
	Level     string
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 风控告警出口。
// WARNING 按 (消息, scope/symbol) 限流；CRITICAL（kill switch、熔断、对账不一致）每一条都投递。
type Manager struct {
	channels []Channel
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		interval: throttleInterval,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// SendWarning 发送可限流的告警，例如回撤接近阈值
func (m *Manager) SendWarning(message string, fields map[string]interface{}) error {
	a := Alert{Level: LevelWarning, Message: message, Timestamp: m.now(), Fields: fields}
	if !m.allow(throttleKey(a), a.Timestamp) {
		return nil
	}
	return m.deliver(a)
}

// SendCritical 发送不限流的告警
func (m *Manager) SendCritical(message string, fields map[string]interface{}) error {
	return m.deliver(Alert{Level: LevelCritical, Message: message, Timestamp: m.now(), Fields: fields})
}

func (m *Manager) allow(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSent[key]
	if ok && now.Sub(last) < m.interval {
		return false
	}
	m.lastSent[key] = now
	return true
}

// deliver 任一通道成功即视为送达，全部失败时返回汇总错误
func (m *Manager) deliver(a Alert) error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Send(a); err != nil {
			errs = append(errs, fmt.Errorf("channel %s failed: %w", ch.Name(), err))
		}
	}
	if len(errs) == len(m.channels) {
		return errors.Join(errs...)
	}
	return nil
}

func throttleKey(a Alert) string {
	key := a.Level + ":" + a.Message
	for _, k := range subjectKeys {
		if v, ok := a.Fields[k]; ok {
			key += fmt.Sprintf("|%s=%v", k, v)
		}
	}
	return key
}
