package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWarningCarriesTimestampAndFields(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	require.NoError(t, mgr.SendWarning("drawdown approaching limit", map[string]interface{}{"daily_drawdown": "0.04"}))
	require.Equal(t, 1, mock.Count())

	a := mock.GetAlerts()[0]
	assert.Equal(t, LevelWarning, a.Level)
	assert.Equal(t, "0.04", a.Fields["daily_drawdown"])
	assert.False(t, a.Timestamp.IsZero())
}

func TestWarningThrottledPerScope(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Hour)
	now := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	require.NoError(t, mgr.SendWarning("kill switch deactivated", map[string]interface{}{"scope": "global"}))
	require.NoError(t, mgr.SendWarning("kill switch deactivated", map[string]interface{}{"scope": "global"}))
	assert.Equal(t, 1, mock.Count())

	// 不同 scope 不互相压制
	require.NoError(t, mgr.SendWarning("kill switch deactivated", map[string]interface{}{"scope": "strategy:momo"}))
	assert.Equal(t, 2, mock.Count())

	now = now.Add(time.Hour)
	require.NoError(t, mgr.SendWarning("kill switch deactivated", map[string]interface{}{"scope": "global"}))
	assert.Equal(t, 3, mock.Count())
}

func TestCriticalIsNeverThrottled(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.SendCritical("reconciliation mismatch", map[string]interface{}{"symbol": "AAPL"}))
	}
	assert.Equal(t, 3, mock.CountLevel(LevelCritical))
}

func TestDeliveryFailsOnlyWhenEveryChannelFails(t *testing.T) {
	bad := NewMockChannel("bad")
	bad.SetShouldError(true)
	assert.Error(t, NewManager([]Channel{bad}, time.Minute).SendCritical("circuit breaker tripped", nil))

	good := NewMockChannel("good")
	mgr := NewManager([]Channel{bad, good}, time.Minute)
	assert.NoError(t, mgr.SendCritical("circuit breaker tripped", nil))
	assert.Equal(t, 1, good.Count())
}

func TestZapChannelWritesStructuredEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ch := NewZapChannel("zap", zap.New(core))
	require.NoError(t, ch.Send(Alert{Level: LevelCritical, Message: "kill switch activated", Fields: map[string]interface{}{"scope": "global"}}))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "kill switch activated", entries[0].Message)
	assert.Equal(t, "global", entries[0].ContextMap()["scope"])
}
