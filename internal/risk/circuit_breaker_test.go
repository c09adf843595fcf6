package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestBreaker(store StateStore) (*CircuitBreaker, *KillSwitch, *recAlerter) {
	alerts := &recAlerter{}
	ks := NewKillSwitch(KillSwitchConfig{Token: "tok", Store: store, Alerter: alerts})
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Thresholds: func() Thresholds {
			return Thresholds{MaxDailyDrawdownPct: dec("0.03"), MaxTotalDrawdownPct: dec("0.10")}
		},
		KillSwitch: ks,
		Store:      store,
		Alerter:    alerts,
	})
	return cb, ks, alerts
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}

func TestBreakerWarningThenClosed(t *testing.T) {
	cb, ks, alerts := newTestBreaker(nil)

	assert.Equal(t, StateClosed, cb.Update(dec("0.01"), dec("0.05")))
	// 0.08 = 0.8 × 0.10
	assert.Equal(t, StateHalfOpen, cb.Update(dec("0.01"), dec("0.08")))
	assert.Len(t, alerts.warning, 1)
	assert.False(t, ks.IsActive(""))

	assert.Equal(t, StateClosed, cb.Update(dec("0"), dec("0.02")))
}

func TestBreakerOpenNeverAutoReverts(t *testing.T) {
	cb, ks, _ := newTestBreaker(nil)

	assert.Equal(t, StateOpen, cb.Update(dec("0.01"), dec("0.10")))
	assert.True(t, ks.IsActive("any"))
	st, _ := ks.ActiveScope("")
	assert.Equal(t, "circuit_breaker", st.Principal)

	assert.Equal(t, StateOpen, cb.Update(dec("0"), dec("0")))
	assert.True(t, cb.IsOpen())
	assert.Equal(t, int64(1), cb.Status().TripCount)
}

func TestBreakerDailyCeilingTrips(t *testing.T) {
	cb, _, _ := newTestBreaker(nil)
	assert.Equal(t, StateOpen, cb.Update(dec("0.03"), dec("0.01")))
	assert.Contains(t, cb.Status().Reason, "daily drawdown")
}

func TestBreakerResetRequiresToken(t *testing.T) {
	cb, ks, _ := newTestBreaker(nil)
	cb.Trip("total drawdown breach")

	err := cb.Reset("nope", "mallory")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, cb.IsOpen())
	assert.True(t, ks.IsActive(""))

	require.NoError(t, cb.Reset("tok", "alice"))
	assert.Equal(t, StateClosed, cb.State())
	assert.False(t, ks.IsActive(""))

	// 仍然越限，下一周期再次熔断
	assert.Equal(t, StateOpen, cb.Update(dec("0"), dec("0.12")))
	assert.True(t, ks.IsActive(""))
}

func TestBreakerZeroThresholdsNeverTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.Equal(t, StateClosed, cb.Update(dec("0.9"), dec("0.9")))
}

func TestBreakerOpenSurvivesRestart(t *testing.T) {
	store := newMemStore()
	cb, _, _ := newTestBreaker(store)
	cb.Trip("manual")

	restored, ks2, _ := newTestBreaker(store)
	require.NoError(t, restored.Restore())
	require.NoError(t, ks2.Restore())
	assert.True(t, restored.IsOpen())
	assert.Equal(t, "manual", restored.Status().Reason)
	assert.True(t, ks2.IsActive(""))
}
