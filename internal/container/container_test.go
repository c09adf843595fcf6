package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-gate-go/config"
	"risk-gate-go/infrastructure/logger"
	irisk "risk-gate-go/internal/risk"
	"risk-gate-go/internal/store"
	"risk-gate-go/market"
	"risk-gate-go/order"
)

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	cfg := config.AppConfig{
		Env:     "dev",
		Log:     logger.Config{Level: "error"},
		Storage: store.Config{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "gate.db")},
		Broker:  config.BrokerConfig{Kind: config.BrokerFake, FakeEquity: "100000"},
		Engine: config.EngineConfig{
			InitialCash:  "100000",
			PollInterval: time.Hour,
			Retry:        order.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond},
		},
		Reconcile:  config.ReconcileConfig{Interval: time.Hour},
		Breaker:    config.BreakerConfig{MonitorInterval: time.Hour},
		KillSwitch: config.KillSwitchConfig{Token: "tok"},
	}
	cfg.Limits.Order.MaxNotional = decimal.NewFromInt(25000)
	return cfg
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func buildStarted(t *testing.T, cfg config.AppConfig) *Container {
	t.Helper()
	c := NewFromConfig(cfg)
	require.NoError(t, c.Build())
	require.NoError(t, c.Start(context.Background()))
	c.MarketData().OnTrade(market.Trade{Symbol: "AAPL", Price: decimal.NewFromInt(150), Ts: time.Now()})
	return c
}

func TestContainerRestoresStateAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	c := buildStarted(t, cfg)
	require.NoError(t, c.HealthCheck())

	o, err := c.Engine().SubmitOrder(context.Background(), order.ProposedOrder{
		IdempotencyKey: "k-1",
		StrategyID:     "momo",
		Symbol:         "AAPL",
		Side:           order.SideBuy,
		Type:           order.TypeLimit,
		Quantity:       decimal.NewFromInt(10),
		LimitPrice:     decimal.NewFromInt(150),
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, o.Status)

	require.NoError(t, c.Engine().ActivateKillSwitch(irisk.GlobalScope, "manual halt", "ops"))
	require.NoError(t, c.Stop())

	restarted := buildStarted(t, cfg)
	defer func() { _ = restarted.Stop() }()

	eng := restarted.Engine()
	got, err := eng.GetOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, got.Status)

	status := eng.KillSwitchStatus()
	require.Len(t, status, 1)
	assert.Equal(t, irisk.GlobalScope, status[0].Scope)
	assert.Equal(t, "manual halt", status[0].Reason)

	audit := eng.AuditLog()
	require.NotEmpty(t, audit)
	assert.Equal(t, irisk.OutcomeApplied, audit[0].Outcome)

	_, err = eng.SubmitOrder(context.Background(), order.ProposedOrder{
		IdempotencyKey: "k-2",
		StrategyID:     "momo",
		Symbol:         "AAPL",
		Side:           order.SideBuy,
		Type:           order.TypeLimit,
		Quantity:       decimal.NewFromInt(1),
		LimitPrice:     decimal.NewFromInt(150),
	})
	assert.Error(t, err, "restored kill switch must still block orders")
}

func TestContainerReloadWithoutLimitsFile(t *testing.T) {
	c := NewFromConfig(testConfig(t))
	require.NoError(t, c.Build())
	defer func() { _ = c.store.Close() }()

	assert.Error(t, c.Reload())
	assert.Equal(t, int64(25000), c.Limits().Load().Order.MaxNotional.IntPart())
}

func TestContainerPollReload(t *testing.T) {
	dir := t.TempDir()
	limitsPath := filepath.Join(dir, "limits.yaml")
	writeFile(t, limitsPath, "order:\n  max_notional: 5000\n")

	cfg := testConfig(t)
	cfg.LimitsFile = limitsPath
	cfg.LimitsReload = config.ReloadConfig{Mode: config.ReloadPoll, PollInterval: 10 * time.Millisecond}

	c := buildStarted(t, cfg)
	defer func() { _ = c.Stop() }()
	assert.Equal(t, int64(5000), c.Limits().Load().Order.MaxNotional.IntPart())

	writeFile(t, limitsPath, "order:\n  max_notional: 7000\n")
	require.NoError(t, c.Reload())
	assert.Equal(t, int64(7000), c.Limits().Load().Order.MaxNotional.IntPart())
}

func TestContainerRefusesFakeBrokerInProd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Env = "prod"
	c := NewFromConfig(cfg)
	err := c.Build()
	if c.store != nil {
		_ = c.store.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prod")
}

func TestLifecycleRollsBackOnStartFailure(t *testing.T) {
	m := NewLifecycleManager()
	var stopped []string
	m.Register(&funcComponent{
		name:  "first",
		start: func(context.Context) error { return nil },
		stop:  func() error { stopped = append(stopped, "first"); return nil },
	})
	m.Register(&funcComponent{
		name:  "second",
		start: func(context.Context) error { return assert.AnError },
	})

	err := m.StartAll(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, []string{"first"}, stopped)
}

func TestLifecycleStopAllJoinsErrors(t *testing.T) {
	m := NewLifecycleManager()
	for _, name := range []string{"a", "b"} {
		m.Register(&funcComponent{
			name:  name,
			start: func(context.Context) error { return nil },
			stop:  func() error { return assert.AnError },
		})
	}
	err := m.StopAll()
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "stop a")
	assert.Contains(t, err.Error(), "stop b")
}

func TestRunnerComponentStops(t *testing.T) {
	r := newRunnerComponent("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, logger.Wrap(nil))

	require.Error(t, r.Health())
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Health())
	require.NoError(t, r.Stop())
	assert.Error(t, r.Health())
}
