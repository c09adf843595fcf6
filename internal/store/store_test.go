package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	irisk "risk-gate-go/internal/risk"
	"risk-gate-go/inventory"
	"risk-gate-go/order"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: DriverSQLite, DSN: filepath.Join(dir, "gate.db")},
		{Driver: DriverBolt, DSN: filepath.Join(dir, "gate.bolt")},
	} {
		s, err := Open(cfg)
		require.NoError(t, err, cfg.Driver)
		t.Cleanup(func() { _ = s.Close() })
		out[cfg.Driver] = s
	}
	return out
}

func testOrder(id, key string, status order.Status) *order.Order {
	at := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	return &order.Order{
		ID:             id,
		IdempotencyKey: key,
		StrategyID:     "momo",
		Symbol:         "AAPL",
		Side:           order.SideBuy,
		Type:           order.TypeLimit,
		Quantity:       decimal.RequireFromString("100"),
		LimitPrice:     decimal.RequireFromString("150.02"),
		Status:         status,
		CreatedAt:      at,
		UpdatedAt:      at,
		Transitions:    []order.Transition{{From: "", To: order.StatusPending, At: at}},
	}
}

func TestOrdersRoundTrip(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			o := testOrder("o1", "k1", order.StatusPending)
			require.NoError(t, s.SaveOrder(o))

			o.Status = order.StatusSubmitted
			o.BrokerOrderID = "B-1"
			o.UpdatedAt = o.UpdatedAt.Add(time.Second)
			require.NoError(t, s.SaveOrder(o))
			require.NoError(t, s.SaveOrder(testOrder("o2", "k2", order.StatusRejected)))

			orders, err := s.LoadOrders()
			require.NoError(t, err)
			require.Len(t, orders, 2)
			byID := map[string]*order.Order{}
			for _, o := range orders {
				byID[o.ID] = o
			}
			got := byID["o1"]
			require.NotNil(t, got)
			assert.Equal(t, order.StatusSubmitted, got.Status)
			assert.Equal(t, "B-1", got.BrokerOrderID)
			assert.Equal(t, "150.02", got.LimitPrice.String())
			assert.Len(t, got.Transitions, 1)
		})
	}
}

func TestStateAndLedger(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.LoadState("kill_switch")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.SaveState("kill_switch", []byte(`[{"scope":"global"}]`)))
			require.NoError(t, s.SaveState("kill_switch", []byte(`[]`)))
			data, ok, err := s.LoadState("kill_switch")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, `[]`, string(data))

			_, ok, err = s.LoadLedger()
			require.NoError(t, err)
			assert.False(t, ok)

			l := inventory.NewLedger(decimal.RequireFromString("1000"), s, nil)
			_, err = l.ApplyFill("momo", "AAPL", decimal.RequireFromString("2"), decimal.RequireFromString("100"))
			require.NoError(t, err)

			restored := inventory.NewLedger(decimal.Zero, s, nil)
			require.NoError(t, restored.Restore())
			assert.Equal(t, "800", restored.Cash().String())
			assert.Equal(t, "2", restored.SymbolQuantity("AAPL").String())
		})
	}
}

func TestAuditAppendOnly(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ks := irisk.NewKillSwitch(irisk.KillSwitchConfig{
				Token: "tok",
				Audit: irisk.NewAuditLog(s, nil),
				Store: s,
			})
			require.NoError(t, ks.Activate(irisk.GlobalScope, "drill", "alice"))
			require.Error(t, ks.Deactivate(irisk.GlobalScope, "bad", "mallory"))
			require.NoError(t, ks.Deactivate(irisk.GlobalScope, "tok", "alice"))

			entries, err := s.LoadAudit()
			require.NoError(t, err)
			require.Len(t, entries, 3)
			for i, e := range entries {
				assert.Equal(t, uint64(i+1), e.Seq)
			}
			assert.Equal(t, irisk.OutcomeDenied, entries[1].Outcome)
			assert.Equal(t, "mallory", entries[1].Principal)

			assert.Error(t, s.AppendAudit(entries[0]), "sequence numbers are never overwritten")

			restored := irisk.NewKillSwitch(irisk.KillSwitchConfig{Token: "tok", Store: s})
			require.NoError(t, restored.Restore())
			assert.False(t, restored.IsActive(""))
		})
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []Config{
		{Driver: DriverSQLite, DSN: filepath.Join(dir, "a", "gate.db")},
		{Driver: DriverBolt, DSN: filepath.Join(dir, "b", "gate.bolt")},
	} {
		s, err := Open(cfg)
		require.NoError(t, err)
		require.NoError(t, s.SaveOrder(testOrder("o1", "k1", order.StatusFilled)))
		require.NoError(t, s.Close())

		s, err = Open(cfg)
		require.NoError(t, err)
		orders, err := s.LoadOrders()
		require.NoError(t, err)
		assert.Len(t, orders, 1, cfg.Driver)
		require.NoError(t, s.Close())
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	assert.Error(t, err)
	_, err = Open(Config{Driver: DriverBolt})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{postgres: true}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &SQLStore{}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}
