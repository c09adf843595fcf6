package risk

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) SaveState(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) LoadState(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[key]
	return d, ok, nil
}

type recAlerter struct {
	mu       sync.Mutex
	critical []string
	warning  []string
}

func (a *recAlerter) SendCritical(msg string, _ map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.critical = append(a.critical, msg)
	return nil
}

func (a *recAlerter) SendWarning(msg string, _ map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warning = append(a.warning, msg)
	return nil
}

func (a *recAlerter) criticalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.critical)
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("global")
	require.NoError(t, err)
	assert.Equal(t, GlobalScope, s)

	s, err = ParseScope("strategy:momo")
	require.NoError(t, err)
	assert.Equal(t, StrategyScope("momo"), s)

	for _, bad := range []string{"", "strategy:", "desk:1"} {
		_, err := ParseScope(bad)
		assert.ErrorIs(t, err, ErrInvalidScope, bad)
	}
}

func TestKillSwitchActivateIsIdempotent(t *testing.T) {
	alerts := &recAlerter{}
	ks := NewKillSwitch(KillSwitchConfig{Token: "s3cret", Alerter: alerts})

	clock := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	ks.now = func() time.Time { return clock }

	require.NoError(t, ks.Activate(GlobalScope, "ops drill", "alice"))
	tripped := ks.Tripped()
	clock = clock.Add(time.Minute)
	require.NoError(t, ks.Activate(GlobalScope, "again", "bob"))

	status := ks.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "again", status[0].Reason)
	assert.Equal(t, "bob", status[0].Principal)
	assert.Equal(t, clock, status[0].ActivatedAt)
	assert.Equal(t, 1, alerts.criticalCount())
	// 已激活时再次激活不会再次触发
	assert.Equal(t, tripped, ks.Tripped())

	entries := ks.AuditLog().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "activate", entries[0].Action)
	assert.Equal(t, "reactivate", entries[1].Action)
	assert.Equal(t, uint64(2), entries[1].Seq)
}

func TestKillSwitchGlobalDominatesStrategy(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{Token: "t"})
	assert.False(t, ks.IsActive("momo"))

	require.NoError(t, ks.Activate(StrategyScope("momo"), "dd", "monitor"))
	assert.True(t, ks.IsActive("momo"))
	assert.False(t, ks.IsActive("carry"))
	assert.False(t, ks.IsActive(""))

	require.NoError(t, ks.Activate(GlobalScope, "halt", "ops"))
	st, ok := ks.ActiveScope("carry")
	require.True(t, ok)
	assert.Equal(t, GlobalScope, st.Scope)
}

func TestKillSwitchDeactivateRequiresToken(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{Token: "s3cret"})
	require.NoError(t, ks.Activate(GlobalScope, "halt", "ops"))

	err := ks.Deactivate(GlobalScope, "wrong", "mallory")
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "mallory", authErr.Principal)
	assert.True(t, ks.IsActive(""))

	entries := ks.AuditLog().Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, "deactivate", last.Action)
	assert.Equal(t, OutcomeDenied, last.Outcome)
	assert.Equal(t, "mallory", last.Principal)

	require.NoError(t, ks.Deactivate(GlobalScope, "s3cret", "alice"))
	assert.False(t, ks.IsActive(""))
	assert.Empty(t, ks.Status())
}

func TestKillSwitchEmptyTokenDeniesEverything(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{})
	require.NoError(t, ks.Activate(GlobalScope, "halt", "ops"))
	assert.Error(t, ks.Deactivate(GlobalScope, "", "ops"))
	assert.True(t, ks.IsActive(""))
}

func TestKillSwitchTrippedClosesOnActivation(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{Token: "t"})
	ch := ks.Tripped()

	select {
	case <-ch:
		t.Fatal("tripped before activation")
	default:
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = ks.Activate(StrategyScope("momo"), "x", "y")
	}()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("tripped channel not closed")
	}

	next := ks.Tripped()
	select {
	case <-next:
		t.Fatal("new channel should be open")
	default:
	}
}

func TestKillSwitchPersistAndRestore(t *testing.T) {
	store := newMemStore()
	ks := NewKillSwitch(KillSwitchConfig{Token: "t", Store: store})
	require.NoError(t, ks.Activate(GlobalScope, "halt", "ops"))
	require.NoError(t, ks.Activate(StrategyScope("momo"), "dd", "monitor"))
	require.NoError(t, ks.Deactivate(StrategyScope("momo"), "t", "ops"))

	restored := NewKillSwitch(KillSwitchConfig{Token: "t", Store: store})
	require.NoError(t, restored.Restore())
	status := restored.Status()
	require.Len(t, status, 1)
	assert.Equal(t, GlobalScope, status[0].Scope)
	assert.Equal(t, "halt", status[0].Reason)
}

func TestAuditLogPersistFailureDoesNotBlock(t *testing.T) {
	sink := &failingSink{}
	log := NewAuditLog(sink, nil)
	e := log.Append(AuditEntry{Component: "kill_switch", Action: "activate", Outcome: OutcomeApplied})
	assert.Equal(t, uint64(1), e.Seq)
	assert.False(t, e.At.IsZero())
	assert.Equal(t, 1, sink.calls)

	log.Restore([]AuditEntry{{Seq: 41}, {Seq: 42}})
	assert.Equal(t, uint64(43), log.Append(AuditEntry{}).Seq)
}

type failingSink struct{ calls int }

func (s *failingSink) AppendAudit(AuditEntry) error {
	s.calls++
	return errors.New("disk full")
}
