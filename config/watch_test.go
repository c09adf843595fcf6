package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"risk-gate-go/risk"
)

func TestWatcherSkipsOnStatError(t *testing.T) {
	orig := readFileInfo
	defer func() { readFileInfo = orig }()
	readFileInfo = func(string) (interface{ ModTime() time.Time }, error) {
		return nil, errors.New("boom")
	}
	w := Watcher{Path: "noop", Interval: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	if err := w.Start(ctx, nil); err == nil {
		t.Fatalf("expected context cancellation")
	}
}

func stubModTimes(t *testing.T, base time.Time) {
	t.Helper()
	orig := readFileInfo
	t.Cleanup(func() { readFileInfo = orig })
	tick := 0
	readFileInfo = func(string) (interface{ ModTime() time.Time }, error) {
		tick++
		if tick == 1 {
			return fakeInfo{mod: base}, nil
		}
		return fakeInfo{mod: base.Add(time.Duration(tick) * time.Second)}, nil
	}
}

func TestWatcherTriggersOnChange(t *testing.T) {
	path := writeTempConfig(t, `
order:
  max_notional: 25000
`)
	stubModTimes(t, time.Now())

	w := Watcher{Path: path, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan *risk.Limits, 1)
	go func() {
		_ = w.Start(ctx, func(l *risk.Limits) {
			select {
			case ch <- l:
			default:
			}
		})
	}()
	select {
	case l := <-ch:
		if l.Order.MaxNotional.IntPart() != 25000 {
			t.Fatalf("unexpected limits %+v", l.Order)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected update callback")
	}
}

func TestWatcherReportsInvalidFile(t *testing.T) {
	path := writeTempConfig(t, `
order:
  max_notional: -5
`)
	stubModTimes(t, time.Now())

	errCh := make(chan error, 1)
	w := Watcher{Path: path, Interval: 5 * time.Millisecond, OnError: func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = w.Start(ctx, func(*risk.Limits) { t.Error("invalid limits must not be applied") })
	}()
	select {
	case err := <-errCh:
		if !errors.Is(err, risk.ErrInvalidLimits) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected error callback")
	}
}

type fakeInfo struct{ mod time.Time }

func (f fakeInfo) ModTime() time.Time { return f.mod }
