package config

import (
	"context"
	"os"
	"time"

	"risk-gate-go/risk"
)

// Watcher 轮询限额文件的修改时间，变化后重新加载并回调。
// 用于收不到 fsnotify 事件的环境（NFS、部分容器卷）。
type Watcher struct {
	Path     string
	Interval time.Duration
	// OnError 加载失败时回调，旧限额保持生效
	OnError func(error)
}

// Start begins polling; callback receives latest limits on change.
func (w Watcher) Start(ctx context.Context, onUpdate func(*risk.Limits)) error {
	if w.Interval <= 0 {
		w.Interval = 2 * time.Second
	}
	var lastMod time.Time
	if info, err := readFileInfo(w.Path); err == nil {
		lastMod = info.ModTime()
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			info, err := readFileInfo(w.Path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			limits, err := LoadLimits(w.Path)
			if err != nil {
				if w.OnError != nil {
					w.OnError(err)
				}
				continue
			}
			if onUpdate != nil {
				onUpdate(limits)
			}
		}
	}
}

// readFileInfo is extracted for testing/mocking.
var readFileInfo = func(path string) (info interface{ ModTime() time.Time }, err error) {
	return os.Stat(path)
}
