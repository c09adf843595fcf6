package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "risk-gate-go/config"
	"risk-gate-go/risk"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，冷却期内的变更延后到期满再加载
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// LimitsApplier 接收新限额，*risk.LimitsStore 满足该接口
type LimitsApplier interface {
	Replace(l *risk.Limits) error
}

// HotReloader 监听限额文件，校验通过后整体替换生效限额；
// 文件无效时记录错误，旧限额继续生效。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	applier    LimitsApplier
	load       func(path string) (*risk.Limits, error)
	logger     *zap.Logger

	mu         sync.RWMutex
	lastReload time.Time
	reloads    int64
	failures   int64
	lastErr    error

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, applier LimitsApplier, logger *zap.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		applier:    applier,
		load:       appconfig.LoadLimits,
		logger:     logger,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Start 启动热更新监听。监听所在目录，编辑器原子替换文件时也能收到事件。
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		return nil
	}
	if !h.started.CompareAndSwap(false, true) {
		return fmt.Errorf("hot reloader already started")
	}
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	if h.started.Load() {
		h.stopOnce.Do(func() { close(h.stopChan) })
		<-h.doneChan
	}
	return h.watcher.Close()
}

// watch 监听文件变化
func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	var deferred <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if wait := h.cooldownRemaining(); wait > 0 {
				if deferred == nil {
					deferred = time.After(wait)
				}
				continue
			}
			_ = h.Reload()

		case <-deferred:
			deferred = nil
			_ = h.Reload()

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			// 记录错误但继续监听
			h.logger.Warn("limits watcher error", zap.Error(err))
		}
	}
}

func (h *HotReloader) cooldownRemaining() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lastReload.IsZero() {
		return 0
	}
	return h.config.CooldownTime - time.Since(h.lastReload)
}

// Reload 立即加载并应用限额文件，也用于 SIGHUP
func (h *HotReloader) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	limits, err := h.load(h.configPath)
	if err == nil {
		err = h.applier.Replace(limits)
	}
	if err != nil {
		h.failures++
		h.lastErr = err
		h.logger.Error("limits reload rejected, previous limits stay active",
			zap.String("path", h.configPath), zap.Error(err))
		return err
	}

	h.reloads++
	h.lastErr = nil
	h.lastReload = time.Now()
	h.logger.Info("limits reloaded",
		zap.String("path", h.configPath),
		zap.String("max_notional", limits.Order.MaxNotional.String()),
		zap.Int("strategies", len(limits.Strategies)))
	return nil
}

// GetLastReloadTime 获取最后一次成功重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}

// ReloadStats 热更新统计
type ReloadStats struct {
	Reloads   int64
	Failures  int64
	LastError error
}

// GetStatistics 获取统计信息
func (h *HotReloader) GetStatistics() ReloadStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return ReloadStats{Reloads: h.reloads, Failures: h.failures, LastError: h.lastErr}
}
