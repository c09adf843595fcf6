package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"risk-gate-go/infrastructure/logger"
	"risk-gate-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	checkOnly := flag.Bool("check", false, "只校验配置与恢复状态，不启动")
	flag.Parse()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	lg := c.Logger()

	if *checkOnly {
		st := c.Engine().GetStatistics()
		lg.Info("config check passed",
			zap.Int("active_kill_switches", len(c.Engine().KillSwitchStatus())),
			zap.Stringer("breaker", c.Engine().CircuitBreakerStatus().State),
			zap.Time("start_time", st.StartTime))
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		lg.Error("start failed", zap.Error(err))
		_ = c.Stop()
		os.Exit(1)
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("sd_notify ready failed", zap.Error(err))
	}
	go watchdog(ctx, c, lg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
			if err := c.Reload(); err != nil {
				lg.Error("limits reload failed, previous limits stay active", zap.Error(err))
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
			continue
		}
		lg.Info("shutting down", zap.String("signal", sig.String()))
		break
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		log.Printf("停止时出错: %v", err)
		os.Exit(1)
	}
}

// watchdog 在 systemd 启用 WatchdogSec 时按一半周期上报；组件不健康时停止上报，由 systemd 重启。
func watchdog(ctx context.Context, c *container.Container, lg *logger.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				lg.Warn("health check failed, skipping watchdog ping", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
