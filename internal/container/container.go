package container

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"risk-gate-go/config"
	"risk-gate-go/gateway"
	"risk-gate-go/infrastructure/alert"
	"risk-gate-go/infrastructure/logger"
	"risk-gate-go/infrastructure/monitor"
	iconfig "risk-gate-go/internal/config"
	"risk-gate-go/internal/engine"
	irisk "risk-gate-go/internal/risk"
	"risk-gate-go/internal/store"
	"risk-gate-go/inventory"
	"risk-gate-go/market"
	"risk-gate-go/order"
	"risk-gate-go/risk"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg *config.AppConfig

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	store   store.Store

	// 券商与行情
	broker     gateway.Gateway
	marketData *market.Service
	feed       *market.Feed

	// 风控
	limits      *risk.LimitsStore
	audit       *irisk.AuditLog
	killSwitch  *irisk.KillSwitch
	breaker     *irisk.CircuitBreaker
	tracker     *irisk.DrawdownTracker
	riskMonitor *irisk.Monitor
	gate        *engine.RiskGate
	reloader    *iconfig.HotReloader

	// 核心服务
	ledger          *inventory.Ledger
	reconciler      *inventory.Reconciler
	orderManager    *order.Manager
	orderReconciler *order.Reconciler
	engine          *engine.TradingEngine

	// HTTP服务器
	metricsServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewFromConfig(cfg), nil
}

// NewFromConfig 使用已加载的配置
func NewFromConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件并恢复持久化状态
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}

	if err := c.buildRisk(); err != nil {
		return fmt.Errorf("build risk failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	if err := c.restore(); err != nil {
		return fmt.Errorf("restore state failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildInfrastructure() error {
	logCfg := c.cfg.Log
	if logCfg.Level == "" {
		logCfg = logger.DefaultConfig()
	}

	var err error
	c.logger, err = logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	if c.cfg.Metrics.Enabled {
		monitorCfg := monitor.DefaultConfig()
		if c.cfg.Metrics.Namespace != "" {
			monitorCfg.Namespace = c.cfg.Metrics.Namespace
		}
		c.monitor = monitor.New(monitorCfg)
	}

	channels := []alert.Channel{alert.NewZapChannel("log", c.logger.Logger)}
	if c.cfg.Alerts.Console {
		channels = append(channels, alert.NewConsoleChannel("console"))
	}
	throttle := c.cfg.Alerts.ThrottleInterval
	if throttle <= 0 {
		throttle = time.Minute
	}
	c.alerts = alert.NewManager(channels, throttle)

	c.store, err = store.Open(c.cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store failed: %w", err)
	}

	c.logger.Info("infrastructure built", zap.String("storage", c.cfg.Storage.Driver))
	return nil
}

func (c *Container) buildGateway() error {
	rate, burst := c.cfg.Broker.RateLimit, c.cfg.Broker.Burst
	if rate <= 0 {
		rate = 5
	}
	if burst <= 0 {
		burst = 10
	}
	limiter := gateway.NewTokenBucketLimiter(rate, burst)

	switch c.cfg.Broker.Kind {
	case config.BrokerREST:
		c.broker = &gateway.RESTBroker{
			BaseURL:    c.cfg.Broker.BaseURL,
			APIKey:     c.cfg.Broker.APIKey,
			Secret:     c.cfg.Broker.APISecret,
			HTTPClient: gateway.NewDefaultHTTPClient(),
			Limiter:    limiter,
		}
	case config.BrokerAlpaca:
		c.broker = gateway.NewAlpacaBroker(c.cfg.Broker.APIKey, c.cfg.Broker.APISecret, c.cfg.Broker.BaseURL, limiter)
	default:
		if c.cfg.Env == "prod" {
			return fmt.Errorf("broker kind %q cannot run in prod", c.cfg.Broker.Kind)
		}
		equity := decimalOr(c.cfg.Broker.FakeEquity, decimal.NewFromInt(100000))
		c.broker = gateway.NewFakeBroker(equity)
	}

	c.marketData = market.NewService()
	if c.cfg.MarketData.URL != "" {
		c.feed = market.NewFeed(c.cfg.MarketData.URL, c.cfg.MarketData.Symbols, c.marketData, c.logger.Logger)
		c.feed.APIKey = c.cfg.Broker.APIKey
		c.feed.APISecret = c.cfg.Broker.APISecret
	}

	c.logger.Info("gateway built", zap.String("broker", c.cfg.Broker.Kind), zap.Bool("market_feed", c.feed != nil))
	return nil
}

func (c *Container) buildRisk() error {
	limits, err := c.cfg.ResolveLimits()
	if err != nil {
		return fmt.Errorf("resolve limits: %w", err)
	}
	c.limits = risk.NewLimitsStore(limits)

	zl := c.logger.Logger
	c.audit = irisk.NewAuditLog(c.store, zl)
	c.killSwitch = irisk.NewKillSwitch(irisk.KillSwitchConfig{
		Token:   c.cfg.KillSwitch.Token,
		Audit:   c.audit,
		Store:   c.store,
		Alerter: c.alerts,
		Metrics: c.monitor,
		Logger:  zl,
	})
	c.breaker = irisk.NewCircuitBreaker(irisk.CircuitBreakerConfig{
		WarningFraction: decimalOr(c.cfg.Breaker.WarningFraction, decimal.Zero),
		Thresholds: func() irisk.Thresholds {
			p := c.limits.Load().Portfolio
			return irisk.Thresholds{MaxDailyDrawdownPct: p.MaxDailyDrawdownPct, MaxTotalDrawdownPct: p.MaxTotalDrawdownPct}
		},
		KillSwitch: c.killSwitch,
		Store:      c.store,
		Alerter:    c.alerts,
		Metrics:    c.monitor,
		Logger:     zl,
	})
	c.tracker = irisk.NewDrawdownTracker(c.store, zl)

	if c.cfg.LimitsFile != "" && c.cfg.LimitsReload.Mode != config.ReloadOff && c.cfg.LimitsReload.Mode != config.ReloadPoll {
		reloadCfg := iconfig.DefaultHotReloadConfig()
		if c.cfg.LimitsReload.Cooldown > 0 {
			reloadCfg.CooldownTime = c.cfg.LimitsReload.Cooldown
		}
		c.reloader, err = iconfig.NewHotReloader(c.cfg.LimitsFile, reloadCfg, c.limits, zl)
		if err != nil {
			return fmt.Errorf("create limits reloader: %w", err)
		}
	}

	c.logger.Info("risk built", zap.Bool("kill_switch_token_set", c.cfg.KillSwitch.Token != ""))
	return nil
}

func (c *Container) buildCoreServices() error {
	zl := c.logger.Logger
	initialCash := decimalOr(c.cfg.Engine.InitialCash, decimal.Zero)
	c.ledger = inventory.NewLedger(initialCash, c.store, zl)

	c.gate = engine.NewRiskGate(engine.RiskGateDeps{
		Limits:     c.limits,
		KillSwitch: c.killSwitch,
		Breaker:    c.breaker,
		Tracker:    c.tracker,
		Ledger:     c.ledger,
		Prices:     c.marketData,
		Metrics:    c.monitor,
		Logger:     zl,
	})

	retry := c.cfg.Engine.Retry
	c.orderManager = order.NewManager(order.Deps{
		Gateway:    c.broker,
		Gate:       c.gate,
		KillSwitch: c.killSwitch,
		Ledger:     c.ledger,
		Store:      c.store,
		Metrics:    c.monitor,
		Logger:     zl,
	}, order.Config{
		Retry:          retry,
		AttemptTimeout: c.cfg.Engine.AttemptTimeout,
		Constraints:    c.cfg.Engine.Symbols,
	})
	c.gate.SetOpenOrders(c.orderManager)
	c.orderReconciler = order.NewReconciler(c.broker, c.orderManager, zl, order.ReconcilerConfig{
		Interval: c.cfg.Engine.PollInterval,
	})

	c.reconciler = inventory.NewReconciler(c.broker, c.ledger, c.killSwitch, c.alerts, c.monitor, zl, inventory.ReconcilerConfig{
		Interval:             c.cfg.Reconcile.Interval,
		Epsilon:              decimalOr(c.cfg.Reconcile.Epsilon, decimal.Zero),
		PauseAfterMismatches: c.cfg.Reconcile.PauseAfterMismatches,
		SyncCash:             c.cfg.Reconcile.SyncCash,
	})

	c.riskMonitor = irisk.NewMonitor(irisk.MonitorConfig{
		Interval:   c.cfg.Breaker.MonitorInterval,
		Source:     irisk.EquitySourceFunc(c.gate.EquityState),
		Tracker:    c.tracker,
		Breaker:    c.breaker,
		KillSwitch: c.killSwitch,
		StrategyMaxDrawdown: func(id string) decimal.Decimal {
			sl, _ := c.limits.Load().Strategy(id)
			return sl.MaxDrawdownPct
		},
		Logger: zl,
	})

	var err error
	c.engine, err = engine.New(engine.Config{RecoverOnStart: c.cfg.Engine.RecoverOnStart}, engine.Components{
		Orders:          c.orderManager,
		OrderReconciler: c.orderReconciler,
		Ledger:          c.ledger,
		Reconciler:      c.reconciler,
		Gate:            c.gate,
		KillSwitch:      c.killSwitch,
		Breaker:         c.breaker,
		RiskMonitor:     c.riskMonitor,
		Logger:          zl,
	})
	if err != nil {
		return fmt.Errorf("create engine failed: %w", err)
	}

	c.logger.Info("core services built")
	return nil
}

// restore 先恢复审计日志，之后 kill switch/熔断器恢复时的追加记录才能接续序号
func (c *Container) restore() error {
	entries, err := c.store.LoadAudit()
	if err != nil {
		return fmt.Errorf("load audit: %w", err)
	}
	c.audit.Restore(entries)

	if err := c.killSwitch.Restore(); err != nil {
		return err
	}
	if err := c.breaker.Restore(); err != nil {
		return err
	}
	if err := c.tracker.Restore(); err != nil {
		return err
	}
	if err := c.ledger.Restore(); err != nil {
		return err
	}
	n, err := c.orderManager.Restore()
	if err != nil {
		return err
	}
	for _, st := range c.killSwitch.Status() {
		c.logger.LogAudit("restore", string(st.Scope), st.Principal, irisk.OutcomeApplied)
	}
	c.logger.Info("state restored",
		zap.Int("audit_entries", len(entries)),
		zap.Int("orders", n),
		zap.Int("active_kill_switches", len(c.killSwitch.Status())),
		zap.Stringer("breaker", c.breaker.State()))
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.monitor != nil {
		addr := c.cfg.Metrics.Addr
		if addr == "" {
			addr = ":9100"
		}
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.statusMux(),
			addr:    addr,
			logger:  c.logger,
			server:  &c.metricsServer,
		})
	}
	if c.feed != nil {
		c.lifecycle.Register(newRunnerComponent("market_feed", c.feed.Run, c.logger))
	}
	switch {
	case c.reloader != nil:
		c.lifecycle.Register(&funcComponent{
			name:  "limits_reloader",
			start: c.reloader.Start,
			stop:  c.reloader.Stop,
		})
	case c.cfg.LimitsFile != "" && c.cfg.LimitsReload.Mode == config.ReloadPoll:
		w := config.Watcher{
			Path:     c.cfg.LimitsFile,
			Interval: c.cfg.LimitsReload.PollInterval,
			OnError: c.rejectLimits,
		}
		c.lifecycle.Register(newRunnerComponent("limits_poller", func(ctx context.Context) error {
			return w.Start(ctx, c.applyLimits)
		}, c.logger))
	}
	c.lifecycle.Register(&funcComponent{
		name:  "trading_engine",
		start: c.engine.Start,
		stop:  c.engine.Stop,
		health: func() error {
			if st := c.engine.GetState(); st != engine.StateRunning {
				return fmt.Errorf("engine %s", st)
			}
			return nil
		},
	})
}

func (c *Container) applyLimits(l *risk.Limits) {
	if err := c.limits.Replace(l); err != nil {
		c.rejectLimits(err)
		return
	}
	c.logger.Info("limits reloaded", zap.String("path", c.cfg.LimitsFile))
}

// rejectLimits 旧限额继续生效
func (c *Container) rejectLimits(err error) {
	c.logger.LogRisk("limits_rejected", map[string]interface{}{
		"path":  c.cfg.LimitsFile,
		"error": err.Error(),
	})
}

// statusMux /metrics 之外提供只读的 /healthz 与 /status
func (c *Container) statusMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.monitor.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := c.HealthCheck(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"engine":      c.engine.GetState().String(),
			"kill_switch": c.engine.KillSwitchStatus(),
			"breaker":     c.engine.CircuitBreakerStatus(),
			"open_orders": len(c.orderManager.OpenOrders()),
			"statistics":  c.engine.GetStatistics(),
			"reconcile":   c.reconciler.GetStatistics(),
			"order_polls": c.orderReconciler.GetStatistics(),
		})
	})
	return mux
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件并关闭存储。未终结订单保留在券商侧，由下次启动时对账恢复。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	for _, o := range c.orderManager.OpenOrders() {
		c.logger.LogOrder("open_at_shutdown", o.ID, map[string]interface{}{
			"strategy_id": o.StrategyID,
			"symbol":      o.Symbol,
			"status":      string(o.Status),
		})
	}
	if cerr := c.store.Close(); cerr != nil {
		c.logger.LogError(cerr, map[string]interface{}{"action": "close_store"})
		if err == nil {
			err = cerr
		}
	}
	_ = c.logger.Close()
	return err
}

// Reload 手动重载限额文件（SIGHUP）
func (c *Container) Reload() error {
	if c.cfg.LimitsFile == "" {
		return fmt.Errorf("no limits_file configured")
	}
	if c.reloader != nil {
		return c.reloader.Reload()
	}
	l, err := config.LoadLimits(c.cfg.LimitsFile)
	if err == nil {
		err = c.limits.Replace(l)
	}
	if err != nil {
		c.rejectLimits(err)
	}
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Engine 对外入口
func (c *Container) Engine() *engine.TradingEngine { return c.engine }

// Logger 容器日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// Limits 当前生效限额
func (c *Container) Limits() *risk.LimitsStore { return c.limits }

// Broker 券商网关；kind=fake 时可断言为 *gateway.FakeBroker
func (c *Container) Broker() gateway.Gateway { return c.broker }

// MarketData 参考价服务
func (c *Container) MarketData() *market.Service { return c.marketData }

func decimalOr(s string, def decimal.Decimal) decimal.Decimal {
	if s == "" {
		return def
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return def
	}
	return v
}
