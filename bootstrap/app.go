// Package bootstrap wires the application together: config, logging,
// storage, the event pipeline, and the serving surfaces.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"overwatch/alarm"
	"overwatch/api"
	"overwatch/broadcast"
	"overwatch/config"
	"overwatch/correlate"
	"overwatch/ingest"
	"overwatch/notify"
	"overwatch/rules"
	"overwatch/service"
	"overwatch/sla"
	"overwatch/storage"
)

// App holds every running component of the overwatch service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	SQLite *storage.SQLite
	Index  *correlate.Index

	Alarms     *alarm.Service
	Engine     *rules.Engine
	Correlator *correlate.Correlator
	Pipeline   *service.Pipeline
	Rules      *service.RuleService
	Dispatcher *notify.Dispatcher
	Hub        *broadcast.Hub
	Monitor    *sla.Monitor

	Listener  *ingest.HTTPListener
	APIServer *api.Server

	cancel context.CancelFunc
}

// NewApp creates and wires all components without starting them.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar
	sugar.Info("overwatch starting...")

	if err := EnsureDataDirectories(cfg, sugar); err != nil {
		return nil, err
	}

	sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	app.SQLite = sqlite

	if cfg.Redis.Enabled {
		index, err := correlate.NewIndex(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.IndexTTL, sugar)
		if err != nil {
			sugar.Warnf("Redis index unavailable, continuing without it: %v", err)
		} else {
			app.Index = index
			sugar.Infof("Redis hot index connected at %s", cfg.Redis.Addr)
		}
	}

	app.Hub = broadcast.NewHub(ctx, sugar)
	app.Alarms = alarm.NewService(sqlite, SLAPolicyFromConfig(cfg), sugar)
	app.Engine = rules.NewEngine(sqlite, sugar)
	app.Correlator = correlate.NewCorrelator(sqlite, app.Alarms, WindowsFromConfig(cfg), app.Index, sugar)
	app.Dispatcher = notify.NewDispatcher(buildChannels(cfg, sugar), sqlite, app.Alarms, sugar)
	app.Monitor = sla.NewMonitor(sqlite, app.Alarms, app.Dispatcher, cfg.SLA.SweepInterval, sugar)
	app.Rules = service.NewRuleService(sqlite, app.Engine, app.Hub, sugar)

	ingestor := ingest.NewIngestor(sugar)
	app.Pipeline = service.NewPipeline(ingestor, app.Correlator, app.Engine, app.Alarms,
		app.Dispatcher, app.Hub, sqlite, sugar)

	app.Listener = ingest.NewHTTPListener(cfg.Ingest.Host, cfg.Ingest.Port, cfg.Ingest.RateLimit,
		ingestor, app.Pipeline, sugar)
	app.APIServer = api.NewServer(api.Config{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		JWTSecret:   cfg.Auth.JWTSecret,
		RateLimit:   cfg.API.RateLimit.Requests,
		RateWindow:  cfg.API.RateLimit.Window,
		AuthEnabled: cfg.Auth.Enabled,
	}, app.Alarms, app.Rules, app.Hub, sugar)

	return app, nil
}

func buildChannels(cfg *config.Config, sugar *zap.SugaredLogger) []notify.Channel {
	var channels []notify.Channel
	if cfg.Notifications.Console {
		channels = append(channels, notify.NewConsoleChannel(sugar))
	}
	if cfg.Notifications.Webhook.Enabled {
		channels = append(channels, notify.NewWebhookChannel(
			cfg.Notifications.Webhook.URL,
			cfg.Notifications.Webhook.Headers,
			cfg.Notifications.Webhook.Timeout,
		))
	}
	if cfg.Notifications.Email.Enabled {
		email := cfg.Notifications.Email
		channels = append(channels, notify.NewEmailChannel(
			email.Host, email.Port, email.From, email.To, email.Username, email.Password,
		))
	}
	return channels
}

// Start launches all background loops and listeners.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.Engine.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	a.loadRuleFiles(ctx)

	go a.Hub.Start()
	a.Dispatcher.Start(ctx, a.Config.Notifications.Workers)
	a.Monitor.Start(ctx)

	if err := a.Listener.Start(); err != nil {
		return fmt.Errorf("failed to start ingest listener: %w", err)
	}
	if err := a.APIServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	a.Sugar.Info("overwatch started")
	return nil
}

// loadRuleFiles imports rule files from the rules directory that are not
// yet stored, then reloads the engine if anything was added.
func (a *App) loadRuleFiles(ctx context.Context) {
	dir := a.Config.DataPaths.RulesDir
	if dir == "" {
		return
	}
	compiled, err := rules.LoadDirectory(dir, a.Sugar)
	if err != nil {
		a.Sugar.Warnf("Could not load rule files from %s: %v", dir, err)
		return
	}

	added := 0
	for _, c := range compiled {
		if err := a.SQLite.CreateRule(ctx, &c.Rule); err != nil {
			// Existing rules keep their stored definition.
			continue
		}
		added++
	}
	if added > 0 {
		a.Sugar.Infof("Imported %d rule files from %s", added, dir)
		if err := a.Engine.Reload(ctx); err != nil {
			a.Sugar.Errorf("Rule engine reload failed after file import: %v", err)
		}
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops components in reverse dependency order.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if a.Listener != nil {
		if err := a.Listener.Stop(shutdownCtx); err != nil {
			a.Sugar.Errorf("Ingest listener shutdown error: %v", err)
		}
	}
	if a.APIServer != nil {
		if err := a.APIServer.Stop(shutdownCtx); err != nil {
			a.Sugar.Errorf("API server shutdown error: %v", err)
		}
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.Index != nil {
		if err := a.Index.Close(); err != nil {
			a.Sugar.Errorf("Redis index close error: %v", err)
		}
	}
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Sugar.Errorf("Storage close error: %v", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
