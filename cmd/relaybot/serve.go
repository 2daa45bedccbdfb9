package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"relaybot/internal/admin"
	"relaybot/internal/alert"
	"relaybot/internal/breaker"
	"relaybot/internal/bus"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/driver"
	"relaybot/internal/driver/bridge"
	"relaybot/internal/driver/browser"
	"relaybot/internal/grouplog"
	"relaybot/internal/listener"
	"relaybot/internal/listenstore"
	"relaybot/internal/metrics"
	"relaybot/internal/upstream"
	"relaybot/internal/watchdog"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// errDriverLost ends serve with a non-zero status so the service manager
// restarts the process.
var errDriverLost = errors.New("automation driver unreachable")

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the listener manager, dispatcher and admin API",
		Long:  "Starts every declared listener and processes inbound messages until SIGINT/SIGTERM or loss of the automation driver.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Listeners.StoreFile), 0o755); err != nil {
		return fmt.Errorf("create listener store dir: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, fatal := context.WithCancelCause(sigCtx)
	defer fatal(nil)

	var bg sync.WaitGroup
	goBg := func(fn func()) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn()
		}()
	}

	events := bus.NewEventBus(logger, 500)

	// Upstream
	brk := breaker.New(breaker.Config{
		Threshold: cfg.Upstream.BreakerThreshold,
		Cooldown:  seconds(cfg.Upstream.BreakerCooldownSeconds),
		OnOpen: func(st breaker.State) {
			events.Emit(bus.Event{
				Type:   bus.EventBreakerOpened,
				Source: "upstream",
				Detail: fmt.Sprintf("%d consecutive failures, cooling down for %s", st.Failures, st.Cooldown),
			})
		},
	})
	up := upstream.New(upstream.Config{
		Endpoint:       cfg.Upstream.Endpoint,
		Token:          cfg.Upstream.Token,
		ConnectTimeout: seconds(cfg.Upstream.ConnectTimeoutSeconds),
		ReadTimeout:    seconds(cfg.Upstream.ReadTimeoutSeconds),
		Breaker:        brk,
		TransientReply: cfg.Upstream.TransientReply,
		EscalatedReply: cfg.Upstream.EscalatedReply,
		Logger:         logger.With("component", "upstream"),
	})

	// Driver
	raw, runDriver, closeDriver, err := openDriver(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDriver()
	var uiMu sync.Mutex
	drv := driver.New(raw, &uiMu, seconds(cfg.Driver.TimeoutSeconds))

	// Passive group log
	var passive dispatch.PassiveLog
	var glog *grouplog.Store
	if cfg.GroupLog.Enabled {
		glog, err = grouplog.Open(cfg.GroupLog.DBPath, logger.With("component", "grouplog"))
		if err != nil {
			return fmt.Errorf("group log: %w", err)
		}
		defer glog.Close()
		passive = glog
	}

	disp := dispatch.New(dispatch.Config{
		Forwarder:           up,
		Sender:              drv,
		PassiveLog:          passive,
		Converter:           dispatch.NewConverter(cfg.Agent.Name, cfg.Agent.Aliases),
		Events:              events,
		Workers:             cfg.Dispatch.Workers,
		QueueSize:           cfg.Dispatch.QueueSize,
		FillerText:          cfg.Dispatch.FillerText,
		FillerLineThreshold: cfg.Dispatch.FillerLineThreshold,
		ErrorReply:          cfg.Dispatch.ErrorReply,
		Logger:              logger.With("component", "dispatch"),
	})
	disp.Start(ctx)

	// Listeners
	var mgr *listener.Manager
	store := listenstore.New(listenstore.Config{
		Path: cfg.Listeners.StoreFile,
		OnReload: func([]string) {
			if ctx.Err() == nil {
				goBg(func() { mgr.Refresh(ctx) })
			}
		},
		Logger: logger.With("component", "listenstore"),
	})
	if _, err := store.Load(); err != nil {
		logger.Warn("listener store unreadable, starting empty", "path", store.Path(), "err", err)
	}
	mgr = listener.NewManager(listener.Config{
		Store:            store,
		Driver:           drv,
		Ingest:           disp.OnMessage,
		Events:           events,
		SettleDelay:      millis(cfg.Listeners.SettleMillis),
		PageDelay:        millis(cfg.Listeners.PageToggleMillis),
		ProbeConcurrency: cfg.Listeners.ProbeConcurrency,
		OnUnreachable: func(err error) {
			if cfg.Driver.ExitOnUnreachable {
				fatal(fmt.Errorf("%w: %v", errDriverLost, err))
			}
		},
		Logger: logger.With("component", "listener"),
	})

	// Periodic maintenance
	wdCfg := watchdog.Config{
		Refresher:       mgr,
		RefreshSchedule: cfg.Listeners.RefreshSchedule,
		Logger:          logger.With("component", "watchdog"),
	}
	if glog != nil {
		wdCfg.Pruner = glog
		wdCfg.PruneSchedule = cfg.GroupLog.PruneSchedule
		wdCfg.Retention = time.Duration(cfg.GroupLog.RetentionDays) * 24 * time.Hour
	}
	wd, err := watchdog.New(wdCfg)
	if err != nil {
		return err
	}

	// Alerts
	if tc := cfg.Alert.Telegram; tc.Enabled {
		tg, err := alert.NewTelegram(alert.TelegramConfig{Token: tc.Token, ChatID: tc.ChatID, Logger: logger.With("component", "alert")})
		if err != nil {
			logger.Warn("telegram alerts disabled", "err", err)
		} else {
			router := alert.NewRouter(alert.RouterConfig{
				Notifier: tg,
				Events:   events,
				Prefix:   cfg.Agent.Name,
				Logger:   logger.With("component", "alert"),
			})
			router.Start()
			defer router.Close()
		}
	}

	// Admin API
	if cfg.Admin.Enabled {
		ac := admin.ServerConfig{
			Host:      cfg.Admin.Host,
			Port:      cfg.Admin.Port,
			Token:     cfg.Admin.Token,
			Listeners: mgr,
			Breaker:   brk,
			Events:    events,
			Logger:    logger.With("component", "admin"),
		}
		if glog != nil {
			ac.GroupLog = glog
		}
		if cfg.Metrics.Enabled {
			ac.Metrics = metrics.Default.Handler()
			ac.MetricsPath = cfg.Metrics.Endpoint
		}
		srv := admin.NewServer(ac)
		goBg(func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("admin api stopped", "err", err)
			}
		})
	}

	if runDriver != nil {
		goBg(func() {
			if err := runDriver(ctx); err != nil {
				events.Emit(bus.Event{Type: bus.EventDriverUnreachable, Source: "bridge", Detail: err.Error()})
				if cfg.Driver.ExitOnUnreachable {
					fatal(fmt.Errorf("%w: %v", errDriverLost, err))
					return
				}
				logger.Error("bridge stream gave up; inbound messages stopped", "err", err)
			}
		})
	}

	// Bring every declared listener up before the watchdog starts.
	declared := store.List()
	active := 0
	for _, name := range declared {
		if ctx.Err() != nil {
			break
		}
		if res := mgr.Add(ctx, name, listener.AddOptions{SkipStore: true}); res.Success {
			active++
		} else {
			logger.Warn("listener did not start", "chat", name, "reason", res.Message)
		}
	}
	logger.Info("listeners started", "declared", len(declared), "active", active)

	wd.Start(ctx)

	if cfg.Listeners.Watch {
		goBg(func() {
			if err := store.Watch(ctx); err != nil {
				logger.Warn("listener store watch stopped", "err", err)
			}
		})
	}

	logger.Info("relaybot serving", "version", version, "driver", cfg.Driver.Kind, "agent", cfg.Agent.Name)

	<-ctx.Done()
	cause := context.Cause(ctx)
	if errors.Is(cause, errDriverLost) {
		logger.Error("stopping: driver lost", "err", cause)
	} else {
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	wd.Stop()
	var shutdownErr error
	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher did not drain", "pending", disp.Pending(), "err", err)
		shutdownErr = err
	}

	done := make(chan struct{})
	go func() {
		bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = errors.New("shutdown timed out")
	}

	if errors.Is(cause, errDriverLost) {
		return cause
	}
	return shutdownErr
}

// openDriver builds the configured adapter. run, when non-nil, must be
// kept running for inbound messages to arrive.
func openDriver(ctx context.Context, cfg *config.Config) (domain.Driver, func(context.Context) error, func(), error) {
	switch cfg.Driver.Kind {
	case config.DriverBrowser:
		bc := cfg.Driver.Browser
		d := browser.New(browser.Config{
			ProfileDir:   bc.ProfileDir,
			Headless:     bc.Headless,
			PollInterval: seconds(bc.PollSeconds),
			Selectors:    browserSelectors(bc.Selectors),
			Logger:       logger.With("component", "browser"),
		})
		if err := d.Start(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("start browser driver: %w", err)
		}
		return d, nil, d.Close, nil
	default:
		d, err := bridge.New(bridge.Config{
			BaseURL:         cfg.Driver.Bridge.BaseURL,
			Token:           cfg.Driver.Bridge.Token,
			MaxDialFailures: cfg.Driver.Bridge.MaxDialFailures,
			Logger:          logger.With("component", "bridge"),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return d, d.Run, func() {}, nil
	}
}

func browserSelectors(m map[string]string) browser.Selectors {
	return browser.Selectors{
		ChatsURL:        m[config.SelChatsURL],
		ContactsURL:     m[config.SelContactsURL],
		ConversationURL: m[config.SelConversationURL],
		Header:          m[config.SelHeader],
		Message:         m[config.SelMessage],
		Sender:          m[config.SelSender],
		Content:         m[config.SelContent],
		SelfMarker:      m[config.SelSelfMarker],
		GroupMarker:     m[config.SelGroupMarker],
		Input:           m[config.SelInput],
		Submit:          m[config.SelSubmit],
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
