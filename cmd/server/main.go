package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exam-proctor/backend/internal/audit"
	"github.com/exam-proctor/backend/internal/config"
	"github.com/exam-proctor/backend/internal/evidence"
	"github.com/exam-proctor/backend/internal/frontend"
	"github.com/exam-proctor/backend/internal/gate"
	"github.com/exam-proctor/backend/internal/logging"
	"github.com/exam-proctor/backend/internal/mock"
	"github.com/exam-proctor/backend/internal/monitor"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/store"
	"github.com/exam-proctor/backend/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Run simulated candidates")
	configPath := flag.String("config", "config.yaml", "Path to config file (.yaml or .toml)")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	if err := run(*configPath, *port, *mockMode); err != nil {
		fmt.Fprintf(os.Stderr, "proctor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, port int, mockMode bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Storage.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dispatcher, err := audit.NewDispatcher(audit.NewStoreSink(st), cfg.Audit.Workers, logging.Component(log, "audit"))
	if err != nil {
		return err
	}
	defer dispatcher.Close(5 * time.Second)

	capturer := evidence.NewCapturer(
		evidence.NewDiskStore(cfg.Storage.EvidenceDir, cfg.Storage.MinFreeBytes),
		st, dispatcher, logging.Component(log, "evidence"))

	g := gate.New(st, cfg.Exam.Window(), logging.Component(log, "gate"))

	sessions := session.NewStore()
	broadcaster := ws.NewBroadcaster(sessions, ws.BroadcasterOptions{
		SnapshotInterval: cfg.Broadcast.SnapshotInterval,
		WriteTimeout:     cfg.Broadcast.WriteTimeout,
		SendBuffer:       cfg.Broadcast.SendBuffer,
		MaxConnections:   cfg.Broadcast.MaxObservers,
	}, logging.Component(log, "broadcast"))
	defer broadcaster.Stop()
	broadcaster.SetPrivacyFilter(cfg.Privacy.NewPrivacyFilter())

	server := ws.NewServer(cfg, ws.Deps{
		Store:       st,
		Gate:        g,
		Audit:       dispatcher,
		Evidence:    capturer,
		Broadcaster: broadcaster,
		Logger:      logging.Component(log, "server"),
	})
	static, err := frontend.Handler(cfg.Server.StaticDir)
	if err != nil {
		return err
	}
	if static != nil {
		server.SetStaticHandler(static)
	}

	watcher := config.NewWatcher(configPath, cfg, logging.Component(log, "config"))
	watcher.OnChange(func(next *config.Config) {
		g.SetWindow(next.Exam.Window())
		server.SetConfig(next)
		broadcaster.SetPrivacyFilter(next.Privacy.NewPrivacyFilter())
	})
	if _, err := os.Stat(configPath); err == nil {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Warn("config watch stopped", "error", err)
			}
		}()
	}

	if mockMode {
		log.Info("starting in mock mode")
		gen := mock.NewGenerator(broadcaster, mock.Options{
			Runtime: monitor.Options{
				Thresholds: cfg.Thresholds,
				Intervals: monitor.Intervals{
					FaceFrame:    cfg.Intervals.FaceFrame,
					Voice:        cfg.Intervals.Voice,
					Phone:        cfg.Intervals.Phone,
					Connectivity: cfg.Intervals.Connectivity,
					Countdown:    time.Second,
				},
				Lifecycle: cfg.Exam.Lifecycle(),
			},
			Timing: mock.DefaultTiming(),
		}, log)
		gen.SetAudit(dispatcher)
		gen.SetEvidence(capturer)
		broadcaster.SetHealthHook(func() map[string][]monitor.SignalHealth {
			health := server.Health()
			for id, h := range gen.Health() {
				health[id] = h
			}
			return health
		})
		gen.Start(ctx)
		defer gen.Wait()
	}

	log.Info("exam window",
		"start", cfg.Exam.Start,
		"end", cfg.Exam.End,
		"duration", cfg.Exam.Duration)

	err = ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler(), log)
	log.Info("shutting down")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warn("runtime shutdown incomplete", "error", serr)
	}
	return err
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{Level: level, Format: format}), nil
}
