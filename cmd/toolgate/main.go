package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateinfra/toolgate/internal/audit"
	"github.com/gateinfra/toolgate/internal/broker"
	"github.com/gateinfra/toolgate/internal/channels"
	"github.com/gateinfra/toolgate/internal/config"
	"github.com/gateinfra/toolgate/internal/maintenance"
	"github.com/gateinfra/toolgate/internal/registry"
	"github.com/gateinfra/toolgate/internal/security"
	"github.com/gateinfra/toolgate/internal/store"
)

var version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		return runTokenCommand(os.Args[2:])
	}

	fs := flag.NewFlagSet("toolgate", flag.ExitOnError)
	configPath := fs.String("config", "toolgate.toml", "path to configuration file")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("toolgate %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger, err := setupLogger(cfg.Server.LogLevel, cfg.Server.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := serve(cfg, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		return 1
	}
	return 0
}

func setupLogger(level, file string) (*slog.Logger, error) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger, nil
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	st, err := store.New(cfg.ProfilesDir(), logger)
	if err != nil {
		return err
	}

	reg, err := registry.Load(cfg.Registry.ManifestDir, logger)
	if err != nil {
		return err
	}

	brokerOpts := []broker.Option{
		broker.WithTimeout(cfg.Timeout()),
		broker.WithRememberDeny(cfg.Arbitration.RememberDeny),
		broker.WithPromptBuffer(cfg.Arbitration.PromptBuffer),
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.DBPath, logger)
		if err != nil {
			return err
		}
		defer auditLog.Close()
		brokerOpts = append(brokerOpts, broker.WithRecorder(auditLog))
	}

	b := broker.New(reg, st, logger, brokerOpts...)
	if err := b.SwitchProfile(cfg.Server.DefaultProfile); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var surfaces []channels.Surface
	var wsSurface *channels.WSSurface
	if cfg.Surfaces.WS.Enabled {
		wsSurface = channels.NewWSSurface(b, logger)
		surfaces = append(surfaces, wsSurface)
	}
	if cfg.Surfaces.MQTT.Enabled {
		surfaces = append(surfaces, channels.NewMQTTSurface(channels.MQTTConfig{
			BrokerURL: cfg.Surfaces.MQTT.BrokerURL,
			ClientID:  cfg.Surfaces.MQTT.ClientID,
			TopicBase: cfg.Surfaces.MQTT.TopicBase,
			Username:  cfg.Surfaces.MQTT.Username,
			Password:  cfg.Surfaces.MQTT.Password,
		}, b, nil, logger))
	}
	if cfg.Surfaces.TUI.Enabled {
		surfaces = append(surfaces, channels.NewTUISurface(b, logger))
	}
	for _, s := range surfaces {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start surface %s: %w", s.Name(), err)
		}
	}
	defer func() {
		for _, s := range surfaces {
			if err := s.Stop(); err != nil {
				logger.Warn("surface stop failed", "surface", s.Name(), "error", err)
			}
		}
	}()

	var sweeper maintenance.Sweeper
	if auditLog != nil {
		sweeper = auditLog
	}
	maint, err := maintenance.New(maintenance.Options{
		StoreDir:     cfg.ProfilesDir(),
		SnapshotDir:  cfg.Maintenance.SnapshotDir,
		SnapshotCron: cfg.Maintenance.SnapshotCron,
		Retention:    time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
	}, sweeper, logger)
	if err != nil {
		return err
	}
	maint.Start()
	defer maint.Stop()

	mux := http.NewServeMux()
	admin := newAdminServer(b, reg, auditLog, logger)
	protect := security.Middleware([]byte(cfg.Auth.Secret), logger)
	if cfg.Auth.Secret == "" {
		protect = security.LocalMiddleware()
	}
	admin.routes(mux, protect)
	if wsSurface != nil {
		mux.Handle("/ws", protect(wsSurface))
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	dispatcher := channels.NewDispatcher(b.Prompts(), logger, surfaces...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("toolgate listening", "addr", cfg.Server.ListenAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runTokenCommand mints an approver token from the configured secret.
func runTokenCommand(args []string) int {
	fs := flag.NewFlagSet("toolgate token", flag.ExitOnError)
	configPath := fs.String("config", "toolgate.toml", "path to configuration file")
	approver := fs.String("approver", "", "approver name embedded in the token")
	role := fs.String("role", security.RoleApprover, "token role: approver or admin")
	fs.Parse(args)

	if *approver == "" {
		fmt.Fprintln(os.Stderr, "Error: --approver is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.Auth.Secret == "" {
		fmt.Fprintln(os.Stderr, "Error: auth.secret is not configured")
		return 1
	}

	token, err := security.GenerateToken(*approver, *role, []byte(cfg.Auth.Secret), cfg.TokenTTL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
