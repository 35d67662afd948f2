package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hemostat/internal/agent"
	"github.com/hemostat/internal/alert"
	"github.com/hemostat/internal/analyzer"
	"github.com/hemostat/internal/api"
	"github.com/hemostat/internal/auth"
	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/config"
	"github.com/hemostat/internal/database"
	"github.com/hemostat/internal/logging"
	"github.com/hemostat/internal/monitor"
	"github.com/hemostat/internal/notify"
	"github.com/hemostat/internal/report"
	"github.com/hemostat/internal/responder"
	"github.com/hemostat/internal/runtime"
	"github.com/hemostat/internal/scanner"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("HEMOSTAT_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	bkr, err := broker.Connect(ctx, broker.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logging.ForAgent(log, "broker"))
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer bkr.Close()

	rt, err := runtime.NewDocker()
	if err != nil {
		return fmt.Errorf("connect container runtime: %w", err)
	}
	defer rt.Close()

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close(db)

	var classifier analyzer.Classifier
	if cfg.Analyzer.ModelEnabled {
		classifier = analyzer.NewModelClassifier(cfg.ModelConfig(), logging.ForAgent(log, "analyzer"))
	}
	rules := analyzer.NewRuleClassifier(analyzer.DefaultRules())

	agents := []agent.Agent{
		monitor.New(rt, bkr, bkr, cfg.MonitorConfig(), logging.ForAgent(log, "monitor")),
		analyzer.New(bkr, bkr, cfg.AnalyzerConfig(), classifier, rules, logging.ForAgent(log, "analyzer")),
		responder.New(bkr, bkr, rt, cfg.ResponderConfig(), logging.ForAgent(log, "responder")),
		alert.New(bkr, bkr, cfg.AlertConfig(), buildNotifiers(cfg, log), logging.ForAgent(log, "alert")),
	}
	if cfg.Scanner.Enabled {
		zap := scanner.NewZapClient(cfg.Scanner.EngineURL)
		agents = append(agents, scanner.New(bkr, bkr, zap, cfg.ScannerConfig(), logging.ForAgent(log, "scanner")))
	}

	archiver := database.NewArchiver(db, bkr, time.Duration(cfg.Database.ArchiveIntervalSeconds)*time.Second, logging.ForAgent(log, "archiver"))
	go archiver.Run(ctx)

	reports := report.NewGenerator(db, logging.ForAgent(log, "report"))
	go reports.RunDaily(ctx)

	authSvc := auth.NewService(cfg.Server.JWTSecret, time.Duration(cfg.Server.TokenTTLMinutes)*time.Minute, db)
	server := api.NewServer(bkr, db, authSvc, reports, logging.ForAgent(log, "api"))
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainDeadline())
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info("api server listening", "port", cfg.Server.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server failed", "error", err)
		}
	}()

	sup := agent.NewSupervisor(log, cfg.DrainDeadline(), agents...)
	return sup.Run(ctx)
}

func buildNotifiers(cfg *config.Config, log *slog.Logger) []notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Alert.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.Alert.WebhookURL, "hemostat"))
	}
	email := cfg.Alert.Email
	if email.SMTPHost != "" && len(email.To) > 0 {
		notifiers = append(notifiers, notify.NewEmail(email.SMTPHost, email.SMTPPort, email.Username, email.Password, email.From, email.To))
	}
	for i, n := range notifiers {
		notifiers[i] = notify.NewRetrier(n, 3, time.Second, logging.ForAgent(log, "alert"))
	}
	return notifiers
}
