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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/joonho-lim/LarkTrain/internal/clock"
	"github.com/joonho-lim/LarkTrain/internal/config"
	"github.com/joonho-lim/LarkTrain/internal/domain"
	"github.com/joonho-lim/LarkTrain/internal/infrastructure/lark"
	"github.com/joonho-lim/LarkTrain/internal/repository/postgres"
	"github.com/joonho-lim/LarkTrain/internal/scheduler"
	"github.com/joonho-lim/LarkTrain/internal/usecase"
	transport "github.com/joonho-lim/LarkTrain/transport/http"
)

const shutdownTimeout = 10 * time.Second

func main() {
	addr := pflag.String("addr", "", "listen address, overrides PORT")
	migrationsPath := pflag.String("migrations", "migrations", "path to SQL migrations")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*addr, *migrationsPath, logger); err != nil {
		logger.Error("bot stopped", "error", err)
		os.Exit(1)
	}
}

func run(addr, migrationsPath string, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %s: %w", cfg.Timezone, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := lark.NewClient(cfg.AppID, cfg.AppSecret, cfg.LarkHost, cfg.FilterIDs)

	var audience domain.Audience
	if cfg.DepartmentID != "" {
		audience = usecase.DepartmentAudience{Directory: client, DepartmentID: cfg.DepartmentID}
	} else {
		audience = usecase.GroupAudience{ChatID: cfg.GroupID}
	}

	sched := scheduler.New(clock.NewSystem(), logger)
	defer sched.Stop()

	opts := []usecase.Option{}
	if cfg.DatabaseURL != "" {
		if err := postgres.RunMigrations(cfg.DatabaseURL, migrationsPath); err != nil {
			return err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to db: %w", err)
		}
		defer pool.Close()
		opts = append(opts, usecase.WithHistory(postgres.NewHistoryRepository(pool)))
	}

	dispatcher := usecase.NewDispatcher(usecase.Config{
		PollDelay:    cfg.PollDelay,
		ReminderLead: cfg.ReminderLead,
		ClearLag:     cfg.ClearLag,
		Location:     location,
	}, sched, client, client, audience, clock.NewSystem(), logger, opts...)

	var cipher *transport.AESCipher
	if cfg.EncryptKey != "" {
		cipher = transport.NewAESCipher(cfg.EncryptKey)
	}
	server := transport.NewServer(dispatcher, cipher, cfg.VerificationToken, logger)

	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}

	go dumpJobs(ctx, sched, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bot started", "addr", addr, "timezone", cfg.Timezone)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("bot stopped")
	return nil
}

// dumpJobs periodically logs the pending scheduler registrations.
func dumpJobs(ctx context.Context, sched *scheduler.Scheduler, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, job := range sched.Jobs() {
				logger.Debug("pending job", "job_id", job.ID, "at", job.At)
			}
		}
	}
}
