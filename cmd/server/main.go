// Package main はAPIサーバーのエントリポイント。
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"credential-registry/config"
	"credential-registry/internal/handler"
	"credential-registry/internal/infra"
	"credential-registry/internal/metrics"
	"credential-registry/internal/repository"
	"credential-registry/internal/usecase"
	"credential-registry/migrations"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	infra.SetupLogger(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	storeOpts := []repository.StoreOption{repository.WithMetrics(m)}
	if cfg.DatabaseURL != "" {
		db, err := infra.NewDB(cfg.DatabaseURL, cfg)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		if cfg.AutoMigrate {
			svc := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrations.FS)
			count, err := svc.ApplyMigrations(ctx)
			if err != nil {
				return fmt.Errorf("applying migrations: %w", err)
			}
			slog.InfoContext(ctx, "migrations applied", "count", count)
		}
		storeOpts = append(storeOpts, repository.WithBackend(repository.NewGormBackend(db), cfg.FlushQueueSize))
	} else {
		slog.WarnContext(ctx, "DATABASE_URL is not set, credentials are kept in memory only")
	}

	store := repository.NewCredentialStore(storeOpts...)
	if err := store.Load(ctx); err != nil {
		return err
	}
	go watchFaults(ctx, store)

	// DI
	service := usecase.NewCredentialService(store, m)
	h := handler.NewCredentialHandler(service, cfg.MaxBodyBytes)
	router := handler.NewRouter(h, cfg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	// Graceful shutdown: サーバー停止、未書き込みの変更の書き出し、トレーサー停止の順
	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := store.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	slog.Info("server stopped")
	return errors.Join(errs...)
}

// watchFaults はバックエンドへの書き込み失敗を監視し、ログに出力する。
func watchFaults(ctx context.Context, store *repository.CredentialStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-store.Faults():
			slog.WarnContext(ctx, "persistence backend is behind the in-memory store", "error", err)
		}
	}
}
