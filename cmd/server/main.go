// Package main は配信サーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"exposure-distribution-service/config"
	"exposure-distribution-service/internal/app"
	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/handler"
	"exposure-distribution-service/internal/infra"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracer, err := infra.InitTracer(ctx, cfg, version)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	infra.SetupLogger(cfg)

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to init application", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("failed to close application", "error", err)
		}
	}()

	var uploader handler.FederationUploader
	if a.Upload != nil {
		uploader = a.Upload
	}
	var downloader handler.FederationDownloader
	if a.Download != nil {
		downloader = a.Download
	}
	h := handler.NewDistributionHandler(a.Distribution, uploader, downloader, a.Health)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.NewRouter(h, cfg.OutputDir, a.Registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.RunInterval > 0 {
		go runPeriodically(ctx, a, cfg.RunInterval)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "output_dir", cfg.OutputDir)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// runPeriodically は interval ごとにフェデレーションの取り込みと配信処理を実行する。
func runPeriodically(ctx context.Context, a *app.App, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if a.Download != nil {
			yesterday := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
			if _, err := a.Download.Run(ctx, yesterday); err != nil {
				slog.ErrorContext(ctx, "scheduled federation download failed", "error", err)
			}
		}
		if _, err := a.Distribution.Run(ctx); err != nil && !errors.Is(err, domain.ErrRunInProgress) {
			slog.ErrorContext(ctx, "scheduled distribution run failed", "error", err)
		}
		if a.Upload != nil {
			if _, err := a.Upload.Run(ctx); err != nil {
				slog.ErrorContext(ctx, "scheduled federation upload failed", "error", err)
			}
		}
	}
}
