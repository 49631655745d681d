// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"vehicle-loan-ledger/config"
	"vehicle-loan-ledger/internal/fhe"
	"vehicle-loan-ledger/internal/handler"
	"vehicle-loan-ledger/internal/infra"
	"vehicle-loan-ledger/internal/repository"
	"vehicle-loan-ledger/internal/usecase"
	"vehicle-loan-ledger/migrations"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	// DB初期化
	db, err := infra.NewDB(cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	if err := migrate(ctx, cfg, db); err != nil {
		slog.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// 鍵ラッパー初期化
	wrapper, err := infra.NewKeyWrapper(ctx, cfg)
	if err != nil {
		slog.Error("failed to init key wrapper", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := wrapper.Close(); closeErr != nil {
			slog.Error("failed to close key wrapper", "error", closeErr)
		}
	}()

	params := fhe.DefaultParams()
	if cfg.FHESecretBits != params.SecretBits {
		params.SecretBits = cfg.FHESecretBits
		params.ModulusBits = 2 * cfg.FHESecretBits
	}
	keys := usecase.NewKeyManager(repository.NewKeyMaterialRepository(db), wrapper, params)
	if err := keys.Initialize(ctx); err != nil {
		slog.Error("failed to initialize key material", "error", err)
		os.Exit(1)
	}

	verifier, err := infra.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		slog.Error("failed to init token verifier", "error", err)
		os.Exit(1)
	}

	// DI
	ledger := infra.NewChainLedger(cfg.LedgerBlockInterval)
	audit := usecase.NewAuditLog(repository.NewAuditRepository(db))
	service := usecase.NewLedgerService(usecase.LedgerDeps{
		Keys:         keys,
		Audit:        audit,
		Vehicles:     repository.NewVehicleRepository(db),
		Applications: repository.NewApplicationRepository(db),
		Loans:        repository.NewLoanRepository(db),
		Payments:     repository.NewPaymentRepository(db),
		Transport:    ledger,
	})

	// 前回の停止で確定待ちだった支払いを解決
	resolved, err := service.ResolvePendingPayments(ctx)
	if err != nil {
		slog.Error("failed to resolve pending payments", "error", err)
	} else if resolved > 0 {
		slog.Info("resolved pending payments", "count", resolved)
	}

	h := handler.NewLedgerHandler(service, audit, keys)
	var router http.Handler = handler.NewRouter(h, verifier)
	if cfg.OtelEnabled {
		router = otelhttp.NewHandler(router, cfg.OtelServiceName)
	}

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "public_key_id", keys.PublicKeyID())
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// 確定待ちタスクを止めてから台帳を閉じる
	service.Close()
	if err := ledger.Close(); err != nil {
		slog.Error("failed to close ledger", "error", err)
	}
	slog.Info("server stopped")
}

// migrate は AUTO_MIGRATE の場合にgormでスキーマを作成し、それ以外は埋め込みSQLを適用する。
func migrate(ctx context.Context, cfg *config.Config, db *gorm.DB) error {
	if cfg.AutoMigrate {
		return repository.AutoMigrate(db)
	}
	files, err := migrations.For(cfg.DatabaseDriver)
	if err != nil {
		return err
	}
	applied, err := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, files).ApplyMigrations(ctx)
	if err != nil {
		return err
	}
	if applied > 0 {
		slog.Info("applied migrations", "count", applied)
	}
	return nil
}
