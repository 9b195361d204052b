package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nemonet1337/daichoGo/internal/config"
	"github.com/nemonet1337/daichoGo/pkg/ledger"
	"github.com/nemonet1337/daichoGo/pkg/ledger/storage"
)

func main() {
	// ログ設定
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("設定読み込みに失敗しました", zap.Error(err))
	}

	// データベース接続
	store, err := storage.NewPostgreSQLStorage(cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// メトリクス登録
	var registry *prometheus.Registry
	var metrics *ledger.Metrics
	if cfg.API.EnableMetrics {
		registry = prometheus.NewRegistry()
		metrics = ledger.NewMetrics(registry)
	}

	// 台帳サービス初期化
	ledgerConfig := &ledger.Config{
		Thresholds:           ledger.Thresholds{LowStockPercent: cfg.Ledger.LowStockPercent},
		AutoApproveThreshold: cfg.Ledger.AutoApproveThreshold,
		ReservationTTL:       cfg.Ledger.ReservationTTL,
		MaxRetries:           cfg.Ledger.MaxRetries,
	}
	service := ledger.NewService(store, nil, logger, metrics, ledgerConfig)

	// 失効スイープをバックグラウンドで実行
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go runExpirySweep(sweepCtx, service, cfg.Ledger.SweepInterval, logger)

	// HTTPハンドラー設定
	handlers := NewHandlers(service, store, registry, logger)
	router := setupRouter(handlers, cfg.API)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("在庫台帳APIサーバーを開始します", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")
	stopSweep()

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// runExpirySweep periodically releases overdue reservations
// 失効した予約を定期的に解放
func runExpirySweep(ctx context.Context, service ledger.LedgerService, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			swept, err := service.ExpireOverdueReservations(ctx, now, nil)
			if err != nil {
				logger.Error("定期失効スイープに失敗しました", zap.Error(err))
				continue
			}
			if swept > 0 {
				logger.Info("定期失効スイープ完了", zap.Int("swept", swept))
			}
		}
	}
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, apiCfg config.APIConfig) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if apiCfg.EnableMetrics {
		router.HandleFunc("/metrics", handlers.Metrics).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// 調整と承認ワークフロー
	api.HandleFunc("/ledger/adjust", handlers.Adjust).Methods("POST")
	api.HandleFunc("/ledger/adjustments/{entryId}/approve", handlers.Approve).Methods("POST")
	api.HandleFunc("/ledger/adjustments/{entryId}/reject", handlers.Reject).Methods("POST")

	// 予約ライフサイクル
	api.HandleFunc("/ledger/reserve", handlers.Reserve).Methods("POST")
	api.HandleFunc("/ledger/release", handlers.Release).Methods("POST")
	api.HandleFunc("/ledger/confirm", handlers.Confirm).Methods("POST")
	api.HandleFunc("/ledger/expire-reservations", handlers.ExpireReservations).Methods("POST")

	// レコード状態管理
	api.HandleFunc("/ledger/required-quantity", handlers.SetRequiredQuantity).Methods("PUT")
	api.HandleFunc("/ledger/in-production", handlers.SetInProduction).Methods("POST")
	api.HandleFunc("/ledger/in-production", handlers.ClearInProduction).Methods("DELETE")
	api.HandleFunc("/ledger/deactivate", handlers.DeactivateRecord).Methods("POST")

	// 照会
	api.HandleFunc("/ledger/{productId}/{locationId}", handlers.GetStockRecord).Methods("GET")
	api.HandleFunc("/ledger/{productId}/{locationId}/history", handlers.GetHistory).Methods("GET")

	// CORS設定（開発用）
	if apiCfg.EnableCORS {
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor-ID")

				if r.Method == "OPTIONS" {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// リクエスト処理
			next.ServeHTTP(w, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
