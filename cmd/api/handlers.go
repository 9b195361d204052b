package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/daichoGo/pkg/ledger"
)

// Handlers holds HTTP handlers for the ledger API
// 台帳API用のHTTPハンドラーを保持
type Handlers struct {
	service  ledger.LedgerService
	storage  ledger.Storage
	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(service ledger.LedgerService, storage ledger.Storage, registry *prometheus.Registry, logger *zap.Logger) *Handlers {
	return &Handlers{
		service:  service,
		storage:  storage,
		registry: registry,
		logger:   logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// AdjustRequest represents a stock adjustment request
// 在庫調整リクエストを表現
type AdjustRequest struct {
	ProductID       string `json:"product_id"`
	LocationID      string `json:"location_id"`
	Kind            string `json:"kind"`
	Quantity        int64  `json:"quantity"`
	Reason          string `json:"reason"`
	ReferenceNumber string `json:"reference_number"`
	Notes           string `json:"notes"`
}

// ReserveRequest represents a reservation request
// 予約リクエストを表現
type ReserveRequest struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Quantity   int64  `json:"quantity"`
	Token      string `json:"token"`
}

// ReservationTokenRequest represents release/confirm requests
// 予約解除・確定リクエストを表現
type ReservationTokenRequest struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Token      string `json:"token"`
}

// RequiredQuantityRequest represents a reorder target update
// 必要数量更新リクエストを表現
type RequiredQuantityRequest struct {
	ProductID        string `json:"product_id"`
	LocationID       string `json:"location_id"`
	RequiredQuantity int64  `json:"required_quantity"`
}

// RecordTargetRequest identifies a record for state operations
// 状態操作の対象レコードを指定
type RecordTargetRequest struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
}

// ExpireRequest represents a manual expiry sweep request
// 手動失効スイープリクエストを表現
type ExpireRequest struct {
	LocationIDs []string `json:"location_ids"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.storage.Ping(r.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "daichoGo",
		},
	})
}

// Metrics serves Prometheus metrics
// Prometheusメトリクスを提供
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// Adjust handles stock adjustment requests
// 在庫調整リクエストを処理
func (h *Handlers) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	ctx := h.actorContext(r)
	record, entry, err := h.service.Adjust(ctx, req.ProductID, req.LocationID, ledger.AdjustmentRequest{
		Kind:            ledger.AdjustmentKind(req.Kind),
		Quantity:        req.Quantity,
		Reason:          req.Reason,
		ReferenceNumber: req.ReferenceNumber,
		Notes:           req.Notes,
		ActorID:         h.actorID(r),
	})
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"record": record,
		"entry":  entry,
	})
}

// Approve handles approval of a pending adjustment entry
// 承認待ち仕訳の承認リクエストを処理
func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entryID := vars["entryId"]

	record, entry, err := h.service.Approve(h.actorContext(r), entryID, h.actorID(r))
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"record": record,
		"entry":  entry,
	})
}

// Reject handles rejection of a pending adjustment entry
// 承認待ち仕訳の却下リクエストを処理
func (h *Handlers) Reject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entryID := vars["entryId"]

	entry, err := h.service.Reject(h.actorContext(r), entryID, h.actorID(r))
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, entry)
}

// Reserve handles reservation requests
// 予約リクエストを処理
func (h *Handlers) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	record, err := h.service.Reserve(h.actorContext(r), req.ProductID, req.LocationID, req.Quantity, req.Token)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, record)
}

// Release handles reservation release requests
// 予約解除リクエストを処理
func (h *Handlers) Release(w http.ResponseWriter, r *http.Request) {
	var req ReservationTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	record, err := h.service.Release(h.actorContext(r), req.ProductID, req.LocationID, req.Token)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, record)
}

// Confirm handles reservation confirmation requests
// 予約確定リクエストを処理
func (h *Handlers) Confirm(w http.ResponseWriter, r *http.Request) {
	var req ReservationTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	record, entry, err := h.service.Confirm(h.actorContext(r), req.ProductID, req.LocationID, req.Token)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"record": record,
		"entry":  entry,
	})
}

// ExpireReservations handles manual expiry sweep requests
// 手動失効スイープリクエストを処理
func (h *Handlers) ExpireReservations(w http.ResponseWriter, r *http.Request) {
	var req ExpireRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
			return
		}
	}

	swept, err := h.service.ExpireOverdueReservations(h.actorContext(r), time.Now(), req.LocationIDs)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]int{"swept_records": swept})
}

// SetRequiredQuantity handles reorder target updates
// 必要数量更新リクエストを処理
func (h *Handlers) SetRequiredQuantity(w http.ResponseWriter, r *http.Request) {
	var req RequiredQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	record, err := h.service.SetRequiredQuantity(h.actorContext(r), req.ProductID, req.LocationID, req.RequiredQuantity, h.actorID(r))
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, record)
}

// SetInProduction marks a record as in production
// 台帳レコードを生産中に設定
func (h *Handlers) SetInProduction(w http.ResponseWriter, r *http.Request) {
	h.recordStateOp(w, r, h.service.SetInProduction)
}

// ClearInProduction clears the in-production flag
// 生産中フラグを解除
func (h *Handlers) ClearInProduction(w http.ResponseWriter, r *http.Request) {
	h.recordStateOp(w, r, h.service.ClearInProduction)
}

// DeactivateRecord retires a record
// 台帳レコードを無効化
func (h *Handlers) DeactivateRecord(w http.ResponseWriter, r *http.Request) {
	h.recordStateOp(w, r, h.service.DeactivateRecord)
}

// recordStateOp runs a flag-style record operation from a common request shape
// 共通のリクエスト形式でフラグ系レコード操作を実行
func (h *Handlers) recordStateOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, productID, locationID, actorID string) (*ledger.StockRecord, error)) {
	var req RecordTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	record, err := op(h.actorContext(r), req.ProductID, req.LocationID, h.actorID(r))
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, record)
}

// GetStockRecord handles record lookup requests
// 台帳レコード取得リクエストを処理
func (h *Handlers) GetStockRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	productID := vars["productId"]
	locationID := vars["locationId"]

	record, err := h.service.GetStockRecord(r.Context(), productID, locationID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, record)
}

// GetHistory handles adjustment history requests
// 仕訳履歴取得リクエストを処理
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	productID := vars["productId"]
	locationID := vars["locationId"]

	record, err := h.service.GetStockRecord(r.Context(), productID, locationID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.service.ListAdjustments(r.Context(), record.ID, limit)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, entries)
}

// actorID resolves the acting user from the request
// リクエストから操作者を解決
func (h *Handlers) actorID(r *http.Request) string {
	if actor := r.Header.Get("X-Actor-ID"); actor != "" {
		return actor
	}
	return "api_user"
}

// actorContext attaches the acting user to the request context
// 操作者をリクエストコンテキストに付与
func (h *Handlers) actorContext(r *http.Request) context.Context {
	return context.WithValue(r.Context(), "user_id", h.actorID(r))
}

// sendLedgerError maps domain errors to HTTP status codes
// ドメインエラーをHTTPステータスコードに変換
func (h *Handlers) sendLedgerError(w http.ResponseWriter, err error) {
	var validationErr *ledger.ValidationError
	var concurrencyErr *ledger.ConcurrencyError

	switch {
	case errors.Is(err, ledger.ErrRecordNotFound),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, ledger.ErrReservationNotFound):
		h.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidAdjustment),
		errors.Is(err, ledger.ErrSelfApproval),
		errors.Is(err, ledger.ErrRecordInactive):
		h.sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrInsufficientStock),
		errors.Is(err, ledger.ErrAlreadyDecided),
		errors.Is(err, ledger.ErrDuplicateRecord):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validationErr):
		h.sendError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &concurrencyErr):
		h.sendError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("API内部エラー", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendSuccess sends a successful response
// 成功レスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(APIResponse{
		Success: true,
		Data:    data,
	})
}

// sendError sends an error response
// エラーレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
