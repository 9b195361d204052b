package ledger

import (
	"context"
	"time"
)

// LedgerService defines the public facade of the inventory ledger. Nothing
// mutates a stock record except through these operations.
// 在庫台帳の公開ファサードを定義。台帳レコードの変更は必ずここを経由する
type LedgerService interface {
	// 調整と承認ワークフロー - Adjustments and approval workflow
	Adjust(ctx context.Context, productID, locationID string, req AdjustmentRequest) (*StockRecord, *AdjustmentEntry, error)
	Approve(ctx context.Context, entryID, approverID string) (*StockRecord, *AdjustmentEntry, error)
	Reject(ctx context.Context, entryID, approverID string) (*AdjustmentEntry, error)

	// 予約ライフサイクル - Reservation lifecycle
	Reserve(ctx context.Context, productID, locationID string, quantity int64, token string) (*StockRecord, error)
	Release(ctx context.Context, productID, locationID, token string) (*StockRecord, error)
	Confirm(ctx context.Context, productID, locationID, token string) (*StockRecord, *AdjustmentEntry, error)
	ExpireOverdueReservations(ctx context.Context, now time.Time, locationIDs []string) (int, error)

	// レコード状態管理 - Record state management
	SetRequiredQuantity(ctx context.Context, productID, locationID string, required int64, actorID string) (*StockRecord, error)
	SetInProduction(ctx context.Context, productID, locationID string, actorID string) (*StockRecord, error)
	ClearInProduction(ctx context.Context, productID, locationID string, actorID string) (*StockRecord, error)
	DeactivateRecord(ctx context.Context, productID, locationID string, actorID string) (*StockRecord, error)

	// 照会 - Queries
	GetStockRecord(ctx context.Context, productID, locationID string) (*StockRecord, error)
	ListAdjustments(ctx context.Context, stockRecordID string, limit int) ([]AdjustmentEntry, error)
}

// ChangeSet describes everything one ledger operation persists. The storage
// layer commits the whole set in a single transaction: either every part
// persists or none does.
// 1つの台帳操作が永続化する内容を表現。ストレージ層は全体を単一トランザクションで
// コミットする：全部永続化されるか、何も永続化されないかのいずれか
type ChangeSet struct {
	// Record, when set, is written with an optimistic version check against
	// Version-1; a stale version yields ErrVersionMismatch.
	// 設定時、Version-1との楽観的バージョンチェック付きで書き込む
	Record *StockRecord

	// NewEntry appends a journal entry.
	// 仕訳を追記
	NewEntry *AdjustmentEntry

	// EntryDecision transitions a pending entry to approved or rejected.
	// 承認待ち仕訳を承認済みまたは却下に遷移
	EntryDecision *AdjustmentEntry

	// PutClaim inserts a reservation claim; replays of the same token are
	// ignored by the storage layer.
	// 予約を挿入。同一トークンの再送はストレージ層が無視する
	PutClaim *ReservationClaim

	// DeleteClaimTokens removes reservation claims by token.
	// トークン指定で予約を削除
	DeleteClaimTokens []string
}

// Storage defines the interface for the data persistence layer
// データ永続化層のインターフェースを定義
type Storage interface {
	// Stock records
	CreateStockRecord(ctx context.Context, record *StockRecord) error
	GetStockRecord(ctx context.Context, productID, locationID string) (*StockRecord, error)
	GetStockRecordByID(ctx context.Context, id string) (*StockRecord, error)
	ListOverdueRecords(ctx context.Context, now time.Time, locationIDs []string) ([]StockRecord, error)

	// Atomic application of one operation's effects
	ApplyChange(ctx context.Context, change *ChangeSet) error

	// Adjustment journal
	GetAdjustment(ctx context.Context, entryID string) (*AdjustmentEntry, error)
	ListAdjustments(ctx context.Context, stockRecordID string, limit int) ([]AdjustmentEntry, error)

	// Reservation claims
	GetReservationClaim(ctx context.Context, stockRecordID, token string) (*ReservationClaim, error)
	ListReservationClaims(ctx context.Context, stockRecordID string) ([]ReservationClaim, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// EventPublisher defines the interface for publishing ledger events.
// Publishing failures are logged, never fatal to the operation.
// 台帳イベント発行のインターフェースを定義。発行失敗はログのみで操作は失敗させない
type EventPublisher interface {
	PublishStockAdjusted(ctx context.Context, event StockAdjustedEvent) error
	PublishReservationChanged(ctx context.Context, event ReservationEvent) error
	PublishLowStock(ctx context.Context, event LowStockEvent) error
}

// StockAdjustedEvent represents an applied adjustment
// 適用された在庫調整イベントを表現
type StockAdjustedEvent struct {
	ProductID      string         `json:"product_id"`
	LocationID     string         `json:"location_id"`
	Kind           AdjustmentKind `json:"kind"`
	QuantityBefore int64          `json:"quantity_before"`
	QuantityAfter  int64          `json:"quantity_after"`
	EntryID        string         `json:"entry_id"`
	ActorID        string         `json:"actor_id"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ReservationEvent represents a reservation transition
// 予約状態遷移イベントを表現
type ReservationEvent struct {
	ProductID  string    `json:"product_id"`
	LocationID string    `json:"location_id"`
	Token      string    `json:"token"`
	Quantity   int64     `json:"quantity"`
	Transition string    `json:"transition"` // reserved, released, confirmed, expired
	Timestamp  time.Time `json:"timestamp"`
}

// LowStockEvent represents a record entering the low stock or shortage band
// 低在庫または在庫不足帯への遷移イベントを表現
type LowStockEvent struct {
	ProductID        string      `json:"product_id"`
	LocationID       string      `json:"location_id"`
	Status           StockStatus `json:"status"`
	AvailableQty     int64       `json:"available_qty"`
	RequiredQty      int64       `json:"required_qty"`
	ShortageQuantity int64       `json:"shortage_quantity"`
	Timestamp        time.Time   `json:"timestamp"`
}
