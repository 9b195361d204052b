// Package ledger provides the inventory ledger: authoritative stock
// quantities per product and location, an append-only adjustment journal,
// and short-lived reservations with self-expiry.
// 在庫台帳パッケージ：商品×ロケーションごとの在庫数量、追記専用の調整仕訳、
// 自動失効する短期予約を提供
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// StockRecord holds the authoritative quantities for one (product, location) pair
// 1つの（商品、ロケーション）ペアの正式な在庫数量を保持
type StockRecord struct {
	ID                   string     `json:"id" db:"id"`                                         // 台帳レコードID
	ProductID            string     `json:"product_id" db:"product_id"`                         // 商品ID
	LocationID           string     `json:"location_id" db:"location_id"`                       // ロケーションID
	AvailableQuantity    int64      `json:"available_quantity" db:"available_quantity"`         // 販売可能数量
	ReservedQuantity     int64      `json:"reserved_quantity" db:"reserved_quantity"`           // 予約済み数量
	RequiredQuantity     int64      `json:"required_quantity" db:"required_quantity"`           // 必要数量（発注点）
	ShortageQuantity     int64      `json:"shortage_quantity" db:"-"`                           // 不足数量（導出値、保存しない）
	Status               StockStatus `json:"status" db:"-"`                                     // ステータス（導出値、保存しない）
	InProduction         bool       `json:"in_production" db:"in_production"`                   // 生産中フラグ（外部設定、優先）
	ReservationExpiresAt *time.Time `json:"reservation_expires_at" db:"reservation_expires_at"` // 予約失効ウォーターマーク
	IsActive             bool       `json:"is_active" db:"is_active"`                           // アクティブ状態（物理削除しない）
	Version              int64      `json:"version" db:"version"`                               // 楽観的ロック用バージョン
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`                         // 最終更新日時
	UpdatedBy            string     `json:"updated_by" db:"updated_by"`                         // 更新者
}

// StockStatus is the derived state of a stock record
// 在庫レコードの導出ステータスを定義
type StockStatus string

const (
	StatusEnoughStock  StockStatus = "enough_stock"  // 十分な在庫
	StatusLowStock     StockStatus = "low_stock"     // 低在庫
	StatusShortage     StockStatus = "shortage"      // 在庫不足
	StatusInProduction StockStatus = "in_production" // 生産中
)

// AdjustmentEntry is one journal line describing an authorized stock mutation
// 承認された在庫変更を記録する仕訳1行を表現
type AdjustmentEntry struct {
	ID              string         `json:"id" db:"id"`                             // 仕訳ID
	StockRecordID   string         `json:"stock_record_id" db:"stock_record_id"`   // 台帳レコードID
	Kind            AdjustmentKind `json:"kind" db:"kind"`                         // 調整種別
	QuantityChange  int64          `json:"quantity_change" db:"quantity_change"`   // 符号付き数量変化
	QuantityBefore  int64          `json:"quantity_before" db:"quantity_before"`   // 適用直前の販売可能数量
	QuantityAfter   int64          `json:"quantity_after" db:"quantity_after"`     // 適用直後の販売可能数量
	Reason          string         `json:"reason" db:"reason"`                     // 理由
	ReferenceNumber string         `json:"reference_number" db:"reference_number"` // 外部参照番号（任意）
	Notes           string         `json:"notes" db:"notes"`                       // 備考
	ActorID         string         `json:"actor_id" db:"actor_id"`                 // 申請者
	ApprovalStatus  ApprovalStatus `json:"approval_status" db:"approval_status"`   // 承認ステータス
	ApproverID      *string        `json:"approver_id" db:"approver_id"`           // 承認者（任意）
	ApprovedAt      *time.Time     `json:"approved_at" db:"approved_at"`           // 承認日時（任意）
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`             // 作成日時（不変）
}

// AdjustmentKind defines the kind of stock adjustment
// 在庫調整の種別を定義
type AdjustmentKind string

const (
	KindIncrease   AdjustmentKind = "increase"   // 入庫
	KindDecrease   AdjustmentKind = "decrease"   // 出庫
	KindCorrection AdjustmentKind = "correction" // 棚卸補正（絶対値指定）
	KindWriteOff   AdjustmentKind = "write_off"  // 廃棄
)

// ApprovalStatus defines the approval state of an adjustment entry
// 仕訳の承認状態を定義
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"  // 承認待ち（未適用）
	ApprovalApproved ApprovalStatus = "approved" // 承認済み（適用済み）
	ApprovalRejected ApprovalStatus = "rejected" // 却下（適用しない）
)

// AdjustmentRequest carries the caller's intent for an Adjust operation
// Adjust操作の呼び出し側の意図を表現
type AdjustmentRequest struct {
	Kind            AdjustmentKind `json:"kind"`             // 調整種別
	Quantity        int64          `json:"quantity"`         // Increase/Decrease/WriteOff: 変化量、Correction: 絶対目標値
	Reason          string         `json:"reason"`           // 理由
	ReferenceNumber string         `json:"reference_number"` // 外部参照番号（任意）
	Notes           string         `json:"notes"`            // 備考
	ActorID         string         `json:"actor_id"`         // 申請者
}

// ReservationClaim is one token-keyed hold against a stock record
// トークンをキーとした在庫レコードへの予約を表現
type ReservationClaim struct {
	StockRecordID string    `json:"stock_record_id" db:"stock_record_id"` // 台帳レコードID
	Token         string    `json:"token" db:"token"`                     // 呼び出し側発行の冪等キー
	Quantity      int64     `json:"quantity" db:"quantity"`               // 予約数量
	CreatedAt     time.Time `json:"created_at" db:"created_at"`           // 作成日時
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`           // 失効日時
}

// Expired reports whether the claim is due for release
// 予約が失効しているかチェック
func (c *ReservationClaim) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// NewRecordID generates a new stock record ID
// 新しい台帳レコードIDを生成
func NewRecordID() string {
	return uuid.New().String()
}

// NewEntryID generates a new adjustment entry ID
// 新しい仕訳IDを生成
func NewEntryID() string {
	return uuid.New().String()
}

// Recompute refreshes the derived shortage and status fields in place.
// The stored columns are never the source of truth for these two values.
// 導出フィールド（不足数量とステータス）をその場で再計算。
// この2つの値はデータベース列を真実のソースとしない
func (r *StockRecord) Recompute(t Thresholds) {
	r.ShortageQuantity = ShortageOf(r.RequiredQuantity, r.AvailableQuantity)
	r.Status = DeriveStatus(r.AvailableQuantity, r.RequiredQuantity, r.InProduction, t)
}

// TotalQuantity returns the physical stock at the location.
// Reserve/Release transitions never change this sum.
// ロケーションの物理在庫合計を返す。予約・解除ではこの合計は変化しない
func (r *StockRecord) TotalQuantity() int64 {
	return r.AvailableQuantity + r.ReservedQuantity
}
