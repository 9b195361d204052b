package ledger

import (
	"errors"
	"fmt"
)

// Common ledger errors
// 共通の台帳エラー定義

var (
	// ErrRecordNotFound is returned when no stock record exists for the pair
	// 指定の商品×ロケーションの台帳レコードが存在しない場合のエラー
	ErrRecordNotFound = errors.New("台帳レコードが見つかりません")

	// ErrEntryNotFound is returned when an adjustment entry doesn't exist
	// 仕訳が存在しない場合のエラー
	ErrEntryNotFound = errors.New("仕訳が見つかりません")

	// ErrReservationNotFound is returned when Confirm targets an unknown token
	// 確定対象の予約トークンが存在しない場合のエラー
	ErrReservationNotFound = errors.New("予約が見つかりません")

	// ErrInvalidAdjustment is returned when an adjustment would drive the
	// available quantity negative; never clamped, no override
	// 調整により販売可能数量が負になる場合のエラー（丸め込みや上書きはしない）
	ErrInvalidAdjustment = errors.New("調整後の販売可能数量が負になります")

	// ErrInsufficientStock is returned when a reservation exceeds available stock
	// 予約数量が販売可能数量を超える場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrSelfApproval is returned when the requester tries to decide their own entry
	// 申請者自身が承認・却下しようとした場合のエラー
	ErrSelfApproval = errors.New("申請者自身による承認・却下はできません")

	// ErrAlreadyDecided is returned when a non-pending entry is decided again
	// 承認待ちでない仕訳を再度承認・却下しようとした場合のエラー
	ErrAlreadyDecided = errors.New("仕訳は既に承認または却下されています")

	// ErrRecordInactive is returned when mutating a deactivated record
	// 無効化された台帳レコードを変更しようとした場合のエラー
	ErrRecordInactive = errors.New("台帳レコードは無効化されています")

	// ErrDuplicateRecord is returned when the (product, location) pair already exists
	// 商品×ロケーションのペアが既に存在する場合のエラー
	ErrDuplicateRecord = errors.New("台帳レコードは既に存在します")

	// ErrVersionMismatch is returned when optimistic locking fails
	// 楽観的ロック失敗時のエラー
	ErrVersionMismatch = errors.New("バージョンが一致しません。他のユーザーによって更新されています")
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// ConcurrencyError is surfaced when bounded retries could not serialize an
// operation against competing writers
// 限定回数のリトライでも競合する書き込みと直列化できなかった場合のエラー
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, e.Message)
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}
