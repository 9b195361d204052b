package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Service implements the LedgerService interface
// LedgerServiceインターフェースの実装
type Service struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	metrics   *Metrics       // メトリクス
	config    *Config        // 設定
}

// LedgerServiceを実装することを明示
var _ LedgerService = (*Service)(nil)

// Config holds configuration for the ledger service
// 台帳サービスの設定を保持
type Config struct {
	Thresholds           Thresholds    `yaml:"thresholds"`             // ステータス導出閾値
	AutoApproveThreshold int64         `yaml:"auto_approve_threshold"` // この数量を超えるDecrease/WriteOffは承認必須（0で承認不要）
	ReservationTTL       time.Duration `yaml:"reservation_ttl"`        // 予約の有効期間
	MaxRetries           int           `yaml:"max_retries"`            // バージョン競合時の最大試行回数
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`       // リトライ初期待機時間
}

// NewService creates a new ledger service
// 新しい台帳サービスを作成
func NewService(storage Storage, publisher EventPublisher, logger *zap.Logger, metrics *Metrics, config *Config) *Service {
	if config == nil {
		config = &Config{
			Thresholds:           Thresholds{LowStockPercent: 120},
			AutoApproveThreshold: 100,
			ReservationTTL:       30 * time.Minute,
			MaxRetries:           3,
			RetryBaseDelay:       20 * time.Millisecond,
		}
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 20 * time.Millisecond
	}
	if config.ReservationTTL <= 0 {
		config.ReservationTTL = 30 * time.Minute
	}

	return &Service{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		config:    config,
	}
}

// Adjust validates and applies (or queues for approval) one stock adjustment
// 在庫調整をバリデーションして適用（または承認待ちとして登録）
func (s *Service) Adjust(ctx context.Context, productID, locationID string, req AdjustmentRequest) (record *StockRecord, entry *AdjustmentEntry, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("adjust", start, err) }()

	if err = ValidateProductID(productID); err != nil {
		return nil, nil, err
	}
	if err = ValidateLocationID(locationID); err != nil {
		return nil, nil, err
	}
	if err = ValidateAdjustmentRequest(req); err != nil {
		return nil, nil, err
	}

	err = s.withRetry(ctx, "adjust", productID+"/"+locationID, func(ctx context.Context) error {
		rec, err := s.loadRecordForAdjust(ctx, productID, locationID, req)
		if err != nil {
			return err
		}
		if !rec.IsActive {
			return ErrRecordInactive
		}

		// 符号付き差分を決定（Correctionは絶対目標値から変換）
		var delta int64
		switch req.Kind {
		case KindIncrease:
			delta = req.Quantity
		case KindDecrease, KindWriteOff:
			delta = -req.Quantity
		case KindCorrection:
			delta = req.Quantity - rec.AvailableQuantity
		}

		// 負の在庫は業務ルールとして常に拒否
		if rec.AvailableQuantity+delta < 0 {
			return ErrInvalidAdjustment
		}

		now := time.Now()

		// 大口のDecrease/WriteOffは承認されるまで数量を適用しない
		if s.requiresApproval(req.Kind, req.Quantity) {
			e := s.newEntry(rec, req, delta, rec.AvailableQuantity, rec.AvailableQuantity, now)
			e.ApprovalStatus = ApprovalPending
			if err := s.apply(ctx, &ChangeSet{NewEntry: e}); err != nil {
				return err
			}
			s.metrics.pendingDelta(1)
			rec.Recompute(s.config.Thresholds)
			record, entry = rec, e

			s.logger.Info("調整を承認待ちとして登録しました",
				zap.String("product_id", productID),
				zap.String("location_id", locationID),
				zap.String("entry_id", e.ID),
				zap.String("kind", string(req.Kind)),
				zap.Int64("quantity", req.Quantity),
				zap.String("actor_id", req.ActorID),
			)
			return nil
		}

		before := rec.AvailableQuantity
		rec.AvailableQuantity += delta
		rec.Version++
		rec.UpdatedAt = now
		rec.UpdatedBy = req.ActorID
		rec.Recompute(s.config.Thresholds)

		e := s.newEntry(rec, req, delta, before, rec.AvailableQuantity, now)
		e.ApprovalStatus = ApprovalApproved
		e.ApprovedAt = &now

		if err := s.apply(ctx, &ChangeSet{Record: rec, NewEntry: e}); err != nil {
			return err
		}
		record, entry = rec, e

		s.publishAdjusted(ctx, rec, e)
		s.maybeNotifyLowStock(ctx, rec)

		s.logger.Info("在庫調整完了",
			zap.String("product_id", productID),
			zap.String("location_id", locationID),
			zap.String("kind", string(req.Kind)),
			zap.Int64("quantity_before", before),
			zap.Int64("quantity_after", rec.AvailableQuantity),
			zap.String("reference", req.ReferenceNumber),
		)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return record, entry, nil
}

// Approve applies a pending adjustment entry. The quantity is revalidated
// against the current record state; a stale pending entry that would now
// drive the quantity negative fails and stays pending.
// 承認待ち仕訳を適用。数量は現在の台帳状態に対して再検証され、
// 負になる場合は失敗して承認待ちのまま残る
func (s *Service) Approve(ctx context.Context, entryID, approverID string) (record *StockRecord, entry *AdjustmentEntry, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("approve", start, err) }()

	if err = ValidateActorID(approverID); err != nil {
		return nil, nil, err
	}

	err = s.withRetry(ctx, "approve", entryID, func(ctx context.Context) error {
		e, rec, err := s.loadPendingEntry(ctx, entryID, approverID)
		if err != nil {
			return err
		}
		if !rec.IsActive {
			return ErrRecordInactive
		}

		if rec.AvailableQuantity+e.QuantityChange < 0 {
			return ErrInvalidAdjustment
		}

		now := time.Now()
		before := rec.AvailableQuantity
		rec.AvailableQuantity += e.QuantityChange
		rec.Version++
		rec.UpdatedAt = now
		rec.UpdatedBy = approverID
		rec.Recompute(s.config.Thresholds)

		// スナップショットは適用時点の値で確定
		e.QuantityBefore = before
		e.QuantityAfter = rec.AvailableQuantity
		e.ApprovalStatus = ApprovalApproved
		e.ApproverID = &approverID
		e.ApprovedAt = &now

		if err := s.apply(ctx, &ChangeSet{Record: rec, EntryDecision: e}); err != nil {
			return err
		}
		s.metrics.pendingDelta(-1)
		record, entry = rec, e

		s.publishAdjusted(ctx, rec, e)
		s.maybeNotifyLowStock(ctx, rec)

		s.logger.Info("仕訳を承認して適用しました",
			zap.String("entry_id", entryID),
			zap.String("approver_id", approverID),
			zap.Int64("quantity_before", before),
			zap.Int64("quantity_after", rec.AvailableQuantity),
		)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return record, entry, nil
}

// Reject discards a pending adjustment entry without applying it
// 承認待ち仕訳を適用せずに却下
func (s *Service) Reject(ctx context.Context, entryID, approverID string) (entry *AdjustmentEntry, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("reject", start, err) }()

	if err = ValidateActorID(approverID); err != nil {
		return nil, err
	}

	err = s.withRetry(ctx, "reject", entryID, func(ctx context.Context) error {
		e, _, err := s.loadPendingEntry(ctx, entryID, approverID)
		if err != nil {
			return err
		}

		now := time.Now()
		e.ApprovalStatus = ApprovalRejected
		e.ApproverID = &approverID
		e.ApprovedAt = &now

		if err := s.apply(ctx, &ChangeSet{EntryDecision: e}); err != nil {
			return err
		}
		s.metrics.pendingDelta(-1)
		entry = e

		s.logger.Info("仕訳を却下しました",
			zap.String("entry_id", entryID),
			zap.String("approver_id", approverID),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Reserve places a token-keyed hold on available stock. Replaying the same
// token without an intervening release is a no-op returning the prior state.
// 販売可能在庫にトークンキー付きの予約を設定。解除を挟まず同一トークンで
// 再実行した場合は何もせず既存の状態を返す
func (s *Service) Reserve(ctx context.Context, productID, locationID string, quantity int64, token string) (record *StockRecord, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("reserve", start, err) }()

	if err = ValidateReserveQuantity(quantity); err != nil {
		return nil, err
	}
	if err = ValidateReservationToken(token); err != nil {
		return nil, err
	}

	err = s.withRetry(ctx, "reserve", productID+"/"+locationID, func(ctx context.Context) error {
		rec, err := s.loadRecord(ctx, productID, locationID)
		if err != nil {
			return err
		}
		if !rec.IsActive {
			return ErrRecordInactive
		}

		// 冪等性チェック：同一トークンの再送は二重予約にしない
		if existing, err := s.storage.GetReservationClaim(ctx, rec.ID, token); err == nil && existing != nil {
			rec.Recompute(s.config.Thresholds)
			record = rec
			return nil
		} else if err != nil && !errors.Is(err, ErrReservationNotFound) {
			return NewStorageError("get_reservation_claim", "予約取得に失敗しました", err)
		}

		if rec.AvailableQuantity < quantity {
			return ErrInsufficientStock
		}

		now := time.Now()
		expiresAt := now.Add(s.config.ReservationTTL)
		claim := &ReservationClaim{
			StockRecordID: rec.ID,
			Token:         token,
			Quantity:      quantity,
			CreatedAt:     now,
			ExpiresAt:     expiresAt,
		}

		rec.AvailableQuantity -= quantity
		rec.ReservedQuantity += quantity
		// ウォーターマークは未処理予約の最も早い失効時刻
		if rec.ReservationExpiresAt == nil || expiresAt.Before(*rec.ReservationExpiresAt) {
			rec.ReservationExpiresAt = &expiresAt
		}
		rec.Version++
		rec.UpdatedAt = now
		rec.UpdatedBy = s.getUserFromContext(ctx)
		rec.Recompute(s.config.Thresholds)

		if err := s.apply(ctx, &ChangeSet{Record: rec, PutClaim: claim}); err != nil {
			return err
		}
		record = rec

		s.publishReservation(ctx, rec, token, quantity, "reserved")

		s.logger.Info("在庫予約完了",
			zap.String("product_id", productID),
			zap.String("location_id", locationID),
			zap.Int64("quantity", quantity),
			zap.String("token", token),
			zap.Time("expires_at", expiresAt),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Release returns a reservation's quantity to available stock. Unknown or
// already-released tokens are a no-op, not an error, to tolerate retries.
// 予約数量を販売可能在庫に戻す。未知または解除済みトークンはエラーにせず
// 何もしない（リトライ耐性のため）
func (s *Service) Release(ctx context.Context, productID, locationID, token string) (record *StockRecord, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("release", start, err) }()

	if err = ValidateReservationToken(token); err != nil {
		return nil, err
	}

	err = s.withRetry(ctx, "release", productID+"/"+locationID, func(ctx context.Context) error {
		rec, err := s.loadRecord(ctx, productID, locationID)
		if err != nil {
			return err
		}

		claim, err := s.storage.GetReservationClaim(ctx, rec.ID, token)
		if err != nil {
			if errors.Is(err, ErrReservationNotFound) {
				rec.Recompute(s.config.Thresholds)
				record = rec
				return nil
			}
			return NewStorageError("get_reservation_claim", "予約取得に失敗しました", err)
		}

		if err := s.releaseClaim(ctx, rec, claim, "released"); err != nil {
			return err
		}
		record = rec

		s.logger.Info("在庫予約解除完了",
			zap.String("product_id", productID),
			zap.String("location_id", locationID),
			zap.Int64("quantity", claim.Quantity),
			zap.String("token", token),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Confirm permanently consumes a reservation (the stock has shipped) and
// journals the decrease. This is the only path from reserved to gone.
// 予約を恒久的に消費（出荷済み）し、減少を仕訳に記録。
// 予約在庫を消費する唯一の経路
func (s *Service) Confirm(ctx context.Context, productID, locationID, token string) (record *StockRecord, entry *AdjustmentEntry, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("confirm", start, err) }()

	if err = ValidateReservationToken(token); err != nil {
		return nil, nil, err
	}

	err = s.withRetry(ctx, "confirm", productID+"/"+locationID, func(ctx context.Context) error {
		rec, err := s.loadRecord(ctx, productID, locationID)
		if err != nil {
			return err
		}

		claim, err := s.storage.GetReservationClaim(ctx, rec.ID, token)
		if err != nil {
			if errors.Is(err, ErrReservationNotFound) {
				return ErrReservationNotFound
			}
			return NewStorageError("get_reservation_claim", "予約取得に失敗しました", err)
		}

		now := time.Now()
		// スナップショットは予約前の視点：予約分もまだ存在していたとみなす
		before := rec.AvailableQuantity + claim.Quantity

		rec.ReservedQuantity -= claim.Quantity
		watermark, err := s.nextWatermark(ctx, rec.ID, map[string]bool{token: true})
		if err != nil {
			return err
		}
		rec.ReservationExpiresAt = watermark
		rec.Version++
		rec.UpdatedAt = now
		rec.UpdatedBy = s.getUserFromContext(ctx)
		rec.Recompute(s.config.Thresholds)

		e := &AdjustmentEntry{
			ID:              NewEntryID(),
			StockRecordID:   rec.ID,
			Kind:            KindDecrease,
			QuantityChange:  -claim.Quantity,
			QuantityBefore:  before,
			QuantityAfter:   rec.AvailableQuantity,
			Reason:          "order fulfilled",
			ReferenceNumber: token,
			ActorID:         s.getUserFromContext(ctx),
			ApprovalStatus:  ApprovalApproved,
			ApprovedAt:      &now,
			CreatedAt:       now,
		}

		if err := s.apply(ctx, &ChangeSet{Record: rec, NewEntry: e, DeleteClaimTokens: []string{token}}); err != nil {
			return err
		}
		record, entry = rec, e

		s.publishReservation(ctx, rec, token, claim.Quantity, "confirmed")
		s.publishAdjusted(ctx, rec, e)
		s.maybeNotifyLowStock(ctx, rec)

		s.logger.Info("予約確定完了",
			zap.String("product_id", productID),
			zap.String("location_id", locationID),
			zap.Int64("quantity", claim.Quantity),
			zap.String("token", token),
			zap.String("entry_id", e.ID),
		)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return record, entry, nil
}

// ExpireOverdueReservations releases every claim past its expiry on records
// whose watermark is due. Safe to re-run: records already swept by a
// competing sweeper are skipped. Returns the number of swept records.
// ウォーターマークが到来したレコードの失効予約をすべて解放。再実行安全：
// 競合するスイープが処理済みのレコードはスキップ。解放したレコード数を返す
func (s *Service) ExpireOverdueReservations(ctx context.Context, now time.Time, locationIDs []string) (swept int, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("expire_reservations", start, err) }()

	records, err := s.storage.ListOverdueRecords(ctx, now, locationIDs)
	if err != nil {
		return 0, NewStorageError("list_overdue_records", "失効対象レコード取得に失敗しました", err)
	}

	for i := range records {
		recordID := records[i].ID
		released := false

		sweepErr := s.withRetry(ctx, "expire_reservations", recordID, func(ctx context.Context) error {
			rec, err := s.storage.GetStockRecordByID(ctx, recordID)
			if err != nil {
				if errors.Is(err, ErrRecordNotFound) {
					return nil
				}
				return NewStorageError("get_stock_record", "台帳レコード取得に失敗しました", err)
			}

			claims, err := s.storage.ListReservationClaims(ctx, rec.ID)
			if err != nil {
				return NewStorageError("list_reservation_claims", "予約一覧取得に失敗しました", err)
			}

			var expiredTokens []string
			var expiredTotal int64
			excluded := make(map[string]bool)
			for j := range claims {
				if claims[j].Expired(now) {
					expiredTokens = append(expiredTokens, claims[j].Token)
					expiredTotal += claims[j].Quantity
					excluded[claims[j].Token] = true
				}
			}
			if len(expiredTokens) == 0 {
				// 別のスイープが先に処理した（冪等）
				return nil
			}

			rec.AvailableQuantity += expiredTotal
			rec.ReservedQuantity -= expiredTotal
			watermark, err := s.nextWatermark(ctx, rec.ID, excluded)
			if err != nil {
				return err
			}
			rec.ReservationExpiresAt = watermark
			rec.Version++
			rec.UpdatedAt = time.Now()
			rec.UpdatedBy = "expiry_sweep"
			rec.Recompute(s.config.Thresholds)

			if err := s.apply(ctx, &ChangeSet{Record: rec, DeleteClaimTokens: expiredTokens}); err != nil {
				return err
			}
			released = true

			for _, token := range expiredTokens {
				s.publishReservation(ctx, rec, token, 0, "expired")
			}
			return nil
		})
		if sweepErr != nil {
			s.logger.Error("失効スイープに失敗しました",
				zap.String("stock_record_id", recordID),
				zap.Error(sweepErr),
			)
			continue
		}
		if released {
			swept++
		}
	}

	s.metrics.sweptObserved(swept)
	s.logger.Info("失効スイープ完了",
		zap.Int("candidates", len(records)),
		zap.Int("swept", swept),
	)
	return swept, nil
}

// SetRequiredQuantity updates the reorder target. The quantity is an
// independent input; shortage and status are rederived from it.
// 必要数量（発注点）を更新。独立した入力値であり、不足数量とステータスは
// ここから再導出される
func (s *Service) SetRequiredQuantity(ctx context.Context, productID, locationID string, required int64, actorID string) (*StockRecord, error) {
	if required < 0 {
		return nil, NewValidationError("required_quantity", "必要数量は0以上である必要があります", fmt.Sprintf("%d", required))
	}
	return s.updateFlags(ctx, "set_required_quantity", productID, locationID, actorID, func(rec *StockRecord) error {
		rec.RequiredQuantity = required
		return nil
	})
}

// SetInProduction marks the record as in production. The flag is sticky and
// overrides the arithmetic-derived statuses until explicitly cleared.
// 台帳レコードを生産中に設定。フラグは明示的に解除するまで
// 算術的な導出ステータスより優先される
func (s *Service) SetInProduction(ctx context.Context, productID, locationID string, actorID string) (*StockRecord, error) {
	return s.updateFlags(ctx, "set_in_production", productID, locationID, actorID, func(rec *StockRecord) error {
		rec.InProduction = true
		return nil
	})
}

// ClearInProduction clears the sticky in-production flag
// 生産中フラグを解除
func (s *Service) ClearInProduction(ctx context.Context, productID, locationID string, actorID string) (*StockRecord, error) {
	return s.updateFlags(ctx, "clear_in_production", productID, locationID, actorID, func(rec *StockRecord) error {
		rec.InProduction = false
		return nil
	})
}

// DeactivateRecord retires a (product, location) pair. Records are never
// hard-deleted; a record with outstanding reservations cannot be retired.
// 商品×ロケーションのペアを無効化。物理削除はしない。
// 予約が残っているレコードは無効化できない
func (s *Service) DeactivateRecord(ctx context.Context, productID, locationID string, actorID string) (*StockRecord, error) {
	return s.updateFlags(ctx, "deactivate_record", productID, locationID, actorID, func(rec *StockRecord) error {
		if rec.ReservedQuantity > 0 {
			return NewValidationError("reserved_quantity", "予約が残っている台帳レコードは無効化できません", rec.ID)
		}
		rec.IsActive = false
		return nil
	})
}

// GetStockRecord returns the record with freshly recomputed derived fields
// 導出フィールドを再計算した台帳レコードを返す
func (s *Service) GetStockRecord(ctx context.Context, productID, locationID string) (*StockRecord, error) {
	rec, err := s.loadRecord(ctx, productID, locationID)
	if err != nil {
		return nil, err
	}
	rec.Recompute(s.config.Thresholds)
	return rec, nil
}

// ListAdjustments returns journal entries for a record, newest first
// 台帳レコードの仕訳を新しい順で返す
func (s *Service) ListAdjustments(ctx context.Context, stockRecordID string, limit int) ([]AdjustmentEntry, error) {
	if stockRecordID == "" {
		return nil, NewValidationError("stock_record_id", "台帳レコードIDが指定されていません", "")
	}
	if limit <= 0 {
		limit = 50 // デフォルト値
	}
	entries, err := s.storage.ListAdjustments(ctx, stockRecordID, limit)
	if err != nil {
		return nil, NewStorageError("list_adjustments", "仕訳履歴取得に失敗しました", err)
	}
	return entries, nil
}

// ヘルパーメソッド

// withRetry runs fn, retrying only on optimistic locking conflicts with
// jittered exponential backoff up to the configured bound
// 楽観的ロック競合の場合のみ、ジッター付き指数バックオフで
// 設定上限まで再試行してfnを実行
func (s *Service) withRetry(ctx context.Context, operation, resource string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.retryObserved()
			delay := s.config.RetryBaseDelay << uint(attempt-1)
			delay += time.Duration(rand.Int63n(int64(delay) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err = fn(ctx)
		if !errors.Is(err, ErrVersionMismatch) {
			return err
		}
	}
	return NewConcurrencyError(operation, resource, "リトライ上限に達しました")
}

// apply forwards a change set, preserving the version conflict sentinel so
// withRetry can see it
// 変更セットをストレージに適用。バージョン競合はwithRetryが検知できるよう
// センチネルのまま返す
func (s *Service) apply(ctx context.Context, change *ChangeSet) error {
	if err := s.storage.ApplyChange(ctx, change); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return err
		}
		return NewStorageError("apply_change", "台帳変更の適用に失敗しました", err)
	}
	return nil
}

// loadRecord fetches a record, passing sentinel errors through untouched
// 台帳レコードを取得。センチネルエラーはそのまま返す
func (s *Service) loadRecord(ctx context.Context, productID, locationID string) (*StockRecord, error) {
	rec, err := s.storage.GetStockRecord(ctx, productID, locationID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, NewStorageError("get_stock_record", "台帳レコード取得に失敗しました", err)
	}
	return rec, nil
}

// loadRecordForAdjust fetches the record, creating it at zero quantities for
// Increase/Correction on a pair that has never been tracked
// 調整対象レコードを取得。追跡されていないペアへのIncrease/Correctionは
// ゼロ数量で新規作成
func (s *Service) loadRecordForAdjust(ctx context.Context, productID, locationID string, req AdjustmentRequest) (*StockRecord, error) {
	rec, err := s.loadRecord(ctx, productID, locationID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}
	if req.Kind != KindIncrease && req.Kind != KindCorrection {
		return nil, ErrRecordNotFound
	}

	rec = &StockRecord{
		ID:         NewRecordID(),
		ProductID:  productID,
		LocationID: locationID,
		IsActive:   true,
		Version:    1,
		UpdatedAt:  time.Now(),
		UpdatedBy:  req.ActorID,
	}
	if err := s.storage.CreateStockRecord(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			// 同時作成との競合：リトライで既存レコードを読み直す
			return nil, ErrVersionMismatch
		}
		return nil, NewStorageError("create_stock_record", "台帳レコード作成に失敗しました", err)
	}

	s.logger.Info("台帳レコードを作成しました",
		zap.String("stock_record_id", rec.ID),
		zap.String("product_id", productID),
		zap.String("location_id", locationID),
	)
	return rec, nil
}

// loadPendingEntry fetches a pending entry and its record, enforcing the
// four-eyes rule
// 承認待ち仕訳とその台帳レコードを取得し、申請者と承認者の分離を強制
func (s *Service) loadPendingEntry(ctx context.Context, entryID, approverID string) (*AdjustmentEntry, *StockRecord, error) {
	e, err := s.storage.GetAdjustment(ctx, entryID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, nil, ErrEntryNotFound
		}
		return nil, nil, NewStorageError("get_adjustment", "仕訳取得に失敗しました", err)
	}
	if e.ApprovalStatus != ApprovalPending {
		return nil, nil, ErrAlreadyDecided
	}
	if e.ActorID == approverID {
		return nil, nil, ErrSelfApproval
	}

	rec, err := s.storage.GetStockRecordByID(ctx, e.StockRecordID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, nil, ErrRecordNotFound
		}
		return nil, nil, NewStorageError("get_stock_record", "台帳レコード取得に失敗しました", err)
	}
	return e, rec, nil
}

// releaseClaim moves a claim's quantity back to available and recomputes the
// expiry watermark from the remaining claims
// 予約数量を販売可能在庫に戻し、残りの予約からウォーターマークを再計算
func (s *Service) releaseClaim(ctx context.Context, rec *StockRecord, claim *ReservationClaim, transition string) error {
	now := time.Now()
	rec.AvailableQuantity += claim.Quantity
	rec.ReservedQuantity -= claim.Quantity
	watermark, err := s.nextWatermark(ctx, rec.ID, map[string]bool{claim.Token: true})
	if err != nil {
		return err
	}
	rec.ReservationExpiresAt = watermark
	rec.Version++
	rec.UpdatedAt = now
	rec.UpdatedBy = s.getUserFromContext(ctx)
	rec.Recompute(s.config.Thresholds)

	if err := s.apply(ctx, &ChangeSet{Record: rec, DeleteClaimTokens: []string{claim.Token}}); err != nil {
		return err
	}

	s.publishReservation(ctx, rec, claim.Token, claim.Quantity, transition)
	return nil
}

// nextWatermark returns the earliest expiry among remaining claims, nil when
// none remain
// 残りの予約の最も早い失効時刻を返す。予約がなければnil
func (s *Service) nextWatermark(ctx context.Context, stockRecordID string, excluded map[string]bool) (*time.Time, error) {
	claims, err := s.storage.ListReservationClaims(ctx, stockRecordID)
	if err != nil {
		return nil, NewStorageError("list_reservation_claims", "予約一覧取得に失敗しました", err)
	}
	var earliest *time.Time
	for i := range claims {
		if excluded[claims[i].Token] {
			continue
		}
		expiresAt := claims[i].ExpiresAt
		if earliest == nil || expiresAt.Before(*earliest) {
			earliest = &expiresAt
		}
	}
	return earliest, nil
}

// updateFlags runs a flag-only record mutation through the usual atomic path
// フラグのみの変更を通常の原子的な経路で実行
func (s *Service) updateFlags(ctx context.Context, operation, productID, locationID, actorID string, mutate func(*StockRecord) error) (record *StockRecord, err error) {
	start := time.Now()
	defer func() { s.metrics.observe(operation, start, err) }()

	if err = ValidateActorID(actorID); err != nil {
		return nil, err
	}

	err = s.withRetry(ctx, operation, productID+"/"+locationID, func(ctx context.Context) error {
		rec, err := s.loadRecord(ctx, productID, locationID)
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		rec.Version++
		rec.UpdatedAt = time.Now()
		rec.UpdatedBy = actorID
		rec.Recompute(s.config.Thresholds)

		if err := s.apply(ctx, &ChangeSet{Record: rec}); err != nil {
			return err
		}
		record = rec

		s.logger.Info("台帳レコード状態を更新しました",
			zap.String("operation", operation),
			zap.String("product_id", productID),
			zap.String("location_id", locationID),
			zap.String("actor_id", actorID),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// requiresApproval reports whether the adjustment must wait for human approval
// 調整が承認を必要とするかチェック
func (s *Service) requiresApproval(kind AdjustmentKind, quantity int64) bool {
	if kind != KindDecrease && kind != KindWriteOff {
		return false
	}
	return s.config.AutoApproveThreshold > 0 && quantity > s.config.AutoApproveThreshold
}

// newEntry builds a journal entry from an adjustment request
// 調整リクエストから仕訳を作成
func (s *Service) newEntry(rec *StockRecord, req AdjustmentRequest, delta, before, after int64, now time.Time) *AdjustmentEntry {
	return &AdjustmentEntry{
		ID:              NewEntryID(),
		StockRecordID:   rec.ID,
		Kind:            req.Kind,
		QuantityChange:  delta,
		QuantityBefore:  before,
		QuantityAfter:   after,
		Reason:          req.Reason,
		ReferenceNumber: req.ReferenceNumber,
		Notes:           req.Notes,
		ActorID:         req.ActorID,
		CreatedAt:       now,
	}
}

// getUserFromContext extracts user ID from context
// コンテキストからユーザーIDを取得
func (s *Service) getUserFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value("user_id").(string); ok {
		return userID
	}
	return "system"
}

// publishAdjusted publishes a stock adjusted event
// 在庫調整イベントを発行
func (s *Service) publishAdjusted(ctx context.Context, rec *StockRecord, e *AdjustmentEntry) {
	if s.publisher == nil {
		return
	}
	event := StockAdjustedEvent{
		ProductID:      rec.ProductID,
		LocationID:     rec.LocationID,
		Kind:           e.Kind,
		QuantityBefore: e.QuantityBefore,
		QuantityAfter:  e.QuantityAfter,
		EntryID:        e.ID,
		ActorID:        e.ActorID,
		Timestamp:      time.Now(),
	}
	if err := s.publisher.PublishStockAdjusted(ctx, event); err != nil {
		s.logger.Error("調整イベント発行に失敗しました", zap.Error(err))
	}
}

// publishReservation publishes a reservation transition event
// 予約遷移イベントを発行
func (s *Service) publishReservation(ctx context.Context, rec *StockRecord, token string, quantity int64, transition string) {
	if s.publisher == nil {
		return
	}
	event := ReservationEvent{
		ProductID:  rec.ProductID,
		LocationID: rec.LocationID,
		Token:      token,
		Quantity:   quantity,
		Transition: transition,
		Timestamp:  time.Now(),
	}
	if err := s.publisher.PublishReservationChanged(ctx, event); err != nil {
		s.logger.Error("予約イベント発行に失敗しました", zap.Error(err))
	}
}

// maybeNotifyLowStock publishes a low stock event when the derived status
// has entered the low stock or shortage band
// 導出ステータスが低在庫または在庫不足になった場合にイベントを発行
func (s *Service) maybeNotifyLowStock(ctx context.Context, rec *StockRecord) {
	if s.publisher == nil {
		return
	}
	if rec.Status != StatusLowStock && rec.Status != StatusShortage {
		return
	}
	event := LowStockEvent{
		ProductID:        rec.ProductID,
		LocationID:       rec.LocationID,
		Status:           rec.Status,
		AvailableQty:     rec.AvailableQuantity,
		RequiredQty:      rec.RequiredQuantity,
		ShortageQuantity: rec.ShortageQuantity,
		Timestamp:        time.Now(),
	}
	if err := s.publisher.PublishLowStock(ctx, event); err != nil {
		s.logger.Error("低在庫イベント発行に失敗しました", zap.Error(err))
	}
}
