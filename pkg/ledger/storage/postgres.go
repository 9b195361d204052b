// Package storage provides the PostgreSQL persistence layer of the ledger
// 台帳のPostgreSQL永続化層を提供
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/daichoGo/pkg/ledger"
)

// PostgreSQLStorage implements the ledger.Storage interface using PostgreSQL
// PostgreSQLを使用したledger.Storageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// Storageインターフェースを実装することを明示
var _ ledger.Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgreSQLStorage{
		db:     db,
		logger: logger,
	}, nil
}

const stockRecordColumns = `id, product_id, location_id, available_quantity, reserved_quantity, required_quantity, in_production, reservation_expires_at, is_active, version, updated_at, updated_by`

// CreateStockRecord creates a new stock record
// 新しい台帳レコードを作成
func (s *PostgreSQLStorage) CreateStockRecord(ctx context.Context, record *ledger.StockRecord) error {
	query := `
		INSERT INTO stock_records (` + stockRecordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.ProductID,
		record.LocationID,
		record.AvailableQuantity,
		record.ReservedQuantity,
		record.RequiredQuantity,
		record.InProduction,
		record.ReservationExpiresAt,
		record.IsActive,
		record.Version,
		record.UpdatedAt,
		record.UpdatedBy,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ledger.ErrDuplicateRecord
		}
		return fmt.Errorf("台帳レコード作成に失敗しました: %w", err)
	}

	return nil
}

// GetStockRecord retrieves the record for a (product, location) pair
// 商品×ロケーションのペアで台帳レコードを取得
func (s *PostgreSQLStorage) GetStockRecord(ctx context.Context, productID, locationID string) (*ledger.StockRecord, error) {
	query := `
		SELECT ` + stockRecordColumns + `
		FROM stock_records
		WHERE product_id = $1 AND location_id = $2`

	return s.scanStockRecord(s.db.QueryRowContext(ctx, query, productID, locationID))
}

// GetStockRecordByID retrieves a record by its identity
// IDで台帳レコードを取得
func (s *PostgreSQLStorage) GetStockRecordByID(ctx context.Context, id string) (*ledger.StockRecord, error) {
	query := `
		SELECT ` + stockRecordColumns + `
		FROM stock_records
		WHERE id = $1`

	return s.scanStockRecord(s.db.QueryRowContext(ctx, query, id))
}

// ListOverdueRecords retrieves active records whose reservation watermark is
// due, optionally scoped to a set of locations
// 予約ウォーターマークが到来したアクティブなレコードを取得。
// ロケーションの絞り込みは任意
func (s *PostgreSQLStorage) ListOverdueRecords(ctx context.Context, now time.Time, locationIDs []string) ([]ledger.StockRecord, error) {
	query := `
		SELECT ` + stockRecordColumns + `
		FROM stock_records
		WHERE is_active = true
		  AND reservation_expires_at IS NOT NULL
		  AND reservation_expires_at <= $1`
	args := []interface{}{now}

	if len(locationIDs) > 0 {
		query += ` AND location_id = ANY($2)`
		args = append(args, pq.Array(locationIDs))
	}
	query += ` ORDER BY reservation_expires_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("失効対象レコード取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []ledger.StockRecord
	for rows.Next() {
		var record ledger.StockRecord
		if err := rows.Scan(
			&record.ID,
			&record.ProductID,
			&record.LocationID,
			&record.AvailableQuantity,
			&record.ReservedQuantity,
			&record.RequiredQuantity,
			&record.InProduction,
			&record.ReservationExpiresAt,
			&record.IsActive,
			&record.Version,
			&record.UpdatedAt,
			&record.UpdatedBy,
		); err != nil {
			return nil, fmt.Errorf("台帳レコードスキャンに失敗しました: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// ApplyChange commits one operation's effects in a single transaction:
// either every part of the change set persists or none does. The record
// update carries an optimistic version check.
// 1つの操作の効果を単一トランザクションでコミット：変更セットの全部が
// 永続化されるか、何も永続化されないか。レコード更新は楽観的
// バージョンチェック付き
func (s *PostgreSQLStorage) ApplyChange(ctx context.Context, change *ledger.ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if change.Record != nil {
		if err := s.updateStockRecordTx(ctx, tx, change.Record); err != nil {
			return err
		}
	}
	if change.NewEntry != nil {
		if err := s.insertAdjustmentTx(ctx, tx, change.NewEntry); err != nil {
			return err
		}
	}
	if change.EntryDecision != nil {
		if err := s.decideAdjustmentTx(ctx, tx, change.EntryDecision); err != nil {
			return err
		}
	}
	if change.PutClaim != nil {
		if err := s.putClaimTx(ctx, tx, change.PutClaim); err != nil {
			return err
		}
	}
	for _, token := range change.DeleteClaimTokens {
		recordID := ""
		if change.Record != nil {
			recordID = change.Record.ID
		}
		if err := s.deleteClaimTx(ctx, tx, recordID, token); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "40001" {
			return ledger.ErrVersionMismatch
		}
		return fmt.Errorf("トランザクションコミットに失敗しました: %w", err)
	}
	return nil
}

// updateStockRecordTx updates a record against its previous version
// 前バージョンを条件に台帳レコードを更新
func (s *PostgreSQLStorage) updateStockRecordTx(ctx context.Context, tx *sql.Tx, record *ledger.StockRecord) error {
	query := `
		UPDATE stock_records
		SET available_quantity = $2, reserved_quantity = $3, required_quantity = $4,
		    in_production = $5, reservation_expires_at = $6, is_active = $7,
		    version = $8, updated_at = $9, updated_by = $10
		WHERE id = $1 AND version = $11`

	result, err := tx.ExecContext(ctx, query,
		record.ID,
		record.AvailableQuantity,
		record.ReservedQuantity,
		record.RequiredQuantity,
		record.InProduction,
		record.ReservationExpiresAt,
		record.IsActive,
		record.Version,
		record.UpdatedAt,
		record.UpdatedBy,
		record.Version-1, // 楽観的ロックのための前バージョン
	)
	if err != nil {
		return fmt.Errorf("台帳レコード更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return ledger.ErrVersionMismatch
	}
	return nil
}

// insertAdjustmentTx appends a journal entry
// 仕訳を追記
func (s *PostgreSQLStorage) insertAdjustmentTx(ctx context.Context, tx *sql.Tx, entry *ledger.AdjustmentEntry) error {
	query := `
		INSERT INTO adjustment_entries (id, stock_record_id, kind, quantity_change, quantity_before, quantity_after, reason, reference_number, notes, actor_id, approval_status, approver_id, approved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := tx.ExecContext(ctx, query,
		entry.ID,
		entry.StockRecordID,
		entry.Kind,
		entry.QuantityChange,
		entry.QuantityBefore,
		entry.QuantityAfter,
		entry.Reason,
		entry.ReferenceNumber,
		entry.Notes,
		entry.ActorID,
		entry.ApprovalStatus,
		entry.ApproverID,
		entry.ApprovedAt,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("仕訳作成に失敗しました: %w", err)
	}
	return nil
}

// decideAdjustmentTx transitions a pending entry to approved or rejected.
// Entries are otherwise immutable; the WHERE clause guards against deciding
// the same entry twice.
// 承認待ち仕訳を承認済みまたは却下に遷移。仕訳はそれ以外不変であり、
// WHERE句で二重決定を防止
func (s *PostgreSQLStorage) decideAdjustmentTx(ctx context.Context, tx *sql.Tx, entry *ledger.AdjustmentEntry) error {
	query := `
		UPDATE adjustment_entries
		SET quantity_before = $2, quantity_after = $3, approval_status = $4, approver_id = $5, approved_at = $6
		WHERE id = $1 AND approval_status = 'pending'`

	result, err := tx.ExecContext(ctx, query,
		entry.ID,
		entry.QuantityBefore,
		entry.QuantityAfter,
		entry.ApprovalStatus,
		entry.ApproverID,
		entry.ApprovedAt,
	)
	if err != nil {
		return fmt.Errorf("仕訳の承認状態更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return ledger.ErrAlreadyDecided
	}
	return nil
}

// putClaimTx inserts a reservation claim; token replays are ignored so a
// duplicate Reserve commits as a no-op
// 予約を挿入。トークンの再送は無視され、重複Reserveは何もせずコミットされる
func (s *PostgreSQLStorage) putClaimTx(ctx context.Context, tx *sql.Tx, claim *ledger.ReservationClaim) error {
	query := `
		INSERT INTO reservation_claims (stock_record_id, token, quantity, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stock_record_id, token) DO NOTHING`

	_, err := tx.ExecContext(ctx, query,
		claim.StockRecordID,
		claim.Token,
		claim.Quantity,
		claim.CreatedAt,
		claim.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("予約作成に失敗しました: %w", err)
	}
	return nil
}

// deleteClaimTx removes a reservation claim; missing rows are not an error
// 予約を削除。対象行がなくてもエラーにしない
func (s *PostgreSQLStorage) deleteClaimTx(ctx context.Context, tx *sql.Tx, stockRecordID, token string) error {
	var err error
	if stockRecordID != "" {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM reservation_claims WHERE stock_record_id = $1 AND token = $2`,
			stockRecordID, token)
	} else {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM reservation_claims WHERE token = $1`, token)
	}
	if err != nil {
		return fmt.Errorf("予約削除に失敗しました: %w", err)
	}
	return nil
}

// GetAdjustment retrieves an adjustment entry by ID
// IDで仕訳を取得
func (s *PostgreSQLStorage) GetAdjustment(ctx context.Context, entryID string) (*ledger.AdjustmentEntry, error) {
	query := `
		SELECT id, stock_record_id, kind, quantity_change, quantity_before, quantity_after, reason, reference_number, notes, actor_id, approval_status, approver_id, approved_at, created_at
		FROM adjustment_entries
		WHERE id = $1`

	entry := &ledger.AdjustmentEntry{}
	err := s.db.QueryRowContext(ctx, query, entryID).Scan(
		&entry.ID,
		&entry.StockRecordID,
		&entry.Kind,
		&entry.QuantityChange,
		&entry.QuantityBefore,
		&entry.QuantityAfter,
		&entry.Reason,
		&entry.ReferenceNumber,
		&entry.Notes,
		&entry.ActorID,
		&entry.ApprovalStatus,
		&entry.ApproverID,
		&entry.ApprovedAt,
		&entry.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrEntryNotFound
		}
		return nil, fmt.Errorf("仕訳取得に失敗しました: %w", err)
	}

	return entry, nil
}

// ListAdjustments retrieves journal entries for a record, newest first
// 台帳レコードの仕訳を新しい順で取得
func (s *PostgreSQLStorage) ListAdjustments(ctx context.Context, stockRecordID string, limit int) ([]ledger.AdjustmentEntry, error) {
	query := `
		SELECT id, stock_record_id, kind, quantity_change, quantity_before, quantity_after, reason, reference_number, notes, actor_id, approval_status, approver_id, approved_at, created_at
		FROM adjustment_entries
		WHERE stock_record_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, stockRecordID, limit)
	if err != nil {
		return nil, fmt.Errorf("仕訳履歴取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AdjustmentEntry
	for rows.Next() {
		var entry ledger.AdjustmentEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.StockRecordID,
			&entry.Kind,
			&entry.QuantityChange,
			&entry.QuantityBefore,
			&entry.QuantityAfter,
			&entry.Reason,
			&entry.ReferenceNumber,
			&entry.Notes,
			&entry.ActorID,
			&entry.ApprovalStatus,
			&entry.ApproverID,
			&entry.ApprovedAt,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("仕訳スキャンに失敗しました: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetReservationClaim retrieves a claim by record and token
// 台帳レコードとトークンで予約を取得
func (s *PostgreSQLStorage) GetReservationClaim(ctx context.Context, stockRecordID, token string) (*ledger.ReservationClaim, error) {
	query := `
		SELECT stock_record_id, token, quantity, created_at, expires_at
		FROM reservation_claims
		WHERE stock_record_id = $1 AND token = $2`

	claim := &ledger.ReservationClaim{}
	err := s.db.QueryRowContext(ctx, query, stockRecordID, token).Scan(
		&claim.StockRecordID,
		&claim.Token,
		&claim.Quantity,
		&claim.CreatedAt,
		&claim.ExpiresAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrReservationNotFound
		}
		return nil, fmt.Errorf("予約取得に失敗しました: %w", err)
	}

	return claim, nil
}

// ListReservationClaims retrieves all outstanding claims on a record
// 台帳レコードの未処理予約をすべて取得
func (s *PostgreSQLStorage) ListReservationClaims(ctx context.Context, stockRecordID string) ([]ledger.ReservationClaim, error) {
	query := `
		SELECT stock_record_id, token, quantity, created_at, expires_at
		FROM reservation_claims
		WHERE stock_record_id = $1
		ORDER BY expires_at ASC`

	rows, err := s.db.QueryContext(ctx, query, stockRecordID)
	if err != nil {
		return nil, fmt.Errorf("予約一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var claims []ledger.ReservationClaim
	for rows.Next() {
		var claim ledger.ReservationClaim
		if err := rows.Scan(
			&claim.StockRecordID,
			&claim.Token,
			&claim.Quantity,
			&claim.CreatedAt,
			&claim.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("予約スキャンに失敗しました: %w", err)
		}
		claims = append(claims, claim)
	}

	return claims, rows.Err()
}

// scanStockRecord scans a single record row, mapping missing rows to the
// not-found sentinel
// 台帳レコード1行をスキャン。行がない場合はNotFoundセンチネルを返す
func (s *PostgreSQLStorage) scanStockRecord(row *sql.Row) (*ledger.StockRecord, error) {
	record := &ledger.StockRecord{}
	err := row.Scan(
		&record.ID,
		&record.ProductID,
		&record.LocationID,
		&record.AvailableQuantity,
		&record.ReservedQuantity,
		&record.RequiredQuantity,
		&record.InProduction,
		&record.ReservationExpiresAt,
		&record.IsActive,
		&record.Version,
		&record.UpdatedAt,
		&record.UpdatedBy,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, fmt.Errorf("台帳レコード取得に失敗しました: %w", err)
	}
	return record, nil
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}
