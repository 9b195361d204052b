package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockStorage はテスト用のStorageモック
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) CreateStockRecord(ctx context.Context, record *StockRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStorage) GetStockRecord(ctx context.Context, productID, locationID string) (*StockRecord, error) {
	args := m.Called(ctx, productID, locationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StockRecord), args.Error(1)
}

func (m *MockStorage) GetStockRecordByID(ctx context.Context, id string) (*StockRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StockRecord), args.Error(1)
}

func (m *MockStorage) ListOverdueRecords(ctx context.Context, now time.Time, locationIDs []string) ([]StockRecord, error) {
	args := m.Called(ctx, now, locationIDs)
	return args.Get(0).([]StockRecord), args.Error(1)
}

func (m *MockStorage) ApplyChange(ctx context.Context, change *ChangeSet) error {
	args := m.Called(ctx, change)
	return args.Error(0)
}

func (m *MockStorage) GetAdjustment(ctx context.Context, entryID string) (*AdjustmentEntry, error) {
	args := m.Called(ctx, entryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*AdjustmentEntry), args.Error(1)
}

func (m *MockStorage) ListAdjustments(ctx context.Context, stockRecordID string, limit int) ([]AdjustmentEntry, error) {
	args := m.Called(ctx, stockRecordID, limit)
	return args.Get(0).([]AdjustmentEntry), args.Error(1)
}

func (m *MockStorage) GetReservationClaim(ctx context.Context, stockRecordID, token string) (*ReservationClaim, error) {
	args := m.Called(ctx, stockRecordID, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ReservationClaim), args.Error(1)
}

func (m *MockStorage) ListReservationClaims(ctx context.Context, stockRecordID string) ([]ReservationClaim, error) {
	args := m.Called(ctx, stockRecordID)
	return args.Get(0).([]ReservationClaim), args.Error(1)
}

func (m *MockStorage) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

// newTestService はテスト用の台帳サービスを作成
func newTestService(storage Storage) *Service {
	return NewService(storage, nil, zap.NewNop(), nil, &Config{
		Thresholds:           Thresholds{LowStockPercent: 120},
		AutoApproveThreshold: 100,
		ReservationTTL:       30 * time.Minute,
		MaxRetries:           3,
		RetryBaseDelay:       time.Millisecond,
	})
}

// testRecord はテスト用の台帳レコードを作成
func testRecord(available, reserved int64) *StockRecord {
	return &StockRecord{
		ID:                "rec-1",
		ProductID:         "ITEM-A",
		LocationID:        "LOC-1",
		AvailableQuantity: available,
		ReservedQuantity:  reserved,
		IsActive:          true,
		Version:           1,
		UpdatedAt:         time.Now(),
		UpdatedBy:         "system",
	}
}

// TestService_Adjust_Increase は入庫調整のテスト
func TestService_Adjust_Increase(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(100, 0), nil)

	var applied *ChangeSet
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).
		Run(func(args mock.Arguments) { applied = args.Get(1).(*ChangeSet) }).
		Return(nil)

	record, entry, err := service.Adjust(ctx, "ITEM-A", "LOC-1", AdjustmentRequest{
		Kind:            KindIncrease,
		Quantity:        50,
		Reason:          "入荷",
		ReferenceNumber: "PO-001",
		ActorID:         "alice",
	})

	assert.NoError(t, err)
	assert.Equal(t, int64(150), record.AvailableQuantity)
	assert.Equal(t, int64(2), record.Version)
	assert.Equal(t, "alice", record.UpdatedBy)

	assert.Equal(t, int64(100), entry.QuantityBefore)
	assert.Equal(t, int64(150), entry.QuantityAfter)
	assert.Equal(t, int64(50), entry.QuantityChange)
	assert.Equal(t, ApprovalApproved, entry.ApprovalStatus)

	// レコードと仕訳が同一の変更セットで適用される
	assert.NotNil(t, applied.Record)
	assert.NotNil(t, applied.NewEntry)
	mockStorage.AssertExpectations(t)
}

// TestService_Adjust_CreatesRecord は未追跡ペアへの入庫でレコードが作成されるテスト
func TestService_Adjust_CreatesRecord(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-NEW", "LOC-1").Return(nil, ErrRecordNotFound)
	mockStorage.On("CreateStockRecord", ctx, mock.AnythingOfType("*ledger.StockRecord")).Return(nil)
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).Return(nil)

	record, entry, err := service.Adjust(ctx, "ITEM-NEW", "LOC-1", AdjustmentRequest{
		Kind:     KindIncrease,
		Quantity: 10,
		Reason:   "初回入荷",
		ActorID:  "alice",
	})

	assert.NoError(t, err)
	assert.Equal(t, int64(10), record.AvailableQuantity)
	assert.Equal(t, int64(10), entry.QuantityChange)
	assert.Equal(t, int64(0), entry.QuantityBefore)
	mockStorage.AssertExpectations(t)
}

// TestService_Adjust_DecreaseUnknownRecord は未追跡ペアへの出庫が拒否されるテスト
func TestService_Adjust_DecreaseUnknownRecord(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-X", "LOC-1").Return(nil, ErrRecordNotFound)

	_, _, err := service.Adjust(ctx, "ITEM-X", "LOC-1", AdjustmentRequest{
		Kind:     KindDecrease,
		Quantity: 10,
		Reason:   "出庫",
		ActorID:  "alice",
	})

	assert.ErrorIs(t, err, ErrRecordNotFound)
	mockStorage.AssertNotCalled(t, "CreateStockRecord", mock.Anything, mock.Anything)
}

// TestService_Adjust_NegativeRejected は負の在庫になる調整が拒否されるテスト
func TestService_Adjust_NegativeRejected(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(10, 0), nil)

	_, _, err := service.Adjust(ctx, "ITEM-A", "LOC-1", AdjustmentRequest{
		Kind:     KindDecrease,
		Quantity: 20,
		Reason:   "出庫",
		ActorID:  "alice",
	})

	assert.ErrorIs(t, err, ErrInvalidAdjustment)
	mockStorage.AssertNotCalled(t, "ApplyChange", mock.Anything, mock.Anything)
}

// TestService_Adjust_Correction は棚卸補正が符号付き差分に変換されるテスト
func TestService_Adjust_Correction(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(100, 0), nil)
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).Return(nil)

	record, entry, err := service.Adjust(ctx, "ITEM-A", "LOC-1", AdjustmentRequest{
		Kind:     KindCorrection,
		Quantity: 40, // 絶対目標値
		Reason:   "棚卸差異",
		ActorID:  "auditor",
	})

	assert.NoError(t, err)
	assert.Equal(t, int64(40), record.AvailableQuantity)
	assert.Equal(t, int64(-60), entry.QuantityChange)
	assert.Equal(t, KindCorrection, entry.Kind)
}

// TestService_Adjust_PendingApproval は閾値超過の出庫が承認待ちになるテスト
func TestService_Adjust_PendingApproval(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(500, 0), nil)

	var applied *ChangeSet
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).
		Run(func(args mock.Arguments) { applied = args.Get(1).(*ChangeSet) }).
		Return(nil)

	record, entry, err := service.Adjust(ctx, "ITEM-A", "LOC-1", AdjustmentRequest{
		Kind:     KindDecrease,
		Quantity: 150, // 閾値100を超える
		Reason:   "大口出庫",
		ActorID:  "alice",
	})

	assert.NoError(t, err)
	assert.Equal(t, ApprovalPending, entry.ApprovalStatus)
	assert.Nil(t, entry.ApprovedAt)

	// 数量は承認されるまで適用されない
	assert.Equal(t, int64(500), record.AvailableQuantity)
	assert.Equal(t, int64(1), record.Version)
	assert.Nil(t, applied.Record)
	assert.NotNil(t, applied.NewEntry)
}

// TestService_Adjust_InactiveRecord は無効化済みレコードへの調整が拒否されるテスト
func TestService_Adjust_InactiveRecord(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	rec := testRecord(100, 0)
	rec.IsActive = false
	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(rec, nil)

	_, _, err := service.Adjust(ctx, "ITEM-A", "LOC-1", AdjustmentRequest{
		Kind:     KindIncrease,
		Quantity: 10,
		Reason:   "入荷",
		ActorID:  "alice",
	})

	assert.ErrorIs(t, err, ErrRecordInactive)
}

// TestService_Approve は承認待ち仕訳の承認と適用のテスト
func TestService_Approve(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	pending := &AdjustmentEntry{
		ID:             "entry-1",
		StockRecordID:  "rec-1",
		Kind:           KindDecrease,
		QuantityChange: -150,
		ActorID:        "alice",
		ApprovalStatus: ApprovalPending,
		CreatedAt:      time.Now(),
	}

	mockStorage.On("GetAdjustment", ctx, "entry-1").Return(pending, nil)
	mockStorage.On("GetStockRecordByID", ctx, "rec-1").Return(testRecord(200, 0), nil)

	var applied *ChangeSet
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).
		Run(func(args mock.Arguments) { applied = args.Get(1).(*ChangeSet) }).
		Return(nil)

	record, entry, err := service.Approve(ctx, "entry-1", "bob")

	assert.NoError(t, err)
	assert.Equal(t, int64(50), record.AvailableQuantity)

	// スナップショットは適用時点の値で確定する
	assert.Equal(t, int64(200), entry.QuantityBefore)
	assert.Equal(t, int64(50), entry.QuantityAfter)
	assert.Equal(t, ApprovalApproved, entry.ApprovalStatus)
	assert.Equal(t, "bob", *entry.ApproverID)
	assert.NotNil(t, entry.ApprovedAt)

	assert.NotNil(t, applied.Record)
	assert.NotNil(t, applied.EntryDecision)
	assert.Nil(t, applied.NewEntry)
}

// TestService_Approve_SelfApproval は申請者自身の承認が拒否されるテスト
func TestService_Approve_SelfApproval(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	pending := &AdjustmentEntry{
		ID:             "entry-1",
		ActorID:        "alice",
		ApprovalStatus: ApprovalPending,
	}
	mockStorage.On("GetAdjustment", ctx, "entry-1").Return(pending, nil)

	_, _, err := service.Approve(ctx, "entry-1", "alice")

	assert.ErrorIs(t, err, ErrSelfApproval)
	mockStorage.AssertNotCalled(t, "ApplyChange", mock.Anything, mock.Anything)
}

// TestService_Approve_AlreadyDecided は決定済み仕訳の再承認が拒否されるテスト
func TestService_Approve_AlreadyDecided(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	decided := &AdjustmentEntry{
		ID:             "entry-1",
		ActorID:        "alice",
		ApprovalStatus: ApprovalApproved,
	}
	mockStorage.On("GetAdjustment", ctx, "entry-1").Return(decided, nil)

	_, _, err := service.Approve(ctx, "entry-1", "bob")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

// TestService_Approve_StaleEntry は現在状態で負になる承認が失敗するテスト
func TestService_Approve_StaleEntry(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	pending := &AdjustmentEntry{
		ID:             "entry-1",
		StockRecordID:  "rec-1",
		QuantityChange: -150,
		ActorID:        "alice",
		ApprovalStatus: ApprovalPending,
	}
	mockStorage.On("GetAdjustment", ctx, "entry-1").Return(pending, nil)
	mockStorage.On("GetStockRecordByID", ctx, "rec-1").Return(testRecord(100, 0), nil)

	_, _, err := service.Approve(ctx, "entry-1", "bob")

	// 仕訳は承認待ちのまま残る
	assert.ErrorIs(t, err, ErrInvalidAdjustment)
	mockStorage.AssertNotCalled(t, "ApplyChange", mock.Anything, mock.Anything)
}

// TestService_Reject は承認待ち仕訳の却下のテスト
func TestService_Reject(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	pending := &AdjustmentEntry{
		ID:             "entry-1",
		StockRecordID:  "rec-1",
		QuantityChange: -150,
		ActorID:        "alice",
		ApprovalStatus: ApprovalPending,
	}
	mockStorage.On("GetAdjustment", ctx, "entry-1").Return(pending, nil)
	mockStorage.On("GetStockRecordByID", ctx, "rec-1").Return(testRecord(200, 0), nil)

	var applied *ChangeSet
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).
		Run(func(args mock.Arguments) { applied = args.Get(1).(*ChangeSet) }).
		Return(nil)

	entry, err := service.Reject(ctx, "entry-1", "bob")

	assert.NoError(t, err)
	assert.Equal(t, ApprovalRejected, entry.ApprovalStatus)
	assert.Equal(t, "bob", *entry.ApproverID)

	// 却下ではレコードは変更されない
	assert.Nil(t, applied.Record)
	assert.NotNil(t, applied.EntryDecision)
}

// TestService_Reserve は在庫予約のテスト
func TestService_Reserve(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(100, 0), nil)
	mockStorage.On("GetReservationClaim", ctx, "rec-1", "ORDER-1").Return(nil, ErrReservationNotFound)

	var applied *ChangeSet
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).
		Run(func(args mock.Arguments) { applied = args.Get(1).(*ChangeSet) }).
		Return(nil)

	record, err := service.Reserve(ctx, "ITEM-A", "LOC-1", 30, "ORDER-1")

	assert.NoError(t, err)
	assert.Equal(t, int64(70), record.AvailableQuantity)
	assert.Equal(t, int64(30), record.ReservedQuantity)
	assert.Equal(t, int64(100), record.TotalQuantity())
	assert.NotNil(t, record.ReservationExpiresAt)

	assert.NotNil(t, applied.PutClaim)
	assert.Equal(t, "ORDER-1", applied.PutClaim.Token)
	assert.Equal(t, int64(30), applied.PutClaim.Quantity)
}

// TestService_Reserve_Insufficient は在庫不足の予約が拒否されるテスト
func TestService_Reserve_Insufficient(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(10, 0), nil)
	mockStorage.On("GetReservationClaim", ctx, "rec-1", "ORDER-1").Return(nil, ErrReservationNotFound)

	_, err := service.Reserve(ctx, "ITEM-A", "LOC-1", 30, "ORDER-1")

	assert.ErrorIs(t, err, ErrInsufficientStock)
	mockStorage.AssertNotCalled(t, "ApplyChange", mock.Anything, mock.Anything)
}

// TestService_Reserve_IdempotentReplay は同一トークンの再送が二重予約にならないテスト
func TestService_Reserve_IdempotentReplay(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	existing := &ReservationClaim{
		StockRecordID: "rec-1",
		Token:         "ORDER-1",
		Quantity:      30,
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(70, 30), nil)
	mockStorage.On("GetReservationClaim", ctx, "rec-1", "ORDER-1").Return(existing, nil)

	record, err := service.Reserve(ctx, "ITEM-A", "LOC-1", 30, "ORDER-1")

	assert.NoError(t, err)
	assert.Equal(t, int64(70), record.AvailableQuantity)
	assert.Equal(t, int64(30), record.ReservedQuantity)
	mockStorage.AssertNotCalled(t, "ApplyChange", mock.Anything, mock.Anything)
}

// TestService_Release は予約解除のテスト
func TestService_Release(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	claim := &ReservationClaim{
		StockRecordID: "rec-1",
		Token:         "ORDER-1",
		Quantity:      30,
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(70, 30), nil)
	mockStorage.On("GetReservationClaim", ctx, "rec-1", "ORDER-1").Return(claim, nil)
	mockStorage.On("ListReservationClaims", ctx, "rec-1").Return([]ReservationClaim{*claim}, nil)

	var applied *ChangeSet
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).
		Run(func(args mock.Arguments) { applied = args.Get(1).(*ChangeSet) }).
		Return(nil)

	record, err := service.Release(ctx, "ITEM-A", "LOC-1", "ORDER-1")

	assert.NoError(t, err)
	assert.Equal(t, int64(100), record.AvailableQuantity)
	assert.Equal(t, int64(0), record.ReservedQuantity)

	// 最後の予約が消えたのでウォーターマークもクリアされる
	assert.Nil(t, record.ReservationExpiresAt)
	assert.Equal(t, []string{"ORDER-1"}, applied.DeleteClaimTokens)
}

// TestService_Release_UnknownToken は未知トークンの解除が何もしないテスト
func TestService_Release_UnknownToken(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(70, 30), nil)
	mockStorage.On("GetReservationClaim", ctx, "rec-1", "UNKNOWN").Return(nil, ErrReservationNotFound)

	record, err := service.Release(ctx, "ITEM-A", "LOC-1", "UNKNOWN")

	assert.NoError(t, err)
	assert.Equal(t, int64(70), record.AvailableQuantity)
	assert.Equal(t, int64(30), record.ReservedQuantity)
	mockStorage.AssertNotCalled(t, "ApplyChange", mock.Anything, mock.Anything)
}

// TestService_Confirm は予約確定のテスト
func TestService_Confirm(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	claim := &ReservationClaim{
		StockRecordID: "rec-1",
		Token:         "ORDER-1",
		Quantity:      10,
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(40, 10), nil)
	mockStorage.On("GetReservationClaim", ctx, "rec-1", "ORDER-1").Return(claim, nil)
	mockStorage.On("ListReservationClaims", ctx, "rec-1").Return([]ReservationClaim{*claim}, nil)

	var applied *ChangeSet
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).
		Run(func(args mock.Arguments) { applied = args.Get(1).(*ChangeSet) }).
		Return(nil)

	record, entry, err := service.Confirm(ctx, "ITEM-A", "LOC-1", "ORDER-1")

	assert.NoError(t, err)
	assert.Equal(t, int64(40), record.AvailableQuantity)
	assert.Equal(t, int64(0), record.ReservedQuantity)

	// スナップショットは予約前の視点で記録される
	assert.Equal(t, int64(50), entry.QuantityBefore)
	assert.Equal(t, int64(40), entry.QuantityAfter)
	assert.Equal(t, int64(-10), entry.QuantityChange)
	assert.Equal(t, KindDecrease, entry.Kind)
	assert.Equal(t, "order fulfilled", entry.Reason)
	assert.Equal(t, "ORDER-1", entry.ReferenceNumber)

	assert.Equal(t, []string{"ORDER-1"}, applied.DeleteClaimTokens)
	assert.NotNil(t, applied.NewEntry)
}

// TestService_Confirm_UnknownToken は未知トークンの確定が失敗するテスト
func TestService_Confirm_UnknownToken(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(40, 10), nil)
	mockStorage.On("GetReservationClaim", ctx, "rec-1", "UNKNOWN").Return(nil, ErrReservationNotFound)

	_, _, err := service.Confirm(ctx, "ITEM-A", "LOC-1", "UNKNOWN")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

// TestService_ExpireOverdueReservations は失効スイープのテスト
func TestService_ExpireOverdueReservations(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Minute)
	rec := testRecord(70, 30)
	rec.ReservationExpiresAt = &past

	expired := ReservationClaim{
		StockRecordID: "rec-1",
		Token:         "ORDER-OLD",
		Quantity:      30,
		ExpiresAt:     past,
	}

	mockStorage.On("ListOverdueRecords", ctx, now, []string(nil)).Return([]StockRecord{*rec}, nil)
	mockStorage.On("GetStockRecordByID", ctx, "rec-1").Return(rec, nil)
	mockStorage.On("ListReservationClaims", ctx, "rec-1").Return([]ReservationClaim{expired}, nil)

	var applied *ChangeSet
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).
		Run(func(args mock.Arguments) { applied = args.Get(1).(*ChangeSet) }).
		Return(nil)

	swept, err := service.ExpireOverdueReservations(ctx, now, nil)

	assert.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, int64(100), applied.Record.AvailableQuantity)
	assert.Equal(t, int64(0), applied.Record.ReservedQuantity)
	assert.Nil(t, applied.Record.ReservationExpiresAt)
	assert.Equal(t, []string{"ORDER-OLD"}, applied.DeleteClaimTokens)
}

// TestService_ExpireOverdueReservations_AlreadySwept は処理済みレコードのスキップテスト
func TestService_ExpireOverdueReservations_AlreadySwept(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord(100, 0)
	mockStorage.On("ListOverdueRecords", ctx, now, []string(nil)).Return([]StockRecord{*rec}, nil)
	mockStorage.On("GetStockRecordByID", ctx, "rec-1").Return(rec, nil)
	// 競合するスイープが既に予約を解放済み
	mockStorage.On("ListReservationClaims", ctx, "rec-1").Return([]ReservationClaim{}, nil)

	swept, err := service.ExpireOverdueReservations(ctx, now, nil)

	assert.NoError(t, err)
	assert.Equal(t, 0, swept)
	mockStorage.AssertNotCalled(t, "ApplyChange", mock.Anything, mock.Anything)
}

// TestService_RetryOnVersionConflict はバージョン競合時のリトライテスト
func TestService_RetryOnVersionConflict(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	// 1回目は競合、2回目は最新状態を読み直して成功
	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(100, 0), nil).Once()
	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(90, 0), nil).Once()
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).Return(ErrVersionMismatch).Once()
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).Return(nil).Once()

	record, _, err := service.Adjust(ctx, "ITEM-A", "LOC-1", AdjustmentRequest{
		Kind:     KindIncrease,
		Quantity: 10,
		Reason:   "入荷",
		ActorID:  "alice",
	})

	assert.NoError(t, err)
	assert.Equal(t, int64(100), record.AvailableQuantity)
	mockStorage.AssertExpectations(t)
}

// TestService_RetryExhausted はリトライ上限到達のテスト
func TestService_RetryExhausted(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").
		Return(testRecord(100, 0), nil).
		Times(3)
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).
		Return(ErrVersionMismatch).
		Times(3)

	_, _, err := service.Adjust(ctx, "ITEM-A", "LOC-1", AdjustmentRequest{
		Kind:     KindIncrease,
		Quantity: 10,
		Reason:   "入荷",
		ActorID:  "alice",
	})

	var concurrencyErr *ConcurrencyError
	assert.ErrorAs(t, err, &concurrencyErr)
	mockStorage.AssertExpectations(t)
}

// TestService_SetInProduction は生産中フラグ設定のテスト
func TestService_SetInProduction(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	rec := testRecord(0, 0)
	rec.RequiredQuantity = 100
	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(rec, nil)
	mockStorage.On("ApplyChange", ctx, mock.AnythingOfType("*ledger.ChangeSet")).Return(nil)

	record, err := service.SetInProduction(ctx, "ITEM-A", "LOC-1", "planner")

	assert.NoError(t, err)
	assert.True(t, record.InProduction)

	// 在庫ゼロでも生産中が優先される
	assert.Equal(t, StatusInProduction, record.Status)
	assert.Equal(t, int64(100), record.ShortageQuantity)
}

// TestService_DeactivateRecord_WithReservations は予約残ありの無効化拒否テスト
func TestService_DeactivateRecord_WithReservations(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(testRecord(70, 30), nil)

	_, err := service.DeactivateRecord(ctx, "ITEM-A", "LOC-1", "admin")

	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
	mockStorage.AssertNotCalled(t, "ApplyChange", mock.Anything, mock.Anything)
}

// TestService_GetStockRecord は照会時に導出フィールドが再計算されるテスト
func TestService_GetStockRecord(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	rec := testRecord(30, 0)
	rec.RequiredQuantity = 100
	mockStorage.On("GetStockRecord", ctx, "ITEM-A", "LOC-1").Return(rec, nil)

	record, err := service.GetStockRecord(ctx, "ITEM-A", "LOC-1")

	assert.NoError(t, err)
	assert.Equal(t, StatusShortage, record.Status)
	assert.Equal(t, int64(70), record.ShortageQuantity)
}

// TestService_ListAdjustments は履歴照会のテスト
func TestService_ListAdjustments(t *testing.T) {
	mockStorage := new(MockStorage)
	service := newTestService(mockStorage)
	ctx := context.Background()

	entries := []AdjustmentEntry{
		{ID: "entry-2", Kind: KindDecrease},
		{ID: "entry-1", Kind: KindIncrease},
	}
	// limit未指定時はデフォルトの50件
	mockStorage.On("ListAdjustments", ctx, "rec-1", 50).Return(entries, nil)

	got, err := service.ListAdjustments(ctx, "rec-1", 0)

	assert.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "entry-2", got[0].ID)
}
