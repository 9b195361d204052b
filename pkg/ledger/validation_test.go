package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestValidateProductID は商品IDバリデーションのテスト
func TestValidateProductID(t *testing.T) {
	assert.NoError(t, ValidateProductID("ITEM-001"))
	assert.NoError(t, ValidateProductID("item_001"))

	assert.Error(t, ValidateProductID(""))
	assert.Error(t, ValidateProductID("商品A"))
	assert.Error(t, ValidateProductID("item 001"))
	assert.Error(t, ValidateProductID(strings.Repeat("a", 256)))
}

// TestValidateLocationID はロケーションIDバリデーションのテスト
func TestValidateLocationID(t *testing.T) {
	assert.NoError(t, ValidateLocationID("WAREHOUSE-01"))

	assert.Error(t, ValidateLocationID(""))
	assert.Error(t, ValidateLocationID("loc/01"))
}

// TestValidateReservationToken は予約トークンバリデーションのテスト
func TestValidateReservationToken(t *testing.T) {
	assert.NoError(t, ValidateReservationToken("ORDER-2026-001"))

	assert.Error(t, ValidateReservationToken(""))
	assert.Error(t, ValidateReservationToken(" token"))
	assert.Error(t, ValidateReservationToken("token "))
	assert.Error(t, ValidateReservationToken(strings.Repeat("t", 256)))
}

// TestValidateAdjustmentRequest は調整リクエストバリデーションのテスト
func TestValidateAdjustmentRequest(t *testing.T) {
	valid := AdjustmentRequest{
		Kind:     KindIncrease,
		Quantity: 10,
		Reason:   "入荷",
		ActorID:  "user1",
	}
	assert.NoError(t, ValidateAdjustmentRequest(valid))

	tests := []struct {
		name   string
		mutate func(r *AdjustmentRequest)
	}{
		{"数量ゼロの入庫", func(r *AdjustmentRequest) { r.Quantity = 0 }},
		{"負の数量の出庫", func(r *AdjustmentRequest) { r.Kind = KindDecrease; r.Quantity = -5 }},
		{"数量が大きすぎる", func(r *AdjustmentRequest) { r.Quantity = 1000000000 }},
		{"未知の種別", func(r *AdjustmentRequest) { r.Kind = "transfer" }},
		{"理由が空", func(r *AdjustmentRequest) { r.Reason = "  " }},
		{"理由が長すぎる", func(r *AdjustmentRequest) { r.Reason = strings.Repeat("あ", 501) }},
		{"操作者が空", func(r *AdjustmentRequest) { r.ActorID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := ValidateAdjustmentRequest(req)
			assert.Error(t, err)

			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}
}

// TestValidateAdjustmentRequest_Correction は棚卸補正のバリデーションテスト
func TestValidateAdjustmentRequest_Correction(t *testing.T) {
	// Correctionは絶対目標値のためゼロを許可
	req := AdjustmentRequest{
		Kind:     KindCorrection,
		Quantity: 0,
		Reason:   "棚卸で全量消失を確認",
		ActorID:  "auditor",
	}
	assert.NoError(t, ValidateAdjustmentRequest(req))

	req.Quantity = -1
	assert.Error(t, ValidateAdjustmentRequest(req))
}

// TestValidateReserveQuantity は予約数量バリデーションのテスト
func TestValidateReserveQuantity(t *testing.T) {
	assert.NoError(t, ValidateReserveQuantity(1))
	assert.NoError(t, ValidateReserveQuantity(999999999))

	assert.Error(t, ValidateReserveQuantity(0))
	assert.Error(t, ValidateReserveQuantity(-10))
	assert.Error(t, ValidateReserveQuantity(1000000000))
}
