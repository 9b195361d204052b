package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestShortageOf は不足数量計算のテスト
func TestShortageOf(t *testing.T) {
	tests := []struct {
		name      string
		required  int64
		available int64
		want      int64
	}{
		{"不足なし", 50, 100, 0},
		{"ちょうど", 100, 100, 0},
		{"不足あり", 100, 30, 70},
		{"在庫ゼロ", 100, 0, 100},
		{"必要数量ゼロ", 0, 50, 0},
		{"両方ゼロ", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShortageOf(tt.required, tt.available))
		})
	}
}

// TestDeriveStatus はステータス導出のテスト
func TestDeriveStatus(t *testing.T) {
	thresholds := Thresholds{LowStockPercent: 120}

	tests := []struct {
		name         string
		available    int64
		required     int64
		inProduction bool
		want         StockStatus
	}{
		{"十分な在庫", 200, 100, false, StatusEnoughStock},
		{"低在庫帯の下限", 100, 100, false, StatusLowStock},
		{"低在庫帯の内側", 119, 100, false, StatusLowStock},
		{"低在庫帯の上限", 120, 100, false, StatusEnoughStock},
		{"在庫不足", 99, 100, false, StatusShortage},
		{"在庫ゼロは不足", 0, 100, false, StatusShortage},
		{"必要数量ゼロは常に十分", 0, 0, false, StatusEnoughStock},
		{"必要数量ゼロで在庫あり", 50, 0, false, StatusEnoughStock},
		{"生産中は他より優先", 0, 100, true, StatusInProduction},
		{"生産中は十分でも優先", 500, 100, true, StatusInProduction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveStatus(tt.available, tt.required, tt.inProduction, thresholds)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestDeriveStatus_BandDisabled は低在庫帯が無効な場合のテスト
func TestDeriveStatus_BandDisabled(t *testing.T) {
	// 100以下のパーセンテージでは低在庫帯は成立しない
	thresholds := Thresholds{LowStockPercent: 100}

	assert.Equal(t, StatusEnoughStock, DeriveStatus(100, 100, false, thresholds))
	assert.Equal(t, StatusShortage, DeriveStatus(99, 100, false, thresholds))

	zero := Thresholds{}
	assert.Equal(t, StatusEnoughStock, DeriveStatus(100, 100, false, zero))
}

// TestStockRecord_Recompute は導出フィールド再計算のテスト
func TestStockRecord_Recompute(t *testing.T) {
	record := &StockRecord{
		AvailableQuantity: 30,
		RequiredQuantity:  100,
	}

	record.Recompute(Thresholds{LowStockPercent: 120})

	assert.Equal(t, int64(70), record.ShortageQuantity)
	assert.Equal(t, StatusShortage, record.Status)

	record.InProduction = true
	record.Recompute(Thresholds{LowStockPercent: 120})

	// 不足数量は生産中でも導出される
	assert.Equal(t, int64(70), record.ShortageQuantity)
	assert.Equal(t, StatusInProduction, record.Status)
}

// TestStockRecord_TotalQuantity は物理在庫合計のテスト
func TestStockRecord_TotalQuantity(t *testing.T) {
	record := &StockRecord{
		AvailableQuantity: 70,
		ReservedQuantity:  30,
	}
	assert.Equal(t, int64(100), record.TotalQuantity())
}

// BenchmarkDeriveStatus はステータス導出のベンチマーク
func BenchmarkDeriveStatus(b *testing.B) {
	thresholds := Thresholds{LowStockPercent: 120}
	for i := 0; i < b.N; i++ {
		DeriveStatus(int64(i%200), 100, false, thresholds)
	}
}
