package ledger

// Thresholds holds the configured inputs of the status derivation
// ステータス導出の設定値を保持
type Thresholds struct {
	// LowStockPercent defines the low stock band as a percentage of
	// RequiredQuantity. Records at or above required but below
	// required * percent / 100 count as low stock. Values of 100 or less
	// disable the band, since shortage already covers everything below
	// required.
	// 必要数量に対する低在庫帯のパーセンテージ。必要数量以上かつ
	// required * percent / 100 未満を低在庫と判定。100以下で無効
	LowStockPercent int64 `yaml:"low_stock_percent"`
}

// ShortageOf returns how far available falls short of required, never negative
// 必要数量に対する不足分を返す（負にはならない）
func ShortageOf(required, available int64) int64 {
	if shortage := required - available; shortage > 0 {
		return shortage
	}
	return 0
}

// DeriveStatus derives the stock status from current quantities and thresholds.
// The function is total and side-effect free: every quantity combination maps
// to exactly one status. Priority: the sticky in-production flag, then
// shortage, then the low stock band, then enough stock.
// 現在の数量と閾値から在庫ステータスを導出。全数量の組み合わせに対して定義され、
// 副作用を持たない。優先順位：生産中フラグ → 在庫不足 → 低在庫 → 十分な在庫
func DeriveStatus(available, required int64, inProduction bool, t Thresholds) StockStatus {
	if inProduction {
		return StatusInProduction
	}
	if ShortageOf(required, available) > 0 {
		return StatusShortage
	}
	if t.LowStockPercent > 100 && required > 0 {
		lowBand := required * t.LowStockPercent / 100
		if available > 0 && available < lowBand {
			return StatusLowStock
		}
	}
	return StatusEnoughStock
}
