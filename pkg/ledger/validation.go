package ledger

import (
	"fmt"
	"regexp"
	"strings"
)

// 識別子は英数字、ハイフン、アンダースコアのみ許可
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateProductID 商品IDの形式をバリデーション
func ValidateProductID(productID string) error {
	if productID == "" {
		return NewValidationError("product_id", "商品IDが空です", productID)
	}
	if len(productID) > 255 {
		return NewValidationError("product_id", "商品IDが長すぎます", productID)
	}
	if !identifierPattern.MatchString(productID) {
		return NewValidationError("product_id", "商品IDに無効な文字が含まれています", productID)
	}
	return nil
}

// ValidateLocationID ロケーションIDの形式をバリデーション
func ValidateLocationID(locationID string) error {
	if locationID == "" {
		return NewValidationError("location_id", "ロケーションIDが空です", locationID)
	}
	if len(locationID) > 255 {
		return NewValidationError("location_id", "ロケーションIDが長すぎます", locationID)
	}
	if !identifierPattern.MatchString(locationID) {
		return NewValidationError("location_id", "ロケーションIDに無効な文字が含まれています", locationID)
	}
	return nil
}

// ValidateReservationToken 予約トークンの形式をバリデーション
func ValidateReservationToken(token string) error {
	if token == "" {
		return NewValidationError("token", "予約トークンが空です", token)
	}
	if len(token) > 255 {
		return NewValidationError("token", "予約トークンが長すぎます", token)
	}
	if strings.TrimSpace(token) != token {
		return NewValidationError("token", "予約トークンの前後に空白は使用できません", token)
	}
	return nil
}

// ValidateActorID 操作者IDをバリデーション
func ValidateActorID(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return NewValidationError("actor_id", "操作者IDが空です", actorID)
	}
	if len(actorID) > 255 {
		return NewValidationError("actor_id", "操作者IDが長すぎます", actorID)
	}
	return nil
}

// ValidateAdjustmentRequest 調整リクエストをバリデーション
func ValidateAdjustmentRequest(req AdjustmentRequest) error {
	switch req.Kind {
	case KindIncrease, KindDecrease, KindWriteOff:
		if req.Quantity <= 0 {
			return NewValidationError("quantity", "数量は正の値である必要があります", fmt.Sprintf("%d", req.Quantity))
		}
	case KindCorrection:
		// Correctionは絶対目標値のため0を許可
		if req.Quantity < 0 {
			return NewValidationError("quantity", "補正目標値は0以上である必要があります", fmt.Sprintf("%d", req.Quantity))
		}
	default:
		return NewValidationError("kind", "未知の調整種別です", string(req.Kind))
	}
	if req.Quantity > 999999999 {
		return NewValidationError("quantity", "数量が有効範囲を超えています", fmt.Sprintf("%d", req.Quantity))
	}
	if strings.TrimSpace(req.Reason) == "" {
		return NewValidationError("reason", "理由が空です", req.Reason)
	}
	if len(req.Reason) > 500 {
		return NewValidationError("reason", "理由が長すぎます", req.Reason)
	}
	if err := ValidateActorID(req.ActorID); err != nil {
		return err
	}
	return nil
}

// ValidateReserveQuantity 予約数量をバリデーション
func ValidateReserveQuantity(quantity int64) error {
	if quantity <= 0 {
		return NewValidationError("quantity", "数量は正の値である必要があります", fmt.Sprintf("%d", quantity))
	}
	if quantity > 999999999 {
		return NewValidationError("quantity", "数量が有効範囲を超えています", fmt.Sprintf("%d", quantity))
	}
	return nil
}
