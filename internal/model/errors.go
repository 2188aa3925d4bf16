// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, parking, ride, payment, notification, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeValidationFailed     = "VALIDATION_FAILED"
	ErrCodeUserExists           = "USER_EXISTS"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeIncorrectPassword    = "INCORRECT_PASSWORD"
	ErrCodeVehicleNotFound      = "VEHICLE_NOT_FOUND"
	ErrCodeSlotNotFound         = "SLOT_NOT_FOUND"
	ErrCodeSlotUnavailable      = "SLOT_UNAVAILABLE"
	ErrCodeSlotExists           = "SLOT_EXISTS"
	ErrCodeReservationNotFound  = "RESERVATION_NOT_FOUND"
	ErrCodeReservationNotActive = "RESERVATION_NOT_ACTIVE"
	ErrCodeInvalidCheckInCode   = "INVALID_CHECKIN_CODE"
	ErrCodeNoActiveReservation  = "NO_ACTIVE_RESERVATION"
	ErrCodeRideNotFound         = "RIDE_NOT_FOUND"
	ErrCodeRideNotCancellable   = "RIDE_NOT_CANCELLABLE"
	ErrCodeInvalidRideStatus    = "INVALID_RIDE_STATUS"
	ErrCodePaymentNotFound      = "PAYMENT_NOT_FOUND"
	ErrCodePaymentNotRefundable = "PAYMENT_NOT_REFUNDABLE"
	ErrCodeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	ErrCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUserExistsError はメールアドレス重複エラーを生成する。
func NewUserExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeUserExists,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスで登録してください。",
	}
}

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewIncorrectPasswordError は現在のパスワード不一致エラーを生成する。
func NewIncorrectPasswordError() *APIError {
	return &APIError{
		Code:     ErrCodeIncorrectPassword,
		Message:  "現在のパスワードが正しくありません。",
		Category: "auth",
		Action:   "現在のパスワードを確認してください。",
	}
}

// NewVehicleNotFoundError は車両未検出エラーを生成する。
func NewVehicleNotFoundError(vehicleID string) *APIError {
	return &APIError{
		Code:     ErrCodeVehicleNotFound,
		Message:  fmt.Sprintf("指定された車両が見つかりません: %s", vehicleID),
		Category: "validation",
		Action:   "車両IDを確認してください。",
	}
}

// NewSlotNotFoundError はスロット未検出エラーを生成する。
func NewSlotNotFoundError(slotID string) *APIError {
	return &APIError{
		Code:     ErrCodeSlotNotFound,
		Message:  fmt.Sprintf("指定された駐車スロットが見つかりません: %s", slotID),
		Category: "parking",
		Action:   "スロットIDを確認してください。",
	}
}

// NewSlotUnavailableError はスロット予約不可エラーを生成する。
func NewSlotUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeSlotUnavailable,
		Message:  "この駐車スロットは現在予約できません。",
		Category: "parking",
		Action:   "空きスロット一覧から別のスロットを選択してください。",
	}
}

// NewSlotExistsError はスロット番号重複エラーを生成する。
func NewSlotExistsError(slotNumber string) *APIError {
	return &APIError{
		Code:     ErrCodeSlotExists,
		Message:  fmt.Sprintf("スロット番号は既に使われています: %s", slotNumber),
		Category: "parking",
		Action:   "別のスロット番号を指定してください。",
	}
}

// NewReservationNotFoundError は予約未検出エラーを生成する。
func NewReservationNotFoundError(reservationID string) *APIError {
	return &APIError{
		Code:     ErrCodeReservationNotFound,
		Message:  fmt.Sprintf("指定された予約が見つかりません: %s", reservationID),
		Category: "parking",
		Action:   "予約IDを確認してください。",
	}
}

// NewReservationNotActiveError は有効でない予約への操作エラーを生成する。
func NewReservationNotActiveError() *APIError {
	return &APIError{
		Code:     ErrCodeReservationNotActive,
		Message:  "この予約は既に終了またはキャンセルされています。",
		Category: "parking",
		Action:   "予約一覧で状態を確認してください。",
	}
}

// NewInvalidCheckInCodeError はチェックインコード不正エラーを生成する。
func NewInvalidCheckInCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCheckInCode,
		Message:  "QRコードが無効か、予約が有効ではありません。",
		Category: "parking",
		Action:   "予約時に発行されたQRコードを使用してください。",
	}
}

// NewNoActiveReservationError はチェックアウト対象の予約がない場合のエラーを生成する。
func NewNoActiveReservationError() *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveReservation,
		Message:  "このスロットに有効な予約がありません。",
		Category: "parking",
		Action:   "スロットIDを確認してください。",
	}
}

// NewRideNotFoundError は乗車予約未検出エラーを生成する。
func NewRideNotFoundError(rideID string) *APIError {
	return &APIError{
		Code:     ErrCodeRideNotFound,
		Message:  fmt.Sprintf("指定された乗車予約が見つかりません: %s", rideID),
		Category: "ride",
		Action:   "乗車予約IDを確認してください。",
	}
}

// NewRideNotCancellableError はキャンセル不可な乗車へのキャンセル要求エラーを生成する。
func NewRideNotCancellableError() *APIError {
	return &APIError{
		Code:     ErrCodeRideNotCancellable,
		Message:  "この乗車予約はキャンセルできません。",
		Category: "ride",
		Action:   "キャンセルは配車待ちの乗車予約に対してのみ実行できます。",
	}
}

// NewInvalidRideStatusError は不正な乗車ステータス遷移エラーを生成する。
func NewInvalidRideStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRideStatus,
		Message:  fmt.Sprintf("無効な乗車ステータスです: %s", status),
		Category: "ride",
		Action:   "ステータスには pending、ongoing、completed、cancelled のいずれかを指定してください。完了・キャンセル済みの乗車は変更できません。",
	}
}

// NewPaymentNotFoundError は支払い未検出エラーを生成する。
func NewPaymentNotFoundError(paymentID string) *APIError {
	return &APIError{
		Code:     ErrCodePaymentNotFound,
		Message:  fmt.Sprintf("指定された支払いが見つかりません: %s", paymentID),
		Category: "payment",
		Action:   "支払いIDを確認してください。",
	}
}

// NewPaymentNotRefundableError は返金不可エラーを生成する。
func NewPaymentNotRefundableError() *APIError {
	return &APIError{
		Code:     ErrCodePaymentNotRefundable,
		Message:  "この支払いは返金できません。",
		Category: "payment",
		Action:   "返金は完了済みの支払いに対してのみ実行できます。",
	}
}

// NewNotificationNotFoundError は通知未検出エラーを生成する。
func NewNotificationNotFoundError(notificationID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotificationNotFound,
		Message:  fmt.Sprintf("指定された通知が見つかりません: %s", notificationID),
		Category: "notification",
		Action:   "通知IDを確認してください。",
	}
}

// NewInternalError は予期しないサーバーエラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "サーバー内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエスト数が上限を超えました。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}
