// Package model はドメインモデルを定義する。
package model

import "time"

// ユーザーロール
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User はサービス利用ユーザーを表す。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Phone        string
	DateOfBirth  *time.Time
	Address      string
	Avatar       string
	Role         string
	Rating       float64

	TotalRides    int
	TotalParking  int
	LoyaltyPoints int

	Subscriptions        []string
	Preferences          Preferences
	Vehicles             []Vehicle
	PaymentMethods       []PaymentMethod
	NotificationSettings NotificationSettings

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName は姓名を連結した表示名を返す。
func (u *User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// IsAdmin は管理者ロールかどうかを返す。
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Preferences はユーザーの各種設定。JSONBカラムとして永続化する。
type Preferences struct {
	Notifications NotificationChannels  `json:"notifications"`
	Privacy       PrivacySettings       `json:"privacy"`
	Accessibility AccessibilitySettings `json:"accessibility"`
}

// NotificationChannels は通知チャネルごとの受信可否。
type NotificationChannels struct {
	Email bool `json:"email"`
	Push  bool `json:"push"`
	SMS   bool `json:"sms"`
}

// PrivacySettings は履歴・位置情報の共有設定。
type PrivacySettings struct {
	ShareLocation       bool `json:"shareLocation"`
	ShareRideHistory    bool `json:"shareRideHistory"`
	ShareParkingHistory bool `json:"shareParkingHistory"`
}

// AccessibilitySettings はアクセシビリティ設定。
type AccessibilitySettings struct {
	WheelchairAccessible bool `json:"wheelchairAccessible"`
	AudioAnnouncements   bool `json:"audioAnnouncements"`
	LargeText            bool `json:"largeText"`
}

// DefaultPreferences は新規ユーザーに設定する初期値を返す。
func DefaultPreferences() Preferences {
	return Preferences{
		Notifications: NotificationChannels{Email: true, Push: true, SMS: false},
		Privacy:       PrivacySettings{ShareLocation: true, ShareParkingHistory: true},
	}
}

// Vehicle はユーザーが登録した車両。
type Vehicle struct {
	ID           string `json:"id"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Year         int    `json:"year"`
	Color        string `json:"color"`
	LicensePlate string `json:"licensePlate"`
	IsDefault    bool   `json:"isDefault"`
}

// PaymentMethod はユーザーが登録した支払い手段。
type PaymentMethod struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Last4     string `json:"last4,omitempty"`
	Brand     string `json:"brand,omitempty"`
	IsDefault bool   `json:"isDefault"`
}

// NotificationSettings は通知カテゴリごとの受信設定。
type NotificationSettings struct {
	Email          bool `json:"email"`
	Push           bool `json:"push"`
	SMS            bool `json:"sms"`
	RideUpdates    bool `json:"rideUpdates"`
	ParkingUpdates bool `json:"parkingUpdates"`
	PaymentUpdates bool `json:"paymentUpdates"`
	Promotional    bool `json:"promotional"`
}

// DefaultNotificationSettings は新規ユーザーに設定する初期値を返す。
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		Email:          true,
		Push:           true,
		SMS:            false,
		RideUpdates:    true,
		ParkingUpdates: true,
		PaymentUpdates: true,
		Promotional:    false,
	}
}

// Session はユーザーのログインセッションを表す。
// 発行したJWTのjtiと1対1で対応し、ログアウトで削除される。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
	// Role は参照時点のユーザーのロール。保存はせず、取得時にユーザーから読み込む。
	Role string
}
