package models

import (
	"strconv"
	"time"
)

// Entitlement is the locally persisted belief about one subscriber's grant
// on the Marzban panel. Rows are created lazily on first contact and never
// deleted; trial_used and referral_bonus_applied only ever go false->true,
// referrer_id is set at most once.
type Entitlement struct {
	TelegramID           int64  `gorm:"primaryKey"`
	PanelUsername        string `gorm:"size:64;uniqueIndex"`
	PanelUUID            string `gorm:"size:64"`
	ExpiresAt            *time.Time
	SubscriptionLink     string `gorm:"size:512"`
	TrafficLimitGB       float64
	TrialUsed            bool   `gorm:"default:false"`
	ReferrerID           *int64 `gorm:"index"`
	ReferralBonusApplied bool   `gorm:"default:false"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PanelUsernameFor derives the deterministic panel identity for a chat id.
func PanelUsernameFor(telegramID int64) string {
	return "tg_" + strconv.FormatInt(telegramID, 10)
}
