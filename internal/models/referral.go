package models

import (
	"time"
)

// Referral is one edge per invited subscriber. ReferredID is unique: a
// subscriber has at most one referrer and is never re-parented.
type Referral struct {
	ID         uint  `gorm:"primaryKey"`
	ReferrerID int64 `gorm:"not null;index"`
	ReferredID int64 `gorm:"not null;uniqueIndex"`
	CreatedAt  time.Time
}
