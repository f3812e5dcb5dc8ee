package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marzgate-bot/internal/models"
)

// ReferralStore keeps the referral edges used for partner stats. The
// authoritative referrer for provisioning lives on the entitlement row;
// edges are written alongside it at registration time.
type ReferralStore struct {
	db *gorm.DB
}

func NewReferralStore(db *gorm.DB) *ReferralStore {
	return &ReferralStore{db: db}
}

// Register inserts the edge once per referred subscriber.
func (r *ReferralStore) Register(ctx context.Context, referrerID, referredID int64) (bool, error) {
	if referrerID == referredID {
		return false, nil
	}
	edge := models.Referral{ReferrerID: referrerID, ReferredID: referredID}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge)
	return res.RowsAffected == 1, res.Error
}

func (r *ReferralStore) CountByReferrer(ctx context.Context, referrerID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Referral{}).
		Where("referrer_id = ?", referrerID).
		Count(&count).Error
	return count, err
}
