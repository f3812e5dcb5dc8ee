package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marzgate-bot/internal/models"
)

// EntitlementStore persists the local view of subscriber grants. All
// mutations are single-row atomic operations; the write-once fields are
// guarded by conditional updates so the guarantees hold even when two
// callers race past any in-process check.
type EntitlementStore struct {
	db *gorm.DB
}

func NewEntitlementStore(db *gorm.DB) *EntitlementStore {
	return &EntitlementStore{db: db}
}

func (s *EntitlementStore) Get(ctx context.Context, telegramID int64) (*models.Entitlement, error) {
	var ent models.Entitlement
	err := s.db.WithContext(ctx).First(&ent, "telegram_id = ?", telegramID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// EnsureRow creates the row on first contact. Existing rows are untouched.
func (s *EntitlementStore) EnsureRow(ctx context.Context, telegramID int64) error {
	ent := models.Entitlement{
		TelegramID:    telegramID,
		PanelUsername: models.PanelUsernameFor(telegramID),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ent).Error
}

// Upsert writes a reconciled row. The monotonic columns (trial_used,
// referrer_id, referral_bonus_applied) are excluded from the conflict
// update: they change only through their conditional setters.
func (s *EntitlementStore) Upsert(ctx context.Context, ent *models.Entitlement) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "telegram_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"panel_username",
			"panel_uuid",
			"expires_at",
			"subscription_link",
			"traffic_limit_gb",
			"updated_at",
		}),
	}).Create(ent).Error
}

// UpdateSubscription persists expiry/link drift observed on the read path.
func (s *EntitlementStore) UpdateSubscription(ctx context.Context, telegramID int64, expiresAt *time.Time, link string) error {
	return s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("telegram_id = ?", telegramID).
		Updates(map[string]interface{}{
			"expires_at":        expiresAt,
			"subscription_link": link,
		}).Error
}

// TryMarkTrialUsed flips the one-way trial flag. Returns true iff this call
// performed the transition.
func (s *EntitlementStore) TryMarkTrialUsed(ctx context.Context, telegramID int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("telegram_id = ? AND trial_used = ?", telegramID, false).
		Update("trial_used", true)
	return res.RowsAffected == 1, res.Error
}

// TryMarkReferralBonusApplied flips the one-way bonus flag on the referred
// subscriber's row. Returns true iff this call performed the transition.
func (s *EntitlementStore) TryMarkReferralBonusApplied(ctx context.Context, telegramID int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("telegram_id = ? AND referral_bonus_applied = ?", telegramID, false).
		Update("referral_bonus_applied", true)
	return res.RowsAffected == 1, res.Error
}

// SetReferrer records the referrer once. Self-referral and re-parenting are
// rejected.
func (s *EntitlementStore) SetReferrer(ctx context.Context, telegramID, referrerID int64) (bool, error) {
	if telegramID == referrerID {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("telegram_id = ? AND referrer_id IS NULL", telegramID).
		Update("referrer_id", referrerID)
	return res.RowsAffected == 1, res.Error
}

// Count reports how many subscribers have ever been in contact.
func (s *EntitlementStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Entitlement{}).Count(&count).Error
	return count, err
}

// ActiveCount reports how many subscribers hold an unexpired grant.
func (s *EntitlementStore) ActiveCount(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("expires_at > ?", now).
		Count(&count).Error
	return count, err
}

func (s *EntitlementStore) ExpiringBetween(ctx context.Context, start, end time.Time) ([]models.Entitlement, error) {
	var ents []models.Entitlement
	err := s.db.WithContext(ctx).
		Where("expires_at BETWEEN ? AND ?", start, end).
		Find(&ents).Error
	return ents, err
}
