package provision

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/models"
)

// Snapshot is the read-path view of a subscriber. TrafficUsedGB is negative
// when the panel did not report usage. Stale means the panel was
// unreachable and the snapshot reflects only the last persisted local row.
type Snapshot struct {
	Entitlement    *models.Entitlement
	TrafficUsedGB  float64
	TrafficLimitGB float64
	Stale          bool
}

// Status renders current state without mutating the panel. Remote fatal
// failures degrade to the local snapshot instead of propagating; observed
// expiry/link drift is persisted locally on the way out.
func (e *Engine) Status(ctx context.Context, telegramID int64) (*Snapshot, error) {
	existing, err := e.ents.Get(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	username := existing.PanelUsername
	if username == "" {
		username = models.PanelUsernameFor(telegramID)
	}

	panelUser, err := e.panel.GetUser(ctx, username)
	if err != nil && !errors.Is(err, marzban.ErrNotFound) {
		e.log.Warn("panel status sync failed, returning local snapshot",
			zap.Int64("telegram_id", telegramID),
			zap.String("username", username),
			zap.Error(err),
		)
		return &Snapshot{
			Entitlement:    existing,
			TrafficUsedGB:  -1,
			TrafficLimitGB: existing.TrafficLimitGB,
			Stale:          true,
		}, nil
	}

	ent := *existing
	ent.PanelUsername = username
	usedGB := -1.0

	if panelUser != nil {
		if exp := panelUser.ExpireAt(); exp != nil {
			ent.ExpiresAt = exp
		}
		if ent.SubscriptionLink == "" {
			link := panelUser.SubscriptionURL
			if link == "" {
				// Last resort before the synthesized fallback: ask the panel
				// for the subscription endpoint directly.
				if apiLink, linkErr := e.panel.SubscriptionLink(ctx, username); linkErr == nil {
					link = apiLink
				}
			}
			if link == "" {
				link = e.fallbackLink(username)
			}
			ent.SubscriptionLink = e.normalizeLink(link)
		}
		// The remote ceiling is adopted opportunistically for display; the
		// locally recorded value still wins on provisioning writes.
		if limitGB := panelUser.DataLimitGB(); limitGB > 0 {
			ent.TrafficLimitGB = limitGB
		}
		usedGB = panelUser.UsedTrafficGB()

		driftedExpiry := (existing.ExpiresAt == nil) != (ent.ExpiresAt == nil) ||
			(existing.ExpiresAt != nil && ent.ExpiresAt != nil && !existing.ExpiresAt.Equal(*ent.ExpiresAt))
		if driftedExpiry || existing.SubscriptionLink != ent.SubscriptionLink {
			if err := e.ents.UpdateSubscription(ctx, telegramID, ent.ExpiresAt, ent.SubscriptionLink); err != nil {
				e.log.Warn("failed to persist status drift",
					zap.Int64("telegram_id", telegramID), zap.Error(err))
			}
		}
	}

	return &Snapshot{
		Entitlement:    &ent,
		TrafficUsedGB:  usedGB,
		TrafficLimitGB: ent.TrafficLimitGB,
		Stale:          false,
	}, nil
}
