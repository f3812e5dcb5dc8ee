package provision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"marzgate-bot/internal/config"
	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/models"
	"marzgate-bot/internal/observability"
	"marzgate-bot/internal/store"
)

var (
	ErrInvoiceNotFound  = errors.New("provision: invoice not found")
	ErrTrialAlreadyUsed = errors.New("provision: trial already used")
	ErrUnknownTariff    = errors.New("provision: unknown tariff code")
)

// PanelClient is the slice of the Marzban API the engine needs. A NotFound
// from GetUser is an expected outcome, not an error condition; anything
// that is neither NotFound nor AlreadyExists is a fatal remote failure.
type PanelClient interface {
	GetUser(ctx context.Context, username string) (*marzban.User, error)
	CreateUser(ctx context.Context, username string, expireAt time.Time, trafficGB float64) (*marzban.User, error)
	UpdateUserExpire(ctx context.Context, username string, expireAt time.Time) error
	SubscriptionLink(ctx context.Context, username string) (string, error)
}

// Engine reconciles local entitlements with panel grants. It grants access
// exactly once per claimed payment, extends (never shortens) existing
// grants, and converges after crashes that left the two stores out of sync.
type Engine struct {
	cfg    *config.Config
	ents   *store.EntitlementStore
	ledger *store.PaymentLedger
	panel  PanelClient
	locks  *subscriberLocks
	log    *zap.Logger
}

func NewEngine(cfg *config.Config, ents *store.EntitlementStore, ledger *store.PaymentLedger, panel PanelClient, log *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		ents:   ents,
		ledger: ledger,
		panel:  panel,
		locks:  newSubscriberLocks(),
		log:    log.Named("provision"),
	}
}

// Provision runs one reconciliation cycle for a subscriber under that
// subscriber's lock.
func (e *Engine) Provision(ctx context.Context, telegramID int64, tariff models.Tariff, bonus time.Duration, trafficGB float64) (*models.Entitlement, error) {
	var ent *models.Entitlement
	err := e.locks.Do(telegramID, func() error {
		var err error
		ent, err = e.provision(ctx, telegramID, tariff, bonus, trafficGB)
		return err
	})
	return ent, err
}

// provision implements the reconciliation algorithm. Callers must hold the
// subscriber's lock.
func (e *Engine) provision(ctx context.Context, telegramID int64, tariff models.Tariff, bonus time.Duration, trafficGB float64) (*models.Entitlement, error) {
	existing, err := e.ents.Get(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	username := models.PanelUsernameFor(telegramID)
	if existing != nil && existing.PanelUsername != "" {
		username = existing.PanelUsername
	}

	now := time.Now().UTC()

	panelUser, err := e.panel.GetUser(ctx, username)
	if err != nil && !errors.Is(err, marzban.ErrNotFound) {
		return nil, fmt.Errorf("panel lookup for %s: %w", username, err)
	}
	panelExpire := panelUser.ExpireAt()

	// Current expiry as best known before this cycle: the panel's view wins
	// over the local row, the local row over "never granted".
	currentExpires := now
	if panelExpire != nil {
		currentExpires = *panelExpire
	} else if existing != nil && existing.ExpiresAt != nil {
		currentExpires = *existing.ExpiresAt
	}

	// Baseline is the later of now, the local expiry and the panel expiry.
	// Neither store is assumed authoritative: a crash between the panel
	// mutation and the local write self-heals on the next cycle instead of
	// double-granting or shortening.
	baseline := now
	if existing != nil && existing.ExpiresAt != nil && existing.ExpiresAt.After(baseline) {
		baseline = *existing.ExpiresAt
	}
	if panelExpire != nil && panelExpire.After(baseline) {
		baseline = *panelExpire
	}
	target := baseline.Add(tariff.Duration + bonus)

	if trafficGB <= 0 {
		if existing != nil && existing.TrafficLimitGB > 0 {
			trafficGB = existing.TrafficLimitGB
		} else {
			trafficGB = e.cfg.DefaultTrafficGB
		}
	}

	created := false
	if panelUser == nil {
		panelUser, err = e.panel.CreateUser(ctx, username, target, trafficGB)
		switch {
		case err == nil:
			created = true
			e.log.Info("panel user created",
				zap.Int64("telegram_id", telegramID),
				zap.String("username", username),
				zap.Time("expire", target),
			)
		case errors.Is(err, marzban.ErrAlreadyExists):
			// Lost a concurrent creation race; the existing grant wins.
			e.log.Warn("panel user already exists on create, syncing",
				zap.Int64("telegram_id", telegramID),
				zap.String("username", username),
			)
			panelUser, err = e.panel.GetUser(ctx, username)
			if err != nil {
				return nil, fmt.Errorf("panel re-fetch after create conflict for %s: %w", username, err)
			}
		default:
			return nil, fmt.Errorf("panel create for %s: %w", username, err)
		}
	}

	if !created {
		if addDays := wholeDaysBetween(currentExpires, target); addDays > 0 {
			if err := e.panel.UpdateUserExpire(ctx, username, target); err != nil {
				return nil, fmt.Errorf("panel extend for %s: %w", username, err)
			}
			e.log.Info("panel user extended",
				zap.Int64("telegram_id", telegramID),
				zap.String("username", username),
				zap.Int("add_days", addDays),
				zap.Time("expire", target),
			)
		} else {
			e.log.Info("panel extension skipped, no additional days",
				zap.Int64("telegram_id", telegramID),
				zap.String("username", username),
			)
		}
	}

	link := e.resolveLink(existing, panelUser, username)
	if link == "" {
		e.log.Warn("subscription link missing or invalid",
			zap.Int64("telegram_id", telegramID),
			zap.String("username", username),
		)
	}

	panelUUID := ""
	if panelUser != nil {
		panelUUID = panelUser.UUID
	}
	if panelUUID == "" && existing != nil {
		panelUUID = existing.PanelUUID
	}

	ent := &models.Entitlement{
		TelegramID:       telegramID,
		PanelUsername:    username,
		PanelUUID:        panelUUID,
		ExpiresAt:        &target,
		SubscriptionLink: link,
		TrafficLimitGB:   trafficGB,
	}
	if existing != nil {
		ent.TrialUsed = existing.TrialUsed
		ent.ReferrerID = existing.ReferrerID
		ent.ReferralBonusApplied = existing.ReferralBonusApplied
	}
	if err := e.ents.Upsert(ctx, ent); err != nil {
		return nil, err
	}
	return ent, nil
}

// ProcessPaymentSuccess is the entry point for verified payment
// confirmations, delivered at least once. Only the caller that wins the
// ledger claim provisions; duplicates get the current entitlement without
// any panel call.
func (e *Engine) ProcessPaymentSuccess(ctx context.Context, invoiceID string) (*models.Entitlement, error) {
	inv, err := e.ledger.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInvoiceNotFound
	}
	if inv.Status.Terminal() {
		e.log.Info("payment confirmation replayed for settled invoice",
			zap.String("invoice_id", invoiceID),
			zap.Int64("telegram_id", inv.TelegramID),
		)
	}

	claimed, err := e.ledger.Claim(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		observability.ProvisionOperations.WithLabelValues("payment", "duplicate").Inc()
		return e.ents.Get(ctx, inv.TelegramID)
	}

	tariff, ok := e.cfg.TariffByCode(inv.TariffCode)
	if !ok {
		// Money captured against a tariff this build no longer knows; park
		// the invoice for the operator instead of dropping the capture.
		if markErr := e.ledger.MarkPendingAccess(ctx, invoiceID); markErr != nil {
			e.log.Error("failed to park invoice with unknown tariff",
				zap.String("invoice_id", invoiceID), zap.Error(markErr))
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownTariff, inv.TariffCode)
	}

	ent, err := e.Provision(ctx, inv.TelegramID, tariff, 0, 0)
	if err != nil {
		observability.ProvisionOperations.WithLabelValues("payment", "failed").Inc()
		if markErr := e.ledger.MarkPendingAccess(ctx, invoiceID); markErr != nil {
			e.log.Error("failed to mark invoice pending access",
				zap.String("invoice_id", invoiceID), zap.Error(markErr))
		}
		return nil, err
	}
	observability.ProvisionOperations.WithLabelValues("payment", "provisioned").Inc()

	// The subscriber's lock is released by now; the cascade takes the
	// referrer's lock on its own.
	e.applyReferralBonus(ctx, inv.TelegramID)
	return ent, nil
}

// Invoice exposes ledger rows to collaborators that own user messaging.
func (e *Engine) Invoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	return e.ledger.Get(ctx, invoiceID)
}

// ProvisionTrial grants the trial tariff at most once per subscriber. The
// flag claim happens before provisioning, so concurrent activations resolve
// to exactly one grant; the losers observe ErrTrialAlreadyUsed.
func (e *Engine) ProvisionTrial(ctx context.Context, telegramID int64) (*models.Entitlement, error) {
	if err := e.ents.EnsureRow(ctx, telegramID); err != nil {
		return nil, err
	}
	won, err := e.ents.TryMarkTrialUsed(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if !won {
		observability.ProvisionOperations.WithLabelValues("trial", "duplicate").Inc()
		return nil, ErrTrialAlreadyUsed
	}

	ent, err := e.Provision(ctx, telegramID, e.cfg.TrialTariff(), 0, e.cfg.TrialTrafficGB)
	if err != nil {
		observability.ProvisionOperations.WithLabelValues("trial", "failed").Inc()
		return nil, err
	}
	observability.ProvisionOperations.WithLabelValues("trial", "provisioned").Inc()
	return ent, nil
}

// applyReferralBonus extends the referrer's grant once per referred
// subscriber, after that subscriber's first claimed payment. Best effort:
// failures are logged and never fail the originating payment flow.
func (e *Engine) applyReferralBonus(ctx context.Context, referredID int64) {
	ent, err := e.ents.Get(ctx, referredID)
	if err != nil {
		e.log.Error("referral lookup failed", zap.Int64("referred_id", referredID), zap.Error(err))
		return
	}
	if ent == nil || ent.ReferrerID == nil {
		return
	}
	referrerID := *ent.ReferrerID
	if referrerID == referredID {
		return
	}

	won, err := e.ents.TryMarkReferralBonusApplied(ctx, referredID)
	if err != nil {
		e.log.Error("referral bonus claim failed", zap.Int64("referred_id", referredID), zap.Error(err))
		return
	}
	if !won {
		return
	}

	if _, err := e.Provision(ctx, referrerID, e.cfg.BonusTariff(), e.cfg.ReferralBonus(), 0); err != nil {
		observability.ProvisionOperations.WithLabelValues("referral", "failed").Inc()
		e.log.Error("failed to apply referral bonus",
			zap.Int64("referrer_id", referrerID),
			zap.Int64("referred_id", referredID),
			zap.Error(err),
		)
		return
	}
	observability.ProvisionOperations.WithLabelValues("referral", "provisioned").Inc()
	e.log.Info("referral bonus applied",
		zap.Int64("referrer_id", referrerID),
		zap.Int64("referred_id", referredID),
		zap.Int("bonus_days", e.cfg.ReferralBonusDays),
	)
}

// RetryPendingAccess re-attempts provisioning for every invoice whose money
// was captured but whose grant failed. Each invoice goes back through the
// ledger claim, so a redelivered webhook racing the sweep settles the same
// invoice exactly once. Returns how many invoices were recovered; ones that
// fail again are parked back to paid_pending.
func (e *Engine) RetryPendingAccess(ctx context.Context) (int, error) {
	ids, err := e.ledger.ListPendingAccess(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, invoiceID := range ids {
		inv, err := e.ledger.Get(ctx, invoiceID)
		if err != nil {
			e.log.Error("pending invoice lookup failed", zap.String("invoice_id", invoiceID), zap.Error(err))
			continue
		}
		if inv == nil {
			continue
		}
		tariff, ok := e.cfg.TariffByCode(inv.TariffCode)
		if !ok {
			e.log.Error("pending invoice references unknown tariff",
				zap.String("invoice_id", invoiceID),
				zap.String("tariff_code", inv.TariffCode),
			)
			continue
		}

		claimed, err := e.ledger.Claim(ctx, invoiceID)
		if err != nil {
			e.log.Error("pending invoice claim failed", zap.String("invoice_id", invoiceID), zap.Error(err))
			continue
		}
		if !claimed {
			// A redelivered confirmation settled the invoice first.
			observability.ProvisionOperations.WithLabelValues("retry", "duplicate").Inc()
			continue
		}

		if _, err := e.Provision(ctx, inv.TelegramID, tariff, 0, 0); err != nil {
			observability.ProvisionOperations.WithLabelValues("retry", "failed").Inc()
			e.log.Warn("pending access retry failed",
				zap.String("invoice_id", invoiceID),
				zap.Int64("telegram_id", inv.TelegramID),
				zap.Error(err),
			)
			if markErr := e.ledger.MarkPendingAccess(ctx, invoiceID); markErr != nil {
				e.log.Error("failed to re-park invoice",
					zap.String("invoice_id", invoiceID), zap.Error(markErr))
			}
			continue
		}
		observability.ProvisionOperations.WithLabelValues("retry", "provisioned").Inc()
		e.log.Info("pending access recovered",
			zap.String("invoice_id", invoiceID),
			zap.Int64("telegram_id", inv.TelegramID),
		)
		recovered++
		// Re-running the cascade here is harmless: the bonus flag on the
		// referred row only ever transitions once.
		e.applyReferralBonus(ctx, inv.TelegramID)
	}
	return recovered, nil
}

// wholeDaysBetween rounds a positive span up to whole days; a zero or
// negative span means no extension is needed.
func wholeDaysBetween(from, to time.Time) int {
	delta := to.Sub(from)
	if delta <= 0 {
		return 0
	}
	return int(math.Ceil(delta.Hours() / 24))
}
