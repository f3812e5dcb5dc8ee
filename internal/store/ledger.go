package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marzgate-bot/internal/models"
)

// PaymentLedger maps invoice identity to settlement status. Claim is the
// system's idempotency gate: at-least-once payment confirmations funnel
// through it and only one caller per invoice is authorized to provision.
type PaymentLedger struct {
	db *gorm.DB
}

func NewPaymentLedger(db *gorm.DB) *PaymentLedger {
	return &PaymentLedger{db: db}
}

// CreateInvoice records a purchase intent. Replayed creates are ignored.
func (l *PaymentLedger) CreateInvoice(ctx context.Context, invoiceID string, telegramID int64, tariff models.Tariff, currency string) error {
	inv := models.Invoice{
		InvoiceID:  invoiceID,
		TelegramID: telegramID,
		TariffCode: tariff.Code,
		Amount:     tariff.Price,
		Currency:   currency,
		Status:     models.InvoicePending,
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&inv).Error
}

func (l *PaymentLedger) Get(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	var inv models.Invoice
	err := l.db.WithContext(ctx).First(&inv, "invoice_id = ?", invoiceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// Claim transitions the invoice to paid unless it already is there.
// Returns true iff this call performed the transition. A paid_pending
// invoice is claimable again: the operator retry path re-enters the same
// idempotent provisioning flow.
func (l *PaymentLedger) Claim(ctx context.Context, invoiceID string) (bool, error) {
	res := l.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("invoice_id = ? AND status <> ?", invoiceID, models.InvoicePaid).
		Update("status", models.InvoicePaid)
	return res.RowsAffected == 1, res.Error
}

// MarkPendingAccess parks a claimed invoice whose provisioning failed:
// money captured, access not yet granted. It must not go back to pending
// (which would deny the capture) nor stay paid (which would hide the
// missing grant).
func (l *PaymentLedger) MarkPendingAccess(ctx context.Context, invoiceID string) error {
	return l.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("invoice_id = ?", invoiceID).
		Update("status", models.InvoicePaidPending).Error
}

// PaidSummary returns the number of settled invoices and their total amount.
func (l *PaymentLedger) PaidSummary(ctx context.Context) (int64, float64, error) {
	var row struct {
		Count int64
		Total float64
	}
	err := l.db.WithContext(ctx).Model(&models.Invoice{}).
		Select("COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").
		Where("status = ?", models.InvoicePaid).
		Scan(&row).Error
	return row.Count, row.Total, err
}

// ListPendingAccess returns invoice ids awaiting an operator-driven retry.
func (l *PaymentLedger) ListPendingAccess(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("status = ?", models.InvoicePaidPending).
		Order("created_at").
		Pluck("invoice_id", &ids).Error
	return ids, err
}
