package models

import (
	"time"
)

// InvoiceStatus is the settlement state of a payment attempt.
type InvoiceStatus string

const (
	// InvoicePending means the purchase intent is recorded but no verified
	// payment confirmation has arrived yet.
	InvoicePending InvoiceStatus = "pending"
	// InvoicePaid is terminal: the payment was claimed and access granted.
	InvoicePaid InvoiceStatus = "paid"
	// InvoicePaidPending means money was captured but provisioning failed;
	// the invoice waits for an operator-driven retry.
	InvoicePaidPending InvoiceStatus = "paid_pending"
)

// Terminal reports whether the status permits no further claim.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoicePaid:
		return true
	case InvoicePending, InvoicePaidPending:
		return false
	}
	return false
}

// Invoice is one row per payment attempt. The status transition to paid
// happens at most once per invoice id and is the only authorization to
// provision.
type Invoice struct {
	InvoiceID  string        `gorm:"primaryKey;size:128"`
	TelegramID int64         `gorm:"not null;index"`
	TariffCode string        `gorm:"size:32;not null"`
	Amount     float64       `gorm:"not null"`
	Currency   string        `gorm:"size:8;not null"`
	Status     InvoiceStatus `gorm:"size:16;default:'pending'"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
