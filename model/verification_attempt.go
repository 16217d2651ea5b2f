package model

import "time"

// Verification results recorded on an attempt.
const (
	VerificationResultValid   = "valid"
	VerificationResultInvalid = "invalid"
)

// VerificationAttempt is the audit and idempotency record for a client-submitted
// payment completion. The (gateway_order_id, gateway_payment_id) pair is the
// idempotency key: the composite unique index guarantees that of N concurrent
// submissions exactly one inserts a row, and replays are recognized without
// re-mutating the enrollment. A row is never updated after Applied is set.
type VerificationAttempt struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	GatewayOrderID   string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_verification_order_payment" json:"gateway_order_id"`
	GatewayPaymentID string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_verification_order_payment" json:"gateway_payment_id"`
	Signature        string    `gorm:"type:varchar(256);not null" json:"-"`
	Result           string    `gorm:"type:varchar(10);not null" json:"result"`
	Applied          bool      `gorm:"not null;default:false" json:"applied"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName specifies the table name for VerificationAttempt
func (VerificationAttempt) TableName() string {
	return "verification_attempts"
}
