package model

import (
	"time"

	"gorm.io/gorm"
)

// PaymentOrder maps a gateway-issued order id to the enrollment it was created
// for. An enrollment accumulates one row per payment attempt; at most one row
// is unconsumed at a time. Consumed orders are never re-applied and abandoned
// orders are never deleted (they age out at the gateway independently).
type PaymentOrder struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	EnrollmentID     uint           `gorm:"not null;index" json:"enrollment_id"`
	GatewayOrderID   string         `gorm:"type:varchar(100);uniqueIndex;not null" json:"gateway_order_id"`
	AmountMinorUnits int64          `gorm:"not null" json:"amount_minor_units"`
	Currency         string         `gorm:"type:varchar(3);not null" json:"currency"`
	GatewayKeyID     string         `gorm:"type:varchar(100)" json:"gateway_key_id"`
	Receipt          string         `gorm:"type:varchar(64)" json:"receipt"`
	Consumed         bool           `gorm:"not null;default:false;index" json:"consumed"`
	ConsumedAt       *time.Time     `json:"consumed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Enrollment Enrollment `gorm:"foreignKey:EnrollmentID;constraint:OnDelete:CASCADE" json:"enrollment,omitempty"`
}

// TableName specifies the table name for PaymentOrder
func (PaymentOrder) TableName() string {
	return "payment_orders"
}
