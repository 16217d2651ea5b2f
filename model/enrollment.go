package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EnrollmentStatus represents the payment lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPending         EnrollmentStatus = "pending"
	EnrollmentStatusAwaitingGateway EnrollmentStatus = "awaiting_gateway"
	EnrollmentStatusActive          EnrollmentStatus = "active"
	EnrollmentStatusFailed          EnrollmentStatus = "failed"
)

// IsTerminalSuccess reports whether the status means the enrollment is paid for.
func (s EnrollmentStatus) IsTerminalSuccess() bool {
	return s == EnrollmentStatusActive
}

// CanTransition reports whether moving from s to next is a legal transition.
// Transitions are monotonic: a terminal success state never moves again, and
// a failed enrollment can only go back to awaiting_gateway via a fresh order.
func (s EnrollmentStatus) CanTransition(next EnrollmentStatus) bool {
	switch s {
	case EnrollmentStatusPending:
		return next == EnrollmentStatusAwaitingGateway
	case EnrollmentStatusAwaitingGateway:
		return next == EnrollmentStatusActive || next == EnrollmentStatusFailed
	case EnrollmentStatusFailed:
		return next == EnrollmentStatusAwaitingGateway
	default:
		return false
	}
}

// Enrollment records a student's intent/entitlement to access a course or
// learning path, carrying its payment status. Rows are never hard-deleted by
// the payment subsystem; DeletedAt exists for admin tooling only.
type Enrollment struct {
	ID               uint              `gorm:"primaryKey" json:"id"`
	PublicID         string            `gorm:"type:varchar(36);uniqueIndex;not null" json:"public_id"`
	UserID           uint              `gorm:"not null;index" json:"user_id"`
	CourseType       string            `gorm:"type:varchar(20);not null" json:"course_type"` // course, path
	CourseSlug       string            `gorm:"type:varchar(120);not null;index" json:"course_slug"`
	AmountMinorUnits int64             `gorm:"not null" json:"amount_minor_units"` // always minor units (paise/cents)
	Currency         string            `gorm:"type:varchar(3);not null" json:"currency"`
	Status           EnrollmentStatus  `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Metadata         datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	DeletedAt        gorm.DeletedAt    `gorm:"index" json:"-"`

	// Relationships
	User   User           `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"user,omitempty"`
	Orders []PaymentOrder `gorm:"foreignKey:EnrollmentID;constraint:OnDelete:CASCADE" json:"orders,omitempty"`
}

// TableName specifies the table name for Enrollment
func (Enrollment) TableName() string {
	return "enrollments"
}
