package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sahilchouksey/enrollpay-api/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EnrollmentService is the durable store of a student's relationship to a
// course and its payment status. All status writes go through Transition; no
// other component updates the status column directly.
type EnrollmentService struct {
	db *gorm.DB
}

// NewEnrollmentService creates a new enrollment service
func NewEnrollmentService(db *gorm.DB) *EnrollmentService {
	return &EnrollmentService{db: db}
}

// CreateEnrollmentInput holds the fields needed to open an enrollment
type CreateEnrollmentInput struct {
	UserID           uint
	CourseType       string
	CourseSlug       string
	AmountMinorUnits int64
	Currency         string
	Metadata         map[string]interface{}
}

// Create opens a new enrollment in status pending. Amount is taken as-is in
// minor units with an explicit currency code; no scale inference happens
// anywhere downstream.
func (s *EnrollmentService) Create(ctx context.Context, in CreateEnrollmentInput) (*model.Enrollment, error) {
	enrollment := model.Enrollment{
		PublicID:         uuid.New().String(),
		UserID:           in.UserID,
		CourseType:       in.CourseType,
		CourseSlug:       in.CourseSlug,
		AmountMinorUnits: in.AmountMinorUnits,
		Currency:         in.Currency,
		Status:           model.EnrollmentStatusPending,
		Metadata:         datatypes.JSONMap(in.Metadata),
	}

	if err := s.db.WithContext(ctx).Create(&enrollment).Error; err != nil {
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}

	return &enrollment, nil
}

// Get fetches an enrollment by primary key
func (s *EnrollmentService) Get(ctx context.Context, id uint) (*model.Enrollment, error) {
	var enrollment model.Enrollment
	if err := s.db.WithContext(ctx).First(&enrollment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("failed to fetch enrollment: %w", err)
	}
	return &enrollment, nil
}

// GetByPublicID fetches an enrollment by its opaque public id
func (s *EnrollmentService) GetByPublicID(ctx context.Context, publicID string) (*model.Enrollment, error) {
	var enrollment model.Enrollment
	if err := s.db.WithContext(ctx).Where("public_id = ?", publicID).First(&enrollment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("failed to fetch enrollment: %w", err)
	}
	return &enrollment, nil
}

// Transition applies a compare-and-swap on the enrollment status: the update
// only lands if the stored status still equals expected. Of two concurrent
// attempts at most one succeeds; the loser gets ErrConflict and should refetch.
func (s *EnrollmentService) Transition(ctx context.Context, id uint, expected, next model.EnrollmentStatus) (*model.Enrollment, error) {
	if err := casTransition(s.db.WithContext(ctx), id, expected, next); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// casTransition runs the status CAS on the given handle, which may be a
// transaction. RowsAffected == 0 distinguishes a lost race from a missing row.
func casTransition(db *gorm.DB, id uint, expected, next model.EnrollmentStatus) error {
	if !expected.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s is not a legal transition", ErrConflict, expected, next)
	}

	res := db.Model(&model.Enrollment{}).
		Where("id = ? AND status = ?", id, expected).
		Update("status", next)
	if res.Error != nil {
		return fmt.Errorf("failed to update enrollment status: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		var count int64
		if err := db.Model(&model.Enrollment{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check enrollment existence: %w", err)
		}
		if count == 0 {
			return ErrEnrollmentNotFound
		}
		return ErrConflict
	}

	return nil
}
