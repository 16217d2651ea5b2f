package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sahilchouksey/enrollpay-api/model"
	"github.com/sahilchouksey/enrollpay-api/services/razorpay"
	"gorm.io/gorm"
)

const (
	// persistRetries bounds the attempts to write the order mapping after the
	// gateway order already exists. The gateway call itself is never retried
	// here: re-creating would mint a second order.
	persistRetries = 3
	persistBackoff = 200 * time.Millisecond
)

// OrderService creates gateway orders for enrollments and persists the
// order-to-enrollment mapping before the order id ever reaches the browser.
type OrderService struct {
	db          *gorm.DB
	gateway     *razorpay.Client
	enrollments *EnrollmentService
}

// NewOrderService creates a new order service
func NewOrderService(db *gorm.DB, gateway *razorpay.Client) *OrderService {
	return &OrderService{
		db:          db,
		gateway:     gateway,
		enrollments: NewEnrollmentService(db),
	}
}

// IssueOrderResult is what the checkout client needs to open the gateway widget
type IssueOrderResult struct {
	OrderID          string                 `json:"order_id"`
	AmountMinorUnits int64                  `json:"amount_minor_units"`
	Currency         string                 `json:"currency"`
	GatewayKeyID     string                 `json:"gateway_key_id"`
	Status           model.EnrollmentStatus `json:"status"`
}

// IssueOrder creates a gateway order for the enrollment and moves it to
// awaiting_gateway. Refuses on already-paid enrollments. If the enrollment is
// already awaiting the gateway with an unconsumed order, that order is served
// again instead of minting a new one.
func (s *OrderService) IssueOrder(ctx context.Context, enrollmentID uint) (*IssueOrderResult, error) {
	enrollment, err := s.enrollments.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	if enrollment.Status.IsTerminalSuccess() {
		return nil, ErrAlreadyPaid
	}

	if enrollment.Status == model.EnrollmentStatusAwaitingGateway {
		if existing, err := s.activeOrder(ctx, enrollment.ID); err == nil {
			return &IssueOrderResult{
				OrderID:          existing.GatewayOrderID,
				AmountMinorUnits: existing.AmountMinorUnits,
				Currency:         existing.Currency,
				GatewayKeyID:     existing.GatewayKeyID,
				Status:           enrollment.Status,
			}, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to look up active order: %w", err)
		}
		// Awaiting with no unconsumed order is an inconsistency left by an
		// earlier crash; fall through and issue a fresh order for it.
	}

	receipt := fmt.Sprintf("enr_%s", uuid.New().String()[:18])
	gatewayOrder, err := s.gateway.CreateOrder(ctx, razorpay.CreateOrderRequest{
		AmountMinorUnits: enrollment.AmountMinorUnits,
		Currency:         enrollment.Currency,
		Receipt:          receipt,
		Notes: map[string]string{
			"enrollment_id": enrollment.PublicID,
			"course_type":   enrollment.CourseType,
			"course_slug":   enrollment.CourseSlug,
		},
	})
	if err != nil {
		log.Printf("gateway order creation failed for enrollment %d: %v", enrollment.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrIssueFailed, err)
	}

	order := model.PaymentOrder{
		EnrollmentID:     enrollment.ID,
		GatewayOrderID:   gatewayOrder.ID,
		AmountMinorUnits: enrollment.AmountMinorUnits,
		Currency:         enrollment.Currency,
		GatewayKeyID:     s.gateway.KeyID(),
		Receipt:          receipt,
	}

	// The gateway order already exists; losing the mapping would make the
	// completion payload unverifiable. Retry the local write a bounded number
	// of times and log the orphaned order id for the reconciliation sweep if
	// it still fails. Orphaned orders expire at the gateway on their own.
	var persistErr error
	for attempt := 1; attempt <= persistRetries; attempt++ {
		persistErr = s.db.WithContext(ctx).Create(&order).Error
		if persistErr == nil {
			break
		}
		log.Printf("failed to persist order %s (attempt %d/%d): %v",
			gatewayOrder.ID, attempt, persistRetries, persistErr)
		time.Sleep(persistBackoff)
	}
	if persistErr != nil {
		log.Printf("ORPHANED gateway order %s for enrollment %d: mapping was never persisted",
			gatewayOrder.ID, enrollment.ID)
		return nil, fmt.Errorf("%w: %v", ErrIssueFailed, persistErr)
	}

	// pending -> awaiting_gateway, or failed -> awaiting_gateway on a retry.
	if err := casTransition(s.db.WithContext(ctx), enrollment.ID, enrollment.Status, model.EnrollmentStatusAwaitingGateway); err != nil {
		if errors.Is(err, ErrConflict) {
			// Raced with another issuance or a verification. The order row is
			// persisted either way; report the authoritative state.
			current, getErr := s.enrollments.Get(ctx, enrollment.ID)
			if getErr != nil {
				return nil, getErr
			}
			if current.Status.IsTerminalSuccess() {
				return nil, ErrAlreadyPaid
			}
			// A concurrent issuance won the status race. Converge on the
			// newest unconsumed order so both callers hand the checkout widget
			// the same order id instead of each serving their own.
			if existing, aErr := s.activeOrder(ctx, current.ID); aErr == nil {
				return &IssueOrderResult{
					OrderID:          existing.GatewayOrderID,
					AmountMinorUnits: existing.AmountMinorUnits,
					Currency:         existing.Currency,
					GatewayKeyID:     existing.GatewayKeyID,
					Status:           current.Status,
				}, nil
			}
			enrollment = current
		} else {
			return nil, err
		}
	}

	return &IssueOrderResult{
		OrderID:          order.GatewayOrderID,
		AmountMinorUnits: order.AmountMinorUnits,
		Currency:         order.Currency,
		GatewayKeyID:     order.GatewayKeyID,
		Status:           model.EnrollmentStatusAwaitingGateway,
	}, nil
}

// activeOrder returns the newest unconsumed order for the enrollment. The id
// tiebreak keeps concurrent callers converging on the same row when creation
// timestamps collide.
func (s *OrderService) activeOrder(ctx context.Context, enrollmentID uint) (*model.PaymentOrder, error) {
	var order model.PaymentOrder
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ? AND consumed = ?", enrollmentID, false).
		Order("created_at DESC, id DESC").
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}
