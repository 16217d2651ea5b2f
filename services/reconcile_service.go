package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sahilchouksey/enrollpay-api/model"
	"github.com/sahilchouksey/enrollpay-api/services/receipts"
	"github.com/sahilchouksey/enrollpay-api/utils/cache"
	"github.com/sahilchouksey/enrollpay-api/utils/signature"
	"gorm.io/gorm"
)

// duplicateMarkerTTL bounds the Redis fast-path marker for already-applied
// verifications. Correctness never depends on it; the unique index on
// verification_attempts is authoritative.
const duplicateMarkerTTL = 24 * time.Hour

// ReconcileService is the state machine that applies verified payment outcomes
// to enrollments exactly once. The (orderID, paymentID) pair is the idempotency
// key: the attempt row is persisted before any mutation, so a crash in between
// is recovered by replaying the same payload.
type ReconcileService struct {
	db          *gorm.DB
	secret      string
	enrollments *EnrollmentService
	redisCache  *cache.RedisCache  // optional duplicate fast-path
	archiver    *receipts.Archiver // optional receipt archival
}

// NewReconcileService creates a new reconciliation service. Cache and archiver
// may be nil; both are optional accelerants.
func NewReconcileService(db *gorm.DB, gatewaySecret string, redisCache *cache.RedisCache, archiver *receipts.Archiver) *ReconcileService {
	return &ReconcileService{
		db:          db,
		secret:      gatewaySecret,
		enrollments: NewEnrollmentService(db),
		redisCache:  redisCache,
		archiver:    archiver,
	}
}

// VerifyRequest is the client-submitted completion payload
type VerifyRequest struct {
	EnrollmentID uint
	OrderID      string
	PaymentID    string
	Signature    string
}

// ReconcileResult is the authoritative outcome returned to the caller
type ReconcileResult struct {
	Status   model.EnrollmentStatus `json:"status"`
	Replayed bool                   `json:"replayed"`
}

// VerifyAndApply validates the completion payload and transitions the
// enrollment exactly once. Duplicate submissions of an already-applied
// (orderID, paymentID) pair return the current state without re-mutating
// anything, so the endpoint is safe under browser retries and double-clicks.
func (s *ReconcileService) VerifyAndApply(ctx context.Context, req VerifyRequest) (*ReconcileResult, error) {
	order, err := s.lookupOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	// Fast path: a marker exists only after a successful apply, so replays can
	// skip signature work and the claim entirely.
	if s.redisCache != nil {
		if exists, err := s.redisCache.Exists(ctx, s.markerKey(req)); err == nil && exists {
			return s.replayResult(ctx, order.EnrollmentID)
		}
	}

	valid, err := signature.Verify(s.secret, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	if !valid {
		return nil, s.recordInvalid(ctx, req, order)
	}

	return s.apply(ctx, req, order)
}

// MarkFailed applies a gateway-reported payment failure:
// awaiting_gateway -> failed under the usual CAS guard. The student can retry
// by issuing a fresh order, which moves the enrollment back to
// awaiting_gateway. A lost CAS here means the payment actually completed
// concurrently, which wins. Only the enrollment's newest unconsumed order is
// honored: a late or replayed report naming a superseded order must not flip
// a re-issued enrollment back to failed while its new payment is in flight.
func (s *ReconcileService) MarkFailed(ctx context.Context, enrollmentID uint, orderID string) (*ReconcileResult, error) {
	var order model.PaymentOrder
	err := s.db.WithContext(ctx).Where("gateway_order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to fetch payment order: %w", err)
	}
	if order.EnrollmentID != enrollmentID {
		return nil, ErrOrderNotFound
	}

	if order.Consumed {
		return nil, ErrStaleOrder
	}

	var newest model.PaymentOrder
	err = s.db.WithContext(ctx).
		Where("enrollment_id = ? AND consumed = ?", enrollmentID, false).
		Order("created_at DESC, id DESC").
		First(&newest).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up active order: %w", err)
	}
	if newest.ID != order.ID {
		return nil, ErrStaleOrder
	}

	enrollment, err := s.enrollments.Transition(ctx, enrollmentID, model.EnrollmentStatusAwaitingGateway, model.EnrollmentStatusFailed)
	if err != nil {
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		// Already failed, or a concurrent verification completed the payment;
		// the stored state wins either way.
		enrollment, err = s.enrollments.Get(ctx, enrollmentID)
		if err != nil {
			return nil, err
		}
	}
	return &ReconcileResult{Status: enrollment.Status}, nil
}

func (s *ReconcileService) lookupOrder(ctx context.Context, req VerifyRequest) (*model.PaymentOrder, error) {
	var order model.PaymentOrder
	err := s.db.WithContext(ctx).Where("gateway_order_id = ?", req.OrderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Unknown order id: stale or garbage-collected order, or a client
			// bug. Logged as such, not as a tampering attempt.
			log.Printf("verification for unknown order %s (payment %s)", req.OrderID, req.PaymentID)
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to fetch payment order: %w", err)
	}

	if order.EnrollmentID != req.EnrollmentID {
		log.Printf("verification for order %s does not match enrollment %d", req.OrderID, req.EnrollmentID)
		return nil, ErrOrderNotFound
	}

	return &order, nil
}

// recordInvalid persists the failed attempt for audit and returns
// ErrInvalidSignature. The enrollment is left untouched: a mismatched
// signature must never move state, since the genuine completion payload for
// the same order may still arrive.
func (s *ReconcileService) recordInvalid(ctx context.Context, req VerifyRequest, order *model.PaymentOrder) error {
	log.Printf("SECURITY invalid payment signature: order=%s payment=%s enrollment=%d ",
		req.OrderID, req.PaymentID, order.EnrollmentID)

	attempt := model.VerificationAttempt{
		GatewayOrderID:   req.OrderID,
		GatewayPaymentID: req.PaymentID,
		Signature:        req.Signature,
		Result:           model.VerificationResultInvalid,
	}
	if err := s.db.WithContext(ctx).Create(&attempt).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		log.Printf("failed to record invalid verification attempt for order %s: %v", req.OrderID, err)
	}

	return ErrInvalidSignature
}

// apply records the attempt and applies the transition. The attempt insert
// happens in its own step, strictly before any mutation; the mutation
// transaction then atomically claims applied=false -> true, consumes the
// order, and runs the enrollment CAS.
func (s *ReconcileService) apply(ctx context.Context, req VerifyRequest, order *model.PaymentOrder) (*ReconcileResult, error) {
	attempt := model.VerificationAttempt{
		GatewayOrderID:   req.OrderID,
		GatewayPaymentID: req.PaymentID,
		Signature:        req.Signature,
		Result:           model.VerificationResultValid,
	}
	err := s.db.WithContext(ctx).Create(&attempt).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("failed to record verification attempt: %w", err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing model.VerificationAttempt
		if err := s.db.WithContext(ctx).
			Where("gateway_order_id = ? AND gateway_payment_id = ?", req.OrderID, req.PaymentID).
			First(&existing).Error; err != nil {
			return nil, fmt.Errorf("failed to load existing verification attempt: %w", err)
		}
		if existing.Applied {
			return s.replayResult(ctx, order.EnrollmentID)
		}
		// Attempt exists but was never applied: a crash landed between the
		// record and the apply, or a concurrent call is mid-flight. Fall
		// through; the claim below decides a single winner.
	}

	applied := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Atomic claim: exactly one caller observes applied false -> true. The
		// row may have been recorded by an earlier invalid submission of the
		// same pair, so the winning claim also stamps the verified result.
		claim := tx.Model(&model.VerificationAttempt{}).
			Where("gateway_order_id = ? AND gateway_payment_id = ? AND applied = ?", req.OrderID, req.PaymentID, false).
			Updates(map[string]interface{}{
				"applied":   true,
				"result":    model.VerificationResultValid,
				"signature": req.Signature,
			})
		if claim.Error != nil {
			return fmt.Errorf("failed to claim verification attempt: %w", claim.Error)
		}
		if claim.RowsAffected == 0 {
			// Lost the race; the winner's result is authoritative.
			return nil
		}

		// An order is consumed at most once.
		now := time.Now()
		consume := tx.Model(&model.PaymentOrder{}).
			Where("id = ? AND consumed = ?", order.ID, false).
			Updates(map[string]interface{}{"consumed": true, "consumed_at": now})
		if consume.Error != nil {
			return fmt.Errorf("failed to consume payment order: %w", consume.Error)
		}
		if consume.RowsAffected == 0 {
			return ErrStaleOrder
		}

		// awaiting_gateway -> active, guarded by the CAS. A conflict means
		// this order is not the enrollment's current awaiting order.
		if err := casTransition(tx, order.EnrollmentID, model.EnrollmentStatusAwaitingGateway, model.EnrollmentStatusActive); err != nil {
			if errors.Is(err, ErrConflict) {
				return ErrStaleOrder
			}
			return err
		}

		applied = true
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrStaleOrder) {
			return nil, ErrStaleOrder
		}
		return nil, txErr
	}

	if !applied {
		return s.replayResult(ctx, order.EnrollmentID)
	}

	s.afterApply(ctx, req, order)

	return &ReconcileResult{Status: model.EnrollmentStatusActive}, nil
}

// replayResult reports the current enrollment state for a duplicate submission.
// Duplicates of an eventually-verified payment always read as success.
func (s *ReconcileService) replayResult(ctx context.Context, enrollmentID uint) (*ReconcileResult, error) {
	enrollment, err := s.enrollments.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{Status: enrollment.Status, Replayed: true}, nil
}

// afterApply runs the post-commit accelerants: the Redis duplicate marker and
// receipt archival. Both are best-effort.
func (s *ReconcileService) afterApply(ctx context.Context, req VerifyRequest, order *model.PaymentOrder) {
	if s.redisCache != nil {
		if _, err := s.redisCache.SetNX(ctx, s.markerKey(req), "applied", duplicateMarkerTTL); err != nil {
			log.Printf("failed to set duplicate marker for order %s: %v", req.OrderID, err)
		}
	}

	if s.archiver != nil {
		enrollment, err := s.enrollments.Get(ctx, order.EnrollmentID)
		if err != nil {
			log.Printf("failed to load enrollment %d for receipt: %v", order.EnrollmentID, err)
			return
		}
		key, err := s.archiver.Archive(ctx, receipts.Receipt{
			EnrollmentID:     enrollment.PublicID,
			GatewayOrderID:   order.GatewayOrderID,
			GatewayPaymentID: req.PaymentID,
			AmountMinorUnits: order.AmountMinorUnits,
			Currency:         order.Currency,
			CourseType:       enrollment.CourseType,
			CourseSlug:       enrollment.CourseSlug,
			VerifiedAt:       time.Now().UTC(),
		})
		if err != nil {
			log.Printf("failed to archive receipt for order %s: %v", order.GatewayOrderID, err)
			return
		}
		log.Printf("archived receipt %s for order %s", key, order.GatewayOrderID)
	}
}

func (s *ReconcileService) markerKey(req VerifyRequest) string {
	return fmt.Sprintf("verify:applied:%s:%s", req.OrderID, req.PaymentID)
}
