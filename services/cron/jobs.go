package cron

import (
	"fmt"
	"time"

	"github.com/sahilchouksey/enrollpay-api/model"
)

const (
	// staleOrderCutoff is how long an unconsumed order may sit on an
	// awaiting_gateway enrollment before the sweep reports it. Gateway orders
	// expire on their own; the sweep only surfaces them for operators.
	staleOrderCutoff = 24 * time.Hour

	// unappliedAttemptCutoff is how long a recorded verification attempt may
	// stay unapplied before it points at a crash between record and apply.
	// Such attempts are recovered by replaying the same payload.
	unappliedAttemptCutoff = time.Hour
)

// SweepStaleOrders reports unconsumed orders past the cutoff whose enrollment
// is still awaiting the gateway. It never mutates enrollment state: the state
// machine is owned by the reconciliation engine, the sweep is an audit aid.
func (m *CronManager) SweepStaleOrders() {
	jobName := "sweep_stale_orders"
	cutoff := time.Now().Add(-staleOrderCutoff)

	var orders []model.PaymentOrder
	err := m.db.
		Joins("JOIN enrollments ON enrollments.id = payment_orders.enrollment_id").
		Where("payment_orders.consumed = ? AND payment_orders.created_at < ?", false, cutoff).
		Where("enrollments.status = ?", model.EnrollmentStatusAwaitingGateway).
		Find(&orders).Error
	if err != nil {
		m.logJobError(jobName, fmt.Errorf("failed to query stale orders: %w", err))
		return
	}

	if len(orders) == 0 {
		m.logJobComplete(jobName, "No stale orders")
		return
	}

	for _, order := range orders {
		m.logJobComplete(jobName, fmt.Sprintf(
			"stale order %s (enrollment %d, created %s) still unconsumed",
			order.GatewayOrderID, order.EnrollmentID, order.CreatedAt.Format(time.RFC3339)))
	}

	m.logJobComplete(jobName, fmt.Sprintf("Found %d stale orders", len(orders)))
}

// CheckUnappliedAttempts reports valid verification attempts that were
// recorded but never applied, which indicates a crash between the attempt
// insert and the enrollment transition.
func (m *CronManager) CheckUnappliedAttempts() {
	jobName := "check_unapplied_attempts"
	cutoff := time.Now().Add(-unappliedAttemptCutoff)

	var attempts []model.VerificationAttempt
	err := m.db.
		Where("result = ? AND applied = ? AND created_at < ?",
			model.VerificationResultValid, false, cutoff).
		Find(&attempts).Error
	if err != nil {
		m.logJobError(jobName, fmt.Errorf("failed to query unapplied attempts: %w", err))
		return
	}

	if len(attempts) == 0 {
		m.logJobComplete(jobName, "No unapplied attempts")
		return
	}

	for _, attempt := range attempts {
		m.logJobComplete(jobName, fmt.Sprintf(
			"attempt (%s, %s) recorded %s but never applied; replay the payload to recover",
			attempt.GatewayOrderID, attempt.GatewayPaymentID, attempt.CreatedAt.Format(time.RFC3339)))
	}

	m.logJobComplete(jobName, fmt.Sprintf("Found %d unapplied attempts", len(attempts)))
}
