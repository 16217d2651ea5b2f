package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sahilchouksey/enrollpay-api/model"
	"github.com/sahilchouksey/enrollpay-api/services/razorpay"
	"github.com/sahilchouksey/enrollpay-api/utils/signature"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testGatewaySecret = "rzp_test_secret"

// openTestDB connects to the integration test database. Tests are skipped
// unless RUN_INTEGRATION_TESTS=true, following the project's integration test
// convention.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	if os.Getenv("RUN_INTEGRATION_TESTS") != "true" {
		t.Skip("Skipping integration test. Set RUN_INTEGRATION_TESTS=true to run")
	}

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=enrollpay_test port=5432 sslmode=disable TimeZone=UTC"
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.Enrollment{},
		&model.PaymentOrder{},
		&model.VerificationAttempt{},
	))

	require.NoError(t, db.Exec(
		"TRUNCATE verification_attempts, payment_orders, enrollments, users RESTART IDENTITY CASCADE").Error)

	return db
}

// fakeGateway serves order creation with deterministic incrementing order ids
func fakeGateway(t *testing.T) *razorpay.Client {
	t.Helper()

	var counter int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req razorpay.CreateOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n := atomic.AddInt64(&counter, 1)
		json.NewEncoder(w).Encode(razorpay.Order{
			ID:               fmt.Sprintf("order_test%03d", n),
			AmountMinorUnits: req.AmountMinorUnits,
			Currency:         req.Currency,
			Receipt:          req.Receipt,
			Status:           "created",
		})
	}))
	t.Cleanup(server.Close)

	return razorpay.NewClient(razorpay.Config{
		KeyID:     "rzp_test_key",
		KeySecret: testGatewaySecret,
		BaseURL:   server.URL,
	})
}

func createTestEnrollment(t *testing.T, db *gorm.DB, amount int64, currency string) *model.Enrollment {
	t.Helper()

	user := model.User{Name: "Test Student", Email: fmt.Sprintf("student%d@example.com", amount), PasswordHash: "x"}
	require.NoError(t, db.Create(&user).Error)

	enrollment, err := NewEnrollmentService(db).Create(context.Background(), CreateEnrollmentInput{
		UserID:           user.ID,
		CourseType:       "course",
		CourseSlug:       "intro-to-go",
		AmountMinorUnits: amount,
		Currency:         currency,
	})
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusPending, enrollment.Status)

	return enrollment
}

func signPayload(t *testing.T, orderID, paymentID string) string {
	t.Helper()
	sig, err := signature.Sign(testGatewaySecret, orderID, paymentID)
	require.NoError(t, err)
	return sig
}

// Scenario A: issue an order, verify with the correct signature, observe
// pending -> awaiting_gateway -> active.
func TestIssueAndVerifyHappyPath(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	enrollment := createTestEnrollment(t, db, 50000, "INR")
	orders := NewOrderService(db, fakeGateway(t))
	reconcile := NewReconcileService(db, testGatewaySecret, nil, nil)

	issued, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50000), issued.AmountMinorUnits)
	require.Equal(t, "INR", issued.Currency)
	require.Equal(t, model.EnrollmentStatusAwaitingGateway, issued.Status)

	current, err := NewEnrollmentService(db).Get(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusAwaitingGateway, current.Status)

	result, err := reconcile.VerifyAndApply(ctx, VerifyRequest{
		EnrollmentID: enrollment.ID,
		OrderID:      issued.OrderID,
		PaymentID:    "pay_test001",
		Signature:    signPayload(t, issued.OrderID, "pay_test001"),
	})
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusActive, result.Status)
	require.False(t, result.Replayed)

	var order model.PaymentOrder
	require.NoError(t, db.Where("gateway_order_id = ?", issued.OrderID).First(&order).Error)
	require.True(t, order.Consumed)
	require.NotNil(t, order.ConsumedAt)

	var attempt model.VerificationAttempt
	require.NoError(t, db.Where("gateway_order_id = ?", issued.OrderID).First(&attempt).Error)
	require.True(t, attempt.Applied)
	require.Equal(t, model.VerificationResultValid, attempt.Result)
}

// Scenario B: replaying the identical payload returns success with the current
// status and does not create a second VerificationAttempt.
func TestVerifyIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	enrollment := createTestEnrollment(t, db, 50000, "INR")
	orders := NewOrderService(db, fakeGateway(t))
	reconcile := NewReconcileService(db, testGatewaySecret, nil, nil)

	issued, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)

	req := VerifyRequest{
		EnrollmentID: enrollment.ID,
		OrderID:      issued.OrderID,
		PaymentID:    "pay_test002",
		Signature:    signPayload(t, issued.OrderID, "pay_test002"),
	}

	first, err := reconcile.VerifyAndApply(ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusActive, first.Status)
	require.False(t, first.Replayed)

	second, err := reconcile.VerifyAndApply(ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusActive, second.Status)
	require.True(t, second.Replayed)

	var count int64
	require.NoError(t, db.Model(&model.VerificationAttempt{}).
		Where("gateway_order_id = ?", issued.OrderID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

// Scenario C: a signature computed over a tampered payment id is rejected and
// the enrollment stays awaiting_gateway.
func TestVerifyRejectsTamperedSignature(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	enrollment := createTestEnrollment(t, db, 50000, "INR")
	orders := NewOrderService(db, fakeGateway(t))
	reconcile := NewReconcileService(db, testGatewaySecret, nil, nil)

	issued, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)

	_, err = reconcile.VerifyAndApply(ctx, VerifyRequest{
		EnrollmentID: enrollment.ID,
		OrderID:      issued.OrderID,
		PaymentID:    "pay_test003",
		Signature:    signPayload(t, issued.OrderID, "pay_tampered"),
	})
	require.ErrorIs(t, err, ErrInvalidSignature)

	current, err := NewEnrollmentService(db).Get(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusAwaitingGateway, current.Status)

	var attempt model.VerificationAttempt
	require.NoError(t, db.Where("gateway_order_id = ?", issued.OrderID).First(&attempt).Error)
	require.Equal(t, model.VerificationResultInvalid, attempt.Result)
	require.False(t, attempt.Applied)
}

// Scenario D: issuing an order for an already-active enrollment is refused and
// no new PaymentOrder is created.
func TestIssueOrderRefusesAlreadyPaid(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	enrollment := createTestEnrollment(t, db, 50000, "INR")
	orders := NewOrderService(db, fakeGateway(t))
	reconcile := NewReconcileService(db, testGatewaySecret, nil, nil)

	issued, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)

	_, err = reconcile.VerifyAndApply(ctx, VerifyRequest{
		EnrollmentID: enrollment.ID,
		OrderID:      issued.OrderID,
		PaymentID:    "pay_test004",
		Signature:    signPayload(t, issued.OrderID, "pay_test004"),
	})
	require.NoError(t, err)

	_, err = orders.IssueOrder(ctx, enrollment.ID)
	require.ErrorIs(t, err, ErrAlreadyPaid)

	var count int64
	require.NoError(t, db.Model(&model.PaymentOrder{}).
		Where("enrollment_id = ?", enrollment.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

// Verifying against an unknown order id fails distinctly from a signature
// mismatch.
func TestVerifyUnknownOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	enrollment := createTestEnrollment(t, db, 50000, "INR")
	reconcile := NewReconcileService(db, testGatewaySecret, nil, nil)

	_, err := reconcile.VerifyAndApply(ctx, VerifyRequest{
		EnrollmentID: enrollment.ID,
		OrderID:      "order_unknown",
		PaymentID:    "pay_test005",
		Signature:    signPayload(t, "order_unknown", "pay_test005"),
	})
	require.ErrorIs(t, err, ErrOrderNotFound)
}

// A stale order from an earlier abandoned attempt never transitions an
// enrollment that is already resolved.
func TestVerifyStaleOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	enrollment := createTestEnrollment(t, db, 50000, "INR")
	orders := NewOrderService(db, fakeGateway(t))
	reconcile := NewReconcileService(db, testGatewaySecret, nil, nil)

	// First attempt fails at the gateway; the student retries with a new order.
	first, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)

	failed, err := reconcile.MarkFailed(ctx, enrollment.ID, first.OrderID)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusFailed, failed.Status)

	second, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.OrderID, second.OrderID)

	// The retry succeeds.
	_, err = reconcile.VerifyAndApply(ctx, VerifyRequest{
		EnrollmentID: enrollment.ID,
		OrderID:      second.OrderID,
		PaymentID:    "pay_test006",
		Signature:    signPayload(t, second.OrderID, "pay_test006"),
	})
	require.NoError(t, err)

	// A late completion for the abandoned first order must not re-transition.
	_, err = reconcile.VerifyAndApply(ctx, VerifyRequest{
		EnrollmentID: enrollment.ID,
		OrderID:      first.OrderID,
		PaymentID:    "pay_test007",
		Signature:    signPayload(t, first.OrderID, "pay_test007"),
	})
	require.ErrorIs(t, err, ErrStaleOrder)

	current, err := NewEnrollmentService(db).Get(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusActive, current.Status)

	// The stale order was not consumed; the transaction rolled back.
	var stale model.PaymentOrder
	require.NoError(t, db.Where("gateway_order_id = ?", first.OrderID).First(&stale).Error)
	require.False(t, stale.Consumed)
}

// N concurrent verifications of the same payload create exactly one
// VerificationAttempt and apply exactly one transition; every caller gets a
// success result.
func TestConcurrentVerifyAppliesOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	enrollment := createTestEnrollment(t, db, 50000, "INR")
	orders := NewOrderService(db, fakeGateway(t))
	reconcile := NewReconcileService(db, testGatewaySecret, nil, nil)

	issued, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)

	req := VerifyRequest{
		EnrollmentID: enrollment.ID,
		OrderID:      issued.OrderID,
		PaymentID:    "pay_test008",
		Signature:    signPayload(t, issued.OrderID, "pay_test008"),
	}

	const workers = 8
	var wg sync.WaitGroup
	var applied int64
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := reconcile.VerifyAndApply(ctx, req)
			if err != nil {
				errs <- err
				return
			}
			if result.Status != model.EnrollmentStatusActive {
				errs <- fmt.Errorf("unexpected status %s", result.Status)
				return
			}
			if !result.Replayed {
				atomic.AddInt64(&applied, 1)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), applied, "exactly one caller should apply the transition")

	var attempts int64
	require.NoError(t, db.Model(&model.VerificationAttempt{}).
		Where("gateway_order_id = ?", issued.OrderID).Count(&attempts).Error)
	require.Equal(t, int64(1), attempts)

	current, err := NewEnrollmentService(db).Get(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusActive, current.Status)
}

// A late or replayed failure report naming a superseded order is refused and
// never flips a re-issued enrollment back to failed while its new payment is
// in flight.
func TestReplayedFailureReportAfterReissue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	enrollment := createTestEnrollment(t, db, 50000, "INR")
	orders := NewOrderService(db, fakeGateway(t))
	reconcile := NewReconcileService(db, testGatewaySecret, nil, nil)

	first, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)

	failed, err := reconcile.MarkFailed(ctx, enrollment.ID, first.OrderID)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusFailed, failed.Status)

	second, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)

	// Replayed report for the superseded order.
	_, err = reconcile.MarkFailed(ctx, enrollment.ID, first.OrderID)
	require.ErrorIs(t, err, ErrStaleOrder)

	current, err := NewEnrollmentService(db).Get(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusAwaitingGateway, current.Status)

	// The in-flight payment for the new order still verifies cleanly.
	result, err := reconcile.VerifyAndApply(ctx, VerifyRequest{
		EnrollmentID: enrollment.ID,
		OrderID:      second.OrderID,
		PaymentID:    "pay_test009",
		Signature:    signPayload(t, second.OrderID, "pay_test009"),
	})
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusActive, result.Status)

	// A failure report for a consumed order is refused outright.
	_, err = reconcile.MarkFailed(ctx, enrollment.ID, second.OrderID)
	require.ErrorIs(t, err, ErrStaleOrder)
}

// When a concurrent issuance wins the status race, the loser converges on the
// enrollment's newest unconsumed order instead of serving a second one.
func TestIssueOrderConvergesAfterLostRace(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	enrollment := createTestEnrollment(t, db, 50000, "INR")

	// The rival issuance lands between the gateway call and the status
	// compare-and-swap: the fake gateway persists a newer unconsumed order and
	// flips the enrollment to awaiting_gateway before responding.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rival := model.PaymentOrder{
			EnrollmentID:     enrollment.ID,
			GatewayOrderID:   "order_rival001",
			AmountMinorUnits: 50000,
			Currency:         "INR",
			GatewayKeyID:     "rzp_test_key",
			CreatedAt:        time.Now().Add(time.Minute),
		}
		db.Create(&rival)
		db.Model(&model.Enrollment{}).
			Where("id = ?", enrollment.ID).
			Update("status", model.EnrollmentStatusAwaitingGateway)

		json.NewEncoder(w).Encode(razorpay.Order{
			ID:               "order_mine001",
			AmountMinorUnits: 50000,
			Currency:         "INR",
			Status:           "created",
		})
	}))
	t.Cleanup(server.Close)

	orders := NewOrderService(db, razorpay.NewClient(razorpay.Config{
		KeyID:     "rzp_test_key",
		KeySecret: testGatewaySecret,
		BaseURL:   server.URL,
	}))

	result, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Equal(t, "order_rival001", result.OrderID)
	require.Equal(t, model.EnrollmentStatusAwaitingGateway, result.Status)
}

// Re-issuing after a failure moves the enrollment back to awaiting_gateway.
func TestReissueAfterFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	enrollment := createTestEnrollment(t, db, 75000, "INR")
	orders := NewOrderService(db, fakeGateway(t))
	reconcile := NewReconcileService(db, testGatewaySecret, nil, nil)

	issued, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)

	failed, err := reconcile.MarkFailed(ctx, enrollment.ID, issued.OrderID)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusFailed, failed.Status)

	reissued, err := orders.IssueOrder(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusAwaitingGateway, reissued.Status)

	current, err := NewEnrollmentService(db).Get(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentStatusAwaitingGateway, current.Status)
}
