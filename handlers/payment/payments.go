package payment

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/enrollpay-api/services"
	"github.com/sahilchouksey/enrollpay-api/utils/middleware"
	"github.com/sahilchouksey/enrollpay-api/utils/response"
	"github.com/sahilchouksey/enrollpay-api/utils/validation"
	"gorm.io/gorm"
)

// PaymentHandler handles payment order issuance and completion verification
type PaymentHandler struct {
	db        *gorm.DB
	orders    *services.OrderService
	reconcile *services.ReconcileService
	throttle  *middleware.VerifyThrottle // nil when Redis is unavailable
	validator *validation.Validator
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(db *gorm.DB, orders *services.OrderService, reconcile *services.ReconcileService, throttle *middleware.VerifyThrottle) *PaymentHandler {
	return &PaymentHandler{
		db:        db,
		orders:    orders,
		reconcile: reconcile,
		throttle:  throttle,
		validator: validation.NewValidator(),
	}
}

// CreateOrderRequest represents the request body for issuing a payment order
type CreateOrderRequest struct {
	EnrollmentID uint `json:"enrollment_id" validate:"required,min=1"`
}

// VerifyPaymentRequest is the completion payload posted by the browser after
// the gateway widget closes. It is untrusted input until the signature checks
// out.
type VerifyPaymentRequest struct {
	EnrollmentID uint   `json:"enrollment_id" validate:"required,min=1"`
	OrderID      string `json:"order_id" validate:"required,max=100"`
	PaymentID    string `json:"payment_id" validate:"required,max=100"`
	Signature    string `json:"signature" validate:"required,max=256"`
}

// FailureRequest reports a gateway-side payment failure (checkout dismissed,
// card declined) so the enrollment can move to failed and be retried.
type FailureRequest struct {
	EnrollmentID uint   `json:"enrollment_id" validate:"required,min=1"`
	OrderID      string `json:"order_id" validate:"required,max=100"`
}

// VerifyPaymentResponse mirrors the contract the checkout client consumes
type VerifyPaymentResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CreateOrder handles POST /api/v1/payments/orders
func (h *PaymentHandler) CreateOrder(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req CreateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, validation.FormatValidationErrors(err))
	}

	if err := h.authorizeEnrollment(c, user.ID, req.EnrollmentID); err != nil {
		return err
	}

	result, err := h.orders.IssueOrder(c.Context(), req.EnrollmentID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEnrollmentNotFound):
			return response.NotFound(c, "Enrollment not found")
		case errors.Is(err, services.ErrAlreadyPaid):
			return response.Conflict(c, "Enrollment is already paid", "ALREADY_PAID")
		case errors.Is(err, services.ErrIssueFailed):
			return response.InternalServerError(c, "Failed to create payment order, please try again")
		default:
			return response.InternalServerError(c, "Failed to create payment order")
		}
	}

	return response.Created(c, result)
}

// VerifyPayment handles POST /api/v1/payments/verify
//
// Replays of an already-applied payload are reported as success with the
// current status: the user must never see a payment succeed at the gateway
// and then fail locally because their browser retried.
func (h *PaymentHandler) VerifyPayment(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req VerifyPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, validation.FormatValidationErrors(err))
	}

	if err := h.authorizeEnrollment(c, user.ID, req.EnrollmentID); err != nil {
		return err
	}

	result, err := h.reconcile.VerifyAndApply(c.Context(), services.VerifyRequest{
		EnrollmentID: req.EnrollmentID,
		OrderID:      req.OrderID,
		PaymentID:    req.PaymentID,
		Signature:    req.Signature,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrOrderNotFound):
			return response.NotFound(c, "Payment order not found")
		case errors.Is(err, services.ErrInvalidSignature):
			if h.throttle != nil {
				h.throttle.RecordFailure(c, c.IP())
			}
			return c.Status(fiber.StatusOK).JSON(VerifyPaymentResponse{
				Success: false,
				Error:   "INVALID_SIGNATURE",
			})
		case errors.Is(err, services.ErrStaleOrder):
			return response.Conflict(c, "Enrollment is already resolved, refresh to see its status", "STALE_ORDER")
		default:
			return response.InternalServerError(c, "Failed to verify payment")
		}
	}

	return c.Status(fiber.StatusOK).JSON(VerifyPaymentResponse{
		Success: true,
		Status:  string(result.Status),
	})
}

// ReportFailure handles POST /api/v1/payments/failure
func (h *PaymentHandler) ReportFailure(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req FailureRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, validation.FormatValidationErrors(err))
	}

	if err := h.authorizeEnrollment(c, user.ID, req.EnrollmentID); err != nil {
		return err
	}

	result, err := h.reconcile.MarkFailed(c.Context(), req.EnrollmentID, req.OrderID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrOrderNotFound):
			return response.NotFound(c, "Payment order not found")
		case errors.Is(err, services.ErrEnrollmentNotFound):
			return response.NotFound(c, "Enrollment not found")
		case errors.Is(err, services.ErrStaleOrder):
			return response.Conflict(c, "Failure report does not match the current payment order", "STALE_ORDER")
		default:
			return response.InternalServerError(c, "Failed to record payment failure")
		}
	}

	return response.SuccessWithMessage(c, "Payment failure recorded", result)
}

// authorizeEnrollment ensures the enrollment belongs to the calling student
func (h *PaymentHandler) authorizeEnrollment(c *fiber.Ctx, userID, enrollmentID uint) error {
	var owner struct{ UserID uint }
	err := h.db.WithContext(c.Context()).
		Table("enrollments").
		Select("user_id").
		Where("id = ?", enrollmentID).
		Take(&owner).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return response.NotFound(c, "Enrollment not found")
		}
		return response.InternalServerError(c, "Failed to fetch enrollment")
	}
	if owner.UserID != userID {
		return response.Forbidden(c, "")
	}
	return nil
}
