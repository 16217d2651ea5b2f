package enrollment

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/enrollpay-api/services"
	"github.com/sahilchouksey/enrollpay-api/utils/middleware"
	"github.com/sahilchouksey/enrollpay-api/utils/response"
	"github.com/sahilchouksey/enrollpay-api/utils/validation"
	"gorm.io/gorm"
)

// EnrollmentHandler handles enrollment-related requests
type EnrollmentHandler struct {
	db          *gorm.DB
	enrollments *services.EnrollmentService
	validator   *validation.Validator
}

// NewEnrollmentHandler creates a new enrollment handler
func NewEnrollmentHandler(db *gorm.DB, enrollments *services.EnrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{
		db:          db,
		enrollments: enrollments,
		validator:   validation.NewValidator(),
	}
}

// CreateEnrollmentRequest represents the request body for creating an enrollment
type CreateEnrollmentRequest struct {
	CourseType       string `json:"course_type" validate:"required,oneof=course path"`
	CourseSlug       string `json:"course_slug" validate:"required,min=1,max=120"`
	AmountMinorUnits int64  `json:"amount_minor_units" validate:"required,min=100"`
	Currency         string `json:"currency" validate:"required,len=3"`
}

// CreateEnrollment handles POST /api/v1/enrollments
func (h *EnrollmentHandler) CreateEnrollment(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req CreateEnrollmentRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, validation.FormatValidationErrors(err))
	}

	req.CourseSlug = validation.SanitizeString(req.CourseSlug)
	if !validation.ValidateSlug(req.CourseSlug) {
		return response.BadRequest(c, "Invalid course slug")
	}
	if !validation.ValidateCurrency(req.Currency) {
		return response.BadRequest(c, "Invalid currency code")
	}

	enrollment, err := h.enrollments.Create(c.Context(), services.CreateEnrollmentInput{
		UserID:           user.ID,
		CourseType:       req.CourseType,
		CourseSlug:       req.CourseSlug,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
	})
	if err != nil {
		return response.InternalServerError(c, "Failed to create enrollment")
	}

	return response.Created(c, enrollment)
}

// GetEnrollment handles GET /api/v1/enrollments/:id
//
// The status field returned here is the single source of truth the catalog and
// dashboard UIs read to show "Pay Now" vs "Enrolled".
func (h *EnrollmentHandler) GetEnrollment(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid enrollment id")
	}

	enrollment, err := h.enrollments.Get(c.Context(), uint(id))
	if err != nil {
		if errors.Is(err, services.ErrEnrollmentNotFound) {
			return response.NotFound(c, "Enrollment not found")
		}
		return response.InternalServerError(c, "Failed to fetch enrollment")
	}

	if enrollment.UserID != user.ID && user.Role != "admin" {
		return response.Forbidden(c, "")
	}

	return response.Success(c, enrollment)
}
