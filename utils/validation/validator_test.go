package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Amount int64  `json:"amount" validate:"required,min=100"`
	Kind   string `json:"kind" validate:"required,oneof=course path"`
}

func TestValidateStruct(t *testing.T) {
	v := NewValidator()

	require.NoError(t, v.ValidateStruct(sampleRequest{
		Email:  "student@example.com",
		Amount: 50000,
		Kind:   "course",
	}))
	require.Error(t, v.ValidateStruct(sampleRequest{}))
}

func TestFormatValidationErrors(t *testing.T) {
	v := NewValidator()

	err := v.ValidateStruct(sampleRequest{
		Email:  "not-an-email",
		Amount: 5,
		Kind:   "webinar",
	})
	require.Error(t, err)

	fields := FormatValidationErrors(err)
	require.Len(t, fields, 3)
	require.Contains(t, fields["email"], "invalid")
	require.Contains(t, fields["amount"], "at least")
	require.Contains(t, fields["kind"], "one of")
}

func TestValidateCurrency(t *testing.T) {
	require.True(t, ValidateCurrency("INR"))
	require.True(t, ValidateCurrency("USD"))
	require.False(t, ValidateCurrency("inr"))
	require.False(t, ValidateCurrency("RUPEE"))
	require.False(t, ValidateCurrency(""))
}

func TestValidateSlug(t *testing.T) {
	require.True(t, ValidateSlug("intro-to-go"))
	require.True(t, ValidateSlug("go101"))
	require.False(t, ValidateSlug("Intro-To-Go"))
	require.False(t, ValidateSlug("-leading-dash"))
	require.False(t, ValidateSlug(""))
}

func TestSanitizeString(t *testing.T) {
	require.Equal(t, "hello", SanitizeString("  hello\x00 "))
}
