package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// msisdnPattern accepts Nigerian numbers in international (+234 plus
// ten digits) or local (leading zero plus ten digits) form.
var msisdnPattern = regexp.MustCompile(`^(\+234\d{10}|0\d{10})$`)

// ErrorResponse is the JSON error envelope returned by every handler.
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper wraps a validator instance shared by the services.
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper builds the shared validator with the custom
// msisdn tag used on phone number fields.
func NewValidationHelper() *ValidationHelper {
	v := validator.New()
	v.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		return msisdnPattern.MatchString(fl.Field().String())
	})
	return &ValidationHelper{validator: v}
}

// ValidateStruct validates a request struct against its validate tags.
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse writes the JSON error envelope, flattening any
// validator errors into per-field detail messages.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		errorResp.Details = make(map[string]string)
		for _, err := range validationErr.(validator.ValidationErrors) {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}
