package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/mediatext/internal/acquire"
	"github.com/phrazzld/mediatext/internal/api/shared"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/service"
	"github.com/phrazzld/mediatext/internal/service/auth"
	"github.com/phrazzld/mediatext/internal/store"
	"github.com/phrazzld/mediatext/internal/tabular"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrWrongTokenType):
		return http.StatusUnauthorized

	case errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, service.ErrResultNotFound),
		errors.Is(err, service.ErrParentNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, service.ErrNotResettable),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, acquire.ErrTooLarge):
		return http.StatusRequestEntityTooLarge

	case errors.Is(err, acquire.ErrDownload):
		return http.StatusBadGateway

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, tabular.ErrUnsupportedFormat),
		errors.Is(err, tabular.ErrMissingColumn),
		errors.Is(err, tabular.ErrEmptySheet):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err that never
// includes internal details.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrWrongTokenType):
		return "Invalid token"
	case errors.Is(err, service.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, service.ErrResultNotFound):
		return "Result not available"
	case errors.Is(err, service.ErrParentNotFound):
		return "Parent not found"
	case errors.Is(err, service.ErrNotResettable):
		return "Task cannot be reset in its current status"
	case errors.Is(err, service.ErrEngineUnknown):
		return "Unknown engine"
	case errors.Is(err, service.ErrEngineDisabled):
		return "Engine is not enabled"
	case errors.Is(err, service.ErrNoChildren):
		return "None of the parent's media could be acquired"
	case errors.Is(err, domain.ErrUnsupportedKind):
		return "Engine does not support this media kind"
	case errors.Is(err, acquire.ErrUnsupportedMedia):
		return "Unsupported media type"
	case errors.Is(err, acquire.ErrInvalidLocator):
		return "Invalid media URL"
	case errors.Is(err, acquire.ErrTooLarge):
		return "Media exceeds the size limit"
	case errors.Is(err, acquire.ErrDownload):
		return "Media could not be downloaded"
	case errors.Is(err, tabular.ErrUnsupportedFormat):
		return "Unsupported sheet format"
	case errors.Is(err, tabular.ErrMissingColumn):
		return "Sheet is missing the note_url column"
	case errors.Is(err, tabular.ErrEmptySheet):
		return "Sheet is empty"
	case errors.Is(err, domain.ErrValidation):
		return "Validation error"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the status and message mapped from err. A
// non-empty fallback replaces the generic message of 500 responses.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallback != "" {
		message = fallback
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// SanitizeValidationError renders validator errors as "Invalid <field>:
// <reason>" without echoing the rejected values.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("Invalid %s: %s", fe.Field(), validationTagMessage(fe.Tag())))
	}
	return strings.Join(msgs, "; ")
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required", "required_without":
		return "required field"
	case "url", "http_url":
		return "must be an http(s) URL"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
