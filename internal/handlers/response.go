package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"clipfactory/internal/apperr"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// UserHeader carries the caller-supplied reviewer identity.
const UserHeader = "X-User-ID"

var validate = validator.New()

// ErrorBody is the JSON shape of every failed request
type ErrorBody struct {
	Error       apperr.Kind `json:"error"`
	Message     string      `json:"message"`
	Details     []string    `json:"details,omitempty"`
	Count       *int        `json:"count,omitempty"`
	LockedBy    string      `json:"locked_by,omitempty"`
	LockedUntil *time.Time  `json:"locked_until,omitempty"`
	RetryAfter  float64     `json:"retry_after_sec,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindNotLockOwner:
		return http.StatusForbidden
	case apperr.KindLocked:
		return http.StatusLocked
	case apperr.KindDuplicateJob, apperr.KindInvalidTransition, apperr.KindJobNotCancellable, apperr.KindStaleJob:
		return http.StatusConflict
	case apperr.KindUnresolvedSegments:
		return http.StatusUnprocessableEntity
	case apperr.KindNoKeysAvailable:
		return http.StatusServiceUnavailable
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// errorBody builds the response body for err.
func errorBody(err error) ErrorBody {
	ae, ok := apperr.As(err)
	if !ok {
		return ErrorBody{Error: apperr.KindInternal, Message: err.Error()}
	}
	body := ErrorBody{Error: ae.Kind, Message: ae.Error()}
	switch ae.Kind {
	case apperr.KindUnresolvedSegments:
		n := ae.Count
		body.Count = &n
	case apperr.KindLocked:
		body.LockedBy = ae.LockedBy
		if !ae.LockedUntil.IsZero() {
			until := ae.LockedUntil
			body.LockedUntil = &until
		}
	case apperr.KindNoKeysAvailable, apperr.KindRateLimited:
		body.RetryAfter = ae.RetryAfter.Seconds()
	}
	return body
}

func respondError(c echo.Context, err error) error {
	return c.JSON(StatusFor(apperr.KindOf(err)), errorBody(err))
}

func invalid(c echo.Context, format string, args ...any) error {
	return respondError(c, apperr.New(apperr.KindInvalidInput, format, args...))
}

// bind decodes the request into req and runs its validate tags.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "malformed request body")
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return &validationError{details: formatValidationErrors(verrs)}
		}
		return apperr.Wrap(apperr.KindInvalidInput, err, "invalid request")
	}
	return nil
}

type validationError struct {
	details []string
}

func (e *validationError) Error() string {
	return "validation failed: " + strings.Join(e.details, "; ")
}

// respondBindError writes the response for an error returned by bind.
func respondBindError(c echo.Context, err error) error {
	var ve *validationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, ErrorBody{
			Error:   apperr.KindInvalidInput,
			Message: "validation failed",
			Details: ve.details,
		})
	}
	return respondError(c, err)
}

func formatValidationErrors(verrs validator.ValidationErrors) []string {
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (param: %s)", msg, fe.Param())
		}
		out = append(out, msg)
	}
	return out
}

// userID returns the caller identity from the request header.
func userID(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get(UserHeader))
}
