package external

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/NikhilSetiya/license-sync/pkg/errors"
)

const serviceName = "license_api"

// maxErrorBody bounds how much of an error response is kept in the message
const maxErrorBody = 512

// statusError maps a non-2xx response to a typed AppError carrying the status code
func statusError(operation string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	var appErr *errors.AppError
	switch {
	case status == http.StatusNotFound:
		appErr = errors.NewNotFoundError("license")
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		appErr = errors.NewValidationError(fmt.Sprintf("license API rejected %s: %s", operation, msg))
	case status == http.StatusUnauthorized:
		appErr = errors.NewAuthenticationError("license API rejected credentials")
	case status == http.StatusForbidden:
		appErr = errors.NewAuthorizationError("license API denied access")
	case status == http.StatusRequestTimeout:
		appErr = errors.NewTimeoutError("external." + operation)
	case status == http.StatusTooManyRequests:
		appErr = errors.NewRateLimitError("license API rate limit exceeded")
	default:
		appErr = errors.NewExternalError(serviceName, fmt.Sprintf("%s returned status %d: %s", operation, status, msg))
	}

	return appErr.WithStatusCode(status).WithDetail("operation", operation)
}

// transportError maps a failed round trip. Caller cancellation is returned
// unchanged so the breaker does not count it.
func transportError(operation string, err error) error {
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError("external." + operation).WithCause(err)
	}
	return errors.NewExternalError(serviceName, operation+" request failed").
		WithCause(err).
		WithDetail("operation", operation)
}

// decodeError reports a 2xx body that is not the JSON we expect. It is permanent.
func decodeError(operation string, err error) error {
	return errors.NewValidationError("malformed response from license API").
		WithCause(err).
		WithDetail("operation", operation)
}

// isDependencyFailure reports whether err says something about the health of
// the external API. Not-found and validation answers come from a working API.
func isDependencyFailure(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return false
	}
	switch errors.GetType(err) {
	case errors.ErrorTypeNotFound, errors.ErrorTypeValidation:
		return false
	}
	return true
}
