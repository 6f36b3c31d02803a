package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/NikhilSetiya/license-sync/pkg/errors"
)

// APIResponse is the envelope of error responses
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError describes a failed request
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get(requestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

func errorResponse(c *gin.Context, status int, apiErr *APIError) {
	c.JSON(status, APIResponse{
		Success:   false,
		Error:     apiErr,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError sends an error response derived from err
func ErrorResponseFromError(c *gin.Context, err error) {
	appErr, ok := errors.As(err)
	if !ok {
		InternalErrorResponse(c, "An unexpected error occurred")
		return
	}

	apiErr := &APIError{Code: appErr.Code, Message: appErr.Message}
	if len(appErr.Details) > 0 {
		apiErr.Details = make(map[string]interface{}, len(appErr.Details))
		for k, v := range appErr.Details {
			apiErr.Details[k] = v
		}
	}
	errorResponse(c, errors.HTTPStatus(err), apiErr)
}

// BadRequestResponse sends a 400 response
func BadRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, &APIError{Code: "BAD_REQUEST", Message: message})
}

// UnauthorizedResponse sends a 401 response
func UnauthorizedResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusUnauthorized, &APIError{Code: "UNAUTHORIZED", Message: message})
}

// InternalErrorResponse sends a 500 response
func InternalErrorResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusInternalServerError, &APIError{Code: "INTERNAL_ERROR", Message: message})
}

// ValidationErrorResponse sends a 400 response listing the failing fields
func ValidationErrorResponse(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		BadRequestResponse(c, "Invalid request body")
		return
	}

	details := make(map[string]interface{}, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		details[fe.Field()] = rule
	}
	errorResponse(c, http.StatusBadRequest, &APIError{
		Code:    "VALIDATION_ERROR",
		Message: "Request validation failed",
		Details: details,
	})
}
