package apierror

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrConflict        ErrorCode = "CONFLICT"
	ErrBadRequest      ErrorCode = "BAD_REQUEST"
	ErrInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrInternalServer  ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrUnprocessable   ErrorCode = "UNPROCESSABLE"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// As unwraps err (including pkg/errors wrapping) down to an APIError.
func As(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	if apiErr, ok := errors.Cause(err).(APIError); ok {
		return apiErr, true
	}
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return APIError{}, false
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	apiErr, ok := As(err)
	return ok && apiErr.Code == code
}

func MapErrorToHTTPStatus(err error) int {
	if apiErr, ok := As(err); ok {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest:
			return http.StatusBadRequest
		case ErrTooManyRequests:
			return http.StatusTooManyRequests
		case ErrUnprocessable:
			return http.StatusUnprocessableEntity
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
