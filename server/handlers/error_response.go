package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ebogdum/lablock/auth"
	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/coordination/httpstore"
)

// ErrorResponse represents a standardized error response
type ErrorResponse = httpstore.ErrorResponse

// badRequestError marks client mistakes in the request itself
type badRequestError struct {
	message string
}

func (e *badRequestError) Error() string {
	return e.message
}

func badRequest(format string, args ...interface{}) error {
	return &badRequestError{message: fmt.Sprintf(format, args...)}
}

// SendErrorResponse sends a standardized JSON error response
func SendErrorResponse(w http.ResponseWriter, logger *zap.Logger, err error, defaultStatusCode int) {
	w.Header().Set("Content-Type", "application/json")

	var statusCode int
	var errorCode string

	var badReq *badRequestError
	switch {
	case errors.Is(err, coordination.ErrNotFound):
		statusCode = http.StatusNotFound
		errorCode = httpstore.CodeNotFound
	case errors.Is(err, coordination.ErrAlreadyExists):
		statusCode = http.StatusConflict
		errorCode = httpstore.CodeAlreadyExists
	case errors.Is(err, coordination.ErrValueMismatch):
		statusCode = http.StatusConflict
		errorCode = httpstore.CodeValueMismatch
	case errors.Is(err, coordination.ErrNotSupported):
		statusCode = http.StatusNotImplemented
		errorCode = httpstore.CodeNotSupported
	case errors.Is(err, coordination.ErrUnavailable):
		statusCode = http.StatusServiceUnavailable
		errorCode = httpstore.CodeStoreUnavailable
	case errors.Is(err, auth.ErrAuthenticationFailed):
		statusCode = http.StatusUnauthorized
		errorCode = httpstore.CodeUnauthorized
	case errors.As(err, &badReq):
		statusCode = http.StatusBadRequest
		errorCode = httpstore.CodeBadRequest
	default:
		statusCode = defaultStatusCode
		errorCode = httpstore.CodeInternal
	}

	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Code:    errorCode,
		Message: err.Error(),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("Failed to encode error response", zap.Error(err))
		return
	}

	// Misses and conflicts are routine for a lock gateway
	logFn := logger.Debug
	if statusCode >= http.StatusInternalServerError {
		logFn = logger.Error
	}
	logFn("Error response sent",
		zap.String("error_code", errorCode),
		zap.Int("status_code", statusCode),
		zap.Error(err))
}

// SendJSONResponse sends a JSON response with any data structure
func SendJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already out, so an encode failure cannot be reported
	_ = json.NewEncoder(w).Encode(data)
}
