package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ebogdum/lablock/auth"
	"github.com/ebogdum/lablock/coordination/httpstore"
)

type contextKey string

const (
	clientKey    contextKey = "client"
	RequestIDKey contextKey = "request_id"
)

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// V1AuthMiddleware creates middleware for API key authentication
func V1AuthMiddleware(authenticator auth.Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Debug("Missing Authorization header", zap.String("remote_addr", r.RemoteAddr))
				sendErrorResponse(w, logger, http.StatusUnauthorized, httpstore.CodeUnauthorized, auth.ErrAuthenticationFailed.Error())
				return
			}

			client, err := authenticator.Authenticate(r.Context(), authHeader)
			if err != nil {
				logger.Debug("Authentication failed",
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err))
				sendErrorResponse(w, logger, http.StatusUnauthorized, httpstore.CodeUnauthorized, auth.ErrAuthenticationFailed.Error())
				return
			}

			ctx := context.WithValue(r.Context(), clientKey, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// V1RequestIDMiddleware adds a request ID to each request context, keeping
// one supplied by the caller.
func V1RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.NewString()
			}

			w.Header().Set(RequestIDHeader, requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClient extracts the authenticated client name from request context
func GetClient(ctx context.Context) (string, bool) {
	client, ok := ctx.Value(clientKey).(string)
	return client, ok
}

// GetRequestID extracts the request ID from request context
func GetRequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(RequestIDKey).(string)
	return id, ok
}

// sendErrorResponse writes the gateway's JSON error body
func sendErrorResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(httpstore.ErrorResponse{Code: code, Message: message}); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}
