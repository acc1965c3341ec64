package errors

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/vmscope/console/internal/logger"
	"go.uber.org/zap"
)

// Define a custom type for context keys to avoid collisions
type contextKey string

const requestIDKey contextKey = "request_id"

// HandlerFunc is a function type that can return an error
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handler wraps HandlerFunc with automatic error handling
type Handler struct {
	errorMiddleware *ErrorMiddleware
	handlerFunc     HandlerFunc
	logger          *zap.Logger
}

// NewHandler creates a new error-aware handler
func NewHandler(handlerFunc HandlerFunc) *Handler {
	return &Handler{
		errorMiddleware: NewErrorMiddleware(),
		handlerFunc:     handlerFunc,
		logger:          logger.New("error_handler"),
	}
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Tag the context for error correlation and request-scoped logging.
	requestID := uuid.NewString()
	ctx := context.WithValue(r.Context(), requestIDKey, requestID)
	ctx = logger.WithRequestID(ctx, requestID)
	r = r.WithContext(ctx)

	// Add request ID header to response
	w.Header().Set("X-Request-ID", requestID)

	// Call the handler function and handle any errors
	if err := h.handlerFunc(w, r); err != nil {
		h.errorMiddleware.HandleError(w, r, err)
		return
	}
}

// WrapHandler wraps a handler function with error handling
func WrapHandler(handlerFunc func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return NewHandler(handlerFunc)
}
