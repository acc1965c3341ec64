package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/metrics"
	"go.uber.org/zap"
)

// ErrorType is the coarse classification of a failure. The type decides
// the HTTP status on the simulator's REST surface and whether the
// console treats the failure as recoverable.
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeDatabase       ErrorType = "database"
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeProtocol       ErrorType = "protocol"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
)

// ErrorSeverity picks the log level a failure is reported at.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError is the structured error everything in the console raises.
// Message is the operator-facing line; UserMessage is what a client of
// the HTTP surface is allowed to see.
type AppError struct {
	Type        ErrorType     `json:"type"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Severity    ErrorSeverity `json:"severity"`
	Timestamp   time.Time     `json:"timestamp"`
	RequestID   string        `json:"request_id,omitempty"`
	UserMessage string        `json:"user_message,omitempty"`
	Cause       error         `json:"-"`
	StackTrace  string        `json:"-"`
}

func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	if e.Details != "" {
		s += ": " + e.Details
	}
	return s
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// wireError is the client-visible slice of an AppError. Details, cause
// and stack never cross the wire.
type wireError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorResponse is the JSON body sent for a failed HTTP request.
type ErrorResponse struct {
	Error wireError `json:"error"`
}

// New builds an AppError at the default medium severity, capturing the
// stack at the raise site.
func New(errorType ErrorType, code string, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Severity:   SeverityMedium,
		Timestamp:  time.Now(),
		StackTrace: stackTrace(),
	}
}

// Wrap builds an AppError around a cause, carrying the cause's text as
// Details.
func Wrap(err error, errorType ErrorType, code string, message string) *AppError {
	appErr := New(errorType, code, message)
	appErr.Cause = err
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// WithSeverity overrides the default severity.
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithDetails attaches operator-facing detail text.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithUserMessage sets the client-visible message.
func (e *AppError) WithUserMessage(message string) *AppError {
	e.UserMessage = message
	return e
}

// WithRequestID ties the error to a request for correlation.
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// ErrorMiddleware turns errors from HTTP handlers into logged, typed
// JSON responses.
type ErrorMiddleware struct {
	logger *zap.Logger
}

// NewErrorMiddleware creates a new error middleware instance.
func NewErrorMiddleware() *ErrorMiddleware {
	return &ErrorMiddleware{
		logger: logger.New("error_middleware"),
	}
}

// HandleError logs err, counts it, and writes the JSON error response.
// Anything that is not already an AppError is reported as an internal
// error so no raw error text leaks to the client.
func (em *ErrorMiddleware) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := err.(*AppError)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "An internal error occurred").
			WithSeverity(SeverityHigh)
	}
	if id := requestIDFrom(r); id != "" {
		appErr.RequestID = id
	}

	em.logError(appErr, r)
	metrics.IncrementErrorCount()
	em.writeResponse(w, appErr)
}

func (em *ErrorMiddleware) logError(err *AppError, r *http.Request) {
	fields := []zap.Field{
		zap.String("error_type", string(err.Type)),
		zap.String("error_code", err.Code),
		zap.String("severity", string(err.Severity)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	}
	if err.RequestID != "" {
		fields = append(fields, zap.String("request_id", err.RequestID))
	}
	if err.Details != "" {
		fields = append(fields, zap.String("details", err.Details))
	}
	if err.Cause != nil {
		fields = append(fields, zap.Error(err.Cause))
	}

	switch err.Severity {
	case SeverityLow:
		em.logger.Info(err.Message, fields...)
	case SeverityMedium:
		em.logger.Warn(err.Message, fields...)
	default:
		// Stack traces only for the severities where someone will read them.
		fields = append(fields, zap.String("stack_trace", err.StackTrace))
		em.logger.Error(err.Message, fields...)
	}
}

func (em *ErrorMiddleware) writeResponse(w http.ResponseWriter, err *AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err.Type))

	response := ErrorResponse{Error: wireError{
		Type:      err.Type,
		Code:      err.Code,
		Message:   clientMessage(err),
		Timestamp: err.Timestamp,
		RequestID: err.RequestID,
	}}
	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		em.logger.Error("Failed to encode error response", zap.Error(encodeErr))
	}
}

// httpStatus maps an error type to the status the REST surface answers
// with.
func httpStatus(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeValidation, ErrorTypeProtocol:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case ErrorTypeExternal:
		return http.StatusBadGateway
	case ErrorTypeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage picks what the HTTP client gets to read: the explicit
// user message when one was set, otherwise a fixed line per type.
func clientMessage(err *AppError) string {
	if err.UserMessage != "" {
		return err.UserMessage
	}

	switch err.Type {
	case ErrorTypeValidation:
		return "The request contains invalid data."
	case ErrorTypeAuthentication:
		return "Authentication required. Provide a valid session token."
	case ErrorTypeAuthorization:
		return "You do not have permission to perform this action."
	case ErrorTypeNotFound:
		return "The requested resource was not found."
	case ErrorTypeRateLimit:
		return "Too many requests. Wait before trying again."
	case ErrorTypeTimeout:
		return "The request timed out."
	case ErrorTypeDatabase:
		return "A storage error occurred. Try again later."
	case ErrorTypeNetwork:
		return "A network error occurred."
	case ErrorTypeProtocol:
		return "The request does not follow the gateway protocol."
	case ErrorTypeExternal:
		return "An upstream service failed. Try again later."
	default:
		return "An unexpected error occurred."
	}
}

// RecoveryMiddleware converts a handler panic into a logged critical
// internal error instead of tearing down the connection.
func (em *ErrorMiddleware) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				appErr := New(ErrorTypeInternal, "PANIC_RECOVERED",
					fmt.Sprintf("Panic recovered: %v", rec)).
					WithSeverity(SeverityCritical)
				em.HandleError(w, r, appErr)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func stackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// requestIDFrom pulls the correlation id set by the Handler wrapper, or the
// caller-supplied header when the wrapper was not in the chain.
func requestIDFrom(r *http.Request) string {
	if v := r.Context().Value(requestIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return r.Header.Get("X-Request-ID")
}
