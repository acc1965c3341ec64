package errors

import (
	stderrors "errors"
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Console-specific error constructors

// SocketError creates an error for gateway socket issues, classified by
// close code where one is available.
func SocketError(operation string, cause error) *AppError {
	var code string
	var severity ErrorSeverity
	var userMessage string

	switch {
	case websocket.IsCloseError(cause, websocket.ClosePolicyViolation):
		// The gateway signals a rejected token with 1008.
		code = "WS_AUTH_REJECTED"
		severity = SeverityHigh
		userMessage = "The gateway rejected the session credentials."
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		code = "WS_NORMAL_CLOSURE"
		severity = SeverityLow
		userMessage = "Connection closed normally."
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_ABNORMAL_CLOSURE"
		severity = SeverityMedium
		userMessage = "Connection to the gateway was lost."
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_UNEXPECTED_CLOSURE"
		severity = SeverityMedium
		userMessage = "Connection to the gateway closed unexpectedly."
	default:
		code = "WS_ERROR"
		severity = SeverityMedium
		userMessage = "Gateway connection error occurred."
	}

	errType := ErrorTypeNetwork
	if code == "WS_AUTH_REJECTED" {
		errType = ErrorTypeAuthentication
	}

	return Wrap(cause, errType, code, fmt.Sprintf("Gateway socket %s failed", operation)).
		WithSeverity(severity).
		WithUserMessage(userMessage)
}

// IsAuthClose reports whether err is, or wraps, the gateway's
// auth-rejection close.
func IsAuthClose(err error) bool {
	var ce *websocket.CloseError
	return stderrors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation
}

// TokenError creates an error for session token acquisition failures
func TokenError(cause error) *AppError {
	return Wrap(cause, ErrorTypeAuthentication, "TOKEN_FETCH_FAILED", "Session token fetch failed").
		WithSeverity(SeverityMedium).
		WithUserMessage("Could not obtain a session token from the gateway.")
}

// ProtocolError creates an error for malformed or out-of-contract frames
func ProtocolError(kind, reason string) *AppError {
	return New(ErrorTypeProtocol, "PROTOCOL_ERROR", fmt.Sprintf("Protocol error in %q frame: %s", kind, reason)).
		WithSeverity(SeverityLow).
		WithUserMessage("The gateway sent a message the console does not understand.")
}

// HandlerPanicError wraps a recovered panic from a feature message handler
func HandlerPanicError(kind string, recovered interface{}) *AppError {
	return New(ErrorTypeInternal, "HANDLER_PANIC", fmt.Sprintf("Handler for %q panicked: %v", kind, recovered)).
		WithSeverity(SeverityHigh).
		WithUserMessage("A message handler failed; other handlers are unaffected.")
}

// SubscriptionError creates an error for subscription request issues
func SubscriptionError(topic, reason string) *AppError {
	return New(ErrorTypeValidation, "SUBSCRIPTION_ERROR", fmt.Sprintf("Subscription error: %s", reason)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("Topic: %s", topic)).
		WithUserMessage("The subscription request is invalid.")
}

// ConnectionLimitError creates an error when the simulator's connection
// limit is exceeded
func ConnectionLimitError(currentCount, maxCount int) *AppError {
	return New(ErrorTypeRateLimit, "CONNECTION_LIMIT_EXCEEDED",
		fmt.Sprintf("Connection limit exceeded: %d/%d", currentCount, maxCount)).
		WithSeverity(SeverityMedium).
		WithUserMessage("Too many active connections. Please try again later.")
}

// DatabaseConnectionError creates an error for journal connection issues
func DatabaseConnectionError(cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "DB_CONNECTION_ERROR", "Journal database connection failed").
		WithSeverity(SeverityCritical).
		WithUserMessage("The event journal is temporarily unavailable.")
}

// QueryTimeoutError creates an error for journal query timeouts
func QueryTimeoutError(query string, timeoutDuration string) *AppError {
	return New(ErrorTypeTimeout, "QUERY_TIMEOUT", fmt.Sprintf("Journal query timed out after %s", timeoutDuration)).
		WithSeverity(SeverityMedium).
		WithDetails(fmt.Sprintf("Query: %s", query)).
		WithUserMessage("The journal query took too long. Please try again.")
}

// GatewayAPIError creates an error for REST calls to the gateway
func GatewayAPIError(operation string, status int, cause error) *AppError {
	return Wrap(cause, ErrorTypeExternal, "GATEWAY_API_ERROR",
		fmt.Sprintf("Gateway API %s failed with status %d", operation, status)).
		WithSeverity(SeverityMedium).
		WithUserMessage("The gateway API is temporarily unavailable. Please try again later.")
}

// HealthCheckError creates an error for health check failures
func HealthCheckError(component, reason string) *AppError {
	return New(ErrorTypeInternal, "HEALTH_CHECK_FAILED", fmt.Sprintf("Health check failed for %s: %s", component, reason)).
		WithSeverity(SeverityHigh).
		WithUserMessage("System health check failed. Service may be degraded.")
}

// ConfigurationError creates an error for configuration issues
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeInternal, "CONFIGURATION_ERROR", fmt.Sprintf("Configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical).
		WithUserMessage("Service is misconfigured. Please contact system administrator.")
}

// AuthenticationError creates an authentication error
func AuthenticationError(reason string) *AppError {
	return New(ErrorTypeAuthentication, "AUTH_FAILED", fmt.Sprintf("Authentication failed: %s", reason)).
		WithSeverity(SeverityMedium).
		WithUserMessage("Authentication failed. Please provide valid credentials.")
}

// RateLimitError creates a rate limit error
func RateLimitError(resource string) *AppError {
	return New(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", fmt.Sprintf("Rate limit exceeded for %s", resource)).
		WithSeverity(SeverityMedium).
		WithUserMessage("Too many requests. Please wait before trying again.")
}

// ValidationError creates a validation error
func ValidationError(code, message string) *AppError {
	return New(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow).
		WithUserMessage("Please check your input and try again.")
}

// NotFoundError creates a not found error
func NotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithSeverity(SeverityLow).
		WithUserMessage("The requested resource was not found.")
}

// InternalError creates an internal error
func InternalError(message string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, "INTERNAL_ERROR", message).
		WithSeverity(SeverityHigh).
		WithUserMessage("An internal error occurred. Please try again.")
}

// NetworkError creates an error for network-level issues
func NetworkError(operation string, cause error) *AppError {
	var code string
	severity := SeverityMedium
	userMessage := "Network error occurred. Please check your connection."

	if netErr, ok := cause.(net.Error); ok && netErr.Timeout() {
		code = "NETWORK_TIMEOUT"
		userMessage = "Network operation timed out. Please try again."
	} else if opErr, ok := cause.(*net.OpError); ok {
		switch opErr.Op {
		case "dial":
			code = "NETWORK_DIAL_FAILED"
			severity = SeverityHigh
			userMessage = "Failed to establish network connection."
		case "read":
			code = "NETWORK_READ_FAILED"
			userMessage = "Failed to read from network connection."
		case "write":
			code = "NETWORK_WRITE_FAILED"
			userMessage = "Failed to write to network connection."
		default:
			code = "NETWORK_OP_FAILED"
		}
	} else if isTemporaryNetError(cause) {
		code = "NETWORK_TEMPORARY"
		severity = SeverityLow
		userMessage = "Temporary network error. Please try again."
	} else {
		code = "NETWORK_ERROR"
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("Network %s failed", operation)).
		WithSeverity(severity).
		WithUserMessage(userMessage)
}

// IsRecoverable determines if an error is recoverable (can be retried)
func IsRecoverable(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		switch appErr.Type {
		case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeDatabase:
			return appErr.Severity != SeverityCritical
		case ErrorTypeRateLimit:
			// Recoverable after waiting
			return true
		case ErrorTypeExternal:
			return true
		case ErrorTypeValidation, ErrorTypeAuthentication, ErrorTypeAuthorization, ErrorTypeNotFound, ErrorTypeProtocol:
			// Not recoverable without changing the request
			return false
		case ErrorTypeInternal:
			return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
		}
	}
	return false
}

// ShouldRetry determines if an operation should be retried based on the error
func ShouldRetry(err error, attemptCount int, maxAttempts int) bool {
	if attemptCount >= maxAttempts {
		return false
	}

	return IsRecoverable(err)
}

// isTemporaryNetError checks if a network error is temporary
func isTemporaryNetError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	temporaryPatterns := []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
	}

	for _, pattern := range temporaryPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
