package domain

import "errors"

// Domain errors
var (
	ErrPlayerNotFound    = errors.New("player not found")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrInvalidStatName   = errors.New("invalid stat name")
	ErrInvalidNamespace  = errors.New("invalid namespace")
	ErrStatKindMismatch  = errors.New("stat kind does not match stored stat")
	ErrStoreUnavailable  = errors.New("stats store unavailable")
	ErrDocumentCorrupted = errors.New("stats document corrupted")
	ErrServiceStopped    = errors.New("stats service stopped")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInternalError     = errors.New("internal server error")
	ErrAuditLogDisabled  = errors.New("upload audit log disabled")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrPlayerNotFound) || errors.Is(err, ErrNamespaceNotFound)
}

// IsValidationError checks if an error was caused by a malformed request
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidStatName) ||
		errors.Is(err, ErrInvalidNamespace) ||
		errors.Is(err, ErrInvalidRequest)
}
