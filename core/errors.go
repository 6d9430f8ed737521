package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeEnvFileMissing     = "ENV_FILE_MISSING"
	ErrCodeMissingAuth        = "MISSING_AUTH"
	ErrCodeMissingConfig      = "MISSING_CONFIG"
	ErrCodeInvalidConfig      = "INVALID_CONFIG"
	ErrCodeBackendUnreachable = "BACKEND_UNREACHABLE"
)

// ErrEnvFileMissing returns an error for missing .env file
func ErrEnvFileMissing(path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeEnvFileMissing,
		Message: fmt.Sprintf("Configuration file not found: %s", path),
		Action:  "Copy example.env to .env and configure the required values",
	}
}

// ErrMissingAuth returns an error for missing credentials of an upstream service.
func ErrMissingAuth(service string) *ConfigError {
	var action string
	switch service {
	case "openai":
		action = "Set OPENAI_API_KEY in your .env file"
	case "jwt":
		action = "Set AUTH_JWT_SECRET in your .env file (or DEV_MODE=true for local testing)"
	case "s3":
		action = "Set S3_ACCESS_KEY and S3_SECRET_KEY, or rely on the default AWS credential chain"
	default:
		action = fmt.Sprintf("Set the required credentials for %s in your .env file", service)
	}
	return &ConfigError{
		Code:    ErrCodeMissingAuth,
		Message: fmt.Sprintf("Missing authentication credentials for %s", service),
		Action:  action,
	}
}

// ErrMissingConfig returns an error for missing required configuration
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// ErrInvalidConfig returns an error for a value that is present but unusable.
func ErrInvalidConfig(varName, value, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidConfig,
		Message: fmt.Sprintf("Invalid %s '%s': %s", varName, value, reason),
		Action:  fmt.Sprintf("Correct %s in your .env file", varName),
	}
}

// ErrBackendUnreachable returns an error when a configured backend cannot be reached.
func ErrBackendUnreachable(backend, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeBackendUnreachable,
		Message: fmt.Sprintf("Cannot reach %s: %s", backend, reason),
		Action:  fmt.Sprintf("Check that %s is running, or set CACHE_BACKEND=sqlite", backend),
	}
}

// IsConfigError checks if an error is a ConfigError and returns it if so
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from a ConfigError, or returns empty string
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}

// ErrNotAuthenticated is returned when a credit-consuming action has no user.
var ErrNotAuthenticated = errors.New("Please sign in to generate thumbnails.")

// ValidationError reports missing or inconsistent user input. It is raised
// before any dispatch and never mutates state.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError returns a ValidationError with the given message.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// Quota error codes.
const (
	QuotaPaymentRequired = "PAYMENT_REQUIRED"
	QuotaLimitReached    = "LIMIT_REACHED"
	QuotaInsufficient    = "INSUFFICIENT"
)

// QuotaError reports that the user's plan does not allow the request.
type QuotaError struct {
	Code    string
	Message string
}

func (e *QuotaError) Error() string {
	return e.Message
}

// Is matches any QuotaError with the same code, so
// errors.Is(err, ErrLimitReached()) works.
func (e *QuotaError) Is(target error) bool {
	t, ok := target.(*QuotaError)
	return ok && t.Code == e.Code
}

// ErrPaymentRequired is returned when the user has no active plan.
func ErrPaymentRequired() *QuotaError {
	return &QuotaError{
		Code:    QuotaPaymentRequired,
		Message: "Please purchase a subscription plan to generate thumbnails.",
	}
}

// ErrLimitReached is returned when the remaining balance is exhausted.
func ErrLimitReached() *QuotaError {
	return &QuotaError{
		Code:    QuotaLimitReached,
		Message: "You have reached your generation limit for the month. Please upgrade to continue generating thumbnails.",
	}
}

// ErrInsufficient is returned when a confirmed request needs more units than remain.
func ErrInsufficient(needed, remaining int) *QuotaError {
	return &QuotaError{
		Code:    QuotaInsufficient,
		Message: fmt.Sprintf("You need %d generations but only have %d remaining. Please upgrade your plan.", needed, remaining),
	}
}

// userFacing is implemented by errors whose text is safe to show verbatim.
type userFacing interface {
	UserMessage() string
}

// UserMessage returns the text an error panel should display for err.
// Validation, quota and generator rejections are shown verbatim; anything
// else collapses to fallback so internal details never reach the user.
func UserMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Message
	}
	var quotaErr *QuotaError
	if errors.As(err, &quotaErr) {
		return quotaErr.Message
	}
	if errors.Is(err, ErrNotAuthenticated) {
		return ErrNotAuthenticated.Error()
	}
	var uf userFacing
	if errors.As(err, &uf) {
		return uf.UserMessage()
	}
	return fallback
}
