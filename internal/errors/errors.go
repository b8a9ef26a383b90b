// Package errors provides standardized error codes for the display daemon.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (display, gate, config, storage, server, suspend, blanker)
//   - error: The specific error type within that domain
//
// Codes are stable and are returned to API clients next to a human-readable
// message.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Display domain - controller and panel state
	CodeDisplayNotFound       = "display.not_found"        // No controller for the display id
	CodeDisplayStopped        = "display.stopped"          // Controller has been stopped
	CodeDisplayInvalidPolicy  = "display.invalid_policy"   // Unknown policy name
	CodeDisplayInvalidValue   = "display.invalid_value"    // Brightness or state out of range
	CodeDisplayPowerStateNone = "display.power_state_none" // Power state not initialized yet

	// Gate domain - screen on/off unblockers
	CodeGateStaleToken = "gate.stale_token" // Token does not match the pending gate
	CodeGateNotPending = "gate.not_pending" // Nothing is waiting on this gate

	// Config domain
	CodeConfigInvalid    = "config.invalid"     // Config value failed validation
	CodeConfigLoadFailed = "config.load_failed" // Config file could not be read or parsed

	// Storage domain - database and persistence errors
	CodeStorageNotFound    = "storage.not_found"    // Row not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Server domain - HTTP and WebSocket errors
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid message
	CodeServerSendFailed     = "server.send_failed"     // Failed to send message
	CodeServerRateLimited    = "server.rate_limited"    // Too many requests
	CodeServerUnauthorized   = "server.unauthorized"    // Missing or bad API token
	CodeServerUnreachable    = "server.unreachable"     // Daemon not reachable from the CLI

	// Suspend domain - sleep inhibitors
	CodeSuspendUnsupported   = "suspend.unsupported"    // No inhibitor on this platform
	CodeSuspendInhibitFailed = "suspend.inhibit_failed" // Inhibitor could not be taken

	// Blanker domain - panel writes
	CodeBlankerWriteFailed = "blanker.write_failed" // Panel write failed
	CodeBlankerNoDevice    = "blanker.no_device"    // Backlight device missing

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
type CodedError struct {
	Code    string // Stable error code (e.g., "gate.stale_token")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

var nextActions = map[string]string{
	CodeDisplayStopped:       "restart the daemon with 'dispctl start'",
	CodeDisplayInvalidPolicy: "use one of off, doze, dim, bright, vr",
	CodeDisplayInvalidValue:  "brightness must be within [0, 1]",
	CodeConfigInvalid:        "fix the value in ~/.dispctl/config.toml",
	CodeConfigLoadFailed:     "check the config path and TOML syntax",
	CodeStorageOpenFailed:    "check that the state database directory is writable",
	CodeServerUnauthorized:   "pass the API token with --token",
	CodeServerRateLimited:    "retry after a short delay",
	CodeServerUnreachable:    "start the daemon with 'dispctl start' or check --addr",
	CodeSuspendUnsupported:   "suspend blocking needs systemd-logind",
	CodeBlankerNoDevice:      "set [blanker] device to an entry under /sys/class/backlight",
}

// GetNextAction returns a short hint the CLI prints under an error, or "".
func GetNextAction(code string) string {
	return nextActions[code]
}

// Common error constructors for frequently used error types.

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// ConfigInvalid creates a "config.invalid" error naming the field.
func ConfigInvalid(field, reason string) *CodedError {
	return New(CodeConfigInvalid, fmt.Sprintf("%s: %s", field, reason))
}

// InvalidPolicy creates a "display.invalid_policy" error.
func InvalidPolicy(name string) *CodedError {
	return New(CodeDisplayInvalidPolicy, fmt.Sprintf("unknown policy %q", name))
}

// InvalidBrightness creates a "display.invalid_value" error.
func InvalidBrightness(v float64) *CodedError {
	return New(CodeDisplayInvalidValue, fmt.Sprintf("brightness %v is outside [0, 1]", v))
}

// DisplayNotFound creates a "display.not_found" error.
func DisplayNotFound(id int) *CodedError {
	return New(CodeDisplayNotFound, fmt.Sprintf("no controller for display %d", id))
}

// StaleToken creates a "gate.stale_token" error.
// The token was issued for a gate that has since closed or been replaced.
func StaleToken(id string) *CodedError {
	return New(CodeGateStaleToken, fmt.Sprintf("token %s is not pending", id))
}

// BlankerWriteFailed creates a "blanker.write_failed" error.
func BlankerWriteFailed(what string, cause error) *CodedError {
	return Wrap(CodeBlankerWriteFailed, fmt.Sprintf("failed to write %s", what), cause)
}

// SuspendUnsupported creates a "suspend.unsupported" error.
func SuspendUnsupported(reason string) *CodedError {
	return New(CodeSuspendUnsupported, reason)
}
