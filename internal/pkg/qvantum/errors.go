package qvantum

import (
	"errors"
	"fmt"
)

// AuthReason narrows why authentication failed.
type AuthReason string

const (
	ReasonInvalidCredentials AuthReason = "invalid_credentials"
	ReasonRefreshFailed      AuthReason = "refresh_failed"
)

// AuthError means the credential chain is broken: either the stored
// email/password were rejected, or the refresh token was revoked and the
// fallback login failed too. Fatal to all polling until corrected.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed (%s): %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError covers rate limiting, server-side failures and network
// flakiness. Callers may retry; coordinators keep last-known-good data.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient api error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient api error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// DeviceUnavailableError means the cloud reports the device offline or
// unknown. Reflected as connectivity=false, never a process failure.
type DeviceUnavailableError struct {
	DeviceID string
}

func (e *DeviceUnavailableError) Error() string {
	return "device unavailable: " + e.DeviceID
}

// PermissionError means the account's current access level is too low
// for the requested read or write. Triggers the elevation workflow.
type PermissionError struct {
	DeviceID string
	Setting  string
}

func (e *PermissionError) Error() string {
	if e.Setting != "" {
		return fmt.Sprintf("permission denied for setting %q on device %s", e.Setting, e.DeviceID)
	}
	return "permission denied on device " + e.DeviceID
}

// ValidationError rejects bad caller input before any network call.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsDeviceUnavailable(err error) bool {
	var de *DeviceUnavailableError
	return errors.As(err, &de)
}

func IsPermissionDenied(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
