package auth

import "errors"

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionLocked      = errors.New("session locked, contact support")
	ErrConcurrentAttempt  = errors.New("attempt already in progress")
	ErrOTPExpired         = errors.New("one-time code expired")
	ErrOTPMismatch        = errors.New("one-time code mismatch")
	ErrPINMismatch        = errors.New("incorrect PIN")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already enrolled")
	ErrInvalidPIN         = errors.New("PIN must be 4 to 6 digits")
)
