// Package errors defines the error taxonomy shared across the session core.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Credential and storage errors.
var (
	ErrIncompleteCredentials = errors.New("incomplete credentials would overwrite a complete record")
	ErrCredentialsNotFound   = errors.New("credentials not found")
	ErrStoreClosed           = errors.New("store is closed")
)

// Session lifecycle errors.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrCapacityExceeded    = errors.New("maximum concurrent sessions reached")
	ErrPairingInProgress   = errors.New("pairing already in progress for this session")
	ErrSessionNotPaired    = errors.New("session has no credentials and no phone number was supplied")
	ErrReconnectInFlight   = errors.New("a reconnection attempt is already in flight")
	ErrTransportNotReady   = errors.New("transport did not reach the open state in time")
	ErrSessionDisconnected = errors.New("session is disconnected")
)

// TimeoutError reports a storage or transport operation that exceeded its
// budget. Timeouts are transient: callers retry or degrade, never crash.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded its %s budget", e.Op, e.Budget)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// DecryptKind classifies a per-message decryption failure.
type DecryptKind int

const (
	DecryptUnknown DecryptKind = iota
	DecryptBadMac
	DecryptNoSession
	DecryptCounterReplay
	DecryptDuplicate
)

func (k DecryptKind) String() string {
	switch k {
	case DecryptBadMac:
		return "bad_mac"
	case DecryptNoSession:
		return "no_session"
	case DecryptCounterReplay:
		return "counter_replay"
	case DecryptDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// DecryptionFailure wraps a transport decryption error with its class.
type DecryptionFailure struct {
	Kind DecryptKind
	Err  error
}

func (e *DecryptionFailure) Error() string {
	return fmt.Sprintf("decryption failure (%s): %v", e.Kind, e.Err)
}

func (e *DecryptionFailure) Unwrap() error { return e.Err }

// ClassifiedDisconnect carries a transport disconnect cause code together
// with the policy outcome that was applied to it. It is the value logged
// and surfaced outward when a session cannot be revived.
type ClassifiedDisconnect struct {
	CauseCode int
	Detail    string
	Permanent bool
	Action    string
}

func (e *ClassifiedDisconnect) Error() string {
	return fmt.Sprintf("disconnect cause %d (%s): %s", e.CauseCode, e.Detail, e.Action)
}
