package services

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminalState is returned when a transition is requested for a
	// transaction that already reached success, failed or cancelled.
	ErrTerminalState = errors.New("transaction is in a terminal state")
	// ErrInvalidTransition is returned for an event the current state does not accept.
	ErrInvalidTransition = errors.New("invalid transaction transition")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports a missing or foreign record.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

// ConflictError reports a request that contradicts the current state.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// MalformedCallbackError reports a webhook body that is not valid JSON.
type MalformedCallbackError struct {
	Err error
}

func (e *MalformedCallbackError) Error() string {
	return fmt.Sprintf("malformed callback payload: %v", e.Err)
}

func (e *MalformedCallbackError) Unwrap() error {
	return e.Err
}

// GatewayAuthError reports a failed OAuth token exchange with the provider.
type GatewayAuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayAuthError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("mpesa auth failed: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("mpesa auth failed: status %d: %s", e.StatusCode, e.Message)
	default:
		return "mpesa auth failed: " + e.Message
	}
}

func (e *GatewayAuthError) Unwrap() error {
	return e.Err
}

// GatewayRequestError reports a failed push or status-query call. Message
// carries the provider's errorMessage when it sent one.
type GatewayRequestError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayRequestError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed: status %d: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *GatewayRequestError) Unwrap() error {
	return e.Err
}

// ProviderMessage returns the most useful text for the API caller.
func (e *GatewayRequestError) ProviderMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Op + " failed"
}
