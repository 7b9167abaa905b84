package services

import (
	"fmt"

	"github.com/mwakidenis/DigiFarm/internal/models"
)

// TransactionEvent is something that happened to a payment attempt.
type TransactionEvent string

const (
	// EventProcessing: the provider still has the request in flight.
	EventProcessing TransactionEvent = "processing"
	EventSucceeded  TransactionEvent = "succeeded"
	EventFailed     TransactionEvent = "failed"
	// EventCancelled: the merchant withdrew the attempt before the provider answered.
	EventCancelled TransactionEvent = "cancelled"
)

var transactionTransitions = map[models.TransactionStatus]map[TransactionEvent]models.TransactionStatus{
	models.TransactionStatusInitiated: {
		EventProcessing: models.TransactionStatusPending,
		EventSucceeded:  models.TransactionStatusSuccess,
		EventFailed:     models.TransactionStatusFailed,
		EventCancelled:  models.TransactionStatusCancelled,
	},
	models.TransactionStatusPending: {
		EventProcessing: models.TransactionStatusPending,
		EventSucceeded:  models.TransactionStatusSuccess,
		EventFailed:     models.TransactionStatusFailed,
	},
}

// Transition returns the status a transaction in current moves to on
// event. Terminal states yield ErrTerminalState, which callers treat as a
// no-op.
func Transition(current models.TransactionStatus, event TransactionEvent) (models.TransactionStatus, error) {
	if current.Terminal() {
		return current, ErrTerminalState
	}
	next, ok := transactionTransitions[current][event]
	if !ok {
		return current, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, current, event)
	}
	return next, nil
}

// EventForResultCode maps a provider result code onto an event. The
// processing sentinel is configurable because the provider revises codes.
func EventForResultCode(code, processingCode int) TransactionEvent {
	switch code {
	case 0:
		return EventSucceeded
	case processingCode:
		return EventProcessing
	default:
		return EventFailed
	}
}

// EventForCallbackCode maps a webhook result code onto an event. A
// callback is final: anything other than 0 is a failure.
func EventForCallbackCode(code int) TransactionEvent {
	if code == 0 {
		return EventSucceeded
	}
	return EventFailed
}
