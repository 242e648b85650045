package outbox

import "errors"

var (
	ErrLedgerRequired          = errors.New("outbox ledger is required")
	ErrSinkProviderRequired    = errors.New("sink provider is required")
	ErrDispatcherRequired      = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning       = errors.New("outbox dispatcher is already running")
	ErrEventTypeRequired       = errors.New("event type is required")
	ErrEventPayloadRequired    = errors.New("event payload is required")
	ErrEventPayloadTooLarge    = errors.New("event payload exceeds maximum allowed size")
	ErrEventPayloadNotJSON     = errors.New("event payload must be a valid JSON object")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrStatusTransitionInvalid = errors.New("invalid outbox status transition")
)
