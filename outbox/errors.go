package outbox

import "errors"

var (
	ErrRecordRequired           = errors.New("outbox record is required")
	ErrStoreRequired            = errors.New("outbox store is required")
	ErrPublisherRequired        = errors.New("broker publisher is required")
	ErrPipelineRequired         = errors.New("codec pipeline is required")
	ErrDispatcherRequired       = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning        = errors.New("outbox dispatcher is already running")
	ErrEventRequired            = errors.New("domain event is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrPayloadRequired          = errors.New("outbox record payload is required")
	ErrPayloadTooLarge          = errors.New("outbox record payload exceeds maximum allowed size")
	ErrPayloadNotJSON           = errors.New("outbox record payload must be valid JSON")
	ErrDecoderRequired          = errors.New("event decoder is required")
	ErrDecoderAlreadyRegistered = errors.New("event decoder already registered")
	ErrDecoderNotRegistered     = errors.New("event decoder is not registered")
	ErrHandlerRequired          = errors.New("event handler is required")
	ErrHandlerNotRegistered     = errors.New("event handler is not registered")
)
