package taskqueue

import (
	"errors"
	"fmt"
)

// Queue errors.
var (
	ErrInvalidQueueName     = errors.New("taskqueue: invalid queue name")
	ErrQueueNotFound        = errors.New("taskqueue: queue does not exist")
	ErrQueueExists          = errors.New("taskqueue: queue already exists")
	ErrQueueFull            = errors.New("taskqueue: queue is full")
	ErrPayloadTooLarge      = errors.New("taskqueue: payload too large")
	ErrPriorityOutOfRange   = errors.New("taskqueue: priority out of range")
	ErrInvalidPriorityRange = errors.New("taskqueue: invalid priority range")
	ErrInvalidMaxQueueSize  = errors.New("taskqueue: invalid max queue size")
	ErrInvalidMaxPayload    = errors.New("taskqueue: invalid max payload size")
)

// Codec errors.
var (
	ErrInvalidCommand  = errors.New("taskqueue: invalid command")
	ErrInvalidResult   = errors.New("taskqueue: invalid result")
	ErrInvalidSnapshot = errors.New("taskqueue: invalid snapshot")
)

// ErrorType classifies an application error returned to clients.
type ErrorType int32

// Error types. The numeric values are part of the result encoding.
const (
	ErrorUnknown                   ErrorType = 0
	ErrorInvalidQueueName          ErrorType = 1
	ErrorQueueDoesNotExist         ErrorType = 2
	ErrorQueueAlreadyExists        ErrorType = 3
	ErrorPriorityRangeViolation    ErrorType = 4
	ErrorInvalidPriorityRange      ErrorType = 5
	ErrorInvalidMaxQueueSize       ErrorType = 6
	ErrorInvalidMaxPayloadSize     ErrorType = 7
	ErrorPriorityRangeNotSpecified ErrorType = 8
	ErrorUnknownPriorityQueueCode  ErrorType = 9
	ErrorQueueFull                 ErrorType = 10
	ErrorPayloadTooLarge           ErrorType = 11
)

// String returns the error type name.
func (t ErrorType) String() string {
	switch t {
	case ErrorInvalidQueueName:
		return "InvalidQueueName"
	case ErrorQueueDoesNotExist:
		return "QueueDoesNotExist"
	case ErrorQueueAlreadyExists:
		return "QueueAlreadyExists"
	case ErrorPriorityRangeViolation:
		return "PriorityRangeViolation"
	case ErrorInvalidPriorityRange:
		return "InvalidPriorityRange"
	case ErrorInvalidMaxQueueSize:
		return "InvalidMaxQueueSize"
	case ErrorInvalidMaxPayloadSize:
		return "InvalidMaxPayloadSize"
	case ErrorPriorityRangeNotSpecified:
		return "PriorityRangeNotSpecified"
	case ErrorUnknownPriorityQueueCode:
		return "UnknownPriorityQueueCode"
	case ErrorQueueFull:
		return "QueueFull"
	case ErrorPayloadTooLarge:
		return "PayloadTooLarge"
	default:
		return "Unknown"
	}
}

// Error is an application error carried inside a result. It is a value,
// not a failure of the node.
type Error struct {
	Type    ErrorType
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (*Error) resultType() ResultType { return ResultError }

// errorFrom converts a queue error into a result error.
func errorFrom(err error) *Error {
	t := ErrorUnknown
	switch {
	case errors.Is(err, ErrInvalidQueueName):
		t = ErrorInvalidQueueName
	case errors.Is(err, ErrQueueNotFound):
		t = ErrorQueueDoesNotExist
	case errors.Is(err, ErrQueueExists):
		t = ErrorQueueAlreadyExists
	case errors.Is(err, ErrPriorityOutOfRange):
		t = ErrorPriorityRangeViolation
	case errors.Is(err, ErrInvalidPriorityRange):
		t = ErrorInvalidPriorityRange
	case errors.Is(err, ErrInvalidMaxQueueSize):
		t = ErrorInvalidMaxQueueSize
	case errors.Is(err, ErrInvalidMaxPayload):
		t = ErrorInvalidMaxPayloadSize
	case errors.Is(err, ErrQueueFull):
		t = ErrorQueueFull
	case errors.Is(err, ErrPayloadTooLarge):
		t = ErrorPayloadTooLarge
	}
	return &Error{Type: t, Message: err.Error()}
}
