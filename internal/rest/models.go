package rest

import (
	"time"

	"github.com/KilimcininKorOglu/taskflux/internal/taskqueue"
)

// PriorityRange is the inclusive priority bound of a queue.
type PriorityRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// CreateQueueRequest represents a queue creation request.
type CreateQueueRequest struct {
	Name           string         `json:"name"`
	MaxSize        int            `json:"maxSize"`
	MaxPayloadSize int            `json:"maxPayloadSize"`
	PriorityRange  *PriorityRange `json:"priorityRange,omitempty"`
}

// EnqueueRequest represents an enqueue request. Payload is base64 in JSON.
type EnqueueRequest struct {
	Priority int64  `json:"priority"`
	Payload  []byte `json:"payload"`
}

// EnqueueResponse represents an enqueue response. Enqueued is false when
// the queue is full.
type EnqueueResponse struct {
	Enqueued bool `json:"enqueued"`
}

// DequeueResponse represents a dequeue response.
type DequeueResponse struct {
	Found    bool   `json:"found"`
	Priority int64  `json:"priority,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
}

// CountResponse represents a count response.
type CountResponse struct {
	Queue string `json:"queue"`
	Count int    `json:"count"`
}

// Queue describes one queue.
type Queue struct {
	Name           string         `json:"name"`
	Count          int            `json:"count"`
	MaxSize        int            `json:"maxSize"`
	MaxPayloadSize int            `json:"maxPayloadSize"`
	PriorityRange  *PriorityRange `json:"priorityRange,omitempty"`
}

// ListQueuesResponse represents a list response.
type ListQueuesResponse struct {
	Queues []Queue `json:"queues"`
}

// SuccessResponse acknowledges a command without a payload.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	ErrorType string `json:"errorType,omitempty"`
	LeaderID  *int32 `json:"leaderId,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Uptime     string    `json:"uptime"`
	UptimeSecs int64     `json:"uptimeSecs"`
	StartTime  time.Time `json:"startTime"`
	Requests   int64     `json:"requests"`
}

func (r CreateQueueRequest) options() taskqueue.QueueOptions {
	opts := taskqueue.QueueOptions{
		MaxSize:        r.MaxSize,
		MaxPayloadSize: r.MaxPayloadSize,
	}
	if r.PriorityRange != nil {
		opts.PriorityRange = &taskqueue.PriorityRange{Min: r.PriorityRange.Min, Max: r.PriorityRange.Max}
	}
	return opts
}

func convertQueue(info taskqueue.QueueInfo) Queue {
	q := Queue{
		Name:           info.Name.String(),
		Count:          info.Count,
		MaxSize:        info.Options.MaxSize,
		MaxPayloadSize: info.Options.MaxPayloadSize,
	}
	if pr := info.Options.PriorityRange; pr != nil {
		q.PriorityRange = &PriorityRange{Min: pr.Min, Max: pr.Max}
	}
	return q
}
