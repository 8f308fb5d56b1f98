package taskqueue

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/KilimcininKorOglu/taskflux/internal/logging"
)

// Options configures an Application.
type Options struct {
	// CompressSnapshots enables zstd compression of snapshot payloads.
	// Restore accepts both forms regardless.
	CompressSnapshots bool
	Logger            logging.Logger
}

// Application executes queue commands. It implements raft.Application and
// raft.ReadOnlyClassifier; the consensus node calls it from one goroutine
// at a time.
type Application struct {
	manager  *Manager
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	logger   logging.Logger
}

// NewApplication creates an application with no queues.
func NewApplication(opts Options) (*Application, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Application{
		manager:  NewManager(),
		compress: opts.CompressSnapshots,
		encoder:  enc,
		decoder:  dec,
		logger:   logger.WithSource("taskqueue"),
	}, nil
}

// Manager returns the queue registry.
func (a *Application) Manager() *Manager {
	return a.manager
}

// Close releases the compression workers.
func (a *Application) Close() {
	a.encoder.Close()
	a.decoder.Close()
}

// Apply executes an encoded command and returns the encoded result. A
// command that cannot be decoded yields an Unknown error result.
func (a *Application) Apply(data []byte) []byte {
	var res Result
	cmd, err := DecodeCommand(data)
	if err != nil {
		a.logger.Warn("rejecting malformed command", "error", err)
		res = &Error{Type: ErrorUnknown, Message: err.Error()}
	} else {
		res = a.Execute(cmd)
	}

	out, err := EncodeResult(res)
	if err != nil {
		a.logger.Error("failed to encode result", "error", err)
		out, _ = EncodeResult(&Error{Type: ErrorUnknown, Message: err.Error()})
	}
	return out
}

// ApplyNoResponse executes an encoded command and drops the result.
func (a *Application) ApplyNoResponse(data []byte) {
	cmd, err := DecodeCommand(data)
	if err != nil {
		a.logger.Warn("skipping malformed command", "error", err)
		return
	}
	if cmd.Type().ReadOnly() {
		return
	}
	a.Execute(cmd)
}

// IsReadOnly reports whether the encoded command leaves state unchanged.
func (a *Application) IsReadOnly(data []byte) bool {
	return IsReadOnlyCommand(data)
}

// Execute runs cmd against the queues.
func (a *Application) Execute(cmd Command) Result {
	switch c := cmd.(type) {
	case CreateQueue:
		if _, err := a.manager.Create(c.Name, c.Options); err != nil {
			return errorFrom(err)
		}
		a.logger.Debug("queue created", "queue", c.Name)
		return OkResult{}

	case DeleteQueue:
		if err := a.manager.Delete(c.Name); err != nil {
			return errorFrom(err)
		}
		a.logger.Debug("queue deleted", "queue", c.Name)
		return OkResult{}

	case Enqueue:
		q, err := a.queue(c.Queue)
		if err != nil {
			return errorFrom(err)
		}
		if err := q.Enqueue(c.Priority, c.Payload); err != nil {
			if errors.Is(err, ErrQueueFull) {
				return EnqueueResult{Ok: false}
			}
			return errorFrom(err)
		}
		return EnqueueResult{Ok: true}

	case Dequeue:
		q, err := a.queue(c.Queue)
		if err != nil {
			return errorFrom(err)
		}
		item, ok := q.Dequeue()
		return DequeueResult{Ok: ok, Item: item}

	case Count:
		q, err := a.queue(c.Queue)
		if err != nil {
			return errorFrom(err)
		}
		return CountResult{Count: q.Len()}

	case ListQueues:
		return ListQueuesResult{Queues: a.manager.List()}

	default:
		return &Error{Type: ErrorUnknown, Message: fmt.Sprintf("unsupported command %T", cmd)}
	}
}

func (a *Application) queue(name QueueName) (*PriorityQueue, error) {
	if _, err := ParseQueueName(string(name)); err != nil {
		return nil, err
	}
	q, ok := a.manager.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}
