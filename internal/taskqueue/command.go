package taskqueue

import "fmt"

// CommandType is the first byte of an encoded command.
type CommandType byte

// Command types.
const (
	CommandCreateQueue CommandType = 1
	CommandDeleteQueue CommandType = 2
	CommandEnqueue     CommandType = 3
	CommandDequeue     CommandType = 4
	CommandCount       CommandType = 5
	CommandListQueues  CommandType = 6
)

func (t CommandType) String() string {
	switch t {
	case CommandCreateQueue:
		return "CreateQueue"
	case CommandDeleteQueue:
		return "DeleteQueue"
	case CommandEnqueue:
		return "Enqueue"
	case CommandDequeue:
		return "Dequeue"
	case CommandCount:
		return "Count"
	case CommandListQueues:
		return "ListQueues"
	default:
		return fmt.Sprintf("CommandType(%d)", byte(t))
	}
}

// ReadOnly reports whether commands of this type never modify state.
func (t CommandType) ReadOnly() bool {
	return t == CommandCount || t == CommandListQueues
}

// Command is an operation on the queues.
type Command interface {
	Type() CommandType
}

// CreateQueue creates a queue.
type CreateQueue struct {
	Name    QueueName
	Options QueueOptions
}

// DeleteQueue removes a queue and its items.
type DeleteQueue struct {
	Name QueueName
}

// Enqueue adds an item to a queue.
type Enqueue struct {
	Queue    QueueName
	Priority int64
	Payload  []byte
}

// Dequeue removes the highest priority item of a queue.
type Dequeue struct {
	Queue QueueName
}

// Count returns the number of items in a queue.
type Count struct {
	Queue QueueName
}

// ListQueues describes every queue.
type ListQueues struct{}

func (CreateQueue) Type() CommandType { return CommandCreateQueue }
func (DeleteQueue) Type() CommandType { return CommandDeleteQueue }
func (Enqueue) Type() CommandType     { return CommandEnqueue }
func (Dequeue) Type() CommandType     { return CommandDequeue }
func (Count) Type() CommandType       { return CommandCount }
func (ListQueues) Type() CommandType  { return CommandListQueues }

// EncodeCommand serializes cmd.
func EncodeCommand(cmd Command) ([]byte, error) {
	e := &encoder{}
	e.byte(byte(cmd.Type()))

	switch c := cmd.(type) {
	case CreateQueue:
		e.string(string(c.Name))
		e.options(c.Options)
	case DeleteQueue:
		e.string(string(c.Name))
	case Enqueue:
		e.string(string(c.Queue))
		e.int64(c.Priority)
		e.bytes(c.Payload)
	case Dequeue:
		e.string(string(c.Queue))
	case Count:
		e.string(string(c.Queue))
	case ListQueues:
	default:
		return nil, fmt.Errorf("%w: unsupported %T", ErrInvalidCommand, cmd)
	}
	return e.buf, nil
}

// DecodeCommand parses an encoded command. Queue names are not validated
// here; executing a command with an invalid name yields an
// InvalidQueueName error result.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCommand)
	}
	t := CommandType(data[0])
	d := &decoder{buf: data[1:]}

	var cmd Command
	switch t {
	case CommandCreateQueue:
		cmd = CreateQueue{Name: QueueName(d.string()), Options: d.options()}
	case CommandDeleteQueue:
		cmd = DeleteQueue{Name: QueueName(d.string())}
	case CommandEnqueue:
		cmd = Enqueue{Queue: QueueName(d.string()), Priority: d.int64(), Payload: d.bytes()}
	case CommandDequeue:
		cmd = Dequeue{Queue: QueueName(d.string())}
	case CommandCount:
		cmd = Count{Queue: QueueName(d.string())}
	case CommandListQueues:
		cmd = ListQueues{}
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidCommand, data[0])
	}

	if !d.done() {
		return nil, fmt.Errorf("%w: malformed %s", ErrInvalidCommand, t)
	}
	return cmd, nil
}

// IsReadOnlyCommand reports whether the encoded command never modifies
// state, looking only at its type byte.
func IsReadOnlyCommand(data []byte) bool {
	return len(data) > 0 && CommandType(data[0]).ReadOnly()
}
