package taskqueue

import "fmt"

// ResultType is the first byte of an encoded result.
type ResultType byte

// Result types.
const (
	ResultOk         ResultType = 1
	ResultError      ResultType = 2
	ResultCount      ResultType = 3
	ResultDequeue    ResultType = 4
	ResultListQueues ResultType = 5
	ResultEnqueue    ResultType = 6
)

// Result is the outcome of a command.
type Result interface {
	resultType() ResultType
}

// OkResult acknowledges a command without data.
type OkResult struct{}

// CountResult carries the length of a queue.
type CountResult struct {
	Count int
}

// DequeueResult carries the removed item; Ok is false for an empty queue.
type DequeueResult struct {
	Ok   bool
	Item Item
}

// ListQueuesResult describes every queue.
type ListQueuesResult struct {
	Queues []QueueInfo
}

// EnqueueResult reports whether the item was accepted; Ok is false when
// the queue is full.
type EnqueueResult struct {
	Ok bool
}

func (OkResult) resultType() ResultType         { return ResultOk }
func (CountResult) resultType() ResultType      { return ResultCount }
func (DequeueResult) resultType() ResultType    { return ResultDequeue }
func (ListQueuesResult) resultType() ResultType { return ResultListQueues }
func (EnqueueResult) resultType() ResultType    { return ResultEnqueue }

// EncodeResult serializes res.
func EncodeResult(res Result) ([]byte, error) {
	e := &encoder{}
	e.byte(byte(res.resultType()))

	switch r := res.(type) {
	case OkResult:
	case *Error:
		e.int32(int32(r.Type))
		e.string(r.Message)
	case CountResult:
		e.int32(clampInt32(r.Count))
	case DequeueResult:
		e.bool(r.Ok)
		if r.Ok {
			e.int64(r.Item.Priority)
			e.bytes(r.Item.Payload)
		}
	case ListQueuesResult:
		e.int32(int32(len(r.Queues)))
		for _, q := range r.Queues {
			e.string(string(q.Name))
			e.int32(clampInt32(q.Count))
			e.options(q.Options)
		}
	case EnqueueResult:
		e.bool(r.Ok)
	default:
		return nil, fmt.Errorf("%w: unsupported %T", ErrInvalidResult, res)
	}
	return e.buf, nil
}

// DecodeResult parses an encoded result.
func DecodeResult(data []byte) (Result, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidResult)
	}
	d := &decoder{buf: data[1:]}

	var res Result
	switch ResultType(data[0]) {
	case ResultOk:
		res = OkResult{}
	case ResultError:
		res = &Error{Type: ErrorType(d.int32()), Message: d.string()}
	case ResultCount:
		res = CountResult{Count: int(d.int32())}
	case ResultDequeue:
		r := DequeueResult{Ok: d.bool()}
		if r.Ok {
			r.Item = Item{Priority: d.int64(), Payload: d.bytes()}
		}
		res = r
	case ResultListQueues:
		n := d.count()
		queues := make([]QueueInfo, 0, min(n, 1024))
		for i := 0; i < n && !d.bad; i++ {
			queues = append(queues, QueueInfo{
				Name:    QueueName(d.string()),
				Count:   int(d.int32()),
				Options: d.options(),
			})
		}
		res = ListQueuesResult{Queues: queues}
	case ResultEnqueue:
		res = EnqueueResult{Ok: d.bool()}
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidResult, data[0])
	}

	if !d.done() {
		return nil, fmt.Errorf("%w: malformed result type %d", ErrInvalidResult, data[0])
	}
	return res, nil
}
