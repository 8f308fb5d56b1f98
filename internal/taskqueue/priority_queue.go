package taskqueue

import (
	"fmt"

	"github.com/zhangyunhao116/skipmap"
)

// PriorityRange bounds the priorities a queue accepts, inclusive.
type PriorityRange struct {
	Min int64
	Max int64
}

// Contains reports whether p lies within the range.
func (r PriorityRange) Contains(p int64) bool {
	return p >= r.Min && p <= r.Max
}

// QueueOptions restricts what a queue accepts. Zero values mean unbounded.
type QueueOptions struct {
	MaxSize        int
	MaxPayloadSize int
	PriorityRange  *PriorityRange
}

// Validate checks the options.
func (o QueueOptions) Validate() error {
	if o.MaxSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxQueueSize, o.MaxSize)
	}
	if o.MaxPayloadSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxPayload, o.MaxPayloadSize)
	}
	if r := o.PriorityRange; r != nil && r.Min > r.Max {
		return fmt.Errorf("%w: min %d above max %d", ErrInvalidPriorityRange, r.Min, r.Max)
	}
	return nil
}

// Item is one queued record.
type Item struct {
	Priority int64
	Payload  []byte
}

// itemKey orders items by descending priority, then by arrival.
type itemKey struct {
	priority int64
	seq      uint64
}

func itemLess(a, b itemKey) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// PriorityQueue hands out the item with the highest priority first and is
// FIFO among equal priorities.
//
// Mutations arrive one at a time from the applier; the skip list keeps
// concurrent readers such as Len safe.
type PriorityQueue struct {
	name  QueueName
	opts  QueueOptions
	items *skipmap.FuncMap[itemKey, []byte]
	seq   uint64
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue(name QueueName, opts QueueOptions) (*PriorityQueue, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.PriorityRange != nil {
		r := *opts.PriorityRange
		opts.PriorityRange = &r
	}
	return &PriorityQueue{
		name:  name,
		opts:  opts,
		items: skipmap.NewFunc[itemKey, []byte](itemLess),
	}, nil
}

// Name returns the queue name.
func (q *PriorityQueue) Name() QueueName {
	return q.name
}

// Options returns the queue restrictions.
func (q *PriorityQueue) Options() QueueOptions {
	return q.opts
}

// Len returns the number of queued items.
func (q *PriorityQueue) Len() int {
	return q.items.Len()
}

// Enqueue adds an item.
func (q *PriorityQueue) Enqueue(priority int64, payload []byte) error {
	if r := q.opts.PriorityRange; r != nil && !r.Contains(priority) {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrPriorityOutOfRange, priority, r.Min, r.Max)
	}
	if q.opts.MaxPayloadSize > 0 && len(payload) > q.opts.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), q.opts.MaxPayloadSize)
	}
	if q.opts.MaxSize > 0 && q.items.Len() >= q.opts.MaxSize {
		return ErrQueueFull
	}

	q.seq++
	q.items.Store(itemKey{priority: priority, seq: q.seq}, append([]byte(nil), payload...))
	return nil
}

// Dequeue removes and returns the highest priority item.
func (q *PriorityQueue) Dequeue() (Item, bool) {
	var (
		head  itemKey
		found bool
	)
	q.items.Range(func(k itemKey, _ []byte) bool {
		head, found = k, true
		return false
	})
	if !found {
		return Item{}, false
	}

	payload, ok := q.items.LoadAndDelete(head)
	if !ok {
		return Item{}, false
	}
	return Item{Priority: head.priority, Payload: payload}, true
}

// Items returns every item in dequeue order.
func (q *PriorityQueue) Items() []Item {
	items := make([]Item, 0, q.items.Len())
	q.items.Range(func(k itemKey, v []byte) bool {
		items = append(items, Item{Priority: k.priority, Payload: v})
		return true
	})
	return items
}
