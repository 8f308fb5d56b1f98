package taskqueue

import (
	"fmt"

	"github.com/zhangyunhao116/skipmap"
)

// QueueInfo describes a queue for ListQueues.
type QueueInfo struct {
	Name    QueueName
	Count   int
	Options QueueOptions
}

// Manager is the registry of queues, ordered by name.
type Manager struct {
	queues *skipmap.FuncMap[QueueName, *PriorityQueue]
}

func newQueueMap() *skipmap.FuncMap[QueueName, *PriorityQueue] {
	return skipmap.NewFunc[QueueName, *PriorityQueue](func(a, b QueueName) bool {
		return a < b
	})
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{queues: newQueueMap()}
}

// Get returns the queue called name.
func (m *Manager) Get(name QueueName) (*PriorityQueue, bool) {
	return m.queues.Load(name)
}

// Has reports whether the queue exists.
func (m *Manager) Has(name QueueName) bool {
	_, ok := m.queues.Load(name)
	return ok
}

// Create adds a new queue.
func (m *Manager) Create(name QueueName, opts QueueOptions) (*PriorityQueue, error) {
	if _, err := ParseQueueName(string(name)); err != nil {
		return nil, err
	}
	q, err := NewPriorityQueue(name, opts)
	if err != nil {
		return nil, err
	}
	if _, loaded := m.queues.LoadOrStore(name, q); loaded {
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, name)
	}
	return q, nil
}

// Delete removes a queue with all its items.
func (m *Manager) Delete(name QueueName) error {
	if _, ok := m.queues.LoadAndDelete(name); !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return nil
}

// Len returns the number of queues.
func (m *Manager) Len() int {
	return m.queues.Len()
}

// List describes every queue in name order.
func (m *Manager) List() []QueueInfo {
	infos := make([]QueueInfo, 0, m.queues.Len())
	m.queues.Range(func(name QueueName, q *PriorityQueue) bool {
		infos = append(infos, QueueInfo{Name: name, Count: q.Len(), Options: q.Options()})
		return true
	})
	return infos
}

// Queues returns every queue in name order.
func (m *Manager) Queues() []*PriorityQueue {
	queues := make([]*PriorityQueue, 0, m.queues.Len())
	m.queues.Range(func(_ QueueName, q *PriorityQueue) bool {
		queues = append(queues, q)
		return true
	})
	return queues
}

// replace swaps in the queues of a restored snapshot.
func (m *Manager) replace(queues []*PriorityQueue) {
	fresh := newQueueMap()
	for _, q := range queues {
		fresh.Store(q.Name(), q)
	}
	m.queues = fresh
}
