package raft

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConstantTimerFires(t *testing.T) {
	timer := NewConstantTimer(5 * time.Millisecond)
	var fired atomic.Int32
	timer.Subscribe(func() { fired.Add(1) })

	timer.Start()
	defer timer.Stop()

	deadline := time.Now().Add(time.Second)
	for fired.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fired.Load() < 3 {
		t.Errorf("timer fired %d times, want at least 3", fired.Load())
	}
}

func TestTimerStop(t *testing.T) {
	timer := NewConstantTimer(5 * time.Millisecond)
	var fired atomic.Int32
	timer.Subscribe(func() { fired.Add(1) })

	timer.Start()
	timer.Stop()

	time.Sleep(30 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("stopped timer fired %d times", fired.Load())
	}
}

func TestTimerRestartPostpones(t *testing.T) {
	timer := NewConstantTimer(40 * time.Millisecond)
	var fired atomic.Int32
	timer.Subscribe(func() { fired.Add(1) })
	defer timer.Stop()

	timer.Start()
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		timer.Start()
	}
	if fired.Load() != 0 {
		t.Errorf("restarted timer fired %d times", fired.Load())
	}
}

func TestTimerUnsubscribe(t *testing.T) {
	timer := NewConstantTimer(2 * time.Millisecond)
	var fired atomic.Int32
	timer.Subscribe(func() { fired.Add(1) })
	timer.Unsubscribe()

	timer.Start()
	time.Sleep(20 * time.Millisecond)
	timer.Stop()

	if fired.Load() != 0 {
		t.Errorf("unsubscribed handler called %d times", fired.Load())
	}
}

func TestTimerHandlerMayRestart(t *testing.T) {
	timer := NewConstantTimer(2 * time.Millisecond)
	done := make(chan struct{})
	var calls atomic.Int32
	timer.Subscribe(func() {
		if calls.Add(1) == 2 {
			close(done)
			return
		}
		timer.Start()
	})
	defer timer.Stop()

	timer.Start()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler restarting the timer deadlocked")
	}
}

func TestRandomizedTimerRange(t *testing.T) {
	timer := NewRandomizedTimer(10*time.Millisecond, 20*time.Millisecond).(*periodicTimer)
	for i := 0; i < 100; i++ {
		d := timer.next()
		if d < 10*time.Millisecond || d >= 20*time.Millisecond {
			t.Fatalf("period %v outside [10ms, 20ms)", d)
		}
	}
}

// manualTimer is a Timer fired explicitly by tests.
type manualTimer struct {
	mu      sync.Mutex
	handler func()
	running atomic.Bool
	starts  atomic.Int32
}

func newManualTimer() *manualTimer {
	return &manualTimer{}
}

func (m *manualTimer) Start() {
	m.running.Store(true)
	m.starts.Add(1)
}

func (m *manualTimer) Stop() { m.running.Store(false) }

func (m *manualTimer) Subscribe(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *manualTimer) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = nil
}

// Fire invokes the handler as if the period elapsed. It reports whether the
// timer was running.
func (m *manualTimer) Fire() bool {
	if !m.running.Load() {
		return false
	}
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h()
	}
	return true
}

func (m *manualTimer) Running() bool { return m.running.Load() }
