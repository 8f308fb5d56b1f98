package raft

import (
	"math/rand"
	"sync"
	"time"
)

// Timer drives election timeouts and heartbeats. A started timer fires its
// subscriber once per period until stopped; Start on a running timer
// restarts the period.
type Timer interface {
	Start()
	Stop()
	Subscribe(fn func())
	Unsubscribe()
}

// periodicTimer fires repeatedly with a delay chosen per period.
type periodicTimer struct {
	mu      sync.Mutex
	next    func() time.Duration
	handler func()
	t       *time.Timer
	gen     uint64
	running bool
}

// NewConstantTimer returns a timer that fires every period.
func NewConstantTimer(period time.Duration) Timer {
	return &periodicTimer{next: func() time.Duration { return period }}
}

// NewRandomizedTimer returns a timer whose every period is drawn uniformly
// from [low, high).
func NewRandomizedTimer(low, high time.Duration) Timer {
	if high <= low {
		return NewConstantTimer(low)
	}
	span := int64(high - low)
	return &periodicTimer{next: func() time.Duration {
		return low + time.Duration(rand.Int63n(span))
	}}
}

func (p *periodicTimer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.running = true
	p.scheduleLocked()
}

func (p *periodicTimer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *periodicTimer) Subscribe(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = fn
}

func (p *periodicTimer) Unsubscribe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = nil
}

func (p *periodicTimer) stopLocked() {
	p.running = false
	p.gen++
	if p.t != nil {
		p.t.Stop()
		p.t = nil
	}
}

func (p *periodicTimer) scheduleLocked() {
	gen := p.gen
	p.t = time.AfterFunc(p.next(), func() { p.fire(gen) })
}

// fire runs the handler outside the timer lock so the handler may call
// Start or Stop.
func (p *periodicTimer) fire(gen uint64) {
	p.mu.Lock()
	if !p.running || gen != p.gen {
		p.mu.Unlock()
		return
	}
	handler := p.handler
	p.scheduleLocked()
	p.mu.Unlock()

	if handler != nil {
		handler()
	}
}
