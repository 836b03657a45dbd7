package events

import (
	"sync"
	"time"
)

// Heartbeat emits heartbeat events on a fixed interval until stopped.
type Heartbeat struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartHeartbeat begins emitting heartbeats every interval. It is used while
// a phase runs without producing progress events of its own.
func StartHeartbeat(em *Emitter, interval time.Duration) *Heartbeat {
	h := &Heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				em.Heartbeat()
			}
		}
	}()
	return h
}

// Stop signals the ticker and waits up to timeout for it to exit. It reports
// whether the goroutine finished in time. Stop may be called more than once.
func (h *Heartbeat) Stop(timeout time.Duration) bool {
	h.once.Do(func() { close(h.stop) })
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Pacer throttles heartbeats emitted from a loop that already reports
// progress, so a heartbeat is sent only when interval has passed since the
// last one.
type Pacer struct {
	em       *Emitter
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func NewPacer(em *Emitter, interval time.Duration) *Pacer {
	return &Pacer{em: em, interval: interval, last: time.Now(), now: time.Now}
}

// Tick emits a heartbeat if the interval has elapsed.
func (p *Pacer) Tick() {
	if now := p.now(); now.Sub(p.last) >= p.interval {
		p.em.Heartbeat()
		p.last = now
	}
}
