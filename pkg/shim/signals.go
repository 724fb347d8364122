package shim

import (
	"sync"

	"github.com/warpgrid/warpgrid/pkg/log"
)

// SignalType is a lifecycle signal deliverable to a guest.
type SignalType string

const (
	SignalTerminate SignalType = "terminate"
	SignalHangup    SignalType = "hangup"
	SignalInterrupt SignalType = "interrupt"
)

// defaultSignalCapacity bounds the pending-signal queue.
const defaultSignalCapacity = 16

// SignalQueue is a bounded, interest-filtered FIFO of lifecycle signals.
//
// Guests register interest per signal type; deliveries of other types are
// silently dropped. When the queue is full the oldest pending signal is
// dropped to make room for the new one.
type SignalQueue struct {
	mu       sync.Mutex
	interest map[SignalType]bool
	queue    []SignalType
	capacity int
}

// NewSignalQueue creates an empty queue with the default capacity (16).
func NewSignalQueue() *SignalQueue {
	return NewSignalQueueWithCapacity(defaultSignalCapacity)
}

// NewSignalQueueWithCapacity creates an empty queue with the given capacity.
func NewSignalQueueWithCapacity(capacity int) *SignalQueue {
	return &SignalQueue{
		interest: make(map[SignalType]bool),
		capacity: capacity,
	}
}

// OnSignal registers interest in a signal type. Subsequent deliveries of
// that type are enqueued.
func (q *SignalQueue) OnSignal(signal SignalType) {
	q.mu.Lock()
	q.interest[signal] = true
	q.mu.Unlock()
}

// Deliver enqueues signal if interest is registered. Returns whether the
// signal was enqueued.
func (q *SignalQueue) Deliver(signal SignalType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.interest[signal] {
		return false
	}

	if len(q.queue) >= q.capacity {
		dropped := q.queue[0]
		q.queue = q.queue[1:]
		log.Logger.Warn().
			Str("dropped", string(dropped)).
			Str("signal", string(signal)).
			Int("capacity", q.capacity).
			Msg("signal queue full, dropped oldest signal")
	}

	q.queue = append(q.queue, signal)
	return true
}

// PollSignal returns the oldest pending signal, or false when none is
// pending.
func (q *SignalQueue) PollSignal() (SignalType, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return "", false
	}
	signal := q.queue[0]
	q.queue = q.queue[1:]
	return signal, true
}

// Len returns the number of pending signals.
func (q *SignalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
