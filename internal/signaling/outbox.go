package signaling

import (
	"sync"
	"sync/atomic"
)

// DefaultOutboxBytes bounds the frames buffered for a single connection.
const DefaultOutboxBytes = 256 * 1024

// Outbox is a byte-bounded FIFO of outbound text frames for one connection.
//
// Send never blocks, so routing under the hub lock cannot be stalled by a
// slow client; the connection's writer goroutine drains it with Next.
type Outbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte

	drops atomic.Uint64
}

func NewOutbox(maxBytes int) *Outbox {
	if maxBytes <= 0 {
		maxBytes = DefaultOutboxBytes
	}
	o := &Outbox{maxBytes: maxBytes}
	o.notEmpty = sync.NewCond(&o.mu)
	return o
}

func (o *Outbox) DropCount() uint64 {
	return o.drops.Load()
}

// Send appends frame if it fits within the byte budget. It reports false and
// counts a drop when the outbox is full or closed.
func (o *Outbox) Send(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.curBytes+len(frame) > o.maxBytes {
		o.drops.Add(1)
		return false
	}

	o.frames = append(o.frames, frame)
	o.curBytes += len(frame)
	o.notEmpty.Signal()
	return true
}

// Next blocks until a frame is available or the outbox is closed. Frames
// still queued at Close are discarded.
func (o *Outbox) Next() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.frames) == 0 && !o.closed {
		o.notEmpty.Wait()
	}
	if o.closed || len(o.frames) == 0 {
		return nil, false
	}
	frame := o.frames[0]
	o.frames[0] = nil
	o.frames = o.frames[1:]
	o.curBytes -= len(frame)
	return frame, true
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.frames = nil
	o.curBytes = 0
	o.mu.Unlock()
	o.notEmpty.Broadcast()
}
