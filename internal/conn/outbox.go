package conn

import (
	"errors"

	"chat-sync/internal/protocol"
)

// ErrBufferFull is returned by Send when the outbound buffer holds its
// configured maximum. New sends are rejected; queued frames are never
// evicted.
var ErrBufferFull = errors.New("outbound buffer full")

type frame struct {
	id       uint64
	channel  protocol.Channel
	event    protocol.Event
	data     []byte
	volatile bool
}

// outbox is the bounded FIFO of frames awaiting the transport. Guarded by
// Manager.mu.
type outbox struct {
	limit  int
	frames []frame
	nextID uint64
}

func (o *outbox) push(f frame) (uint64, error) {
	if o.limit > 0 && len(o.frames) >= o.limit {
		return 0, ErrBufferFull
	}
	o.nextID++
	f.id = o.nextID
	o.frames = append(o.frames, f)
	return f.id, nil
}

// pushFront returns a frame whose write failed to the head of the queue.
func (o *outbox) pushFront(f frame) {
	o.frames = append([]frame{f}, o.frames...)
}

func (o *outbox) pop() (frame, bool) {
	if len(o.frames) == 0 {
		return frame{}, false
	}
	f := o.frames[0]
	o.frames[0] = frame{}
	o.frames = o.frames[1:]
	return f, true
}

func (o *outbox) remove(id uint64) bool {
	for i, f := range o.frames {
		if f.id == id {
			o.frames = append(o.frames[:i], o.frames[i+1:]...)
			return true
		}
	}
	return false
}

// dropVolatile discards frames that must not outlive a connection.
func (o *outbox) dropVolatile() {
	kept := o.frames[:0]
	for _, f := range o.frames {
		if !f.volatile {
			kept = append(kept, f)
		}
	}
	o.frames = kept
}

func (o *outbox) len() int {
	return len(o.frames)
}

func (o *outbox) clear() int {
	n := len(o.frames)
	o.frames = nil
	return n
}
