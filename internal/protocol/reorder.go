package protocol

import "sort"

// DefaultReorderCapacity bounds how many out-of-order gateway frames are
// held back waiting for their predecessor.
const DefaultReorderCapacity = 20

// ReorderBuffer resequences gateway audio frames that arrive out of order.
// Sequence numbers establish contiguity; frames are released in timestamp
// order. A frame whose predecessor has not arrived yet is held until it
// does. When the buffer is full, the newest frame is forwarded unordered
// instead of being dropped, trading strict ordering for liveness.
//
// Not safe for concurrent use; each connection owns one buffer.
type ReorderBuffer struct {
	capacity int
	nextSeq  uint32
	started  bool
	pending  []*GatewayFrame
}

// NewReorderBuffer creates a buffer holding at most capacity out-of-order
// frames. A non-positive capacity falls back to DefaultReorderCapacity.
func NewReorderBuffer(capacity int) *ReorderBuffer {
	if capacity <= 0 {
		capacity = DefaultReorderCapacity
	}
	return &ReorderBuffer{capacity: capacity}
}

// Push accepts one frame and returns the frames now deliverable, in order.
func (rb *ReorderBuffer) Push(frame *GatewayFrame) []*GatewayFrame {
	if !rb.started {
		rb.started = true
		rb.nextSeq = frame.Sequence + 1
		return []*GatewayFrame{frame}
	}

	// Late or duplicate frames pass straight through rather than stall.
	if frame.Sequence < rb.nextSeq {
		return []*GatewayFrame{frame}
	}

	if frame.Sequence == rb.nextSeq {
		out := []*GatewayFrame{frame}
		rb.nextSeq++
		out = append(out, rb.drain()...)
		return out
	}

	if len(rb.pending) >= rb.capacity {
		return []*GatewayFrame{frame}
	}

	rb.pending = append(rb.pending, frame)
	sort.Slice(rb.pending, func(i, j int) bool {
		return rb.pending[i].Timestamp < rb.pending[j].Timestamp
	})
	return nil
}

// drain releases buffered frames that have become contiguous.
func (rb *ReorderBuffer) drain() []*GatewayFrame {
	var out []*GatewayFrame
	for len(rb.pending) > 0 && rb.pending[0].Sequence == rb.nextSeq {
		out = append(out, rb.pending[0])
		rb.pending = rb.pending[1:]
		rb.nextSeq++
	}
	return out
}

// Flush releases every buffered frame in timestamp order, regardless of
// gaps. Called on stream end so held frames are never lost.
func (rb *ReorderBuffer) Flush() []*GatewayFrame {
	out := rb.pending
	rb.pending = nil
	if len(out) > 0 {
		rb.nextSeq = out[len(out)-1].Sequence + 1
	}
	return out
}

// Len reports how many frames are currently held back.
func (rb *ReorderBuffer) Len() int {
	return len(rb.pending)
}
