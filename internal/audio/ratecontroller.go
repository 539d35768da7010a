// Package audio holds the gateway's audio plumbing: the egress rate
// controller that paces frames against a virtual clock, and opus codec
// helpers for the inbound device stream.
package audio

import (
	"context"
	"sync"
	"time"
)

// SendFunc delivers one paced audio frame to the transport.
type SendFunc func(ctx context.Context, frame []byte) error

// ControlFunc is an out-of-band callback executed in queue order but
// exempt from pacing.
type ControlFunc func(ctx context.Context) error

type queueItem struct {
	frame   []byte
	control ControlFunc
}

// RateController releases one audio frame per frame duration, anchored to
// the timestamp of the first frame rather than to each frame's dequeue
// time, so scheduling jitter does not accumulate across a sentence.
//
// Control callbacks enqueued between frames run immediately when reached
// and do not advance the virtual clock.
type RateController struct {
	frameDuration time.Duration

	mu             sync.Mutex
	queue          []queueItem
	startTimestamp time.Time
	playPosition   time.Duration
	running        bool
	lastErr        error

	signal  chan struct{}
	emptyCh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRateController creates a controller pacing frames at frameDuration.
func NewRateController(frameDuration time.Duration) *RateController {
	emptyCh := make(chan struct{})
	close(emptyCh)
	return &RateController{
		frameDuration: frameDuration,
		signal:        make(chan struct{}, 1),
		emptyCh:       emptyCh,
	}
}

// AddAudio enqueues one playable frame.
func (c *RateController) AddAudio(frame []byte) {
	c.enqueue(queueItem{frame: frame})
}

// AddControl enqueues a callback that runs when reached in FIFO order,
// without consuming a frame slot.
func (c *RateController) AddControl(fn ControlFunc) {
	c.enqueue(queueItem{control: fn})
}

func (c *RateController) enqueue(item queueItem) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.emptyCh = make(chan struct{})
	}
	c.queue = append(c.queue, item)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// StartSending launches the background sender loop. A second call while a
// loop is already running is a no-op; after Reset or a send failure the
// loop may be started again.
func (c *RateController) StartSending(ctx context.Context, send SendFunc) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.lastErr = nil
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.loop(ctx, send)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
}

func (c *RateController) loop(ctx context.Context, send SendFunc) {
	for {
		item, ok := c.dequeue(ctx)
		if !ok {
			return
		}

		if item.control != nil {
			if err := item.control(ctx); err != nil {
				c.setErr(err)
				return
			}
			continue
		}

		c.mu.Lock()
		if c.startTimestamp.IsZero() {
			c.startTimestamp = time.Now()
		}
		target := c.startTimestamp.Add(c.playPosition)
		c.mu.Unlock()

		if !c.sleepUntil(ctx, target) {
			return
		}

		if err := send(ctx, item.frame); err != nil {
			c.setErr(err)
			return
		}

		c.mu.Lock()
		c.playPosition += c.frameDuration
		c.mu.Unlock()
	}
}

// dequeue pops the next queue item, blocking until data arrives or the
// context is cancelled.
func (c *RateController) dequeue(ctx context.Context) (queueItem, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			item := c.queue[0]
			c.queue = c.queue[1:]
			if len(c.queue) == 0 {
				close(c.emptyCh)
			}
			c.mu.Unlock()
			return item, true
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return queueItem{}, false
		case <-c.signal:
		}
	}
}

// sleepUntil waits for the target wall-clock time, re-checking after each
// wakeup. Returns false if the context was cancelled first.
func (c *RateController) sleepUntil(ctx context.Context, target time.Time) bool {
	for {
		wait := time.Until(target)
		if wait <= 0 {
			return true
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (c *RateController) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Err returns the error that terminated the last sender loop, if any.
func (c *RateController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// PlayPosition returns the current virtual clock offset.
func (c *RateController) PlayPosition() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playPosition
}

// WaitDrained blocks until every queued item has been dequeued, or the
// context is cancelled. Used at end of turn before signalling tts stop.
func (c *RateController) WaitDrained(ctx context.Context) error {
	c.mu.Lock()
	ch := c.emptyCh
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Reset cancels the in-flight sender, clears the queue and re-arms the
// virtual clock. Used on barge-in and between sessions.
func (c *RateController) Reset() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.queue = nil
	c.startTimestamp = time.Time{}
	c.playPosition = 0
	emptyCh := c.emptyCh
	c.mu.Unlock()

	// Re-close the drain signal so waiters see an empty queue.
	select {
	case <-emptyCh:
	default:
		close(emptyCh)
	}

	// Drop any stale wakeup left behind by the cleared queue.
	select {
	case <-c.signal:
	default:
	}
}
