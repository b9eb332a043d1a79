// Package counter implements the live-bytes accumulator the transport base
// uses to apply backpressure: a monotone-adjustable integer with a
// high-water threshold that fires a notify callback whenever the value
// crosses the threshold in either direction.
package counter

import "sync"

// Notify is invoked whenever value crosses threshold, in either direction.
type Notify func()

// Counter is a reference-counted, threshold-notified byte counter.
//
// The reference count mirrors the teacher's refcounted collaborators
// (DBusCounter in the spec); Go's GC makes manual finalization unnecessary,
// but Ref/Unref are kept so callers can share ownership the way the
// transport shares the counter with the backend's live_messages_changed
// hook without worrying about use-after-free ordering.
type Counter struct {
	mu        sync.Mutex
	value     int64
	threshold int64
	notify    Notify
	refs      int32
}

// New returns a counter with refcount 1 and no armed threshold.
func New() *Counter {
	return &Counter{refs: 1}
}

func (c *Counter) Ref() *Counter {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
	return c
}

func (c *Counter) Unref() {
	c.mu.Lock()
	c.refs--
	c.mu.Unlock()
}

// Value returns the current live-byte total.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// SetNotify (re)arms the threshold and callback. Rearming while already
// above or below the new threshold does not synthesize a spurious crossing
// event: the callback fires only on the next Adjust() that actually
// crosses it. Callers that need the backend to re-evaluate readiness
// immediately after a threshold change (as transport.SetMaxReceivedSize
// does) invoke the callback once themselves.
func (c *Counter) SetNotify(threshold int64, notify Notify) {
	c.mu.Lock()
	c.threshold = threshold
	c.notify = notify
	c.mu.Unlock()
}

// Adjust adds delta (which may be negative) to the counter and fires the
// notify callback exactly once if the value crossed the threshold.
func (c *Counter) Adjust(delta int64) {
	c.mu.Lock()
	before := c.value
	after := before + delta
	c.value = after
	threshold := c.threshold
	notify := c.notify
	c.mu.Unlock()

	if notify == nil {
		return
	}
	if crossed(before, after, threshold) {
		notify()
	}
}

func crossed(before, after, threshold int64) bool {
	return (before >= threshold) != (after >= threshold)
}
