package fmq

import (
	"context"

	"github.com/maxpert/fmq/interfaces"
)

// WriteBatcher accumulates pending writes so they reach the backend as one
// batch: one lock acquisition locally, one WRITE round trip when served.
type WriteBatcher struct {
	threshold int
	pending   []interfaces.Message
}

// NewWriteBatcher returns a batcher that reports full at threshold messages.
// A threshold of 1 or less means every write is flushed on its own.
func NewWriteBatcher(threshold int) *WriteBatcher {
	b := &WriteBatcher{}
	b.SetThreshold(threshold)
	return b
}

// SetThreshold changes the batch size.
func (b *WriteBatcher) SetThreshold(n int) {
	if n < 1 {
		n = 1
	}
	b.threshold = n
}

// Threshold returns the batch size.
func (b *WriteBatcher) Threshold() int {
	return b.threshold
}

// Add queues a copy of payload and reports whether the batch is now full.
func (b *WriteBatcher) Add(msgType, subtype int32, payload []byte) bool {
	b.pending = append(b.pending, interfaces.Message{
		Type:    msgType,
		Subtype: subtype,
		Payload: append([]byte(nil), payload...),
	})
	return len(b.pending) >= b.threshold
}

// Len returns the number of pending messages.
func (b *WriteBatcher) Len() int {
	return len(b.pending)
}

// Flush hands every pending message to write in one call. write reports how
// many messages it committed; those are dropped even when it fails, so a
// retry only sends what is not in the queue yet.
func (b *WriteBatcher) Flush(ctx context.Context, write func(context.Context, []interfaces.Message) (int, error)) error {
	if len(b.pending) == 0 {
		return nil
	}
	n, err := write(ctx, b.pending)
	if err != nil {
		n = min(max(n, 0), len(b.pending))
		clear(b.pending[:n])
		b.pending = b.pending[n:]
		return err
	}
	b.pending = nil
	return nil
}

// Clear discards pending messages.
func (b *WriteBatcher) Clear() {
	b.pending = nil
}

// ReadDrain holds the messages a single served READ returned so they can be
// handed out one at a time.
type ReadDrain struct {
	items         []interfaces.Message
	lastDelivered int64
}

// Push appends messages in the order the server returned them.
func (d *ReadDrain) Push(msgs ...interfaces.Message) {
	d.items = append(d.items, msgs...)
}

// Next pops messages until one matches filter. Non-matching messages are
// consumed, the same way a local cursor steps over them.
func (d *ReadDrain) Next(filter interfaces.TypeFilter) (interfaces.Message, bool) {
	for len(d.items) > 0 {
		m := d.items[0]
		d.items[0] = interfaces.Message{}
		d.items = d.items[1:]
		d.lastDelivered = m.ID
		if filter.Match(m.Type) {
			return m, true
		}
	}
	d.items = nil
	return interfaces.Message{}, false
}

// Peek returns the id of the next pending message.
func (d *ReadDrain) Peek() (int64, bool) {
	if len(d.items) == 0 {
		return 0, false
	}
	return d.items[0].ID, true
}

// LastDelivered is the id of the last message consumed from the drain since
// the last Reset, or 0.
func (d *ReadDrain) LastDelivered() int64 {
	return d.lastDelivered
}

// Resume returns the id the reader has consumed up to: the message before
// the first pending one, else the last delivered one. ok is false when
// nothing was read since the last Reset.
func (d *ReadDrain) Resume() (int64, bool) {
	if len(d.items) > 0 {
		return d.items[0].ID - 1, true
	}
	return d.lastDelivered, d.lastDelivered > 0
}

// Len returns the number of pending messages.
func (d *ReadDrain) Len() int {
	return len(d.items)
}

// Reset drops pending messages and forgets what was delivered, for when the
// server cursor has been moved elsewhere.
func (d *ReadDrain) Reset() {
	d.items = nil
	d.lastDelivered = 0
}
