package messaging

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// Acknowledger settles deliveries on the channel they arrived on
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
}

// Handler receives one delivery of a subscription. It owns the acker and
// must eventually Ack or Nack it; this may happen after Handler returns.
// A returned error rejects the delivery without requeue.
type Handler[T any] func(acker *MessageAcker[T]) error

// MessageAcker settles a single delivery
type MessageAcker[T any] struct {
	Container *MessageContainer[T]

	channel     Acknowledger
	deliveryTag uint64
	settled     atomic.Bool
	ctx         context.Context
}

// NewMessageAcker binds a container to the channel and tag it was delivered with
func NewMessageAcker[T any](channel Acknowledger, deliveryTag uint64, container *MessageContainer[T]) *MessageAcker[T] {
	return &MessageAcker[T]{
		Container:   container,
		channel:     channel,
		deliveryTag: deliveryTag,
	}
}

// WithContext attaches ctx, typically carrying the trace of the delivery
func (a *MessageAcker[T]) WithContext(ctx context.Context) *MessageAcker[T] {
	a.ctx = ctx
	return a
}

// Context returns the context the delivery is handled in
func (a *MessageAcker[T]) Context() context.Context {
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

// DeliveryTag returns the channel-scoped tag of the delivery
func (a *MessageAcker[T]) DeliveryTag() uint64 {
	return a.deliveryTag
}

// Settled reports whether Ack or Nack has been called
func (a *MessageAcker[T]) Settled() bool {
	return a.settled.Load()
}

// Ack acknowledges this delivery only
func (a *MessageAcker[T]) Ack() error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return a.channel.Ack(a.deliveryTag, false)
}

// Nack rejects this delivery only, optionally returning it to the queue
func (a *MessageAcker[T]) Nack(requeue bool) error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return a.channel.Nack(a.deliveryTag, false, requeue)
}

// BatchAcker settles a pulled batch as a whole.
//
// Only the last delivery tag is kept and Ack/Nack are cumulative: every
// delivery on the channel up to and including that tag is settled. A batch
// cannot be partially accepted.
type BatchAcker[T any] struct {
	Containers []*MessageContainer[T]

	mu          sync.Mutex
	channel     Acknowledger
	closer      io.Closer
	lastTag     uint64
	hasMessages bool
	closed      bool
}

// NewBatchAcker creates a batch acker. hasMessages false means nothing was
// pulled and settling is a no-op. closer, when non-nil, is closed by Close.
func NewBatchAcker[T any](channel Acknowledger, lastTag uint64, hasMessages bool, containers []*MessageContainer[T], closer io.Closer) *BatchAcker[T] {
	return &BatchAcker[T]{
		Containers:  containers,
		channel:     channel,
		closer:      closer,
		lastTag:     lastTag,
		hasMessages: hasMessages,
	}
}

// Len returns the number of messages in the batch
func (b *BatchAcker[T]) Len() int {
	return len(b.Containers)
}

// LastDeliveryTag returns the tag the batch settles up to
func (b *BatchAcker[T]) LastDeliveryTag() (uint64, bool) {
	return b.lastTag, b.hasMessages
}

// Ack cumulatively acknowledges the whole batch
func (b *BatchAcker[T]) Ack() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrAckerClosed
	}
	if !b.hasMessages {
		return nil
	}
	return b.channel.Ack(b.lastTag, true)
}

// Nack cumulatively rejects the whole batch
func (b *BatchAcker[T]) Nack(requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrAckerClosed
	}
	if !b.hasMessages {
		return nil
	}
	return b.channel.Nack(b.lastTag, true, requeue)
}

// Close releases the channel the batch was pulled on. Unsettled deliveries
// return to the queue when the channel closes.
func (b *BatchAcker[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.channel = nil

	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}
