package voice

import "sync"

// mailbox is an unbounded FIFO with a single consumer. put never blocks.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ready: make(chan struct{}, 1)}
}

// put appends v. It reports false once the mailbox is closed.
func (b *mailbox[T]) put(v T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, v)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns everything queued, oldest first. ok is false once
// the mailbox is closed and empty.
func (b *mailbox[T]) drain() (items []T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items, b.items = b.items, nil
	return items, len(items) > 0 || !b.closed
}

// close rejects further puts. Queued items can still be drained.
func (b *mailbox[T]) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}
