package compaction

import (
	"context"
	"sync"

	"github.com/openclaw/lcm/pkg/types/lcm"
)

// conversationLocks serializes compaction per conversation. Waiters on
// the same conversation queue FIFO; distinct conversations proceed in
// parallel. The map entry is removed when the last holder releases with
// no follower queued.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[lcm.ConversationID]*lockEntry
}

type lockEntry struct {
	held    bool
	waiters []chan struct{}
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: map[lcm.ConversationID]*lockEntry{}}
}

// Acquire blocks until the conversation lock is held or ctx is done.
// The returned release function must be called exactly once.
func (c *conversationLocks) Acquire(ctx context.Context, conv lcm.ConversationID) (func(), error) {
	c.mu.Lock()
	entry, ok := c.locks[conv]
	if !ok {
		c.locks[conv] = &lockEntry{held: true}
		c.mu.Unlock()
		return func() { c.release(conv) }, nil
	}

	ready := make(chan struct{})
	entry.waiters = append(entry.waiters, ready)
	c.mu.Unlock()

	select {
	case <-ready:
		return func() { c.release(conv) }, nil
	case <-ctx.Done():
		c.abandon(conv, ready)
		return nil, ctx.Err()
	}
}

func (c *conversationLocks) release(conv lcm.ConversationID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.locks[conv]
	if !ok {
		return
	}
	if len(entry.waiters) == 0 {
		delete(c.locks, conv)
		return
	}

	next := entry.waiters[0]
	entry.waiters = entry.waiters[1:]
	close(next)
}

// abandon removes a canceled waiter. If the lock was handed to the
// waiter in the race window, pass it on.
func (c *conversationLocks) abandon(conv lcm.ConversationID, ready chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.locks[conv]
	if !ok {
		return
	}
	for i, w := range entry.waiters {
		if w == ready {
			entry.waiters = append(entry.waiters[:i], entry.waiters[i+1:]...)
			return
		}
	}

	// Not in the queue: the lock was already granted to us. Hand it to
	// the next waiter or drop the entry.
	select {
	case <-ready:
		if len(entry.waiters) == 0 {
			delete(c.locks, conv)
			return
		}
		next := entry.waiters[0]
		entry.waiters = entry.waiters[1:]
		close(next)
	default:
	}
}
