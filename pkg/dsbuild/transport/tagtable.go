package transport

import (
	"sync"

	"github.com/jabolina/dsbuild/pkg/dsbuild/message"
)

// TagTable implements the tag rendezvous algorithm (spec §4.6) shared by
// the sim and real backends: a per-process table from tag to a FIFO queue
// of one-shot waiters. Registering pushes to the back; a matching inbound
// delivery pops from the front. A waiter removed by Cancel is no longer in
// the queue, and a popped waiter whose one-slot channel is already full is
// skipped for the next one.
type TagTable struct {
	mu      sync.Mutex
	waiters map[Tag][]chan message.Message
}

// NewTagTable builds an empty table.
func NewTagTable() *TagTable {
	return &TagTable{waiters: make(map[Tag][]chan message.Message)}
}

// Register pushes a fresh one-shot waiter channel for tag and returns it.
func (t *TagTable) Register(tag Tag) chan message.Message {
	ch := make(chan message.Message, 1)
	t.mu.Lock()
	t.waiters[tag] = append(t.waiters[tag], ch)
	t.mu.Unlock()
	return ch
}

// Cancel removes a previously registered waiter, e.g. on timeout or
// future drop. A no-op if the waiter already fired or was removed.
func (t *TagTable) Cancel(tag Tag, ch chan message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[tag]
	for i, w := range list {
		if w == ch {
			t.waiters[tag] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Dispatch attempts to hand msg (tagged tag) to the first live waiter in
// FIFO order. It returns the channel that consumed the message and true,
// meaning the caller must NOT also deliver msg to OnMessage; the caller
// can use the returned channel to look up which pending wait record it
// belongs to. If no waiter can take it (none registered, or every queued
// one already holds a message), it pops them all and returns (nil, false)
// so the caller falls through to OnMessage, per spec §4.6.
func (t *TagTable) Dispatch(tag Tag, msg message.Message) (chan message.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[tag]
	for len(list) > 0 {
		ch := list[0]
		list = list[1:]
		select {
		case ch <- msg:
			t.waiters[tag] = list
			return ch, true
		default:
			// Waiter's one-slot channel is already full; try the next one.
		}
	}
	t.waiters[tag] = list
	return nil, false
}
