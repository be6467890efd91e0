// internal/engine/notify.go
package engine

import (
	"log/slog"
	"sync"
)

/*
 * Ordered notification dispatch.
 *
 * publish is always called while the engine holds its write lock, so the
 * per-subscriber delivery order equals the order mutations commit. Sends
 * are non-blocking: a subscriber that stops draining its channel loses
 * notifications rather than stalling the evaluation path. Drops are
 * counted and logged; notifications are observational, never flow control.
 */

type notifier struct {
	mu      sync.Mutex
	subs    map[uint64]chan Notification
	nextID  uint64
	dropped uint64
	closed  bool
	log     *slog.Logger
}

func newNotifier(log *slog.Logger) *notifier {
	return &notifier{
		subs: make(map[uint64]chan Notification),
		log:  log,
	}
}

// subscribe registers a listener with the given channel buffer.
// The cancel function is idempotent.
func (n *notifier) subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Notification, buffer)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if ch, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// publish delivers the notification to every subscriber without blocking.
func (n *notifier) publish(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	for _, ch := range n.subs {
		select {
		case ch <- note:
		default:
			n.dropped++
			n.log.Warn("notification dropped, slow subscriber",
				"kind", note.Kind,
				"dropped_total", n.dropped)
		}
	}
}

// close unregisters and closes all subscriber channels.
func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
