package service

import "sync"

// Change announces that a request's state was written.
type Change struct {
	RequestID string
	Version   int64
	Deleted   bool
}

// Hub fans request changes out to live subscribers in this process.
// Subscribers get the latest change only; a slow reader that misses
// intermediate changes re-reads the current snapshot anyway.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Change]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Change]struct{})}
}

// Subscribe registers for changes to requestID. The returned func
// unsubscribes and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(requestID string) (<-chan Change, func()) {
	ch := make(chan Change, 1)

	h.mu.Lock()
	if h.subs[requestID] == nil {
		h.subs[requestID] = make(map[chan Change]struct{})
	}
	h.subs[requestID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[requestID], ch)
			if len(h.subs[requestID]) == 0 {
				delete(h.subs, requestID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers c to every subscriber of c.RequestID without blocking.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[c.RequestID] {
		select {
		case ch <- c:
		default:
			// Replace the stale pending change with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- c:
			default:
			}
		}
	}
}

// Subscribers returns the number of subscribers for requestID.
func (h *Hub) Subscribers(requestID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[requestID])
}
