package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub fans messages out to the subscribers of a document. Delivery is best effort:
// a subscriber whose queue is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	dropped atomic.Uint64
	log     *zap.Logger
}

// NewHub constructs a hub. A nil logger disables logging.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), log: log}
}

// Subscription receives the messages of one document.
type Subscription struct {
	hub    *Hub
	doc    string
	origin string
	ch     chan Message
	once   sync.Once
}

// C is the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if set, ok := s.hub.subs[s.doc]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.doc)
			}
		}
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Subscribe registers a subscriber for docID. Messages published with the same
// origin (the subscriber's own client id) are not echoed back.
func (h *Hub) Subscribe(docID, origin string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{hub: h, doc: docID, origin: origin, ch: make(chan Message, buffer)}
	h.mu.Lock()
	set, ok := h.subs[docID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[docID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers msg to every subscriber of docID except those with the same origin.
// It never blocks and returns the number of subscribers reached.
func (h *Hub) Publish(docID, origin string, msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for s := range h.subs[docID] {
		if origin != "" && s.origin == origin {
			continue
		}
		select {
		case s.ch <- msg:
			n++
		default:
			h.dropped.Add(1)
			h.log.Debug("broadcast dropped",
				zap.String("doc", docID),
				zap.String("type", string(msg.Type)),
			)
		}
	}
	return n
}

// Subscribers returns the number of subscribers of docID.
func (h *Hub) Subscribers(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[docID])
}

// Dropped returns how many deliveries were skipped because of full queues.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
