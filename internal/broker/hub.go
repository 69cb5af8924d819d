package broker

import "sync"

// subscriber is one registered queue for a session, along with a lag
// counter bumped whenever the broker has to drop its oldest queued event
// under backpressure (§4.6).
type subscriber[T any] struct {
	queue chan T
	lag   int64
}

// session holds one session's bounded history ring and its live
// subscribers.
type session[T any] struct {
	mu          sync.Mutex
	history     []T
	historyCap  int
	subscribers map[*subscriber[T]]struct{}
}

func newSession[T any](historyCap int) *session[T] {
	return &session[T]{
		historyCap:  historyCap,
		subscribers: make(map[*subscriber[T]]struct{}),
	}
}

func (s *session[T]) append(event T) {
	s.mu.Lock()
	s.history = append(s.history, event)
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
	// Snapshot the live subscriber set under the lock, then enqueue
	// outside it — never hold the session lock while sending (§9).
	subs := make([]*subscriber[T], 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- event:
		default:
			// Backpressure: drop the oldest queued event for this
			// subscriber and record it, never touching shared history.
			select {
			case <-sub.queue:
			default:
			}
			select {
			case sub.queue <- event:
			default:
			}
			s.mu.Lock()
			sub.lag++
			s.mu.Unlock()
		}
	}
}

// subscribeWithHistory atomically snapshots history and registers a new
// subscriber under one lock, so no event published between the snapshot and
// registration is lost (§4.6, §8).
func (s *session[T]) subscribeWithHistory(queueSize int) (*subscriber[T], []T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]T, len(s.history))
	copy(snapshot, s.history)

	sub := &subscriber[T]{queue: make(chan T, queueSize)}
	s.subscribers[sub] = struct{}{}
	return sub, snapshot
}

func (s *session[T]) unsubscribe(sub *subscriber[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub]; !ok {
		// Already closed by DropSession.
		return
	}
	delete(s.subscribers, sub)
	close(sub.queue)
}

// Hub is a generic per-session event bus shared by the Log and Debug
// brokers (§4.6).
type Hub[T any] struct {
	mu         sync.Mutex
	sessions   map[string]*session[T]
	historyCap int
	queueSize  int
}

// NewHub creates a Hub with the given history size (floor enforced by the
// caller per §4.6's "minimum 256" requirement) and per-subscriber queue
// size.
func NewHub[T any](historyCap, queueSize int) *Hub[T] {
	return &Hub[T]{
		sessions:   make(map[string]*session[T]),
		historyCap: historyCap,
		queueSize:  queueSize,
	}
}

func (h *Hub[T]) sessionFor(sessionID string) *session[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		s = newSession[T](h.historyCap)
		h.sessions[sessionID] = s
	}
	return s
}

// Publish records event in the session's bounded history and forwards it
// to every current subscriber. Safe to call from any goroutine.
func (h *Hub[T]) Publish(sessionID string, event T) {
	h.sessionFor(sessionID).append(event)
}

// Subscription is a caller-facing handle returned by SubscribeWithHistory.
type Subscription[T any] struct {
	Queue   <-chan T
	History []T

	hub       *Hub[T]
	sessionID string
	sub       *subscriber[T]
}

// Unsubscribe releases the queue and emits a sentinel (channel close).
func (s *Subscription[T]) Unsubscribe() {
	s.hub.sessionFor(s.sessionID).unsubscribe(s.sub)
}

// SubscribeWithHistory atomically captures the current history and
// registers the subscriber such that no event is lost between capture and
// registration (§4.6, §8).
func (h *Hub[T]) SubscribeWithHistory(sessionID string) *Subscription[T] {
	sess := h.sessionFor(sessionID)
	sub, history := sess.subscribeWithHistory(h.queueSize)
	return &Subscription[T]{
		Queue:     sub.queue,
		History:   history,
		hub:       h,
		sessionID: sessionID,
		sub:       sub,
	}
}

// DropSession discards a session's history and disconnects its
// subscribers, used once a session reaches a terminal state and its
// events are no longer needed in memory.
func (h *Hub[T]) DropSession(sessionID string) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for sub := range sess.subscribers {
		close(sub.queue)
	}
}
