// Package session tracks, per client connection, which topic subscriptions
// are live and guarantees their release on disconnect. The registry, not
// the broker, is authoritative for subscription existence.
package session

import (
	"errors"
	"sync"
)

// ErrSessionClosed is returned by SubscribeTopic when the session was never
// added or has already been removed. The caller must cancel the orphan
// handle; SubscribeTopic has already done so.
var ErrSessionClosed = errors.New("session: session is not active")

// Canceler is the cancellation capability of one subscription. Cancel must
// be idempotent.
type Canceler interface {
	Cancel()
}

// Registry maps session ids to their active topic subscriptions. At most
// one subscription is live per (session, topic): a new subscribe cancels
// the old one first. All operations are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[string]Canceler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]Canceler),
	}
}

// AddSession registers a session with no subscriptions. Must be called on
// connection establishment, before any SubscribeTopic for the session.
func (r *Registry) AddSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		r.sessions[sessionID] = make(map[string]Canceler)
	}
}

// SubscribeTopic records sub as the session's live subscription for topic,
// cancelling any previous one. If the session is not active (removed, or a
// subscribe raced connection teardown) the handle is cancelled immediately
// and ErrSessionClosed is returned, so no live subscription can leak past
// RemoveSession.
func (r *Registry) SubscribeTopic(sessionID, topic string, sub Canceler) error {
	r.mu.Lock()
	topics, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		sub.Cancel()
		return ErrSessionClosed
	}
	old := topics[topic]
	topics[topic] = sub
	r.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	return nil
}

// UnsubscribeTopic cancels and removes the session's subscription for
// topic. No-op if the session or topic is unknown.
func (r *Registry) UnsubscribeTopic(sessionID, topic string) {
	r.mu.Lock()
	var old Canceler
	if topics, ok := r.sessions[sessionID]; ok {
		old = topics[topic]
		delete(topics, topic)
	}
	r.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
}

// UnsubscribeAllTopics cancels and removes every subscription of the
// session, keeping the session itself active. No-op if unknown.
func (r *Registry) UnsubscribeAllTopics(sessionID string) {
	r.mu.Lock()
	topics := r.sessions[sessionID]
	if topics != nil {
		r.sessions[sessionID] = make(map[string]Canceler)
	}
	r.mu.Unlock()

	for _, sub := range topics {
		sub.Cancel()
	}
}

// RemoveSession cancels every subscription of the session and discards its
// entry. Idempotent: removing an unknown session is a no-op and other
// sessions are unaffected.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	topics := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	for _, sub := range topics {
		sub.Cancel()
	}
}

// SessionCount returns the number of active sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SubscriptionCount returns the number of live subscriptions for a session.
func (r *Registry) SubscriptionCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[sessionID])
}
