package whatsapp

import (
	"sync"
	"time"
)

// echoTTL is how long an outbound wire id is remembered. Entries are freed
// by Prune even when the echo never arrives.
const echoTTL = 10 * time.Minute

// EchoTracker remembers recently-sent outbound message ids so the bridge can
// ignore its own messages when they come back on the inbound stream.
type EchoTracker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewEchoTracker() *EchoTracker {
	return &EchoTracker{
		entries: map[string]time.Time{},
		ttl:     echoTTL,
		now:     time.Now,
	}
}

// Record remembers an outbound wire id. No-op for empty ids.
func (t *EchoTracker) Record(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.entries[id] = t.now()
	t.mu.Unlock()
}

// Has reports whether id is tracked and unexpired.
func (t *EchoTracker) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.entries[id]
	return ok && t.now().Sub(at) < t.ttl
}

// Consume removes id and reports whether it was tracked and unexpired.
func (t *EchoTracker) Consume(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)
	return t.now().Sub(at) < t.ttl
}

// Prune drops entries older than the TTL.
func (t *EchoTracker) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.ttl)
	for id, at := range t.entries {
		if at.Before(cutoff) {
			delete(t.entries, id)
		}
	}
}
