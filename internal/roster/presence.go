// Package roster tracks which identities currently hold at least one open
// session. The set is ephemeral and rebuilt from nothing on restart.
package roster

import "sync"

// PresenceSet counts open sessions per identity. The count, rather than a
// boolean, is what keeps an identity "connected" while it still has another
// open session after one of its connections drops (reconnect races).
type PresenceSet struct {
	mu     sync.RWMutex
	counts map[string]int
}

// NewPresenceSet creates an empty presence set.
func NewPresenceSet() *PresenceSet {
	return &PresenceSet{counts: make(map[string]int)}
}

// MarkConnected records one more open session for identityKey.
func (ps *PresenceSet) MarkConnected(identityKey string) {
	if identityKey == "" {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.counts[identityKey]++
}

// MarkDisconnected records one departed session for identityKey. Only the
// departing session's count is released; presence held by other sessions of
// the same identity survives. Unknown keys are ignored.
func (ps *PresenceSet) MarkDisconnected(identityKey string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	n, ok := ps.counts[identityKey]
	if !ok {
		return
	}
	if n <= 1 {
		delete(ps.counts, identityKey)
		return
	}
	ps.counts[identityKey] = n - 1
}

// IsConnected reports whether identityKey has at least one open session.
func (ps *PresenceSet) IsConnected(identityKey string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.counts[identityKey] > 0
}

// Connected returns the number of identities with at least one open session.
func (ps *PresenceSet) Connected() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.counts)
}
