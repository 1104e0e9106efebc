package tp

import (
	"sort"
	"sync"

	"github.com/irctrakz/tpmeter/pkg/core"
)

// table is the registry of sessions, at most one per peer.
type table struct {
	mu       sync.RWMutex
	sessions map[core.Addr]*session
	max      int
}

func newTable(max int) *table {
	return &table{
		sessions: make(map[core.Addr]*session),
		max:      max,
	}
}

// find returns the session for peer with a reference taken, or nil. The
// caller must put the reference.
func (t *table) find(peer core.Addr) *session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.sessions[peer]
	if s == nil || !s.get() {
		return nil
	}
	return s
}

// insert adds s, taking a table reference. It fails if the peer already has
// a session or the table is full.
func (t *table) insert(s *session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[s.peer]; ok {
		return ErrAlreadyOngoing
	}
	if len(t.sessions) >= t.max {
		return ErrTooManySessions
	}
	if !s.get() {
		return ErrMemory
	}
	t.sessions[s.peer] = s
	return nil
}

// remove deletes s if it is still the session mapped to its peer and drops
// the table reference. Removing twice is a no-op.
func (t *table) remove(s *session) bool {
	t.mu.Lock()
	if t.sessions[s.peer] != s {
		t.mu.Unlock()
		return false
	}
	delete(t.sessions, s.peer)
	t.mu.Unlock()

	s.put()
	return true
}

func (t *table) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// all returns every session with a reference taken on each.
func (t *table) all() []*session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		if s.get() {
			out = append(out, s)
		}
	}
	return out
}

// snapshot returns a view of all sessions ordered by peer.
func (t *table) snapshot() []SessionInfo {
	sessions := t.all()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
		s.put()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Peer.String() < infos[j].Peer.String()
	})
	return infos
}
