package relay

import (
	"sync"

	"github.com/chromebridge/relay/lib/cdp"
)

// ConnectedTarget is one page-type target attached through the extension,
// keyed by the relay session id the extension minted for it.
type ConnectedTarget struct {
	SessionID  string          `json:"sessionId"`
	TargetID   string          `json:"targetId"`
	TargetInfo *cdp.TargetInfo `json:"targetInfo"`
}

// targetRegistry is the source of truth for attached targets. It holds
// page-type targets only and preserves attach order so discovery replay
// and activeTargetId are deterministic.
type targetRegistry struct {
	mu        sync.RWMutex
	bySession map[string]*ConnectedTarget
	order     []string // session ids, oldest attach first
}

func newTargetRegistry() *targetRegistry {
	return &targetRegistry{bySession: make(map[string]*ConnectedTarget)}
}

// upsert inserts or replaces the entry for t.SessionID. When the session
// id already maps to a different target id (the browser swapped the
// underlying target under a live debugger session, as happens on
// cross-origin navigation) it returns the old target id so the caller can
// emit a synthetic detach before announcing the new target.
func (r *targetRegistry) upsert(t *ConnectedTarget) (oldTargetID string, swapped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bySession[t.SessionID]; ok {
		if prev.TargetID != t.TargetID {
			oldTargetID = prev.TargetID
			swapped = true
		}
		r.dropFromOrder(t.SessionID)
	}
	r.bySession[t.SessionID] = t
	r.order = append(r.order, t.SessionID)
	return oldTargetID, swapped
}

// merge folds a targetInfoChanged payload into every entry with a
// matching target id.
func (r *targetRegistry) merge(info *cdp.TargetInfo) {
	if info == nil || info.TargetID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.bySession {
		if t.TargetInfo == nil || t.TargetInfo.TargetID != info.TargetID {
			continue
		}
		t.TargetInfo.Title = info.Title
		t.TargetInfo.URL = info.URL
		if info.Type != "" {
			t.TargetInfo.Type = info.Type
		}
	}
}

func (r *targetRegistry) remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySession[sessionID]; !ok {
		return false
	}
	delete(r.bySession, sessionID)
	r.dropFromOrder(sessionID)
	return true
}

func (r *targetRegistry) clear() {
	r.mu.Lock()
	r.bySession = make(map[string]*ConnectedTarget)
	r.order = nil
	r.mu.Unlock()
}

// list returns the targets in attach order.
func (r *targetRegistry) list() []*ConnectedTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ConnectedTarget, 0, len(r.order))
	for _, sid := range r.order {
		out = append(out, r.bySession[sid])
	}
	return out
}

func (r *targetRegistry) bySessionID(sessionID string) (*ConnectedTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySession[sessionID]
	return t, ok
}

func (r *targetRegistry) byTargetID(targetID string) (*ConnectedTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sid := range r.order {
		if t := r.bySession[sid]; t.TargetID == targetID {
			return t, true
		}
	}
	return nil, false
}

func (r *targetRegistry) first() (*ConnectedTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	return r.bySession[r.order[0]], true
}

// activeTargetID is the most recently attached target, or empty.
func (r *targetRegistry) activeTargetID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return ""
	}
	return r.bySession[r.order[len(r.order)-1]].TargetID
}

func (r *targetRegistry) dropFromOrder(sessionID string) {
	for i, sid := range r.order {
		if sid == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
