package presence

import (
	"sort"
	"sync"
	"time"
)

// Entry records the two timestamps tracked per user. Both are epoch
// seconds. LastActivity may lag or even precede LastSeen; the registry
// compares each field against the clock independently and never
// cross-checks them.
type Entry struct {
	LastSeen     int64
	LastActivity int64
}

// Registry is the in-memory presence table: uid → Entry. Every
// heartbeat mutates it and every snapshot prunes it, so a single mutex
// guards the whole scan-classify-evict sequence. Entries live from the
// first heartbeat until a snapshot observes them past the TTL; there is
// no explicit delete and no capacity bound.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry

	lastSeenTTL   int64 // seconds
	idleThreshold int64 // seconds
}

// NewRegistry creates a presence registry with the given staleness TTL
// and idle threshold. Compressed windows keep tests fast.
func NewRegistry(lastSeenTTL, idleThreshold time.Duration) *Registry {
	return &Registry{
		entries:       make(map[string]Entry),
		lastSeenTTL:   int64(lastSeenTTL / time.Second),
		idleThreshold: int64(idleThreshold / time.Second),
	}
}

// RecordHeartbeat upserts the entry for uid. LastSeen becomes now;
// LastActivity becomes the reported value, or now when none was
// reported. The write is a full overwrite — a heartbeat carrying an
// older activity timestamp moves the stored value backward. Callers
// must reject empty uids before reaching the registry.
func (r *Registry) RecordHeartbeat(uid string, now int64, lastActivity *int64) {
	activity := now
	if lastActivity != nil {
		activity = *lastActivity
	}

	r.mu.Lock()
	r.entries[uid] = Entry{LastSeen: now, LastActivity: activity}
	r.mu.Unlock()
}

// Snapshot classifies every entry against now and returns the active
// and idle uid lists, each sorted ascending. Entries whose LastSeen
// fell behind now-TTL are evicted as a side effect and appear in
// neither list. The scan runs under the registry lock, so a concurrent
// heartbeat is either fully visible or fully absent.
func (r *Registry) Snapshot(now int64) (active, idle []string) {
	lastSeenCutoff := now - r.lastSeenTTL
	idleCutoff := now - r.idleThreshold

	active = []string{}
	idle = []string{}

	r.mu.Lock()
	for uid, e := range r.entries {
		if e.LastSeen < lastSeenCutoff {
			delete(r.entries, uid)
			continue
		}
		if e.LastActivity >= idleCutoff {
			active = append(active, uid)
		} else {
			idle = append(idle, uid)
		}
	}
	r.mu.Unlock()

	sort.Strings(active)
	sort.Strings(idle)
	return active, idle
}

// Len returns the number of tracked entries, including ones a future
// snapshot would evict.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
