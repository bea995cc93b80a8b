package presence

import (
	"sync"
	"time"
)

// Entry is one user's live connection in this process.
type Entry struct {
	UserID   string
	Handle   string // transport connection id
	Status   Status
	LastSeen time.Time
}

// Registry maps user ids to their single live connection. A second
// registration for the same user replaces the first.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Register stores handle as userID's connection with status online. It
// returns the entry it replaced, if any.
func (r *Registry) Register(userID, handle string) (prev Entry, replaced bool) {
	r.mu.Lock()
	prev, replaced = r.entries[userID]
	r.entries[userID] = Entry{
		UserID:   userID,
		Handle:   handle,
		Status:   StatusOnline,
		LastSeen: r.now(),
	}
	r.mu.Unlock()
	return prev, replaced
}

// Deregister removes and returns userID's entry. It is a no-op when absent.
func (r *Registry) Deregister(userID string) (Entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if ok {
		delete(r.entries, userID)
	}
	r.mu.Unlock()
	return e, ok
}

// DeregisterHandle removes userID's entry only if it still belongs to
// handle. Tearing down a connection that was already replaced leaves the
// newer entry in place.
func (r *Registry) DeregisterHandle(userID, handle string) (Entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if ok && e.Handle == handle {
		delete(r.entries, userID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	return e, ok
}

// UpdateStatus validates status and applies it to userID's entry.
func (r *Registry) UpdateStatus(userID, status string) (Entry, error) {
	st, err := ParseStatus(status)
	if err != nil {
		return Entry{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return Entry{}, errNotConnected
	}
	e.Status = st
	e.LastSeen = r.now()
	r.entries[userID] = e
	return e, nil
}

// Touch refreshes userID's last-seen time.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	if e, ok := r.entries[userID]; ok {
		e.LastSeen = r.now()
		r.entries[userID] = e
	}
	r.mu.Unlock()
}

// Lookup returns userID's entry.
func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[userID]
	r.mu.RUnlock()
	return e, ok
}

// Online reports whether userID has a live connection.
func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Count returns the number of connected users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	return n
}
