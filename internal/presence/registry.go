// Package presence holds the process-wide registry of last-known participant
// positions.
//
// The registry is the single shared mutable structure in the relay. Both the
// WebSocket signaling layer and the HTTP user API operate on the same instance
// so the two views of presence never diverge.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Position is the replaceable portion of a presence record.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
}

// Record is one participant's last-known position.
type Record struct {
	Username   string    `json:"username"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Registry maps usernames to their last-known position.
//
// All operations are total: there are no error returns. Every mutation is a
// single atomic step under the internal mutex; callers that need a mutation
// and a follow-up action (e.g. a broadcast) to be observed atomically must
// provide their own serialization on top.
type Registry struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

func NewRegistry() *Registry {
	return newRegistry(time.Now)
}

func newRegistry(now func() time.Time) *Registry {
	return &Registry{
		now:     now,
		records: make(map[string]Record),
	}
}

// List returns a snapshot of all records, sorted by username. Callers may
// retain and mutate the returned slice.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (r *Registry) Get(username string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[username]
	return rec, ok
}

// Upsert creates or fully replaces the record for username.
//
// Replacement is intentionally total: fields the caller left at zero overwrite
// whatever was stored before. A partial update never merges with the previous
// position.
func (r *Registry) Upsert(username string, pos Position) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := Record{
		Username:   username,
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Speed:      pos.Speed,
		LastUpdate: r.now(),
	}
	r.records[username] = rec
	return rec
}

// Remove deletes the record for username and reports whether one existed.
func (r *Registry) Remove(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.records[username]
	if ok {
		delete(r.records, username)
	}
	return ok
}
