package locks

import (
	"sort"
	"sync"
	"time"
)

// Record is a lock this process holds.
type Record struct {
	Name        string        `json:"name"`
	Key         string        `json:"key"`
	Holder      string        `json:"holder"`
	TTL         time.Duration `json:"ttl"`
	AcquiredAt  time.Time     `json:"acquired_at"`
	RefreshedAt time.Time     `json:"refreshed_at"`
	Refreshes   int           `json:"refreshes"`
}

// Registry maps resource names to the records this process owns. It is the
// only state shared between callers and the keep-alive loop.
type Registry struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]Record)}
}

// Insert registers rec. A name that is already present is rejected with a
// *DuplicateLockError.
func (r *Registry) Insert(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.Name]; exists {
		return &DuplicateLockError{Name: rec.Name}
	}
	r.records[rec.Name] = rec
	return nil
}

// Remove deletes and returns the record for name
func (r *Registry) Remove(name string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if ok {
		delete(r.records, name)
	}
	return rec, ok
}

// Contains reports whether name is registered
func (r *Registry) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[name]
	return ok
}

// Get returns a copy of the record for name
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	return rec, ok
}

// Len returns the number of registered records
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Records returns a snapshot sorted by name.
func (r *Registry) Records() []Record {
	r.mu.Lock()
	records := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	r.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// ForEach calls fn for every record in a snapshot. The mutex is not held
// while fn runs, so fn may do network I/O or modify the registry.
func (r *Registry) ForEach(fn func(Record)) {
	for _, rec := range r.Records() {
		fn(rec)
	}
}

// touch records a successful refresh. Records released in the meantime are
// left alone.
func (r *Registry) touch(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return
	}
	rec.RefreshedAt = at
	rec.Refreshes++
	r.records[name] = rec
}

// minTTL returns the smallest record TTL, or fallback when empty.
func (r *Registry) minTTL(fallback time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var shortest time.Duration
	for _, rec := range r.records {
		if rec.TTL > 0 && (shortest == 0 || rec.TTL < shortest) {
			shortest = rec.TTL
		}
	}
	if shortest == 0 {
		return fallback
	}
	return shortest
}
