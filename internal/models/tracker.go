package models

import "sync"

// Tracker is a concurrency-safe keyed store of live requests or claims.
type Tracker[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]V
	order []K
}

func NewTracker[K comparable, V any]() *Tracker[K, V] {
	return &Tracker[K, V]{items: make(map[K]V)}
}

// Add stores v under k. Adding an existing key replaces the value and keeps
// its position.
func (t *Tracker[K, V]) Add(k K, v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[k]; !ok {
		t.order = append(t.order, k)
	}
	t.items[k] = v
}

func (t *Tracker[K, V]) Get(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[k]
	return v, ok
}

func (t *Tracker[K, V]) Remove(k K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[k]; !ok {
		return
	}
	delete(t.items, k)
	for i, key := range t.order {
		if key == k {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Tracker[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Values returns a snapshot in insertion order.
func (t *Tracker[K, V]) Values() []V {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]V, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.items[k])
	}
	return out
}

// Find returns a snapshot of the values matching pred.
func (t *Tracker[K, V]) Find(pred func(V) bool) []V {
	var out []V
	for _, v := range t.Values() {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// RequestTracker and ClaimTracker are the two trackers a direction keeps.
type (
	RequestTracker = Tracker[RequestID, *Request]
	ClaimTracker   = Tracker[ClaimID, *Claim]
)

func NewRequestTracker() *RequestTracker { return NewTracker[RequestID, *Request]() }

func NewClaimTracker() *ClaimTracker { return NewTracker[ClaimID, *Claim]() }

// CountByState groups a snapshot by the state each value reports.
func CountByState[V interface{ StateName() string }](values []V) map[string]int {
	counts := make(map[string]int)
	for _, v := range values {
		counts[v.StateName()]++
	}
	return counts
}
