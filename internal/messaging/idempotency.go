package messaging

import "sync"

// defaultIdempotencyCapacity bounds the in-process dedup set. When the cap is
// hit, the oldest 10% of keys are evicted in insertion order.
const defaultIdempotencyCapacity = 10000

// idempotencyTracker is a bounded, insertion-ordered set of accepted
// idempotency keys. It is an in-process, at-least-once safety net only: it
// does not deduplicate across multiple ingress instances, and where the
// backend offers its own dedup window (FIFO queues) that remains the
// authoritative mechanism.
type idempotencyTracker struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
}

func newIdempotencyTracker(capacity int) *idempotencyTracker {
	if capacity <= 0 {
		capacity = defaultIdempotencyCapacity
	}
	return &idempotencyTracker{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// CheckAndRecord reports whether key was accepted before, recording it when
// it was not. Empty keys are never tracked and always report unseen.
func (t *idempotencyTracker) CheckAndRecord(key string) bool {
	if key == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[key]; ok {
		return true
	}

	if len(t.order) >= t.capacity {
		evict := t.capacity / 10
		if evict < 1 {
			evict = 1
		}
		for _, old := range t.order[:evict] {
			delete(t.seen, old)
		}
		t.order = append(t.order[:0], t.order[evict:]...)
	}

	t.seen[key] = struct{}{}
	t.order = append(t.order, key)
	return false
}

// Forget drops key from the set. Used when a send fails after the key was
// recorded, so the eventual retry is not misread as a duplicate.
func (t *idempotencyTracker) Forget(key string) {
	if key == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[key]; !ok {
		return
	}
	delete(t.seen, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of tracked keys.
func (t *idempotencyTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
