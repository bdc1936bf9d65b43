package subscription

import (
	"slices"
	"strings"
	"sync"
)

// Normalizer maps a caller-supplied topic to its canonical form.
type Normalizer func(topic string) string

// ChatChannel lowercases a channel name and strips a leading '#'.
func ChatChannel(topic string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(topic), "#"))
}

// Exact leaves topics untouched apart from surrounding whitespace.
func Exact(topic string) string {
	return strings.TrimSpace(topic)
}

// Snapshot is a point-in-time copy of a ledger.
type Snapshot struct {
	Desired      []string
	Acknowledged []string
}

// Ledger holds the desired and acknowledged topic sets. Acknowledged is
// always a subset of desired.
type Ledger struct {
	normalize Normalizer

	mu      sync.RWMutex
	desired map[string]struct{}
	acked   map[string]struct{}
}

// NewLedger creates an empty ledger. A nil normalize uses Exact.
func NewLedger(normalize Normalizer) *Ledger {
	if normalize == nil {
		normalize = Exact
	}
	return &Ledger{
		normalize: normalize,
		desired:   make(map[string]struct{}),
		acked:     make(map[string]struct{}),
	}
}

// Normalize returns topic in canonical form.
func (l *Ledger) Normalize(topic string) string {
	return l.normalize(topic)
}

// Add marks topics as desired and returns the ones that were not already.
func (l *Ledger) Add(topics ...string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var added []string
	for _, t := range topics {
		t = l.normalize(t)
		if t == "" {
			continue
		}
		if _, ok := l.desired[t]; ok {
			continue
		}
		l.desired[t] = struct{}{}
		added = append(added, t)
	}
	return added
}

// Remove drops topics from both sets and returns the ones that were desired.
func (l *Ledger) Remove(topics ...string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []string
	for _, t := range topics {
		t = l.normalize(t)
		if _, ok := l.desired[t]; !ok {
			continue
		}
		delete(l.desired, t)
		delete(l.acked, t)
		removed = append(removed, t)
	}
	return removed
}

// Ack records server acknowledgement. Topics no longer desired are ignored.
func (l *Ledger) Ack(topics ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range topics {
		t = l.normalize(t)
		if _, ok := l.desired[t]; ok {
			l.acked[t] = struct{}{}
		}
	}
}

// Unack clears acknowledgement for topics without changing desire.
func (l *Ledger) Unack(topics ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range topics {
		delete(l.acked, l.normalize(t))
	}
}

// ResetAcknowledged clears the acknowledged set.
func (l *Ledger) ResetAcknowledged() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.acked)
}

// Desired returns the desired topics, sorted.
func (l *Ledger) Desired() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.desired)
}

// Acknowledged returns the acknowledged topics, sorted.
func (l *Ledger) Acknowledged() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.acked)
}

// Pending returns desired topics not yet acknowledged, sorted.
func (l *Ledger) Pending() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for t := range l.desired {
		if _, ok := l.acked[t]; !ok {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// IsDesired reports whether topic is desired.
func (l *Ledger) IsDesired(topic string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.desired[l.normalize(topic)]
	return ok
}

// IsAcknowledged reports whether topic is acknowledged.
func (l *Ledger) IsAcknowledged(topic string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.acked[l.normalize(topic)]
	return ok
}

// Snapshot returns both sets under one lock.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		Desired:      sortedKeys(l.desired),
		Acknowledged: sortedKeys(l.acked),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
