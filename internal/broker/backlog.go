package broker

import "time"

// backlogEntry is one published event retained for replay.
type backlogEntry struct {
	data []byte
	at   time.Time
}

// backlog is the bounded, ordered replay buffer for one channel+key.
// Entries are pruned by max count and by max age, whichever bites first.
// Not safe for concurrent use; the owning shard serializes access.
type backlog struct {
	entries  []backlogEntry
	maxCount int
	maxAge   time.Duration
}

func newBacklog(maxCount int, maxAge time.Duration) *backlog {
	return &backlog{maxCount: maxCount, maxAge: maxAge}
}

// append adds an event and prunes the window.
func (b *backlog) append(data []byte) {
	b.entries = append(b.entries, backlogEntry{data: data, at: time.Now()})
	b.prune()
}

// prune drops entries beyond the count bound or older than the age bound.
func (b *backlog) prune() {
	if b.maxCount > 0 && len(b.entries) > b.maxCount {
		b.entries = b.entries[len(b.entries)-b.maxCount:]
	}
	if b.maxAge > 0 {
		cutoff := time.Now().Add(-b.maxAge)
		i := 0
		for i < len(b.entries) && b.entries[i].at.Before(cutoff) {
			i++
		}
		if i > 0 {
			b.entries = b.entries[i:]
		}
	}
}

// snapshot returns the live entries in publish order.
func (b *backlog) snapshot() [][]byte {
	b.prune()
	out := make([][]byte, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.data
	}
	return out
}

// empty reports whether the backlog holds no live entries.
func (b *backlog) empty() bool {
	b.prune()
	return len(b.entries) == 0
}
