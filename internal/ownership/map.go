// Package ownership decides which worker owns which scheduling bucket.
//
// The bucket map is a replicated last-writer-wins map gossiped between
// workers: higher lease time wins, ties break toward the lexically larger
// owner name. Merge is commutative and idempotent, so any delivery order
// converges.
package ownership

import (
	"encoding/json"
	"sync"
	"time"
)

// Entry is one bucket's lease. An empty Owner is a release marker: it
// still participates in LWW so a release propagates like any other write.
type Entry struct {
	Bucket  int    `json:"b"`
	Owner   string `json:"o"`
	LeaseMs int64  `json:"t"`
}

func (e Entry) LeaseTime() time.Time {
	if e.LeaseMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.LeaseMs)
}

// supersedes reports whether a wins over b under LWW rules.
func supersedes(a, b Entry) bool {
	if a.LeaseMs != b.LeaseMs {
		return a.LeaseMs > b.LeaseMs
	}
	return a.Owner > b.Owner
}

// Map is the replicated bucket-lease map.
type Map struct {
	mu      sync.RWMutex
	count   int
	entries map[int]Entry
}

func NewMap(bucketCount int) *Map {
	return &Map{count: bucketCount, entries: map[int]Entry{}}
}

func (m *Map) BucketCount() int { return m.count }

// BucketOf assigns a run id to a bucket.
func (m *Map) BucketOf(id int64) int {
	b := int(id % int64(m.count))
	if b < 0 {
		b += m.count
	}
	return b
}

// Merge folds remote entries in and returns the ones that changed local
// state. Entries for out-of-range buckets are ignored.
func (m *Map) Merge(in []Entry) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []Entry
	for _, e := range in {
		if e.Bucket < 0 || e.Bucket >= m.count {
			continue
		}
		cur, ok := m.entries[e.Bucket]
		if ok && !supersedes(e, cur) {
			continue
		}
		m.entries[e.Bucket] = e
		changed = append(changed, e)
	}
	return changed
}

func (m *Map) Get(bucket int) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[bucket]
	return e, ok
}

// Owner returns the live owner of a bucket, or "" if the lease is absent,
// released or expired at now.
func (m *Map) Owner(bucket int, now time.Time, ttl time.Duration) string {
	m.mu.RLock()
	e, ok := m.entries[bucket]
	m.mu.RUnlock()
	if !ok || e.Owner == "" {
		return ""
	}
	if now.Sub(e.LeaseTime()) > ttl {
		return ""
	}
	return e.Owner
}

// OwnedBy returns the buckets with a live lease held by owner.
func (m *Map) OwnedBy(owner string, now time.Time, ttl time.Duration) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for b, e := range m.entries {
		if e.Owner == owner && now.Sub(e.LeaseTime()) <= ttl {
			out = append(out, b)
		}
	}
	return out
}

// Snapshot returns a copy of every entry, for full-state gossip sync.
func (m *Map) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// EncodeEntries and DecodeEntries are the wire form used for both delta
// broadcasts and full-state sync.
func EncodeEntries(entries []Entry) ([]byte, error) {
	return json.Marshal(entries)
}

func DecodeEntries(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
