package ownership

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"jobmesh/internal/eventbus"
	"jobmesh/internal/store"
	logx "jobmesh/pkg/logx"
)

// Gossip carries lease-map deltas to the rest of the cluster. The cluster
// layer implements it on top of memberlist broadcasts.
type Gossip interface {
	BroadcastEntries(entries []Entry)
}

// BucketChange is the payload of bucket.acquired / bucket.lost events.
type BucketChange struct {
	Bucket int `json:"bucket"`
}

// Manager runs the lease loop for one worker: it claims the buckets the
// hash assignment says are ours, renews them at a third of the TTL, and
// releases them on rebalance or shutdown. It never claims a bucket whose
// lease is still live under another owner; those it takes over only after
// expiry, or immediately after a member-left purge. Fresh claims are held
// back for one renew interval before the bucket is reported as owned.
type Manager struct {
	self string
	ttl  time.Duration
	m    *Map
	st   store.Store
	bus  eventbus.Bus
	log  logx.Logger

	mu        sync.Mutex
	gossip    Gossip
	members   func() []string
	owned     map[int]bool
	tentative map[int]bool
	onPersist func(err error)

	stopCh   chan struct{}
	stopDone chan struct{}
	stopped  bool
}

func NewManager(self string, bucketCount int, ttl time.Duration, st store.Store, bus eventbus.Bus, log logx.Logger) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		self:      self,
		ttl:       ttl,
		m:         NewMap(bucketCount),
		st:        st,
		bus:       bus,
		log:       log,
		owned:     map[int]bool{},
		tentative: map[int]bool{},
		stopCh:    make(chan struct{}),
		stopDone:  make(chan struct{}),
	}
}

func (mg *Manager) Map() *Map             { return mg.m }
func (mg *Manager) Self() string          { return mg.self }
func (mg *Manager) TTL() time.Duration    { return mg.ttl }
func (mg *Manager) BucketOf(id int64) int { return mg.m.BucketOf(id) }

// SetGossip and SetMembers are wired by the cluster layer before Start.
func (mg *Manager) SetGossip(g Gossip) {
	mg.mu.Lock()
	mg.gossip = g
	mg.mu.Unlock()
}

func (mg *Manager) SetMembers(fn func() []string) {
	mg.mu.Lock()
	mg.members = fn
	mg.mu.Unlock()
}

// OnPersistError installs a hook invoked when a lease write fails, for
// failure counting. Optional.
func (mg *Manager) OnPersistError(fn func(err error)) {
	mg.mu.Lock()
	mg.onPersist = fn
	mg.mu.Unlock()
}

// Start primes the map from the persisted lease snapshot and launches the
// renew loop.
func (mg *Manager) Start(ctx context.Context) error {
	if mg.st != nil {
		leases, err := mg.st.Leases(ctx)
		if err != nil {
			return err
		}
		entries := make([]Entry, 0, len(leases))
		for _, l := range leases {
			entries = append(entries, Entry{Bucket: l.BucketID, Owner: l.Owner, LeaseMs: l.LeaseTime.UnixMilli()})
		}
		mg.m.Merge(entries)
		mg.log.Info("lease map primed from store", logx.Int("entries", len(entries)))
	}
	go mg.loop()
	return nil
}

func (mg *Manager) Stop() {
	mg.mu.Lock()
	if mg.stopped {
		mg.mu.Unlock()
		return
	}
	mg.stopped = true
	mg.mu.Unlock()
	close(mg.stopCh)
	<-mg.stopDone
}

// IsOwner reports whether this worker currently owns the bucket.
func (mg *Manager) IsOwner(bucket int) bool {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.owned[bucket]
}

// Owned returns a sorted snapshot of the buckets this worker owns.
func (mg *Manager) Owned() []int {
	mg.mu.Lock()
	out := make([]int, 0, len(mg.owned))
	for b := range mg.owned {
		out = append(out, b)
	}
	mg.mu.Unlock()
	sort.Ints(out)
	return out
}

// MergeRemote folds gossiped entries in and returns the entries that
// changed local state (for rebroadcast). Ownership diffs are published on
// the bus.
func (mg *Manager) MergeRemote(entries []Entry) []Entry {
	changed := mg.m.Merge(entries)
	if len(changed) > 0 {
		mg.refreshOwned(time.Now())
	}
	return changed
}

// OnMemberLeft purges the departed member's leases so its buckets fail
// over now instead of after TTL expiry.
func (mg *Manager) OnMemberLeft(ctx context.Context, name string) {
	if name == "" || name == mg.self {
		return
	}
	now := time.Now()
	var releases []Entry
	for _, e := range mg.m.Snapshot() {
		if e.Owner != name {
			continue
		}
		leaseMs := now.UnixMilli()
		if leaseMs <= e.LeaseMs {
			leaseMs = e.LeaseMs + 1
		}
		releases = append(releases, Entry{Bucket: e.Bucket, LeaseMs: leaseMs})
	}
	if len(releases) == 0 {
		return
	}
	mg.log.Info("purging leases of departed member",
		logx.String("member", name), logx.Int("buckets", len(releases)))
	mg.m.Merge(releases)
	mg.broadcast(releases)
	if mg.st != nil {
		if err := mg.st.DeleteLeasesByOwner(ctx, name); err != nil {
			mg.log.Warn("delete leases of departed member", logx.Err(err))
		}
	}
	// Claim freed buckets on the next tick; meanwhile reflect the loss.
	mg.refreshOwned(now)
}

func (mg *Manager) loop() {
	defer close(mg.stopDone)

	interval := mg.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Claim immediately rather than waiting a full renew interval.
	mg.renewOnce(time.Now())
	for {
		select {
		case <-mg.stopCh:
			mg.releaseAll()
			return
		case <-ticker.C:
			mg.renewOnce(time.Now())
		}
	}
}

// renewOnce runs one pass of the lease loop: renew what we hold, claim
// what the assignment gives us and is free, release what moved away.
func (mg *Manager) renewOnce(now time.Time) {
	alive := mg.aliveMembers()
	nowMs := now.UnixMilli()

	var writes []Entry
	var fresh []int
	for b := 0; b < mg.m.BucketCount(); b++ {
		desired := rendezvousOwner(alive, b)
		owner := mg.m.Owner(b, now, mg.ttl)
		switch {
		case desired == mg.self && (owner == "" || owner == mg.self):
			writes = append(writes, Entry{Bucket: b, Owner: mg.self, LeaseMs: nowMs})
			if owner == "" {
				fresh = append(fresh, b)
			}
		case desired != mg.self && owner == mg.self:
			// Rebalanced away: release instead of letting the lease expire.
			writes = append(writes, Entry{Bucket: b, LeaseMs: nowMs})
		}
	}
	if len(writes) > 0 {
		mg.m.Merge(writes)
		mg.broadcast(writes)
		mg.persist(writes)
	}

	// A fresh claim stays tentative for one renew interval so gossip gets a
	// round to surface a competing claim before the bucket is published as
	// acquired. Renewing a bucket we already held on the merged map
	// confirms it; losing it to a remote entry clears it the same way.
	mg.mu.Lock()
	mg.tentative = map[int]bool{}
	for _, b := range fresh {
		mg.tentative[b] = true
	}
	mg.mu.Unlock()

	mg.refreshOwned(now)
}

func (mg *Manager) releaseAll() {
	now := time.Now()
	nowMs := now.UnixMilli()
	var releases []Entry
	for _, e := range mg.m.Snapshot() {
		if e.Owner == mg.self {
			releases = append(releases, Entry{Bucket: e.Bucket, LeaseMs: nowMs})
		}
	}
	if len(releases) > 0 {
		mg.m.Merge(releases)
		mg.broadcast(releases)
	}
	if mg.st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mg.st.DeleteLeasesByOwner(ctx, mg.self); err != nil {
			mg.log.Warn("delete own leases on shutdown", logx.Err(err))
		}
	}
	mg.refreshOwned(now)
	mg.log.Info("released all bucket leases", logx.Int("buckets", len(releases)))
}

func (mg *Manager) aliveMembers() []string {
	mg.mu.Lock()
	fn := mg.members
	mg.mu.Unlock()

	var alive []string
	if fn != nil {
		alive = fn()
	}
	for _, m := range alive {
		if m == mg.self {
			return alive
		}
	}
	return append(alive, mg.self)
}

func (mg *Manager) broadcast(entries []Entry) {
	mg.mu.Lock()
	g := mg.gossip
	mg.mu.Unlock()
	if g != nil {
		g.BroadcastEntries(entries)
	}
}

func (mg *Manager) persist(writes []Entry) {
	if mg.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range writes {
		var err error
		if e.Owner == mg.self {
			err = mg.st.UpsertLease(ctx, store.BucketLease{
				BucketID:  e.Bucket,
				Owner:     e.Owner,
				LeaseTime: e.LeaseTime(),
			})
		} else {
			err = mg.st.DeleteLease(ctx, e.Bucket, mg.self)
		}
		if err != nil {
			mg.log.Warn("persist bucket lease",
				logx.Int("bucket", e.Bucket), logx.Err(err))
			mg.mu.Lock()
			hook := mg.onPersist
			mg.mu.Unlock()
			if hook != nil {
				hook(err)
			}
			return
		}
	}
}

// refreshOwned recomputes the owned set from the map and publishes the
// diff as bucket.acquired / bucket.lost events.
func (mg *Manager) refreshOwned(now time.Time) {
	cur := map[int]bool{}
	for _, b := range mg.m.OwnedBy(mg.self, now, mg.ttl) {
		cur[b] = true
	}

	mg.mu.Lock()
	for b := range mg.tentative {
		delete(cur, b)
	}
	prev := mg.owned
	mg.owned = cur
	mg.mu.Unlock()

	if mg.bus == nil {
		return
	}
	for b := range cur {
		if !prev[b] {
			mg.bus.Publish(eventbus.Event{Type: eventbus.TypeBucketAcquired, Data: BucketChange{Bucket: b}})
		}
	}
	for b := range prev {
		if !cur[b] {
			mg.bus.Publish(eventbus.Event{Type: eventbus.TypeBucketLost, Data: BucketChange{Bucket: b}})
		}
	}
}

// rendezvousOwner picks the member with the highest hash for the bucket.
// Every worker computes the same answer from the same member list, so the
// assignment needs no coordination and moves only the departed member's
// buckets when the list changes.
func rendezvousOwner(members []string, bucket int) string {
	var best string
	var bestScore uint64
	for _, m := range members {
		h := fnv.New64a()
		h.Write([]byte(m))
		h.Write([]byte("/"))
		h.Write([]byte(strconv.Itoa(bucket)))
		score := h.Sum64()
		if best == "" || score > bestScore || (score == bestScore && m > best) {
			best = m
			bestScore = score
		}
	}
	return best
}
