// Package ident generates run ids.
//
// Two flavors:
//   - Generator.Next: snowflake-style unique ids (41-bit millis since epoch,
//     10-bit node, 12-bit sequence).
//   - DeterministicID: stable ids derived from a broadcast event id and an
//     entity id, so every worker materializes the same run rows for the
//     same event without coordination.
package ident

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Epoch is 2024-01-01 00:00:00 UTC in unix millis.
const Epoch = 1704067200000

const (
	nodeIDBits   = 10
	sequenceBits = 12

	MaxNodeID   = (1 << nodeIDBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	nodeIDShift    = sequenceBits
	timestampShift = nodeIDBits + sequenceBits
)

// ErrClockRollback is returned when the wall clock moved backwards by more
// than the tolerated window (5ms). Ids generated across a larger rollback
// could collide, so we refuse.
var ErrClockRollback = errors.New("ident: clock moved backwards")

// Generator produces unique int64 ids. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	lastMs   int64
	sequence int64

	now func() time.Time
}

func NewGenerator(nodeID int) (*Generator, error) {
	if nodeID < 0 || nodeID > MaxNodeID {
		return nil, fmt.Errorf("ident: node id %d out of range [0,%d]", nodeID, MaxNodeID)
	}
	return &Generator{nodeID: int64(nodeID), lastMs: -1, now: time.Now}, nil
}

// FromName derives the node id from an arbitrary node name (hashed into
// the 10-bit space). Two nodes with colliding hashes still produce ids
// that differ in the timestamp/sequence parts almost always, but unique
// names should be preferred.
func FromName(name string) *Generator {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	g, _ := NewGenerator(int(h.Sum32() & MaxNodeID))
	return g
}

func (g *Generator) NodeID() int { return int(g.nodeID) }

func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowMs := g.now().UnixMilli()
	if nowMs < g.lastMs {
		offset := g.lastMs - nowMs
		if offset > 5 {
			return 0, fmt.Errorf("%w: %dms", ErrClockRollback, offset)
		}
		// Small rollback: wait it out.
		time.Sleep(time.Duration(offset+1) * time.Millisecond)
		nowMs = g.now().UnixMilli()
	}

	if nowMs == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted within this millisecond; spin to the next.
			for nowMs <= g.lastMs {
				nowMs = g.now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = nowMs

	return ((nowMs - Epoch) << timestampShift) |
		(g.nodeID << nodeIDShift) |
		g.sequence, nil
}

// NextN generates count ids in one call.
func (g *Generator) NextN(count int) ([]int64, error) {
	if count <= 0 {
		return nil, nil
	}
	ids := make([]int64, count)
	for i := range ids {
		id, err := g.Next()
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// ParseTimestamp extracts the unix-milli timestamp from a generated id.
func ParseTimestamp(id int64) int64 { return (id >> timestampShift) + Epoch }

// ParseNodeID extracts the node id from a generated id.
func ParseNodeID(id int64) int { return int((id >> nodeIDShift) & MaxNodeID) }

// ParseSequence extracts the sequence from a generated id.
func ParseSequence(id int64) int { return int(id & maxSequence) }

// DeterministicID derives a stable positive id from a broadcast event id and
// an entity id (workflow id or job id). Every worker computes the same id
// for the same (eventID, entityID) pair, which is what makes broadcast
// handling idempotent across the cluster.
//
// The event id is folded with FNV-1a, then mixed with the entity id through
// a splitmix64 finalizer for uniform distribution.
func DeterministicID(eventID string, entityID int64) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(eventID))
	eventHash := h.Sum64()

	mixed := eventHash ^ uint64(entityID)
	mixed *= 0x9e3779b97f4a7c15
	mixed ^= mixed >> 30
	mixed *= 0xbf58476d1ce4e5b9
	mixed ^= mixed >> 27
	mixed *= 0x94d049bb133111eb
	mixed ^= mixed >> 31

	// Clear the sign bit so ids are always positive.
	return int64(mixed & (1<<63 - 1))
}
