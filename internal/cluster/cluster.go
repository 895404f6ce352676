// Package cluster wires the worker into the memberlist gossip mesh.
//
// Two kinds of payloads ride the mesh: bucket-lease deltas (ownership) and
// operation envelopes (broadcast). Each message carries a one-byte tag so
// the receiver can route it without trying both decoders.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"jobmesh/internal/config"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/ownership"
	logx "jobmesh/pkg/logx"
)

const (
	tagLease    byte = 'L'
	tagEnvelope byte = 'B'
)

// MemberEvent is the payload of member.joined / member.left events.
type MemberEvent struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Service owns the memberlist instance and its broadcast queue.
type Service struct {
	cfg config.ClusterConfig
	own *ownership.Manager
	bus eventbus.Bus
	log logx.Logger

	mu         sync.Mutex
	ml         *memberlist.Memberlist
	queue      *memberlist.TransmitLimitedQueue
	onEnvelope func(data []byte)
	stopped    bool
}

func New(cfg config.ClusterConfig, own *ownership.Manager, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, own: own, bus: bus, log: log}
}

// OnEnvelope registers the handler for incoming operation envelopes. Must
// be called before Start; the handler must not block.
func (s *Service) OnEnvelope(fn func(data []byte)) {
	s.mu.Lock()
	s.onEnvelope = fn
	s.mu.Unlock()
}

func (s *Service) Start() error {
	mc := memberlist.DefaultLANConfig()
	mc.Name = s.own.Self()
	if s.cfg.BindAddr != "" {
		mc.BindAddr = s.cfg.BindAddr
	}
	if s.cfg.BindPort > 0 {
		mc.BindPort = s.cfg.BindPort
		mc.AdvertisePort = s.cfg.BindPort
	}
	if s.cfg.AdvertiseAddr != "" {
		mc.AdvertiseAddr = s.cfg.AdvertiseAddr
	}
	mc.Delegate = (*delegate)(s)
	mc.Events = (*eventDelegate)(s)
	mc.LogOutput = io.Discard

	ml, err := memberlist.Create(mc)
	if err != nil {
		return fmt.Errorf("cluster: create memberlist: %w", err)
	}

	s.mu.Lock()
	s.ml = ml
	s.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return ml.NumMembers() },
		RetransmitMult: mc.RetransmitMult,
	}
	s.mu.Unlock()

	s.own.SetGossip(s)
	s.own.SetMembers(s.Members)

	if len(s.cfg.Join) > 0 {
		n, err := ml.Join(s.cfg.Join)
		if err != nil && n == 0 {
			s.log.Warn("no seed nodes reachable, starting alone",
				logx.String("seeds", strings.Join(s.cfg.Join, ",")), logx.Err(err))
		} else {
			s.log.Info("joined cluster", logx.Int("contacted", n))
		}
	}
	s.log.Info("cluster started",
		logx.String("name", mc.Name),
		logx.String("bind", fmt.Sprintf("%s:%d", mc.BindAddr, mc.BindPort)))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped || s.ml == nil {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ml := s.ml
	s.mu.Unlock()

	if err := ml.Leave(5 * time.Second); err != nil {
		s.log.Warn("memberlist leave", logx.Err(err))
	}
	if err := ml.Shutdown(); err != nil {
		s.log.Warn("memberlist shutdown", logx.Err(err))
	}
}

// Members returns the names of all currently alive members.
func (s *Service) Members() []string {
	s.mu.Lock()
	ml := s.ml
	s.mu.Unlock()
	if ml == nil {
		return nil
	}
	nodes := ml.Members()
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func (s *Service) NumMembers() int {
	s.mu.Lock()
	ml := s.ml
	s.mu.Unlock()
	if ml == nil {
		return 1
	}
	return ml.NumMembers()
}

// BroadcastEntries implements ownership.Gossip.
func (s *Service) BroadcastEntries(entries []ownership.Entry) {
	data, err := ownership.EncodeEntries(entries)
	if err != nil {
		s.log.Warn("encode lease entries", logx.Err(err))
		return
	}
	s.enqueue(tagLease, data)
}

// BroadcastEnvelope gossips an operation envelope to the cluster.
func (s *Service) BroadcastEnvelope(data []byte) error {
	if len(data) == 0 {
		return errors.New("cluster: empty envelope")
	}
	s.enqueue(tagEnvelope, data)
	return nil
}

func (s *Service) enqueue(tag byte, data []byte) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return
	}
	msg := make([]byte, 1+len(data))
	msg[0] = tag
	copy(msg[1:], data)
	q.QueueBroadcast(&broadcastMsg{msg: msg})
}

// handleMessage routes one incoming gossip message by tag.
func (s *Service) handleMessage(msg []byte) {
	if len(msg) < 2 {
		return
	}
	tag, data := msg[0], msg[1:]
	switch tag {
	case tagLease:
		entries, err := ownership.DecodeEntries(data)
		if err != nil {
			s.log.Warn("decode lease gossip", logx.Err(err))
			return
		}
		if changed := s.own.MergeRemote(entries); len(changed) > 0 {
			// Re-gossip only what moved our state forward.
			s.BroadcastEntries(changed)
		}
	case tagEnvelope:
		s.mu.Lock()
		fn := s.onEnvelope
		s.mu.Unlock()
		if fn != nil {
			// Hand off a copy; memberlist reuses its buffers.
			cp := make([]byte, len(data))
			copy(cp, data)
			fn(cp)
		}
	default:
		s.log.Warn("unknown gossip tag", logx.Int("tag", int(tag)))
	}
}

type broadcastMsg struct{ msg []byte }

func (b *broadcastMsg) Invalidates(memberlist.Broadcast) bool { return false }
func (b *broadcastMsg) Message() []byte                       { return b.msg }
func (b *broadcastMsg) Finished()                             {}

// delegate implements memberlist.Delegate on top of Service.
type delegate Service

func (d *delegate) NodeMeta(limit int) []byte { return nil }

func (d *delegate) NotifyMsg(msg []byte) {
	(*Service)(d).handleMessage(msg)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	s := (*Service)(d)
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.GetBroadcasts(overhead, limit)
}

// LocalState ships the full lease map during push/pull sync so joiners
// converge without waiting for deltas.
func (d *delegate) LocalState(join bool) []byte {
	s := (*Service)(d)
	data, err := ownership.EncodeEntries(s.own.Map().Snapshot())
	if err != nil {
		return nil
	}
	return data
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	s := (*Service)(d)
	entries, err := ownership.DecodeEntries(buf)
	if err != nil {
		s.log.Warn("decode remote lease state", logx.Err(err))
		return
	}
	s.own.MergeRemote(entries)
}

// eventDelegate implements memberlist.EventDelegate on top of Service.
type eventDelegate Service

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	s := (*Service)(d)
	s.log.Info("member joined", logx.String("member", n.Name))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeMemberJoined, Data: MemberEvent{Name: n.Name, Addr: n.Address()}})
	}
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	s := (*Service)(d)
	s.log.Info("member left", logx.String("member", n.Name))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeMemberLeft, Data: MemberEvent{Name: n.Name, Addr: n.Address()}})
	}
	// Fail the departed member's buckets over now instead of at TTL expiry.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.own.OnMemberLeft(ctx, n.Name)
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {}
