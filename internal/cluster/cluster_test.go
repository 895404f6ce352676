package cluster

import (
	"testing"
	"time"

	"jobmesh/internal/config"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/ownership"
	logx "jobmesh/pkg/logx"
)

func testService(t *testing.T) *Service {
	t.Helper()
	own := ownership.NewManager("w1", 8, time.Minute, nil, eventbus.New(), logx.Nop())
	return New(config.ClusterConfig{}, own, eventbus.New(), logx.Nop())
}

func TestHandleMessageRoutesLeases(t *testing.T) {
	t.Parallel()
	s := testService(t)

	data, err := ownership.EncodeEntries([]ownership.Entry{
		{Bucket: 3, Owner: "w2", LeaseMs: time.Now().UnixMilli()},
	})
	if err != nil {
		t.Fatalf("EncodeEntries: %v", err)
	}
	s.handleMessage(append([]byte{tagLease}, data...))

	if got := s.own.Map().Owner(3, time.Now(), time.Minute); got != "w2" {
		t.Fatalf("owner after lease gossip = %q, want w2", got)
	}
}

func TestHandleMessageRoutesEnvelopes(t *testing.T) {
	t.Parallel()
	s := testService(t)

	var got []byte
	s.OnEnvelope(func(data []byte) { got = data })
	s.handleMessage(append([]byte{tagEnvelope}, []byte(`{"op":"TRIGGER"}`)...))

	if string(got) != `{"op":"TRIGGER"}` {
		t.Fatalf("envelope payload = %q", got)
	}
}

func TestHandleMessageIgnoresJunk(t *testing.T) {
	t.Parallel()
	s := testService(t)
	s.handleMessage(nil)
	s.handleMessage([]byte{tagLease})
	s.handleMessage([]byte{'?', 'x'})
	s.handleMessage(append([]byte{tagLease}, []byte("not json")...))
}

func TestLocalStateRoundTrip(t *testing.T) {
	t.Parallel()
	s := testService(t)
	s.own.MergeRemote([]ownership.Entry{
		{Bucket: 1, Owner: "w2", LeaseMs: time.Now().UnixMilli()},
	})

	d := (*delegate)(s)
	state := d.LocalState(true)
	if len(state) == 0 {
		t.Fatal("empty local state")
	}

	other := testService(t)
	(*delegate)(other).MergeRemoteState(state, true)
	if got := other.own.Map().Owner(1, time.Now(), time.Minute); got != "w2" {
		t.Fatalf("owner after state sync = %q, want w2", got)
	}
}
