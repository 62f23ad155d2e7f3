package gossip

import (
	"context"
	"fmt"
	"net/netip"
	"testing"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

type recordingReporter struct {
	reports map[models.BackendRef]models.CheckStatus
}

func (r *recordingReporter) Report(ref models.BackendRef, status models.CheckStatus) {
	r.reports[ref] = status
}

func newRecorder() *recordingReporter {
	return &recordingReporter{reports: map[models.BackendRef]models.CheckStatus{}}
}

func ref(i int) models.BackendRef {
	return models.BackendRef{
		Service: "web",
		Addr:    netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(i / 256), byte(i % 256)}), 80),
	}
}

func TestRingGet(t *testing.T) {
	ring := NewRing()
	_, err := ring.Get("anything")
	require.ErrorIs(t, err, ErrNoHosts)

	ring.Add("node-a")
	ring.Add("node-b")
	ring.Add("node-c")
	ring.Add("node-c")
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, ring.Members())

	owners := map[string]string{}
	counts := map[string]int{}
	for i := range 3000 {
		key := fmt.Sprintf("key-%d", i)
		owner, err := ring.Get(key)
		require.NoError(t, err)
		owners[key] = owner
		counts[owner]++
	}
	for _, member := range ring.Members() {
		assert.Greater(t, counts[member], 500, "member %s owns too few keys", member)
	}

	ring.Remove("node-b")
	for key, before := range owners {
		after, err := ring.Get(key)
		require.NoError(t, err)
		if before != "node-b" {
			assert.Equal(t, before, after, "key %s moved between surviving members", key)
		} else {
			assert.NotEqual(t, "node-b", after)
		}
	}
}

func TestOwnsSplitsBackends(t *testing.T) {
	a := newNode("node-a", nil, newRecorder(), metrics.Nop{})
	b := newNode("node-b", nil, newRecorder(), metrics.Nop{})
	for _, n := range []*Node{a, b} {
		n.handleMemberEvent(memberlist.NodeJoin, "node-a", memberlist.StateAlive)
		n.handleMemberEvent(memberlist.NodeJoin, "node-b", memberlist.StateAlive)
	}

	ownedByA := 0
	for i := range 200 {
		assert.NotEqual(t, a.Owns(ref(i)), b.Owns(ref(i)), "backend %s must have exactly one owner", ref(i))
		if a.Owns(ref(i)) {
			ownedByA++
		}
	}
	assert.Greater(t, ownedByA, 0)
	assert.Less(t, ownedByA, 200)

	a.handleMemberEvent(memberlist.NodeLeave, "node-b", memberlist.StateDead)
	for i := range 200 {
		assert.True(t, a.Owns(ref(i)))
	}
}

func TestStatusBroadcastReachesPeer(t *testing.T) {
	a := newNode("node-a", nil, newRecorder(), metrics.Nop{})
	received := newRecorder()
	b := newNode("node-b", nil, received, metrics.Nop{})

	a.Report(ref(1), models.Passing)
	a.Report(ref(1), models.Failing)
	a.Report(ref(2), models.Passing)

	msgs := a.GetBroadcasts(0, 1400)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		b.NotifyMsg(msg)
	}
	assert.Equal(t, map[models.BackendRef]models.CheckStatus{
		ref(1): models.Failing,
		ref(2): models.Passing,
	}, received.reports)
}

func TestNotifyMsgIgnoresOwnAndBroken(t *testing.T) {
	received := newRecorder()
	n := newNode("node-a", nil, received, metrics.Nop{})

	n.NotifyMsg(mustJsonMarshal(statusMessage{
		Type: statusMessageType, From: "node-a", Service: "web", Addr: "10.0.0.1:80", Passing: true,
	}))
	n.NotifyMsg([]byte("{broken"))
	n.NotifyMsg(mustJsonMarshal(statusMessage{
		Type: statusMessageType, From: "node-b", Service: "web", Addr: "10.0.0.1", Passing: true,
	}))
	n.NotifyMsg(mustJsonMarshal(statusMessage{
		Type: "other", From: "node-b", Service: "web", Addr: "10.0.0.1:80",
	}))

	assert.Empty(t, received.reports)
}

func TestJoinHonoursContext(t *testing.T) {
	alone := newNode("node-a", nil, newRecorder(), metrics.Nop{})
	require.NoError(t, alone.Join(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	seeded := newNode("node-a", []string{"127.0.0.1:7946"}, newRecorder(), metrics.Nop{})
	assert.ErrorIs(t, seeded.Join(ctx), context.Canceled)
}
