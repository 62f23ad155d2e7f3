package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/network-lb/internal/health"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

const (
	eventBufSize      = 256
	retransmitMult    = 3
	leaveTimeout      = 5 * time.Second
	statusMessageType = "status"
)

type Config struct {
	NodeName            string
	Port                int
	GossipProbeInterval time.Duration
	GossipProbeTimeout  time.Duration
	SeedNodes           []string
}

type statusMessage struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Service string `json:"service"`
	Addr    string `json:"addr"`
	Passing bool   `json:"passing"`
}

// Node shares check results with the other agents and splits probing
// between them.
type Node struct {
	name      string
	seedNodes []string
	list      *memberlist.Memberlist
	queue     *memberlist.TransmitLimitedQueue
	ring      *Ring
	reporter  health.Reporter

	metrics metrics.Metrics
	logger  zerolog.Logger
}

var _ memberlist.Delegate = (*Node)(nil)

func newNode(name string, seeds []string, reporter health.Reporter, m metrics.Metrics) *Node {
	n := &Node{
		name:      name,
		seedNodes: seeds,
		ring:      NewRing(),
		reporter:  reporter,
		metrics:   m,
		logger:    log.With().Str("component", "gossip").Logger(),
	}
	n.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       n.numNodes,
		RetransmitMult: retransmitMult,
	}
	n.ring.Add(name)
	return n
}

// New starts the memberlist transport. Remote results go to reporter.
func New(ctx context.Context, cfg Config, reporter health.Reporter, m metrics.Metrics) (*Node, error) {
	n := newNode(cfg.NodeName, cfg.SeedNodes, reporter, m)

	events := make(chan memberlist.NodeEvent, eventBufSize)
	config := memberlist.DefaultLANConfig()
	config.Name = cfg.NodeName
	config.BindPort = cfg.Port
	config.AdvertisePort = cfg.Port
	config.LogOutput = io.Discard
	if cfg.GossipProbeInterval > 0 {
		config.ProbeInterval = cfg.GossipProbeInterval
	}
	if cfg.GossipProbeTimeout > 0 {
		config.ProbeTimeout = cfg.GossipProbeTimeout
	}
	config.Delegate = n
	config.Events = &memberlist.ChannelEventDelegate{
		Ch: events,
	}

	ml, err := memberlist.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	n.list = ml
	go n.watchMembers(ctx, events)
	return n, nil
}

func (n *Node) watchMembers(ctx context.Context, events <-chan memberlist.NodeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case mlEvent, opened := <-events:
			if !opened {
				return
			}
			n.handleMemberEvent(mlEvent.Event, mlEvent.Node.Name, mlEvent.Node.State)
		}
	}
}

func (n *Node) handleMemberEvent(event memberlist.NodeEventType, name string, state memberlist.NodeStateType) {
	n.logger.Debug().Msgf("got event from node %s: type=%d, node.status=%d", name, event, state)
	switch event {
	case memberlist.NodeJoin:
		n.ring.Add(name)
	case memberlist.NodeLeave:
		if name != n.name {
			n.ring.Remove(name)
		}
	case memberlist.NodeUpdate:
		if state == memberlist.StateAlive {
			n.ring.Add(name)
		}
	}
}

// Join contacts the seed nodes. A cancelled ctx abandons the attempt,
// memberlist keeps joining in the background.
func (n *Node) Join(ctx context.Context) error {
	if len(n.seedNodes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to join memberlist: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := n.list.Join(n.seedNodes)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to join memberlist: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to join memberlist: %w", err)
		}
		return nil
	}
}

// Owns reports whether this node probes ref.
func (n *Node) Owns(ref models.BackendRef) bool {
	owner, err := n.ring.Get(ref.String())
	if err != nil {
		return true
	}
	return owner == n.name
}

// Report queues a local check result for the other members.
func (n *Node) Report(ref models.BackendRef, status models.CheckStatus) {
	msg := statusMessage{
		Type:    statusMessageType,
		From:    n.name,
		Service: ref.Service,
		Addr:    ref.Addr.String(),
		Passing: status == models.Passing,
	}
	n.queue.QueueBroadcast(&statusBroadcast{ref: ref, msg: mustJsonMarshal(msg)})
	n.metrics.Increment(metrics.GossipBroadcast)
}

func (n *Node) Members() []string {
	return n.ring.Members()
}

func (n *Node) NodeMeta(limit int) []byte {
	return nil
}

func (n *Node) NotifyMsg(raw []byte) {
	msg := statusMessage{}
	err := json.Unmarshal(raw, &msg)
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to decode gossip message")
		return
	}
	if msg.Type != statusMessageType || msg.From == n.name {
		return
	}
	addr, err := netip.ParseAddrPort(msg.Addr)
	if err != nil {
		n.logger.Warn().Err(err).Msgf("bad address in gossip message from %s", msg.From)
		return
	}
	status := models.Failing
	if msg.Passing {
		status = models.Passing
	}
	n.metrics.Increment(metrics.GossipReceived)
	n.reporter.Report(models.BackendRef{Service: msg.Service, Addr: addr}, status)
}

func (n *Node) GetBroadcasts(overhead, limit int) [][]byte {
	return n.queue.GetBroadcasts(overhead, limit)
}

func (n *Node) LocalState(join bool) []byte {
	return nil
}

func (n *Node) MergeRemoteState(buf []byte, join bool) {}

func (n *Node) GracefulClose() error {
	n.logger.Warn().Msg("start graceful leaving from gossip cluster")
	err := n.list.Leave(leaveTimeout)
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to leave gossip cluster")
	}
	return n.list.Shutdown()
}

func (n *Node) numNodes() int {
	if n.list != nil {
		return n.list.NumMembers()
	}
	return len(n.ring.Members())
}

type statusBroadcast struct {
	ref models.BackendRef
	msg []byte
}

// Invalidates drops queued results of the same backend, only the latest matters.
func (b *statusBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*statusBroadcast)
	return ok && o.ref == b.ref
}

func (b *statusBroadcast) Message() []byte {
	return b.msg
}

func (b *statusBroadcast) Finished() {}

func mustJsonMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
