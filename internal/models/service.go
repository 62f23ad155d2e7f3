package models

import (
	"cmp"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

type Protocol string

const (
	TCP  Protocol = "TCP"
	UDP  Protocol = "UDP"
	SCTP Protocol = "SCTP"
)

func ParseProtocol(s string) (Protocol, error) {
	switch proto := Protocol(strings.ToUpper(s)); proto {
	case TCP, UDP, SCTP:
		return proto, nil
	case "":
		return TCP, nil
	}
	return "", fmt.Errorf("unsupported protocol %q", s)
}

// Scheduler is an ipvs scheduling policy name.
type Scheduler string

const (
	RoundRobin              Scheduler = "rr"
	WeightedRoundRobin      Scheduler = "wrr"
	LeastConnection         Scheduler = "lc"
	WeightedLeastConnection Scheduler = "wlc"
	SourceHashing           Scheduler = "sh"
	DestinationHashing      Scheduler = "dh"
)

func ParseScheduler(s string) (Scheduler, error) {
	switch sched := Scheduler(strings.ToLower(s)); sched {
	case RoundRobin, WeightedRoundRobin, LeastConnection,
		WeightedLeastConnection, SourceHashing, DestinationHashing:
		return sched, nil
	case "":
		return RoundRobin, nil
	}
	return "", fmt.Errorf("unsupported scheduler %q", s)
}

type ServiceID struct {
	Addr     netip.Addr
	Port     uint16
	Protocol Protocol
}

func (id ServiceID) String() string {
	return fmt.Sprintf("%s/%s", id.Protocol, netip.AddrPortFrom(id.Addr, id.Port))
}

func (id ServiceID) Compare(other ServiceID) int {
	if c := id.Addr.Compare(other.Addr); c != 0 {
		return c
	}
	if c := cmp.Compare(id.Port, other.Port); c != 0 {
		return c
	}
	return cmp.Compare(id.Protocol, other.Protocol)
}

type VirtualService struct {
	ID ServiceID
	// registry name, empty for services read from the kernel
	Name               string
	Scheduler          Scheduler
	PersistenceTimeout time.Duration
}

// SameSpec reports whether two services with the same id need no kernel update.
func (s VirtualService) SameSpec(other VirtualService) bool {
	return s.ID == other.ID &&
		s.Scheduler == other.Scheduler &&
		s.PersistenceTimeout.Truncate(time.Second) == other.PersistenceTimeout.Truncate(time.Second)
}
