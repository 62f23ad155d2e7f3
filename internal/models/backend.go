package models

import (
	"cmp"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

type BackendID struct {
	Addr netip.Addr
	Port uint16
}

func (id BackendID) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(id.Addr, id.Port)
}

func (id BackendID) String() string {
	return id.AddrPort().String()
}

func (id BackendID) Compare(other BackendID) int {
	if c := id.Addr.Compare(other.Addr); c != 0 {
		return c
	}
	return cmp.Compare(id.Port, other.Port)
}

type ForwardMethod string

const (
	ForwardMasq        ForwardMethod = "masq"
	ForwardDirectRoute ForwardMethod = "droute"
	ForwardTunnel      ForwardMethod = "tunnel"
)

func ParseForwardMethod(s string) (ForwardMethod, error) {
	switch method := ForwardMethod(strings.ToLower(s)); method {
	case ForwardMasq, ForwardDirectRoute, ForwardTunnel:
		return method, nil
	case "":
		return ForwardMasq, nil
	}
	return "", fmt.Errorf("unsupported forward method %q", s)
}

type Liveness uint8

const (
	Live Liveness = iota
	Suspect
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Live:
		return "live"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	}
	return fmt.Sprintf("liveness(%d)", l)
}

// CheckSpec describes an active probe for a backend.
type CheckSpec struct {
	Strategy string
	Interval time.Duration
	Timeout  time.Duration
	Scheme   string
	Path     string
}

type Backend struct {
	ID     BackendID
	Weight int
	// AdminWeight replaces Weight when set, zero quiesces the backend
	AdminWeight *int
	Forward     ForwardMethod
	Liveness    Liveness
	Check       *CheckSpec
}

func (b Backend) EffectiveWeight() int {
	if b.AdminWeight != nil {
		return *b.AdminWeight
	}
	return b.Weight
}

// BackendRef identifies a backend the way health signals address it.
type BackendRef struct {
	Service string
	Addr    netip.AddrPort
}

func (r BackendRef) String() string {
	return r.Service + "/" + r.Addr.String()
}

type CheckStatus uint8

const (
	Passing CheckStatus = iota + 1
	Failing
)

func (s CheckStatus) String() string {
	switch s {
	case Passing:
		return "passing"
	case Failing:
		return "failing"
	}
	return "unknown"
}
