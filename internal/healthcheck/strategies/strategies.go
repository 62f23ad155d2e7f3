package strategies

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/Sh00ty/network-lb/internal/models"
)

type Name string

const (
	None Name = "none"
	HTTP Name = "http"
	TCP  Name = "tcp"
)

const defaultTimeout = time.Second

// Strategy probes one backend. A false result with a nil error is a
// reachable backend answering badly.
type Strategy interface {
	DoHealthCheck(ctx context.Context) (bool, error)
}

func NewStrategy(spec models.CheckSpec, target netip.AddrPort) (Strategy, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("invalid target address %s", target)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	switch Name(spec.Strategy) {
	case TCP:
		return NewTCPStrategy(target, timeout), nil
	case HTTP:
		return NewHTTPStrategy(target, HTTPSettings{
			Scheme:  spec.Scheme,
			Path:    spec.Path,
			Timeout: timeout,
		})
	case None:
		return NoneStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown health check strategy %q", spec.Strategy)
}

// NoneStrategy always passes, backends are trusted to be alive.
type NoneStrategy struct{}

func (NoneStrategy) DoHealthCheck(context.Context) (bool, error) {
	return true, nil
}
