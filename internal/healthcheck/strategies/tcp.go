package strategies

import (
	"context"
	"net"
	"net/netip"
	"time"
)

type TCPStrategy struct {
	targetAddr string
	dialer     net.Dialer
}

func NewTCPStrategy(target netip.AddrPort, timeout time.Duration) *TCPStrategy {
	return &TCPStrategy{
		targetAddr: target.String(),
		dialer: net.Dialer{
			Timeout:   timeout,
			KeepAlive: -1,
		},
	}
}

func (tc *TCPStrategy) DoHealthCheck(ctx context.Context) (bool, error) {
	conn, err := tc.dialer.DialContext(ctx, "tcp", tc.targetAddr)
	if err != nil {
		return false, err
	}
	_ = conn.Close()
	return true, nil
}
