// Package vip keeps virtual service addresses assigned to a local dummy
// interface so the node accepts traffic for them.
package vip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/Sh00ty/network-lb/internal/metrics"
)

const DefaultInterface = "nlb0"

// netlinkHandle is the part of *netlink.Handle the binder uses.
type netlinkHandle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
	Close()
}

type Binder struct {
	mu     sync.Mutex
	handle netlinkHandle
	name   string

	metrics metrics.Metrics
	logger  zerolog.Logger
}

// New opens a netlink handle in the namespace at netnsPath, an empty path
// means the current namespace.
func New(name, netnsPath string, m metrics.Metrics) (*Binder, error) {
	var (
		h   *netlink.Handle
		err error
	)
	if netnsPath == "" {
		h, err = netlink.NewHandle()
	} else {
		var ns netns.NsHandle
		ns, err = netns.GetFromPath(netnsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open netns %s: %w", netnsPath, err)
		}
		defer ns.Close()
		h, err = netlink.NewHandleAt(ns)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink handle: %w", err)
	}
	return newBinder(h, name, m), nil
}

func newBinder(h netlinkHandle, name string, m metrics.Metrics) *Binder {
	if name == "" {
		name = DefaultInterface
	}
	return &Binder{
		handle:  h,
		name:    name,
		metrics: m,
		logger:  log.With().Str("component", "vip").Str("interface", name).Logger(),
	}
}

// Sync makes addrs the exact set of host addresses on the interface.
func (b *Binder) Sync(_ context.Context, addrs []netip.Addr) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.sync(addrs)
	if err != nil {
		b.metrics.Increment(metrics.VIPSyncFailed)
	}
	return err
}

func (b *Binder) sync(addrs []netip.Addr) error {
	link, err := b.ensureLink()
	if err != nil {
		return err
	}
	current, err := b.handle.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("failed to list addresses of %s: %w", b.name, err)
	}

	want := make(map[netip.Addr]struct{}, len(addrs))
	for _, addr := range addrs {
		want[addr.Unmap()] = struct{}{}
	}
	present := make(map[netip.Addr]struct{}, len(current))
	var errs []error
	for _, a := range current {
		addr, ok := hostAddr(a)
		if !ok || addr.IsLinkLocalUnicast() {
			continue
		}
		if _, keep := want[addr]; keep {
			present[addr] = struct{}{}
			continue
		}
		if err := b.handle.AddrDel(link, &a); err != nil {
			errs = append(errs, fmt.Errorf("could not remove %s from %s: %w", addr, b.name, err))
			continue
		}
		b.logger.Info().Msgf("removed %s", addr)
	}
	for addr := range want {
		if _, ok := present[addr]; ok {
			continue
		}
		if err := b.handle.AddrReplace(link, toNetlinkAddr(addr)); err != nil {
			errs = append(errs, fmt.Errorf("could not add %s to %s: %w", addr, b.name, err))
			continue
		}
		b.logger.Info().Msgf("added %s", addr)
	}
	return errors.Join(errs...)
}

func (b *Binder) ensureLink() (netlink.Link, error) {
	link, err := b.handle.LinkByName(b.name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to look up %s: %w", b.name, err)
		}
		attrs := netlink.NewLinkAttrs()
		attrs.Name = b.name
		link = &netlink.Dummy{LinkAttrs: attrs}
		if err = b.handle.LinkAdd(link); err != nil {
			return nil, fmt.Errorf("failed adding dummy int %s: %w", b.name, err)
		}
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		if err = b.handle.LinkSetUp(link); err != nil {
			return nil, fmt.Errorf("failed to set %s up: %w", b.name, err)
		}
	}
	return link, nil
}

func (b *Binder) Close() {
	b.handle.Close()
}

func hostAddr(a netlink.Addr) (netip.Addr, bool) {
	if a.IPNet == nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func toNetlinkAddr(addr netip.Addr) *netlink.Addr {
	bits := addr.BitLen()
	return &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(bits, bits),
	}}
}
