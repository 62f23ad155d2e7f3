package vip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/Sh00ty/network-lb/internal/metrics"
)

type fakeNetlink struct {
	link      netlink.Link
	addrs     []netlink.Addr
	setUps    int
	failAdd   netip.Addr
	lookupErr error
}

func (f *fakeNetlink) LinkByName(name string) (netlink.Link, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.link == nil || f.link.Attrs().Name != name {
		return nil, netlink.LinkNotFoundError{}
	}
	return f.link, nil
}

func (f *fakeNetlink) LinkAdd(link netlink.Link) error {
	f.link = link
	return nil
}

func (f *fakeNetlink) LinkSetUp(link netlink.Link) error {
	f.setUps++
	link.Attrs().Flags |= net.FlagUp
	return nil
}

func (f *fakeNetlink) AddrList(netlink.Link, int) ([]netlink.Addr, error) {
	return slices.Clone(f.addrs), nil
}

func (f *fakeNetlink) AddrReplace(_ netlink.Link, addr *netlink.Addr) error {
	if a, _ := hostAddr(*addr); a == f.failAdd {
		return fmt.Errorf("operation not permitted")
	}
	f.addrs = append(f.addrs, *addr)
	return nil
}

func (f *fakeNetlink) AddrDel(_ netlink.Link, addr *netlink.Addr) error {
	f.addrs = slices.DeleteFunc(f.addrs, func(a netlink.Addr) bool {
		return a.IP.Equal(addr.IP)
	})
	return nil
}

func (f *fakeNetlink) Close() {}

func (f *fakeNetlink) assigned() []string {
	var result []string
	for _, a := range f.addrs {
		result = append(result, a.IPNet.String())
	}
	slices.Sort(result)
	return result
}

func addrs(s ...string) []netip.Addr {
	result := make([]netip.Addr, 0, len(s))
	for _, a := range s {
		result = append(result, netip.MustParseAddr(a))
	}
	return result
}

func TestSyncCreatesInterfaceAndAssigns(t *testing.T) {
	fake := &fakeNetlink{}
	binder := newBinder(fake, "", metrics.Nop{})

	err := binder.Sync(context.Background(), addrs("192.0.2.10", "2001:db8::10"))
	require.NoError(t, err)

	require.NotNil(t, fake.link)
	assert.Equal(t, DefaultInterface, fake.link.Attrs().Name)
	assert.IsType(t, &netlink.Dummy{}, fake.link)
	assert.Equal(t, 1, fake.setUps)
	assert.Equal(t, []string{"192.0.2.10/32", "2001:db8::10/128"}, fake.assigned())

	err = binder.Sync(context.Background(), addrs("192.0.2.10", "2001:db8::10"))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.setUps)
	assert.Len(t, fake.addrs, 2)
}

func TestSyncRemovesStaleAddresses(t *testing.T) {
	fake := &fakeNetlink{}
	binder := newBinder(fake, "lbvip", metrics.Nop{})
	require.NoError(t, binder.Sync(context.Background(), addrs("192.0.2.10", "192.0.2.11")))
	fake.addrs = append(fake.addrs, *toNetlinkAddr(netip.MustParseAddr("fe80::1")))

	require.NoError(t, binder.Sync(context.Background(), addrs("192.0.2.11")))
	assert.Equal(t, []string{"192.0.2.11/32", "fe80::1/128"}, fake.assigned())

	require.NoError(t, binder.Sync(context.Background(), nil))
	assert.Equal(t, []string{"fe80::1/128"}, fake.assigned())
}

func TestSyncReportsPartialFailure(t *testing.T) {
	fake := &fakeNetlink{failAdd: netip.MustParseAddr("192.0.2.12")}
	binder := newBinder(fake, "", metrics.Nop{})

	err := binder.Sync(context.Background(), addrs("192.0.2.10", "192.0.2.12"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "192.0.2.12")
	assert.Equal(t, []string{"192.0.2.10/32"}, fake.assigned())
}

func TestSyncLookupError(t *testing.T) {
	fake := &fakeNetlink{lookupErr: errors.New("netlink socket closed")}
	binder := newBinder(fake, "", metrics.Nop{})

	err := binder.Sync(context.Background(), addrs("192.0.2.10"))
	require.Error(t, err)
	assert.Nil(t, fake.link)
}
