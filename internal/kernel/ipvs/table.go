package ipvs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	libipvs "github.com/moby/ipvs"
	"golang.org/x/sys/unix"

	"github.com/Sh00ty/network-lb/internal/kernel"
	"github.com/Sh00ty/network-lb/internal/models"
)

const (
	// IP_VS_SVC_F_PERSISTENT
	flagPersistent = 0x0001

	// IP_VS_CONN_F_FWD_MASK and forwarding methods
	connFwdMask     = 0x0007
	connMasq        = 0x0000
	connTunnel      = 0x0002
	connDirectRoute = 0x0003

	netmaskV4 = 0xffffffff
	netmaskV6 = 128
)

// handle is the part of *ipvs.Handle the table uses.
type handle interface {
	GetServices() ([]*libipvs.Service, error)
	GetDestinations(s *libipvs.Service) ([]*libipvs.Destination, error)
	NewService(s *libipvs.Service) error
	UpdateService(s *libipvs.Service) error
	DelService(s *libipvs.Service) error
	NewDestination(s *libipvs.Service, d *libipvs.Destination) error
	UpdateDestination(s *libipvs.Service, d *libipvs.Destination) error
	DelDestination(s *libipvs.Service, d *libipvs.Destination) error
	Close()
}

// Table programs the kernel ipvs table over generic netlink.
type Table struct {
	// a netlink handle serves one request at a time
	mu     sync.Mutex
	handle handle
}

// New opens an ipvs handle in the network namespace at netnsPath,
// an empty path means the current namespace.
func New(netnsPath string) (*Table, error) {
	h, err := libipvs.New(netnsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ipvs handle: %w", err)
	}
	return newTable(h), nil
}

func newTable(h handle) *Table {
	return &Table{handle: h}
}

func (t *Table) Close() {
	t.handle.Close()
}

func (t *Table) EnsureService(_ context.Context, svc models.VirtualService) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ksvc, err := toService(svc)
	if err != nil {
		return kernel.NewError(kernel.OpEnsureService, kernel.Permanent, err)
	}
	err = t.handle.NewService(ksvc)
	if errors.Is(err, unix.EEXIST) {
		err = t.handle.UpdateService(ksvc)
	}
	return wrap(kernel.OpEnsureService, err)
}

func (t *Table) RemoveService(_ context.Context, id models.ServiceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ksvc, err := toService(models.VirtualService{ID: id})
	if err != nil {
		return kernel.NewError(kernel.OpRemoveService, kernel.Permanent, err)
	}
	return ignoreNotFound(wrap(kernel.OpRemoveService, t.handle.DelService(ksvc)))
}

func (t *Table) EnsureBackend(_ context.Context, id models.ServiceID, b models.Backend) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ksvc, err := toService(models.VirtualService{ID: id})
	if err != nil {
		return kernel.NewError(kernel.OpEnsureBackend, kernel.Permanent, err)
	}
	dst, err := toDestination(b)
	if err != nil {
		return kernel.NewError(kernel.OpEnsureBackend, kernel.Permanent, err)
	}
	err = t.handle.NewDestination(ksvc, dst)
	if errors.Is(err, unix.EEXIST) {
		err = t.handle.UpdateDestination(ksvc, dst)
	}
	return wrap(kernel.OpEnsureBackend, err)
}

func (t *Table) RemoveBackend(_ context.Context, id models.ServiceID, backend models.BackendID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ksvc, err := toService(models.VirtualService{ID: id})
	if err != nil {
		return kernel.NewError(kernel.OpRemoveBackend, kernel.Permanent, err)
	}
	dst := &libipvs.Destination{
		Address:       backend.Addr.AsSlice(),
		Port:          backend.Port,
		AddressFamily: family(backend.Addr),
	}
	return ignoreNotFound(wrap(kernel.OpRemoveBackend, t.handle.DelDestination(ksvc, dst)))
}

// ListActual enumerates address based services, firewall mark services are not managed here.
func (t *Table) ListActual(_ context.Context) (models.ActualState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	services, err := t.handle.GetServices()
	if err != nil {
		return nil, wrap(kernel.OpListActual, err)
	}
	actual := make(models.ActualState, len(services))
	for _, ksvc := range services {
		if ksvc.FWMark != 0 {
			continue
		}
		svc, err := fromService(ksvc)
		if err != nil {
			return nil, kernel.NewError(kernel.OpListActual, kernel.Permanent, err)
		}
		dsts, err := t.handle.GetDestinations(ksvc)
		if err != nil {
			return nil, wrap(kernel.OpListActual, err)
		}
		backends := make(map[models.BackendID]models.Backend, len(dsts))
		for _, dst := range dsts {
			b, err := fromDestination(dst)
			if err != nil {
				return nil, kernel.NewError(kernel.OpListActual, kernel.Permanent, err)
			}
			backends[b.ID] = b
		}
		actual[svc.ID] = models.ActualService{Service: svc, Backends: backends}
	}
	return actual, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return kernel.NewError(op, classify(err), err)
}

// classify maps netlink errno values to retry classes.
func classify(err error) kernel.Kind {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return kernel.Transient
	}
	switch errno {
	case unix.ENOENT, unix.ESRCH:
		return kernel.NotFound
	case unix.EEXIST:
		return kernel.Conflict
	case unix.EINVAL, unix.EPERM, unix.EACCES, unix.EOPNOTSUPP, unix.EAFNOSUPPORT:
		return kernel.Permanent
	}
	return kernel.Transient
}

func ignoreNotFound(err error) error {
	if kernel.KindOf(err) == kernel.NotFound {
		return nil
	}
	return err
}

func toService(svc models.VirtualService) (*libipvs.Service, error) {
	proto, err := protocolNumber(svc.ID.Protocol)
	if err != nil {
		return nil, err
	}
	if !svc.ID.Addr.IsValid() {
		return nil, errors.New("service address is not set")
	}
	ksvc := &libipvs.Service{
		Address:       svc.ID.Addr.AsSlice(),
		Protocol:      proto,
		Port:          svc.ID.Port,
		SchedName:     string(svc.Scheduler),
		AddressFamily: family(svc.ID.Addr),
		Netmask:       netmaskV4,
	}
	if ksvc.SchedName == "" {
		ksvc.SchedName = string(models.RoundRobin)
	}
	if svc.ID.Addr.Is6() {
		ksvc.Netmask = netmaskV6
	}
	if timeout := svc.PersistenceTimeout / time.Second; timeout > 0 {
		ksvc.Flags |= flagPersistent
		ksvc.Timeout = uint32(timeout)
	}
	return ksvc, nil
}

func fromService(ksvc *libipvs.Service) (models.VirtualService, error) {
	addr, err := fromIP(ksvc.Address)
	if err != nil {
		return models.VirtualService{}, err
	}
	proto, err := protocolName(ksvc.Protocol)
	if err != nil {
		return models.VirtualService{}, err
	}
	svc := models.VirtualService{
		ID: models.ServiceID{
			Addr:     addr,
			Port:     ksvc.Port,
			Protocol: proto,
		},
		Scheduler: models.Scheduler(ksvc.SchedName),
	}
	if ksvc.Flags&flagPersistent != 0 {
		svc.PersistenceTimeout = time.Duration(ksvc.Timeout) * time.Second
	}
	return svc, nil
}

func toDestination(b models.Backend) (*libipvs.Destination, error) {
	var flags uint32
	switch b.Forward {
	case models.ForwardMasq, "":
		flags = connMasq
	case models.ForwardTunnel:
		flags = connTunnel
	case models.ForwardDirectRoute:
		flags = connDirectRoute
	default:
		return nil, fmt.Errorf("unsupported forward method %q", b.Forward)
	}
	return &libipvs.Destination{
		Address:         b.ID.Addr.AsSlice(),
		Port:            b.ID.Port,
		Weight:          b.EffectiveWeight(),
		ConnectionFlags: flags,
		AddressFamily:   family(b.ID.Addr),
	}, nil
}

func fromDestination(dst *libipvs.Destination) (models.Backend, error) {
	addr, err := fromIP(dst.Address)
	if err != nil {
		return models.Backend{}, err
	}
	b := models.Backend{
		ID:      models.BackendID{Addr: addr, Port: dst.Port},
		Weight:  dst.Weight,
		Forward: models.ForwardMasq,
	}
	switch dst.ConnectionFlags & connFwdMask {
	case connTunnel:
		b.Forward = models.ForwardTunnel
	case connDirectRoute:
		b.Forward = models.ForwardDirectRoute
	}
	return b, nil
}

func fromIP(ip net.IP) (netip.Addr, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, fmt.Errorf("invalid address %v", ip)
	}
	return addr.Unmap(), nil
}

func family(addr netip.Addr) uint16 {
	if addr.Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func protocolNumber(proto models.Protocol) (uint16, error) {
	switch proto {
	case models.TCP:
		return unix.IPPROTO_TCP, nil
	case models.UDP:
		return unix.IPPROTO_UDP, nil
	case models.SCTP:
		return unix.IPPROTO_SCTP, nil
	}
	return 0, fmt.Errorf("unsupported protocol %q", proto)
}

func protocolName(proto uint16) (models.Protocol, error) {
	switch proto {
	case unix.IPPROTO_TCP:
		return models.TCP, nil
	case unix.IPPROTO_UDP:
		return models.UDP, nil
	case unix.IPPROTO_SCTP:
		return models.SCTP, nil
	}
	return "", fmt.Errorf("unsupported protocol number %d", proto)
}
