package etcd

import (
	"fmt"
	"net/netip"
	"path"
	"strings"

	"github.com/Sh00ty/network-lb/internal/models"
)

/*
nlb-registry/services/web(%s)                 -> serviceDto
nlb-registry/backends/web(%s)/10.0.0.1:80(%s) -> backendDto

services and their backends live in different folders, so a backend
can be registered before its service and outlives a service delete
until the registry removes it too.
*/

const (
	DefaultPrefix = "/nlb-registry"

	servicesDir = "services"
	backendsDir = "backends"
)

// nlb-registry/services
func servicesFolder(prefix string) string {
	return path.Join(prefix, servicesDir)
}

// nlb-registry/services/web(%s)
func serviceKey(prefix, name string) string {
	return path.Join(servicesFolder(prefix), name)
}

// nlb-registry/backends
func backendsFolder(prefix string) string {
	return path.Join(prefix, backendsDir)
}

// nlb-registry/backends/web(%s)/
func serviceBackendsFolder(prefix, name string) string {
	return path.Join(backendsFolder(prefix), name) + "/"
}

// nlb-registry/backends/web(%s)/10.0.0.1:80(%s)
func backendKey(prefix, name string, addr netip.AddrPort) string {
	return path.Join(backendsFolder(prefix), name, addr.String())
}

// watchRoot is the range covering every record of the registry.
func watchRoot(prefix string) string {
	return path.Clean(prefix) + "/"
}

var errForeignKey = fmt.Errorf("key is outside of the registry layout")

func parseKey(prefix, key string) (models.RecordKey, error) {
	rest, ok := strings.CutPrefix(key, watchRoot(prefix))
	if !ok {
		return models.RecordKey{}, errForeignKey
	}
	dir, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return models.RecordKey{}, errForeignKey
	}
	switch dir {
	case servicesDir:
		if !validName(rest) {
			return models.RecordKey{}, fmt.Errorf("invalid service name %q", rest)
		}
		return models.RecordKey{Kind: models.ServiceRecord, Service: rest}, nil
	case backendsDir:
		name, addr, ok := strings.Cut(rest, "/")
		if !ok || !validName(name) {
			return models.RecordKey{}, fmt.Errorf("invalid backend key %q", rest)
		}
		addrPort, err := netip.ParseAddrPort(addr)
		if err != nil {
			return models.RecordKey{}, fmt.Errorf("failed to parse backend address %q: %w", addr, err)
		}
		return models.RecordKey{
			Kind:    models.BackendRecord,
			Service: name,
			Backend: netip.AddrPortFrom(addrPort.Addr().Unmap(), addrPort.Port()),
		}, nil
	}
	return models.RecordKey{}, errForeignKey
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, "/")
}
