package models

import (
	"net/netip"
	"slices"
)

type DesiredService struct {
	Service  VirtualService
	Backends map[BackendID]Backend
}

// DesiredState is an immutable view of what the kernel table should contain.
// Only live backends of registered services are present.
type DesiredState struct {
	// Version grows on every model change, Revision is the last applied registry revision.
	Version  uint64
	Revision int64
	Services map[ServiceID]DesiredService
}

// VirtualAddrs returns the distinct service addresses, sorted.
func (s DesiredState) VirtualAddrs() []netip.Addr {
	seen := make(map[netip.Addr]struct{}, len(s.Services))
	result := make([]netip.Addr, 0, len(s.Services))
	for id := range s.Services {
		if _, ok := seen[id.Addr]; ok {
			continue
		}
		seen[id.Addr] = struct{}{}
		result = append(result, id.Addr)
	}
	slices.SortFunc(result, func(a, b netip.Addr) int { return a.Compare(b) })
	return result
}

type ActualService struct {
	Service  VirtualService
	Backends map[BackendID]Backend
}

// ActualState is the kernel table as enumerated during one pass.
type ActualState map[ServiceID]ActualService

// SortedServiceIDs returns map keys in a stable order.
func SortedServiceIDs[V any](m map[ServiceID]V) []ServiceID {
	ids := make([]ServiceID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, ServiceID.Compare)
	return ids
}

func SortedBackendIDs(m map[BackendID]Backend) []BackendID {
	ids := make([]BackendID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, BackendID.Compare)
	return ids
}
