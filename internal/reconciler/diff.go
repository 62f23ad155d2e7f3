package reconciler

import (
	"fmt"

	"github.com/Sh00ty/network-lb/internal/models"
)

type OpKind uint8

const (
	CreateService OpKind = iota + 1
	UpdateService
	AddBackend
	UpdateBackendWeight
	RemoveBackend
	DeleteService
)

func (k OpKind) String() string {
	switch k {
	case CreateService:
		return "CreateService"
	case UpdateService:
		return "UpdateService"
	case AddBackend:
		return "AddBackend"
	case UpdateBackendWeight:
		return "UpdateBackendWeight"
	case RemoveBackend:
		return "RemoveBackend"
	case DeleteService:
		return "DeleteService"
	}
	return fmt.Sprintf("OpKind(%d)", k)
}

// Operation is one kernel mutation. Backend is set for backend operations only.
type Operation struct {
	Kind    OpKind
	Service models.VirtualService
	Backend models.Backend
}

func (o Operation) String() string {
	switch o.Kind {
	case AddBackend, UpdateBackendWeight:
		return fmt.Sprintf("%s(%s, %s w=%d)", o.Kind, o.Service.ID, o.Backend.ID, o.Backend.EffectiveWeight())
	case RemoveBackend:
		return fmt.Sprintf("%s(%s, %s)", o.Kind, o.Service.ID, o.Backend.ID)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Service.ID)
}

// Diff computes operations turning actual into desired. The result is ordered:
// desired services by id, each one as create or update, then backend adds,
// weight updates and removals; after them stale services by id, each one as
// removals of all its backends followed by the service delete. Backends are
// sorted by id inside every group.
func Diff(desired models.DesiredState, actual models.ActualState) []Operation {
	var ops []Operation

	for _, id := range models.SortedServiceIDs(desired.Services) {
		want := desired.Services[id]
		have, exists := actual[id]
		if !exists {
			ops = append(ops, Operation{Kind: CreateService, Service: want.Service})
			for _, bid := range models.SortedBackendIDs(want.Backends) {
				ops = append(ops, Operation{Kind: AddBackend, Service: want.Service, Backend: want.Backends[bid]})
			}
			continue
		}
		if !want.Service.SameSpec(have.Service) {
			ops = append(ops, Operation{Kind: UpdateService, Service: want.Service})
		}
		ops = append(ops, diffBackends(want, have)...)
	}

	for _, id := range models.SortedServiceIDs(actual) {
		if _, ok := desired.Services[id]; ok {
			continue
		}
		stale := actual[id]
		for _, bid := range models.SortedBackendIDs(stale.Backends) {
			ops = append(ops, Operation{Kind: RemoveBackend, Service: stale.Service, Backend: stale.Backends[bid]})
		}
		ops = append(ops, Operation{Kind: DeleteService, Service: stale.Service})
	}
	return ops
}

func diffBackends(want models.DesiredService, have models.ActualService) []Operation {
	var added, updated, removed []Operation
	for _, bid := range models.SortedBackendIDs(want.Backends) {
		b := want.Backends[bid]
		current, ok := have.Backends[bid]
		switch {
		case !ok:
			added = append(added, Operation{Kind: AddBackend, Service: want.Service, Backend: b})
		case current.Weight != b.EffectiveWeight() || current.Forward != b.Forward:
			updated = append(updated, Operation{Kind: UpdateBackendWeight, Service: want.Service, Backend: b})
		}
	}
	for _, bid := range models.SortedBackendIDs(have.Backends) {
		if _, ok := want.Backends[bid]; !ok {
			removed = append(removed, Operation{Kind: RemoveBackend, Service: want.Service, Backend: have.Backends[bid]})
		}
	}
	ops := make([]Operation, 0, len(added)+len(updated)+len(removed))
	ops = append(ops, added...)
	ops = append(ops, updated...)
	return append(ops, removed...)
}
