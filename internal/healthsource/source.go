// Package healthsource feeds health results produced outside of this node
// into the aggregator.
package healthsource

import (
	"github.com/Sh00ty/network-lb/internal/desired"
	"github.com/Sh00ty/network-lb/internal/models"
)

// TargetSource lists registered backends.
type TargetSource interface {
	Registered() []desired.RegisteredBackend
}

// Registered indexes registered backends and their service names.
func Registered(source TargetSource) (map[models.BackendRef]struct{}, []string) {
	backends := source.Registered()
	refs := make(map[models.BackendRef]struct{}, len(backends))
	var services []string
	for _, rb := range backends {
		refs[rb.Ref] = struct{}{}
		if len(services) == 0 || services[len(services)-1] != rb.Ref.Service {
			services = append(services, rb.Ref.Service)
		}
	}
	return refs, services
}

// Status maps an external boolean check result.
func Status(passing bool) models.CheckStatus {
	if passing {
		return models.Passing
	}
	return models.Failing
}
