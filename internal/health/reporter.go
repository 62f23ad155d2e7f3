package health

import "github.com/Sh00ty/network-lb/internal/models"

// Reporter accepts raw check results.
type Reporter interface {
	Report(ref models.BackendRef, status models.CheckStatus)
}

// Fanout forwards every result to each reporter in order.
type Fanout []Reporter

func (f Fanout) Report(ref models.BackendRef, status models.CheckStatus) {
	for _, r := range f {
		r.Report(ref, status)
	}
}
