package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sh00ty/network-lb/internal/models"
)

// Table is the kernel virtual server table. Every call is idempotent, so a
// call with an unknown outcome can always be repeated.
type Table interface {
	// EnsureService creates the service or updates its scheduling attributes.
	EnsureService(ctx context.Context, svc models.VirtualService) error
	// RemoveService deletes the service with all of its backends, absent is not an error.
	RemoveService(ctx context.Context, id models.ServiceID) error
	// EnsureBackend creates the backend or updates its weight and forwarding.
	EnsureBackend(ctx context.Context, id models.ServiceID, b models.Backend) error
	// RemoveBackend deletes the backend, absent is not an error.
	RemoveBackend(ctx context.Context, id models.ServiceID, backend models.BackendID) error
	ListActual(ctx context.Context) (models.ActualState, error)
}

type Kind uint8

const (
	Transient Kind = iota
	NotFound
	Conflict
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Permanent:
		return "permanent"
	}
	return fmt.Sprintf("kind(%d)", k)
}

const (
	OpEnsureService = "ensure service"
	OpRemoveService = "remove service"
	OpEnsureBackend = "ensure backend"
	OpRemoveBackend = "remove backend"
	OpListActual    = "list actual"
)

// Error is a failed kernel call tagged with a retry class.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Untagged errors are treated as transient.
func KindOf(err error) Kind {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return Transient
}

func IsRetriable(err error) bool {
	return err != nil && KindOf(err) == Transient
}
