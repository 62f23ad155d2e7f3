package models

import (
	"fmt"
	"net/netip"
)

type RegistryEventType uint8

const (
	RegistryPut RegistryEventType = iota + 1
	RegistryDelete
	// RegistryResync drops everything known, a full replay follows
	RegistryResync
	// RegistrySynced closes a replay started by RegistryResync
	RegistrySynced
)

func (t RegistryEventType) String() string {
	switch t {
	case RegistryPut:
		return "put"
	case RegistryDelete:
		return "delete"
	case RegistryResync:
		return "resync"
	case RegistrySynced:
		return "synced"
	}
	return "unknown"
}

type RecordKind uint8

const (
	ServiceRecord RecordKind = iota + 1
	BackendRecord
)

// RecordKey is the identity encoded in a registry key.
type RecordKey struct {
	Kind    RecordKind
	Service string
	Backend netip.AddrPort
}

func (k RecordKey) String() string {
	if k.Kind == BackendRecord {
		return fmt.Sprintf("backend %s/%s", k.Service, k.Backend)
	}
	return "service " + k.Service
}

func (k RecordKey) Ref() BackendRef {
	return BackendRef{Service: k.Service, Addr: k.Backend}
}

type RegistryEvent struct {
	Type     RegistryEventType
	Key      RecordKey
	Revision int64

	// set on put, depending on Key.Kind
	Service *VirtualService
	Backend *Backend
}

func (e RegistryEvent) String() string {
	switch e.Type {
	case RegistryResync, RegistrySynced:
		return fmt.Sprintf("{type=%s, rev=%d}", e.Type, e.Revision)
	}
	return fmt.Sprintf("{type=%s, key=%s, rev=%d}", e.Type, e.Key, e.Revision)
}
