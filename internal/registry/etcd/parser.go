package etcd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"

	"github.com/Sh00ty/network-lb/internal/models"
)

// MalformedError is returned for a well-formed key holding a value that cannot be decoded.
type MalformedError struct {
	Key models.RecordKey
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s: %v", e.Key, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func decodeEvent(prefix string, eventType mvccpb.Event_EventType, kv *mvccpb.KeyValue) (models.RegistryEvent, error) {
	key, err := parseKey(prefix, string(kv.Key))
	if err != nil {
		return models.RegistryEvent{}, err
	}
	event := models.RegistryEvent{
		Type:     models.RegistryDelete,
		Key:      key,
		Revision: kv.ModRevision,
	}
	if eventType == mvccpb.DELETE {
		return event, nil
	}

	event.Type = models.RegistryPut
	switch key.Kind {
	case models.ServiceRecord:
		event.Service, err = decodeService(key, kv.Value)
	case models.BackendRecord:
		event.Backend, err = decodeBackend(key, kv.Value)
	}
	if err != nil {
		return models.RegistryEvent{}, &MalformedError{Key: key, Err: err}
	}
	return event, nil
}

func decodeService(key models.RecordKey, value []byte) (*models.VirtualService, error) {
	var dto serviceDto
	if err := json.Unmarshal(value, &dto); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service: %w", err)
	}
	addr, err := netip.ParseAddr(dto.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service address: %w", err)
	}
	if dto.Port == 0 {
		return nil, errors.New("service port is not set")
	}
	proto, err := models.ParseProtocol(dto.Protocol)
	if err != nil {
		return nil, err
	}
	sched, err := models.ParseScheduler(dto.Scheduler)
	if err != nil {
		return nil, err
	}
	return &models.VirtualService{
		ID: models.ServiceID{
			Addr:     addr.Unmap(),
			Port:     dto.Port,
			Protocol: proto,
		},
		Name:               key.Service,
		Scheduler:          sched,
		PersistenceTimeout: time.Duration(dto.PersistenceTimeout) * time.Second,
	}, nil
}

func decodeBackend(key models.RecordKey, value []byte) (*models.Backend, error) {
	var dto backendDto
	if err := json.Unmarshal(value, &dto); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backend: %w", err)
	}
	if dto.Address != "" {
		addr, err := netip.ParseAddr(dto.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to parse backend address: %w", err)
		}
		if addr.Unmap() != key.Backend.Addr() {
			return nil, fmt.Errorf("backend address %s does not match key", addr)
		}
	}
	if dto.Port != 0 && dto.Port != key.Backend.Port() {
		return nil, fmt.Errorf("backend port %d does not match key", dto.Port)
	}

	weight := defaultBackendWeight
	if dto.Weight != nil {
		weight = *dto.Weight
	}
	if err := validateWeight(weight); err != nil {
		return nil, err
	}
	if dto.AdminWeight != nil {
		if err := validateWeight(*dto.AdminWeight); err != nil {
			return nil, fmt.Errorf("admin %w", err)
		}
	}
	forward, err := models.ParseForwardMethod(dto.Forward)
	if err != nil {
		return nil, err
	}
	check, err := decodeCheck(dto.Check)
	if err != nil {
		return nil, err
	}
	return &models.Backend{
		ID: models.BackendID{
			Addr: key.Backend.Addr(),
			Port: key.Backend.Port(),
		},
		Weight:      weight,
		AdminWeight: dto.AdminWeight,
		Forward:     forward,
		Liveness:    models.Live,
		Check:       check,
	}, nil
}

func validateWeight(weight int) error {
	if weight < 0 || weight > maxBackendWeight {
		return fmt.Errorf("weight %d is out of range", weight)
	}
	return nil
}

func decodeCheck(dto *checkDto) (*models.CheckSpec, error) {
	if dto == nil {
		return nil, nil
	}
	if dto.Strategy == "" {
		return nil, errors.New("check strategy is not set")
	}
	check := &models.CheckSpec{
		Strategy: dto.Strategy,
		Scheme:   dto.Scheme,
		Path:     dto.Path,
	}
	var err error
	if dto.Interval != "" {
		if check.Interval, err = time.ParseDuration(dto.Interval); err != nil {
			return nil, fmt.Errorf("failed to parse check interval: %w", err)
		}
	}
	if dto.Timeout != "" {
		if check.Timeout, err = time.ParseDuration(dto.Timeout); err != nil {
			return nil, fmt.Errorf("failed to parse check timeout: %w", err)
		}
	}
	return check, nil
}

func encodeService(svc models.VirtualService) serviceDto {
	return serviceDto{
		Address:            svc.ID.Addr.String(),
		Port:               svc.ID.Port,
		Protocol:           string(svc.ID.Protocol),
		Scheduler:          string(svc.Scheduler),
		PersistenceTimeout: uint32(svc.PersistenceTimeout / time.Second),
	}
}

func encodeBackend(b models.Backend) backendDto {
	weight := b.Weight
	dto := backendDto{
		Address:     b.ID.Addr.String(),
		Port:        b.ID.Port,
		Weight:      &weight,
		AdminWeight: b.AdminWeight,
		Forward:     string(b.Forward),
	}
	if b.Check != nil {
		dto.Check = &checkDto{
			Strategy: b.Check.Strategy,
			Scheme:   b.Check.Scheme,
			Path:     b.Check.Path,
		}
		if b.Check.Interval > 0 {
			dto.Check.Interval = b.Check.Interval.String()
		}
		if b.Check.Timeout > 0 {
			dto.Check.Timeout = b.Check.Timeout.String()
		}
	}
	return dto
}
