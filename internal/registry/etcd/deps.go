package etcd

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Store is the part of the etcd client a watch session needs.
type Store interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

type serviceDto struct {
	Address   string `json:"address"`
	Port      uint16 `json:"port"`
	Protocol  string `json:"protocol,omitempty"`
	Scheduler string `json:"scheduler,omitempty"`
	// seconds, zero disables persistence
	PersistenceTimeout uint32 `json:"persistence_timeout,omitempty"`
}

type backendDto struct {
	Address     string    `json:"address,omitempty"`
	Port        uint16    `json:"port,omitempty"`
	Weight      *int      `json:"weight,omitempty"`
	AdminWeight *int      `json:"admin_weight,omitempty"`
	Forward     string    `json:"forward,omitempty"`
	Check       *checkDto `json:"check,omitempty"`
}

type checkDto struct {
	Strategy string `json:"strategy"`
	Interval string `json:"interval,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	Scheme   string `json:"scheme,omitempty"`
	Path     string `json:"path,omitempty"`
}

const (
	defaultBackendWeight = 1
	maxBackendWeight     = 1<<31 - 1

	loadPageSize = 512

	defaultRetryDelay    = 100 * time.Millisecond
	defaultMaxRetryDelay = 10 * time.Second

	eventsBufferSize = 256
)
