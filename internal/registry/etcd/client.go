package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

type Client struct {
	etcd   *clientv3.Client
	prefix string
}

func NewClient(ctx context.Context, endpoints []string, dialTimeout time.Duration, prefix string) (*Client, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	statusCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err = clnt.Status(statusCtx, endpoints[0]); err != nil {
		clnt.Close()
		return nil, fmt.Errorf("failed to reach etcd at %s: %w", endpoints[0], err)
	}
	return &Client{etcd: clnt, prefix: prefix}, nil
}

func (c *Client) NewWatchSession(m metrics.Metrics) *WatchSession {
	return NewWatchSession(c.etcd, c.prefix, m)
}

// Load reads the whole registry once and returns it as a replay.
func (c *Client) Load(ctx context.Context) ([]models.RegistryEvent, error) {
	return Load(ctx, c.etcd, c.prefix)
}

func Load(ctx context.Context, store Store, prefix string) ([]models.RegistryEvent, error) {
	var (
		events []models.RegistryEvent
		rev    int64
	)
	err := loadPages(ctx, store, prefix, func(revision int64, kvs []*mvccpb.KeyValue) error {
		if len(events) == 0 {
			rev = revision
			events = append(events, models.RegistryEvent{Type: models.RegistryResync, Revision: rev})
		}
		for _, kv := range kvs {
			event, err := decodeEvent(prefix, mvccpb.PUT, kv)
			if err != nil {
				continue
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return append(events, models.RegistryEvent{Type: models.RegistrySynced, Revision: rev}), nil
}

func (c *Client) PutService(ctx context.Context, svc models.VirtualService) error {
	_, err := c.etcd.Put(ctx, serviceKey(c.prefix, svc.Name), mustJsonMarshal(encodeService(svc)))
	if err != nil {
		return fmt.Errorf("failed to put service %s: %w", svc.Name, err)
	}
	return nil
}

func (c *Client) PutBackend(ctx context.Context, service string, b models.Backend) error {
	_, err := c.etcd.Put(ctx, backendKey(c.prefix, service, b.ID.AddrPort()), mustJsonMarshal(encodeBackend(b)))
	if err != nil {
		return fmt.Errorf("failed to put backend %s/%s: %w", service, b.ID, err)
	}
	return nil
}

// DeleteService removes the service together with all of its backends.
func (c *Client) DeleteService(ctx context.Context, name string) error {
	_, err := c.etcd.Txn(ctx).Then(
		clientv3.OpDelete(serviceKey(c.prefix, name)),
		clientv3.OpDelete(serviceBackendsFolder(c.prefix, name), clientv3.WithPrefix()),
	).Commit()
	if err != nil {
		return fmt.Errorf("failed to delete service %s: %w", name, err)
	}
	return nil
}

func (c *Client) DeleteBackend(ctx context.Context, service string, addr netip.AddrPort) error {
	_, err := c.etcd.Delete(ctx, backendKey(c.prefix, service, addr))
	if err != nil {
		return fmt.Errorf("failed to delete backend %s/%s: %w", service, addr, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.etcd.Close()
}

func mustJsonMarshal(val any) string {
	js, err := json.Marshal(val)
	if err != nil {
		panic(err)
	}
	return string(js)
}
