package main

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/network-lb/internal/models"
	"github.com/Sh00ty/network-lb/internal/reconciler"
)

func TestLoadConfigFlagOverrides(t *testing.T) {
	t.Setenv("REGISTRY_ENDPOINTS", "etcd-0:2379")
	t.Setenv("RECONCILE_INTERVAL", "10s")

	require.NoError(t, rootCmd.PersistentFlags().Parse([]string{
		"--env-file", t.TempDir() + "/missing.env",
		"--registry-endpoints", "etcd-1:2379,etcd-2:2379",
		"--interval", "3s",
		"--dry-run",
	}))

	cfg, err := loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.RegistryEndpoints)
	assert.Equal(t, 3*time.Second, cfg.ReconcileInterval)
	assert.True(t, cfg.KernelDryRun)
	assert.Equal(t, "/nlb-registry", cfg.RegistryPrefix)
}

func TestPrintActual(t *testing.T) {
	id := models.ServiceID{Addr: netip.MustParseAddr("10.0.0.1"), Port: 80, Protocol: models.TCP}
	backend := models.BackendID{Addr: netip.MustParseAddr("10.1.0.1"), Port: 8080}
	actual := models.ActualState{
		id: {
			Service: models.VirtualService{ID: id, Scheduler: models.WeightedRoundRobin, PersistenceTimeout: time.Minute},
			Backends: map[models.BackendID]models.Backend{
				backend: {ID: backend, Weight: 5, Forward: models.ForwardMasq},
			},
		},
	}

	buf := &bytes.Buffer{}
	printActual(buf, actual)
	assert.Equal(t, "TCP/10.0.0.1:80 wrr persistent 1m0s\n  -> 10.1.0.1:8080 masq weight 5\n", buf.String())
}

func TestPrintOperations(t *testing.T) {
	buf := &bytes.Buffer{}
	printOperations(buf, nil)
	assert.Equal(t, "kernel table is up to date\n", buf.String())

	buf.Reset()
	id := models.ServiceID{Addr: netip.MustParseAddr("10.0.0.1"), Port: 80, Protocol: models.TCP}
	printOperations(buf, []reconciler.Operation{{
		Kind:    reconciler.CreateService,
		Service: models.VirtualService{ID: id},
	}})
	assert.Equal(t, reconciler.Operation{Kind: reconciler.CreateService, Service: models.VirtualService{ID: id}}.String()+"\n", buf.String())
}
