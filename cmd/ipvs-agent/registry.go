package main

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sh00ty/network-lb/internal/models"
	"github.com/Sh00ty/network-lb/internal/registry/etcd"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Edit service records in the registry",
}

var (
	serviceProtocol    string
	serviceScheduler   string
	servicePersistence time.Duration
	backendWeight      int
	backendForward     string
)

func init() {
	putService := &cobra.Command{
		Use:   "put-service NAME ADDR:PORT",
		Short: "Create or replace a virtual service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := netip.ParseAddrPort(args[1])
			if err != nil {
				return fmt.Errorf("bad service address: %w", err)
			}
			proto, err := models.ParseProtocol(serviceProtocol)
			if err != nil {
				return err
			}
			sched, err := models.ParseScheduler(serviceScheduler)
			if err != nil {
				return err
			}
			return withRegistry(cmd, func(c *etcd.Client) error {
				return c.PutService(cmd.Context(), models.VirtualService{
					ID:                 models.ServiceID{Addr: addr.Addr().Unmap(), Port: addr.Port(), Protocol: proto},
					Name:               args[0],
					Scheduler:          sched,
					PersistenceTimeout: servicePersistence,
				})
			})
		},
	}
	putService.Flags().StringVar(&serviceProtocol, "protocol", "tcp", "tcp, udp or sctp")
	putService.Flags().StringVar(&serviceScheduler, "scheduler", "rr", "ipvs scheduler")
	putService.Flags().DurationVar(&servicePersistence, "persistence", 0, "persistence timeout, zero disables")

	putBackend := &cobra.Command{
		Use:   "put-backend SERVICE ADDR:PORT",
		Short: "Create or replace a backend of a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := netip.ParseAddrPort(args[1])
			if err != nil {
				return fmt.Errorf("bad backend address: %w", err)
			}
			forward, err := models.ParseForwardMethod(backendForward)
			if err != nil {
				return err
			}
			return withRegistry(cmd, func(c *etcd.Client) error {
				return c.PutBackend(cmd.Context(), args[0], models.Backend{
					ID:      models.BackendID{Addr: addr.Addr().Unmap(), Port: addr.Port()},
					Weight:  backendWeight,
					Forward: forward,
				})
			})
		},
	}
	putBackend.Flags().IntVar(&backendWeight, "weight", 1, "backend weight")
	putBackend.Flags().StringVar(&backendForward, "forward", "masq", "masq, droute or tunnel")

	deleteService := &cobra.Command{
		Use:   "delete-service NAME",
		Short: "Delete a service and all of its backends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(c *etcd.Client) error {
				return c.DeleteService(cmd.Context(), args[0])
			})
		},
	}

	deleteBackend := &cobra.Command{
		Use:   "delete-backend SERVICE ADDR:PORT",
		Short: "Delete one backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := netip.ParseAddrPort(args[1])
			if err != nil {
				return fmt.Errorf("bad backend address: %w", err)
			}
			return withRegistry(cmd, func(c *etcd.Client) error {
				return c.DeleteBackend(cmd.Context(), args[0], netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
			})
		},
	}

	registryCmd.AddCommand(putService, putBackend, deleteService, deleteBackend)
}

func withRegistry(cmd *cobra.Command, fn func(c *etcd.Client) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := connectRegistry(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}
