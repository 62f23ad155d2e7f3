package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Sh00ty/network-lb/internal/desired"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
	"github.com/Sh00ty/network-lb/internal/reconciler"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the kernel ipvs table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		table, closeTable, err := openTable(cfg)
		if err != nil {
			return err
		}
		defer closeTable()

		actual, err := table.ListActual(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list kernel table: %w", err)
		}
		printActual(cmd.OutOrStdout(), actual)
		return nil
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Print operations a pass would apply, ignoring backend health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		client, err := connectRegistry(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		table, closeTable, err := openTable(cfg)
		if err != nil {
			return err
		}
		defer closeTable()

		events, err := client.Load(cmd.Context())
		if err != nil {
			return err
		}
		model := desired.NewModel(metrics.Nop{})
		for _, event := range events {
			model.Apply(event)
		}
		ops, err := reconciler.New(model, table, reconciler.DefaultOptions(), metrics.Nop{}).Plan(cmd.Context())
		if err != nil {
			return err
		}
		printOperations(cmd.OutOrStdout(), ops)
		return nil
	},
}

func printActual(w io.Writer, actual models.ActualState) {
	for _, id := range models.SortedServiceIDs(actual) {
		svc := actual[id]
		line := fmt.Sprintf("%s %s", id, svc.Service.Scheduler)
		if svc.Service.PersistenceTimeout > 0 {
			line += fmt.Sprintf(" persistent %s", svc.Service.PersistenceTimeout)
		}
		fmt.Fprintln(w, line)
		for _, bid := range models.SortedBackendIDs(svc.Backends) {
			b := svc.Backends[bid]
			fmt.Fprintf(w, "  -> %s %s weight %d\n", bid, b.Forward, b.Weight)
		}
	}
}

func printOperations(w io.Writer, ops []reconciler.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "kernel table is up to date")
		return
	}
	for _, op := range ops {
		fmt.Fprintln(w, op)
	}
}
