package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "List installed units and their instance counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManager()
			if err != nil {
				return err
			}
			for _, u := range m.ListUnits() {
				fmt.Printf("%-24s version=%-10s threads=%-3d active=%-3d dying=%d\n",
					u.ID, u.Version, u.AllocatedThreads, u.ActiveCount, u.DyingCount)
			}
			return nil
		},
	}
}

func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances <unit-id>",
		Short: "List active instances of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManager()
			if err != nil {
				return err
			}
			for _, inst := range m.InstancesFor(args[0]) {
				fmt.Printf("version=%-10s state=%-10s refcount=%d hwm=%d\n",
					inst.Def.Version, inst.State(), inst.RefCount(), inst.InflightHighWater())
			}
			return nil
		},
	}
	return cmd
}

func newCanaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "canary <unit-id>",
		Short: "Show the configured canary split for a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManager()
			if err != nil {
				return err
			}
			percent, labels, ok := m.CanaryFor(args[0])
			if !ok {
				fmt.Println("no canary configured")
				return nil
			}
			fmt.Printf("percent=%d labels=%v\n", percent, labels)
			return nil
		},
	}
}

func newBreakerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "breaker <fqsid>",
		Short: "Show the circuit breaker state for one fqsid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManager()
			if err != nil {
				return err
			}
			cb, ok := m.Breaker(args[0])
			if !ok {
				fmt.Println("fqsid is not registered by any installed unit")
				return nil
			}
			fmt.Printf("state=%s\n", cb.State())
			return nil
		},
	}
}
