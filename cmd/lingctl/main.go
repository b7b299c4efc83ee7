// Command lingctl is the operator CLI for the governance microkernel: it
// talks to the in-process kernel directly, with no HTTP/network boundary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lingframe/lingcore/internal/config"
	"github.com/lingframe/lingcore/internal/logging"
	"github.com/lingframe/lingcore/internal/manager"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lingctl",
		Short: "Inspect and operate an in-process governance kernel",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a host-config YAML file")

	root.AddCommand(newUnitsCmd())
	root.AddCommand(newInstancesCmd())
	root.AddCommand(newCanaryCmd())
	root.AddCommand(newBreakerCmd())
	return root
}

func loadManager() (*manager.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.NewFromEnv("lingctl")
	return manager.New(cfg, manager.Deps{}, log), nil
}
