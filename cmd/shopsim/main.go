// Chaos-injectable synthetic shop with live Prometheus metrics
// Serves the storefront and chaos API while a background simulator generates sales
package main

import (
	"fmt"
	"os"

	"github.com/andrewh/shopsim/pkg/sim"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	gin.SetMode(gin.ReleaseMode)
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "shopsim",
		Short:        "Chaos-injectable synthetic shop with live metrics",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(chaosCmd())
	root.AddCommand(versionCmd())

	return root
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workload.yaml>",
		Short: "Parse and validate a workload file",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing workload file\n\nUsage: shopsim validate <workload.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := sim.LoadConfig(args[0])
			if err != nil {
				return err
			}
			w, err := sim.Resolve(cfg)
			if err != nil {
				return err
			}
			productLabel := "products"
			if len(w.Products) == 1 {
				productLabel = "product"
			}
			scenarioLabel := "scenarios"
			if len(w.Scenarios) == 1 {
				scenarioLabel = "scenario"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Workload valid: %d %s, %d %s, one cycle every %s\n\n"+
				"To start the shop:\n"+
				"  shopsim serve %s\n",
				len(w.Products), productLabel, len(w.Scenarios), scenarioLabel, w.Interval, args[0])
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "shopsim %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
