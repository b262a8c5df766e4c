// Command plugd runs the plugin runtime daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "plugd",
		Short: "Plugin runtime with health supervision",
		Long: `plugd loads plugins from its config, dispatches hooks to them and keeps
them healthy with a monitor and a self-healing watchdog.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	serve := newServeCommand(&cfgPath)
	rootCmd.RunE = serve.RunE
	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(newCheckCommand(&cfgPath))
	rootCmd.AddCommand(newModulesCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
