package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "runbox",
		Short:         "Sandboxed multi-language code execution server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./config.yaml or ./config/config.yaml)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newLanguagesCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server and the ops endpoints",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			app := newApp(*configPath)
			if err := app.Err(); err != nil {
				return fmt.Errorf("failed to build application: %w", err)
			}
			app.Run()
			return nil
		},
	}
}

func newLanguagesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List the languages the configured policy accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := allowedLanguages(*configPath)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
