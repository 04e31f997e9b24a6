package modelharbor

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modelharbor",
		Short: "modelharbor",
		Long:  `Control plane for on-host inference engines`,
	}

	rootCmd.AddCommand(newServeCmd())

	return rootCmd
}

func Execute() {
	rootCmd := NewRootCmd()
	rootCmd.SetContext(context.Background())
	rootCmd.SetOutput(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
