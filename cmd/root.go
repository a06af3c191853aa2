// Package cmd holds the convsim command line: the control plane server and
// a few client commands that talk to a running server.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "convsim",
		Short:         "Conversation simulation control plane",
		Long:          "convsim admits simulation tasks, drives synthetic consumer conversations against a conversational platform and scores the results.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newStopAllCmd(),
		newTaskCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
