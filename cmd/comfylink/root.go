package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var serverFlag string
	var logLevelFlag string

	ctx := newCommandContext(&configFlag, &serverFlag, &logLevelFlag)

	rootCmd := &cobra.Command{
		Use:           "comfylink",
		Short:         "Run ComfyUI workflows and track their results",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (json, yaml or toml)")
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "ComfyUI base URL (overrides comfyui.url)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newPingCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newRunsCommand(ctx))

	return rootCmd
}
