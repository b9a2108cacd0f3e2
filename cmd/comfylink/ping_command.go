package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPingCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the ComfyUI server answers and show its devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.newClient(ctx.logger(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			pingCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			stats, err := client.Ping(pingCtx)
			if err != nil {
				return err
			}
			prefix, _ := client.Prefix(pingCtx)
			if prefix == "" {
				prefix = "(none)"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ComfyUI %s at %s\n", stats.System.ComfyUIVersion, client.BaseURL())
			fmt.Fprintf(out, "API prefix: %s\n", prefix)
			if err := client.ResolutionErr(); err != nil {
				fmt.Fprintf(out, "Warning: %v\n", err)
			}
			if len(stats.Devices) == 0 {
				return nil
			}

			rows := make([][]string, 0, len(stats.Devices))
			for _, d := range stats.Devices {
				rows = append(rows, []string{d.Name, d.Type, formatBytes(d.VRAMFree), formatBytes(d.VRAMTotal)})
			}
			fmt.Fprint(out, renderTable([]string{"Device", "Type", "VRAM free", "VRAM total"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight}))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "How long to wait for the server")
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
