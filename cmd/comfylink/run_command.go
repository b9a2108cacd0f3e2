package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manthysbr/comfylink/internal/adapters/comfyui"
	"github.com/manthysbr/comfylink/internal/core/domain"
	"github.com/manthysbr/comfylink/internal/core/services"
	"github.com/manthysbr/comfylink/internal/workflow"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var images []string
	var wait bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Submit a workflow file and wait for its outputs",
		Long: `Submit a workflow (json or yaml, API format) to ComfyUI.

Input images are uploaded first and their stored names written into the
workflow: --image 10=mask.png sets inputs.image of node 10,
--image 10.mask=mask.png sets inputs.mask.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := workflow.Load(args[0])
			if err != nil {
				return err
			}

			a, err := ctx.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := attachImages(a.client, job, images); err != nil {
				return err
			}

			if !wait {
				task, err := a.client.Submit(cmd.Context(), job, comfyui.SubmitOptions{})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted prompt %s\n", task.PromptID())
				return nil
			}

			events, unsub := a.bus.SubscribeGlobal()
			done := make(chan struct{})
			go func() {
				defer close(done)
				printProgress(cmd.ErrOrStderr(), events)
			}()

			run, runErr := a.runs.RunSync(cmd.Context(), job)
			unsub()
			<-done

			if run.ID == "" {
				return runErr
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(run); err != nil {
					return err
				}
			} else {
				printRunSummary(cmd.OutOrStdout(), run)
			}
			return runErr
		},
	}

	cmd.Flags().StringArrayVarP(&images, "image", "i", nil, "Upload an input image: NODE=PATH or NODE.KEY=PATH (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for outputs; with --wait=false only the prompt id is printed")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the finished run as JSON")
	return cmd
}

// attachImages queues every --image file for upload and points its node at
// the uploaded name.
func attachImages(client *comfyui.Client, job domain.Job, assignments []string) error {
	for _, assignment := range assignments {
		node, key, path, err := workflow.ParseAssignment(assignment)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		name := client.Upload(data, filepath.Ext(path))
		if err := workflow.SetInput(job, node, key, name); err != nil {
			return err
		}
	}
	return nil
}

func printProgress(w io.Writer, events <-chan services.Event) {
	for evt := range events {
		if evt.Type != services.EventTypeProgress {
			continue
		}
		var p domain.Progress
		if err := json.Unmarshal([]byte(evt.Data), &p); err != nil {
			continue
		}
		fmt.Fprintf(w, "node %s: %d/%d\n", p.Node, p.Value, p.Max)
	}
}

func printRunSummary(w io.Writer, run domain.Run) {
	fmt.Fprintf(w, "Run %s %s", run.ID, run.Status)
	if run.PromptID != "" {
		fmt.Fprintf(w, " (prompt %s)", run.PromptID)
	}
	fmt.Fprintln(w)
	if run.Error != nil {
		fmt.Fprintf(w, "Error: %s\n", *run.Error)
	}
	if len(run.Outputs) == 0 {
		return
	}
	fmt.Fprint(w, renderTable([]string{"Node", "File", "Location"}, outputRows(run.Outputs), nil))
}

func outputRows(outputs []domain.OutputAsset) [][]string {
	rows := make([][]string, 0, len(outputs))
	for _, asset := range outputs {
		name := asset.Filename
		if name == "" {
			name = fmt.Sprintf("(inline %s, %d bytes)", asset.ContentType, len(asset.Data))
		}
		location := asset.URL
		if strings.HasPrefix(location, "data:") {
			location = "(kept in journal)"
		}
		rows = append(rows, []string{string(asset.Node), name, location})
	}
	return rows
}
