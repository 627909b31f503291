package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/me/gowe/internal/bundle"
	"github.com/me/gowe/internal/parser"
	"github.com/me/gowe/internal/translator"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newTranslateCmd expands a workflow to its job graph without running it,
// for inspecting how scatter/gather/conditional steps are wired before
// submitting for real execution. Only the static fixed-point DAG-wiring
// phase runs: no tool actually executes, since a translator.Graph records
// edges without ever calling JobNode.Run.
func newTranslateCmd() *cobra.Command {
	var inputsFile string

	cmd := &cobra.Command{
		Use:   "translate <workflow.cwl>",
		Short: "Expand a workflow into its job graph without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowPath := args[0]

			result, err := bundle.Bundle(workflowPath)
			if err != nil {
				return fmt.Errorf("bundle: %w", err)
			}

			var inputs map[string]any
			if inputsFile != "" {
				data, err := os.ReadFile(inputsFile)
				if err != nil {
					return fmt.Errorf("read inputs: %w", err)
				}
				if err := yaml.Unmarshal(data, &inputs); err != nil {
					return fmt.Errorf("parse inputs: %w", err)
				}
			}

			logger.Debug("bundled workflow document", "bytes", humanize.Bytes(uint64(len(result.Packed))))

			p := parser.New(logger)
			doc, err := p.ParseGraph(result.Packed)
			if err != nil {
				return fmt.Errorf("parse: %w", err)
			}
			if doc.Workflow == nil {
				return fmt.Errorf("translate: %s is not a Workflow document", workflowPath)
			}

			graph := translator.NewGraph()
			factories := translator.JobFactories{}
			_, _, err = translator.Translate(doc.Workflow, inputs, translator.Options{
				Resolver:      translator.NewGraphResolver(doc),
				Scheduler:     graph,
				NewToolJob:    factories.NewToolJob(),
				NewWrapperJob: factories.NewWrapperJob(),
			})
			if err != nil {
				return fmt.Errorf("translate: %w", err)
			}

			snap := graph.Snapshot()
			if isatty.IsTerminal(os.Stdout.Fd()) {
				fmt.Printf("%s jobs, %d root(s):\n", humanize.Comma(int64(len(snap.Jobs))), len(snap.Roots))
				for _, id := range snap.Roots {
					fmt.Printf("  %s\n", id)
				}
			} else {
				out, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal graph: %w", err)
				}
				fmt.Println(string(out))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputsFile, "inputs", "i", "", "Input values file (YAML/JSON)")
	return cmd
}
