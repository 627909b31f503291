package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/me/gowe/internal/pathmap"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newStageCmd runs the path mapper over a job-order YAML/JSON file and
// prints the resulting logicalLocation -> MapperEntry table, for debugging
// how a job's File/Directory inputs would be staged into its sandbox
// without actually running a tool.
func newStageCmd() *cobra.Command {
	var stageDir string

	cmd := &cobra.Command{
		Use:   "stage <job-order.yaml>",
		Short: "Run the path mapper over a job order and print its staging plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read job order: %w", err)
			}
			var jobOrder map[string]any
			if err := yaml.Unmarshal(data, &jobOrder); err != nil {
				return fmt.Errorf("parse job order: %w", err)
			}
			if stageDir == "" {
				stageDir = "/var/lib/cwl/stagedir"
			}

			mapper := pathmap.NewMapper()
			for key, v := range jobOrder {
				for _, node := range collectNodes(key, v) {
					if err := mapper.Stage(node, stageDir); err != nil {
						return fmt.Errorf("stage %s: %w", key, err)
					}
				}
			}

			entries := mapper.Entries()
			if isatty.IsTerminal(os.Stdout.Fd()) {
				fmt.Printf("%s entries staged under %s:\n", humanize.Comma(int64(len(entries))), stageDir)
				for loc, entry := range entries {
					fmt.Printf("  %-8s %s -> %s\n", entry.Type, loc, entry.Target)
				}
			} else {
				out, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal staging plan: %w", err)
				}
				fmt.Println(string(out))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stageDir, "stagedir", "", "Target sandbox root to stage into (default /var/lib/cwl/stagedir)")
	return cmd
}

// collectNodes walks one job-order input value, returning every
// File/Directory object reachable from it (the value itself, or elements of
// an array) converted to a *pathmap.Node. Scalars and records with no
// File/Directory members contribute nothing.
func collectNodes(key string, v any) []*pathmap.Node {
	switch val := v.(type) {
	case map[string]any:
		if n := toNode(val); n != nil {
			return []*pathmap.Node{n}
		}
	case []any:
		var nodes []*pathmap.Node
		for _, item := range val {
			nodes = append(nodes, collectNodes(key, item)...)
		}
		return nodes
	}
	return nil
}

// toNode converts one CWL File/Directory object (as decoded from YAML/JSON)
// into a *pathmap.Node, recursing into a Directory's listing.
func toNode(obj map[string]any) *pathmap.Node {
	class, _ := obj["class"].(string)
	if class != "File" && class != "Directory" {
		return nil
	}

	n := &pathmap.Node{
		Class:    class,
		Location: stringField(obj, "location", "path"),
		Basename: stringField(obj, "basename"),
	}
	if n.Basename == "" && n.Location != "" {
		n.Basename = n.Location[strings.LastIndexByte(n.Location, '/')+1:]
	}

	if listing, ok := obj["listing"].([]any); ok {
		for _, item := range listing {
			if child, ok := item.(map[string]any); ok {
				if cn := toNode(child); cn != nil {
					n.Listing = append(n.Listing, cn)
				}
			}
		}
	}
	return n
}

func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
