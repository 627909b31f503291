package cli

import (
	"log/slog"

	"github.com/me/gowe/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the gowe CLI: a set of
// local debugging tools over the translator/dispatcher/path-mapper
// collaborators, with no server or persistence layer of its own.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gowe",
		Short: "gowe — CWL workflow translation and dispatch tools",
		Long:  "gowe expands CWL workflows into job graphs, dispatches jobs to a batch backend, and stages File/Directory inputs, without running a server.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newTranslateCmd(),
		newDispatchCmd(),
		newStageCmd(),
	)

	return root
}
