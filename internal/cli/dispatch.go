package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/me/gowe/internal/dispatcher"
	"github.com/me/gowe/internal/eventbus"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newDispatchCmd runs a standalone dispatcher.Worker against the local
// backend, for manual integration testing of the dispatch loop without a
// real HPC scheduler or the rest of the server. It submits one job built
// from the given command line, prints every terminal report the Worker
// emits, and exits once that job is reported or the user interrupts it.
func newDispatchCmd() *cobra.Command {
	var cores float64
	var memoryMB int64
	var maxJobs int

	cmd := &cobra.Command{
		Use:   "dispatch -- <command> [args...]",
		Short: "Submit one job to a standalone dispatcher backend and report its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			bus := eventbus.New(logger)
			bus.Subscribe(eventbus.TopicExternalBatchID, func(payload any) {
				if msg, ok := payload.(dispatcher.ExternalBatchIDMessage); ok {
					logger.Info("job submitted to backend", "job_id", msg.ToilJobID, "external_batch_id", msg.ExternalBatchID, "backend", msg.BackendClassName)
				}
			})

			backend := dispatcher.NewLocalBackend()
			worker := dispatcher.NewWorker(backend, eventbus.DispatcherBus{Bus: bus}, dispatcher.Config{MaxJobs: maxJobs}, logger)

			go worker.Start(ctx)
			defer worker.Stop()

			job := &dispatcher.JobDescription{
				ID:          "cli-job",
				Cores:       cores,
				MemoryBytes: memoryMB * 1024 * 1024,
				Command:     args,
				DisplayName: "gowe dispatch",
			}
			logger.Info("submitting job", "cores", cores, "memory", humanize.Bytes(uint64(job.MemoryBytes)))
			worker.Submit(job)

			select {
			case info := <-worker.UpdatedJobs():
				if isatty.IsTerminal(os.Stdout.Fd()) {
					fmt.Printf("job %s finished: exit=%v reason=%s killed=%t\n",
						info.ID, info.ExitStatus.Code, info.ExitStatus.Reason, info.Killed)
				} else {
					out, _ := json.MarshalIndent(info, "", "  ")
					fmt.Println(string(out))
				}
				if info.ExitStatus.Code != nil && *info.ExitStatus.Code != 0 {
					return fmt.Errorf("job exited with code %d", *info.ExitStatus.Code)
				}
				return nil
			case <-ctx.Done():
				return fmt.Errorf("dispatch: interrupted")
			case <-time.After(10 * time.Minute):
				return fmt.Errorf("dispatch: timed out waiting for the job to finish")
			}
		},
	}

	cmd.Flags().Float64Var(&cores, "cores", 1, "Requested cores (informational only for the local backend)")
	cmd.Flags().Int64Var(&memoryMB, "memory-mb", 0, "Requested memory in MB (informational only for the local backend)")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 1, "Maximum concurrently running jobs")
	return cmd
}
