package jobexec

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/gowe/internal/filestage"
	"github.com/me/gowe/internal/promise"
	"github.com/me/gowe/internal/vfsuri"
)

// JobWrapper defers resource evaluation to run time, for tools whose
// ResourceRequirement fields contain expressions that cannot be evaluated
// until the step's inputs are actually resolved. At run time it builds the
// concrete ToolJob with the same resolved inputs and runs it in place; the
// translator wires followers to the wrapper instance itself, so by the time
// a follower resolves the wrapper's promise the inner ToolJob has already
// produced a result.
type JobWrapper struct {
	Tool          map[string]any
	Inputs        map[string]promise.Resolvable
	Conditional   *promise.Conditional
	ExpressionLib []string

	Runtime ToolRuntime
	Store   filestage.JobStore
	FS      vfsuri.FSAccess

	StreamingAllowed bool
	StoreIsLocal     bool
	Logger           *slog.Logger

	child  *ToolJob
	result map[string]any
	ran    bool
}

// Result implements promise.Producer, forwarding to the spawned child job.
func (w *JobWrapper) Result() (map[string]any, error) {
	if !w.ran {
		return nil, fmt.Errorf("jobexec: wrapper has not run yet")
	}
	return w.result, nil
}

// Run spawns and executes the concrete child ToolJob, adopting its result as
// the wrapper's own.
func (w *JobWrapper) Run(ctx context.Context, fileReader func(location string) (string, error)) (map[string]any, error) {
	w.child = &ToolJob{
		Tool:             w.Tool,
		Inputs:           w.Inputs,
		Conditional:      w.Conditional,
		ExpressionLib:    w.ExpressionLib,
		Runtime:          w.Runtime,
		Store:            w.Store,
		FS:               w.FS,
		StreamingAllowed: w.StreamingAllowed,
		StoreIsLocal:     w.StoreIsLocal,
		Logger:           w.Logger,
	}
	result, err := w.child.Run(ctx, fileReader)
	if err != nil {
		return nil, fmt.Errorf("jobexec: wrapper child: %w", err)
	}
	w.result = result
	w.ran = true
	return result, nil
}
