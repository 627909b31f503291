// Package jobexec implements the Tool Job execution contract: executing one
// atomic CWL tool by resolving its input promises, validating them against
// the tool's input schema, applying defaults and environment requirements,
// evaluating resource requirements, invoking the tool-runtime collaborator,
// and re-importing outputs into the file store.
package jobexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/me/gowe/internal/cwlexpr"
	"github.com/me/gowe/internal/filestage"
	"github.com/me/gowe/internal/promise"
	"github.com/me/gowe/internal/validate"
	"github.com/me/gowe/internal/vfsuri"
	"github.com/me/gowe/pkg/cwl"
)

// ErrUnsupportedRequirement is the sentinel for a mandatory requirement this
// engine cannot honor. It carries a distinguished exit code so the leader
// can detect it across a leader/worker process boundary.
type ErrUnsupportedRequirement struct {
	Name   string
	Reason string
}

func (e *ErrUnsupportedRequirement) Error() string {
	return fmt.Sprintf("jobexec: unsupported requirement %s: %s", e.Name, e.Reason)
}

// DistinguishedExitCode is the reserved exit code propagating "unsupported
// requirement" across the leader/worker boundary unambiguously. 33 is
// outside both the POSIX-reserved 126-165 range and common tool exit codes.
func (e *ErrUnsupportedRequirement) DistinguishedExitCode() int { return 33 }

// RuntimeContext is the execution environment handed to the tool-runtime
// collaborator: output/tmp directories plus a toil_get_file-style file
// accessor bound to this job's file store, index map, and pipe threads.
type RuntimeContext struct {
	OutDir           string
	TmpOutDir        string
	TmpDir           string
	MoveOutputs      string // "move", "copy", or "leave"
	StreamingAllowed bool
	PreserveEnviron  []string
	SecretStore      map[string]string
	MPIConfig        map[string]any

	// ToilGetFile materializes a location to a plain local filesystem path
	// (never a file:// URI); it is this job's closure over its JobStore,
	// index/existing maps, and the pipe-thread list the worker joins at step 10.
	ToilGetFile func(location string, streamable bool) (string, error)
}

// ToolRuntime is the tool-runtime collaborator: the external, non-core
// executor that actually runs a CWL process given its resolved job order.
type ToolRuntime interface {
	Execute(ctx context.Context, process map[string]any, jobOrder map[string]any, rc *RuntimeContext, logger *slog.Logger) (outputs map[string]any, status string, err error)
}

// ToolJob executes one CWL CommandLineTool or ExpressionTool.
type ToolJob struct {
	Tool          map[string]any // the marshaled CWL tool document (pkg/cwl.CommandLineTool, via JSON)
	Inputs        map[string]promise.Resolvable
	Conditional   *promise.Conditional
	ExpressionLib []string

	Runtime ToolRuntime
	Store   filestage.JobStore
	FS      vfsuri.FSAccess

	StreamingAllowed bool
	StoreIsLocal     bool

	Logger *slog.Logger

	pipes  []*filestage.PipeThread
	result map[string]any
	ran    bool
}

// Result implements promise.Producer.
func (j *ToolJob) Result() (map[string]any, error) {
	if !j.ran {
		return nil, fmt.Errorf("jobexec: job has not run yet")
	}
	return j.result, nil
}

// Run executes the job's 12-step contract.
func (j *ToolJob) Run(ctx context.Context, fileReader func(location string) (string, error)) (map[string]any, error) {
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Step 1: resolve the input promise dictionary.
	resolved, err := promise.ResolveAll(j.Inputs, fileReader)
	if err != nil {
		return nil, fmt.Errorf("jobexec: resolve inputs: %w", err)
	}

	// Step 2: conditional skip.
	if j.Conditional != nil {
		skip, cerr := j.Conditional.IsFalse(resolved)
		if cerr != nil {
			return nil, fmt.Errorf("jobexec: evaluate conditional: %w", cerr)
		}
		if skip {
			j.result = j.Conditional.SkippedOutputs()
			j.ran = true
			return j.result, nil
		}
	}

	// Step 3: fill defaults from the tool's input schema.
	fillDefaults(j.Tool, resolved)

	// Step 4: validate resolved inputs against the tool's input schema, now
	// that defaults have had a chance to replace any unresolved nulls.
	if err := validateInputs(j.Tool, resolved); err != nil {
		return nil, fmt.Errorf("jobexec: validate inputs: %w", err)
	}

	// Step 5: compute and export EnvVarRequirement variables.
	env := computeEnvVars(j.Tool, resolved, j.ExpressionLib)

	// Step 6: strip keys not declared in the tool's input record.
	resolved = stripUndeclaredInputs(j.Tool, resolved)

	// Step 7: scan for unsupported requirements and evaluate resources.
	if err := ScanUnsupportedRequirements(j.Tool, j.Store != nil, logger); err != nil {
		return nil, err
	}
	desc, err := EvaluateResources(j.Tool, resolved, j.ExpressionLib)
	if err != nil {
		return nil, fmt.Errorf("jobexec: evaluate resources: %w", err)
	}
	desc.Env = env

	// Step 8: runtime context with a bound toil_get_file.
	rc := &RuntimeContext{
		StreamingAllowed: j.StreamingAllowed,
	}
	if j.Store != nil {
		rc.ToilGetFile = func(location string, streamable bool) (string, error) {
			path, pipe, merr := filestage.Materialize(ctx, j.Store, location, streamable, filestage.MaterializeOptions{
				StreamingAllowed: j.StreamingAllowed,
				StoreIsLocal:     j.StoreIsLocal,
				Logger:           logger,
			})
			if merr != nil {
				return "", merr
			}
			if pipe != nil {
				j.pipes = append(j.pipes, pipe)
			}
			return path, nil
		}
	}

	// Step 9: invoke the tool runtime.
	outputs, status, err := j.Runtime.Execute(ctx, j.Tool, resolved, rc, logger)

	// Step 10: close and join streaming pipe threads regardless of outcome.
	var pipeErr error
	for _, p := range j.pipes {
		if joinErr := p.Join(); joinErr != nil {
			var ep *filestage.ErrPipe
			if errors.As(joinErr, &ep) {
				pipeErr = joinErr
			}
		}
	}
	j.pipes = nil

	if err != nil {
		return nil, fmt.Errorf("jobexec: tool execution: %w", err)
	}
	if status != "success" {
		return nil, fmt.Errorf("jobexec: tool reported status %q", status)
	}
	if pipeErr != nil {
		return nil, pipeErr
	}

	// Step 11: re-import output files into the store.
	if j.Store != nil {
		for k, v := range outputs {
			obj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if err := filestage.Import(ctx, j.Store, j.FS, obj, filestage.ImportOptions{}); err != nil {
				return nil, fmt.Errorf("jobexec: re-import output %s: %w", k, err)
			}
		}
	}

	// Step 12: return the output dictionary.
	j.result = outputs
	j.ran = true
	return outputs, nil
}

// validateInputs decodes tool back into its typed CWL form and checks
// resolved against its input schema, catching missing required inputs and
// null values on non-optional inputs before any env/resource evaluation
// touches them.
func validateInputs(tool map[string]any, resolved map[string]any) error {
	data, err := json.Marshal(tool)
	if err != nil {
		return fmt.Errorf("marshal tool: %w", err)
	}
	if class, _ := tool["class"].(string); class == "ExpressionTool" {
		var t cwl.ExpressionTool
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("unmarshal expression tool: %w", err)
		}
		return validate.ExpressionToolInputs(&t, resolved)
	}
	var t cwl.CommandLineTool
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("unmarshal tool: %w", err)
	}
	return validate.ToolInputs(&t, resolved)
}

// fillDefaults fills tool.inputs[*].default for any key resolved to nil.
func fillDefaults(tool map[string]any, resolved map[string]any) {
	inputs, _ := tool["inputs"].(map[string]any)
	for id, raw := range inputs {
		spec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		def, hasDefault := spec["default"]
		if !hasDefault {
			continue
		}
		if v, present := resolved[id]; !present || v == nil {
			resolved[id] = def
		}
	}
}

// stripUndeclaredInputs guards against upstream over-filling by removing any
// key not declared in the tool's input record.
func stripUndeclaredInputs(tool map[string]any, resolved map[string]any) map[string]any {
	inputs, _ := tool["inputs"].(map[string]any)
	if inputs == nil {
		return resolved
	}
	out := make(map[string]any, len(resolved))
	for k, v := range resolved {
		if _, declared := inputs[k]; declared {
			out[k] = v
		}
	}
	return out
}

// computeEnvVars evaluates EnvVarRequirement.envDef, overriding any colliding
// requirement-level env vars with evaluated values.
func computeEnvVars(tool map[string]any, resolved map[string]any, exprLib []string) map[string]string {
	env := map[string]string{}
	req := findRequirement(tool, "EnvVarRequirement")
	if req == nil {
		return env
	}
	defs, _ := req["envDef"].([]any)
	evaluator := cwlexpr.NewEvaluator(exprLib)
	ctx := cwlexpr.NewContext(resolved)
	for _, raw := range defs {
		d, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := d["envName"].(string)
		valExpr, _ := d["envValue"].(string)
		if name == "" {
			continue
		}
		if cwlexpr.IsExpression(valExpr) {
			v, err := evaluator.Evaluate(valExpr, ctx)
			if err == nil {
				env[name] = cwlexpr.JsonDumps(v)
				continue
			}
		}
		env[name] = valExpr
	}
	return env
}

// findRequirement looks a named requirement up in either requirements or
// hints, requirements taking precedence.
func findRequirement(tool map[string]any, name string) map[string]any {
	if reqs, ok := tool["requirements"].(map[string]any); ok {
		if r, ok := reqs[name].(map[string]any); ok {
			return r
		}
	}
	if hints, ok := tool["hints"].(map[string]any); ok {
		if r, ok := hints[name].(map[string]any); ok {
			return r
		}
	}
	return nil
}
