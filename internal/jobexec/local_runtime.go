package jobexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/me/gowe/internal/cmdline"
	"github.com/me/gowe/internal/cwlexpr"
	"github.com/me/gowe/internal/exprtool"
	"github.com/me/gowe/internal/secondaryfiles"
	"github.com/me/gowe/internal/toolexec"
	"github.com/me/gowe/pkg/cwl"
)

// LocalRuntime is the production ToolRuntime that actually runs a
// CommandLineTool as a local OS process. It bridges ToolJob's
// map[string]any tool/job-order shape to internal/cmdline's command-line
// builder and internal/toolexec's executor.
type LocalRuntime struct {
	executor *toolexec.Executor
}

// NewLocalRuntime constructs a LocalRuntime backed by its own
// toolexec.Executor.
func NewLocalRuntime(logger *slog.Logger) *LocalRuntime {
	return &LocalRuntime{executor: toolexec.NewExecutor(logger)}
}

// Execute implements ToolRuntime.
func (r *LocalRuntime) Execute(ctx context.Context, process map[string]any, jobOrder map[string]any, rc *RuntimeContext, logger *slog.Logger) (map[string]any, string, error) {
	if class, _ := process["class"].(string); class == "ExpressionTool" {
		return r.executeExpressionTool(process, jobOrder)
	}

	tool, err := toolFromMap(process)
	if err != nil {
		return nil, "permanentFail", fmt.Errorf("jobexec: decode tool: %w", err)
	}

	// Discover any companion files (e.g. a BAM's .bai) a File input declares
	// via secondaryFiles, before the command line is built from it.
	jobOrder = secondaryfiles.ResolveForTool(tool, jobOrder, "")

	workDir := rc.TmpOutDir
	if workDir == "" {
		workDir = rc.OutDir
	}

	runtimeCtx := &cwlexpr.RuntimeContext{
		OutDir: rc.OutDir,
		TmpDir: rc.TmpDir,
	}

	cmdResult, err := cmdline.NewBuilder(toolExpressionLib(tool)).Build(tool, jobOrder, runtimeCtx)
	if err != nil {
		return nil, "permanentFail", fmt.Errorf("jobexec: build command line: %w", err)
	}

	result, err := r.executor.Execute(ctx, &toolexec.Options{
		Tool:    tool,
		Command: cmdResult,
		Inputs:  jobOrder,
		WorkDir: workDir,
		OutDir:  rc.OutDir,
		Mode:    toolexec.ModeLocal,
	})
	if err != nil {
		return nil, "permanentFail", err
	}

	return result.Outputs, "success", nil
}

// executeExpressionTool handles the ExpressionTool branch of Execute: rather
// than building and running a command line, it decodes process back into a
// *cwl.ExpressionTool and evaluates its JavaScript expression directly.
func (r *LocalRuntime) executeExpressionTool(process map[string]any, jobOrder map[string]any) (map[string]any, string, error) {
	data, err := json.Marshal(process)
	if err != nil {
		return nil, "permanentFail", fmt.Errorf("jobexec: marshal expression tool: %w", err)
	}
	var tool cwl.ExpressionTool
	if err := json.Unmarshal(data, &tool); err != nil {
		return nil, "permanentFail", fmt.Errorf("jobexec: unmarshal expression tool: %w", err)
	}

	outputs, err := exprtool.Execute(&tool, jobOrder, exprtool.ExecuteOptions{
		ExpressionLib: expressionToolExpressionLib(&tool),
	})
	if err != nil {
		return nil, "permanentFail", err
	}
	return outputs, "success", nil
}

// expressionToolExpressionLib pulls InlineJavascriptRequirement.expressionLib
// out of an ExpressionTool's requirements, the ExpressionTool analogue of
// toolExpressionLib below.
func expressionToolExpressionLib(tool *cwl.ExpressionTool) []string {
	if tool.Requirements == nil {
		return nil
	}
	ijsReq, ok := tool.Requirements["InlineJavascriptRequirement"].(map[string]any)
	if !ok {
		return nil
	}
	lib, ok := ijsReq["expressionLib"].([]any)
	if !ok {
		return nil
	}
	var result []string
	for _, item := range lib {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

// toolFromMap decodes ToolJob.Tool's marshaled map[string]any form back into
// a typed *cwl.CommandLineTool, the reverse of the struct->map direction
// internal/translator.GraphResolver.ResolveTool performs when a job is
// first translated.
func toolFromMap(process map[string]any) (*cwl.CommandLineTool, error) {
	data, err := json.Marshal(process)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var tool cwl.CommandLineTool
	if err := json.Unmarshal(data, &tool); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &tool, nil
}

// toolExpressionLib pulls InlineJavascriptRequirement.expressionLib out of a
// tool's requirements.
func toolExpressionLib(tool *cwl.CommandLineTool) []string {
	if tool.Requirements == nil {
		return nil
	}
	ijsReq, ok := tool.Requirements["InlineJavascriptRequirement"].(map[string]any)
	if !ok {
		return nil
	}
	lib, ok := ijsReq["expressionLib"].([]any)
	if !ok {
		return nil
	}
	var result []string
	for _, item := range lib {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
