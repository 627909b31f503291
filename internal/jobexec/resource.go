package jobexec

import (
	"fmt"

	"github.com/me/gowe/internal/cwlexpr"
	"github.com/me/gowe/internal/dispatcher"
)

const mib = 1024 * 1024

// defaultCores/RAM/Disk mirror the engine's own conservative defaults when a
// tool declares no ResourceRequirement at all.
const (
	defaultCores = 1.0
	defaultRamMB = 1024
	defaultDiskMB = 2048
)

// EvaluateResources reads ResourceRequirement (requirements take precedence
// over hints) and resolves its coresMin, ramMin, tmpdirMin and outdirMin
// fields to concrete numbers, evaluating any CWL expression against the
// resolved job inputs; the Max fields are not read. Disk is tmpdirMin plus
// outdirMin. It also reads the Toil-specific "cudaDeviceCount" hint into a
// GPU accelerator. The "UsePreemptible" hint is not read here (see
// UsePreemptibleHint), and the returned description has no preemptible flag.
func EvaluateResources(tool map[string]any, resolved map[string]any, exprLib []string) (*dispatcher.JobDescription, error) {
	evaluator := cwlexpr.NewEvaluator(exprLib)
	ctx := cwlexpr.NewContext(resolved)

	req := findRequirement(tool, "ResourceRequirement")

	cores, err := resolveResourceNumber(req, "coresMin", defaultCores, evaluator, ctx)
	if err != nil {
		return nil, err
	}
	ramMB, err := resolveResourceNumber(req, "ramMin", defaultRamMB, evaluator, ctx)
	if err != nil {
		return nil, err
	}
	tmpMB, err := resolveResourceNumber(req, "tmpdirMin", 0, evaluator, ctx)
	if err != nil {
		return nil, err
	}
	outMB, err := resolveResourceNumber(req, "outdirMin", defaultDiskMB, evaluator, ctx)
	if err != nil {
		return nil, err
	}

	desc := &dispatcher.JobDescription{
		Cores:       cores,
		MemoryBytes: int64(ramMB * mib),
		DiskBytes:   int64((tmpMB + outMB) * mib),
	}

	if gpuCount, ok, err := hintInt(tool, "cudaDeviceCount"); err != nil {
		return nil, err
	} else if ok && gpuCount > 0 {
		desc.Accelerators = append(desc.Accelerators, dispatcher.Accelerator{
			Kind:  "gpu",
			API:   "cuda",
			Count: gpuCount,
		})
	}

	return desc, nil
}

// resolveResourceNumber reads a field from the ResourceRequirement map,
// falling back to def when absent, and evaluating it as a CWL expression if
// it is a string that looks like one.
func resolveResourceNumber(req map[string]any, field string, def float64, evaluator *cwlexpr.Evaluator, ctx *cwlexpr.Context) (float64, error) {
	if req == nil {
		return def, nil
	}
	raw, ok := req[field]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case string:
		if cwlexpr.IsExpression(v) {
			result, err := evaluator.Evaluate(v, ctx)
			if err != nil {
				return 0, fmt.Errorf("jobexec: evaluate %s: %w", field, err)
			}
			return toFloat(result)
		}
		return def, nil
	default:
		return toFloat(v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("jobexec: resource value %v is not numeric", v)
	}
}

// hintInt reads an integer-valued hint (not a standard requirement), present
// only in hints since it has no schema home in CWL's ResourceRequirement.
func hintInt(tool map[string]any, name string) (int, bool, error) {
	hints, _ := tool["hints"].(map[string]any)
	if hints == nil {
		return 0, false, nil
	}
	raw, ok := hints[name]
	if !ok {
		return 0, false, nil
	}
	f, err := toFloat(raw)
	if err != nil {
		return 0, false, err
	}
	return int(f), true, nil
}

// UsePreemptibleHint reports the Toil-specific "UsePreemptible" hint. This
// hint must be a boolean literal; an expression here is a validation error
// rather than being silently evaluated, since preemptible placement is
// decided before any job-specific context exists.
func UsePreemptibleHint(tool map[string]any) (bool, error) {
	hints, _ := tool["hints"].(map[string]any)
	if hints == nil {
		return false, nil
	}
	raw, ok := hints["UsePreemptible"]
	if !ok {
		return false, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		return false, fmt.Errorf("jobexec: UsePreemptible must be a boolean literal, got expression %q", v)
	default:
		return false, fmt.Errorf("jobexec: UsePreemptible must be a boolean literal, got %T", v)
	}
}
