package translator

import (
	"context"
	"fmt"

	"github.com/me/gowe/internal/promise"
	"github.com/me/gowe/pkg/cwl"
)

// buildScatterStep constructs the scatter/gather job pair for a step that
// declares a `scatter` field. Combination expansion is deferred to
// scatterNode.Run, since scatter array lengths are only known once upstream
// producers have actually resolved — not at translation time.
func buildScatterStep(stepID string, step cwl.Step, jobobj map[string]promise.Resolvable, conditional *promise.Conditional, opts Options) (JobNode, JobNode, error) {
	method := step.ScatterMethod
	if method == "" {
		if len(step.Scatter) == 1 {
			method = "dotproduct"
		} else {
			method = "nested_crossproduct"
		}
	}

	scatter := &scatterNode{
		id:          stepID + ".scatter",
		step:        step,
		method:      method,
		jobobj:      jobobj,
		conditional: conditional,
		opts:        opts,
	}
	gather := &gatherNode{id: stepID + ".gather", scatter: scatter}
	return scatter, gather, nil
}

// scatterNode is the wfjob half of a scattered step: at run time it resolves
// the step's (non-valueFrom) inputs, expands them into per-iteration
// combinations per the declared scatter method, and spawns one child job per
// combination.
type scatterNode struct {
	id          string
	step        cwl.Step
	method      string
	jobobj      map[string]promise.Resolvable
	conditional *promise.Conditional
	opts        Options

	dims       []int
	iterations []JobNode
	ran        bool
}

func (s *scatterNode) NodeID() string { return s.id }

func (s *scatterNode) Result() (map[string]any, error) {
	if !s.ran {
		return nil, fmt.Errorf("translator: scatter %s has not run yet", s.id)
	}
	return map[string]any{}, nil
}

func (s *scatterNode) Run(ctx context.Context, fileReader func(location string) (string, error)) (map[string]any, error) {
	resolved, err := promise.ResolveAll(s.jobobj, fileReader)
	if err != nil {
		return nil, fmt.Errorf("translator: resolve scatter inputs for %s: %w", s.id, err)
	}

	scatterArrays := make(map[string][]any, len(s.step.Scatter))
	for _, name := range s.step.Scatter {
		arr, ok := toAnySlice(resolved[name])
		if !ok {
			return nil, fmt.Errorf("translator: scatter input %q on step %s is not an array", name, s.id)
		}
		scatterArrays[name] = arr
	}

	var combos []map[string]any
	switch s.method {
	case "dotproduct":
		combos, err = dotProduct(resolved, s.step.Scatter, scatterArrays)
	case "nested_crossproduct", "flat_crossproduct":
		combos = flatCrossProduct(resolved, s.step.Scatter, scatterArrays)
	default:
		return nil, fmt.Errorf("%w: unsupported scatterMethod %q on step %s", promise.ErrValidation, s.method, s.id)
	}
	if err != nil {
		return nil, err
	}

	if s.method == "nested_crossproduct" {
		s.dims = make([]int, len(s.step.Scatter))
		for i, name := range s.step.Scatter {
			s.dims[i] = len(scatterArrays[name])
		}
	}

	exprLib := s.conditional.ExpressionLib
	s.iterations = make([]JobNode, 0, len(combos))
	for i, combo := range combos {
		jobobj := make(map[string]promise.Resolvable, len(combo))
		for k, v := range combo {
			var r promise.Resolvable = &promise.JustAValue{Val: v}
			if in, ok := s.step.In[k]; ok && in.ValueFrom != "" {
				r = &promise.StepValueFrom{Expr: in.ValueFrom, Source: r, ExpressionLib: exprLib}
			}
			jobobj[k] = r
		}

		tool, ok, terr := resolveTool(s.step.Run, s.opts.Resolver)
		if terr != nil {
			return nil, terr
		}
		if !ok {
			return nil, fmt.Errorf("translator: unable to resolve run reference %q for scatter %s", s.step.Run, s.id)
		}

		iterID := fmt.Sprintf("%s.%d", s.id, i)
		var iterNode JobNode
		if hasResourceExpression(toolRequirements(tool)) {
			iterNode = wrapFollowOnKind(iterID, s.opts.NewWrapperJob(tool, jobobj, s.conditional, exprLib), true)
		} else {
			iterNode = wrapFollowOnKind(iterID, s.opts.NewToolJob(tool, jobobj, s.conditional, exprLib), false)
		}

		s.opts.Scheduler.AddJob(iterID, iterNode)
		s.opts.Scheduler.AddChild(s.id, iterID)
		s.iterations = append(s.iterations, iterNode)
	}

	s.ran = true
	return map[string]any{}, nil
}

// gatherNode is the follow-on half of a scattered step: the scheduler only
// runs it once every child of scatterNode (every iteration) has completed,
// at which point it merges their per-iteration outputs into arrays.
type gatherNode struct {
	id      string
	scatter *scatterNode
	result  map[string]any
	ran     bool
}

func (g *gatherNode) NodeID() string     { return g.id }
func (g *gatherNode) followOnKind() bool { return true }

func (g *gatherNode) Result() (map[string]any, error) {
	if !g.ran {
		return nil, fmt.Errorf("translator: gather %s has not run yet", g.id)
	}
	return g.result, nil
}

func (g *gatherNode) Run(ctx context.Context, fileReader func(location string) (string, error)) (map[string]any, error) {
	if !g.scatter.ran {
		return nil, fmt.Errorf("translator: gather %s ran before its scatter", g.id)
	}

	results := make([]map[string]any, len(g.scatter.iterations))
	for i, iter := range g.scatter.iterations {
		rec, err := iter.Result()
		if err != nil {
			return nil, fmt.Errorf("translator: gather %s: iteration %d: %w", g.id, i, err)
		}
		results[i] = rec
	}

	merged := make(map[string]any, len(g.scatter.step.Out))
	if len(g.scatter.dims) > 1 {
		for _, outID := range g.scatter.step.Out {
			merged[outID] = nestResults(results, g.scatter.dims, 0, outID)
		}
	} else {
		for _, outID := range g.scatter.step.Out {
			arr := make([]any, len(results))
			for i, rec := range results {
				if rec != nil {
					arr[i] = rec[outID]
				}
			}
			merged[outID] = arr
		}
	}

	g.result = merged
	g.ran = true
	return merged, nil
}

// toAnySlice converts a value to []any if it is any recognized slice shape,
// adapted from the single-job runner's scatter combinatorics.
func toAnySlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	switch arr := v.(type) {
	case []any:
		return arr, true
	case []string:
		out := make([]any, len(arr))
		for i, s := range arr {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(arr))
		for i, n := range arr {
			out[i] = n
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(arr))
		for i, m := range arr {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

// dotProduct zips equal-length scatter arrays element by element; mismatched
// lengths are a validation error.
func dotProduct(base map[string]any, scatterInputs []string, arrays map[string][]any) ([]map[string]any, error) {
	if len(scatterInputs) == 0 {
		return nil, nil
	}
	length := len(arrays[scatterInputs[0]])
	for _, name := range scatterInputs[1:] {
		if len(arrays[name]) != length {
			return nil, fmt.Errorf("%w: dotproduct scatter requires equal-length arrays, %q has %d, %q has %d",
				promise.ErrValidation, scatterInputs[0], length, name, len(arrays[name]))
		}
	}
	combos := make([]map[string]any, 0, length)
	for i := 0; i < length; i++ {
		combo := copyInputs(base)
		for _, name := range scatterInputs {
			combo[name] = arrays[name][i]
		}
		combos = append(combos, combo)
	}
	return combos, nil
}

// flatCrossProduct computes the cartesian product of every scatter array,
// flattened into a single list of combinations; nested_crossproduct reshapes
// this same flat list at gather time via nestResults.
func flatCrossProduct(base map[string]any, scatterInputs []string, arrays map[string][]any) []map[string]any {
	if len(scatterInputs) == 0 {
		return nil
	}
	first := scatterInputs[0]
	combos := make([]map[string]any, 0, len(arrays[first]))
	for _, val := range arrays[first] {
		combo := copyInputs(base)
		combo[first] = val
		combos = append(combos, combo)
	}
	for _, name := range scatterInputs[1:] {
		var expanded []map[string]any
		for _, combo := range combos {
			for _, val := range arrays[name] {
				next := copyInputs(combo)
				next[name] = val
				expanded = append(expanded, next)
			}
		}
		combos = expanded
	}
	return combos
}

func copyInputs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// nestResults recursively reshapes a flat per-iteration result list into
// nested arrays matching dims, one dimension per scattered input — e.g.
// scattering over two inputs of length 2 produces [[r0,r1],[r2,r3]].
func nestResults(results []map[string]any, dims []int, dimIdx int, outputID string) any {
	if dimIdx >= len(dims) || len(results) == 0 {
		return []any{}
	}
	outerSize := dims[dimIdx]
	if dimIdx == len(dims)-1 {
		n := outerSize
		if n > len(results) {
			n = len(results)
		}
		arr := make([]any, n)
		for i := range arr {
			if results[i] != nil {
				arr[i] = results[i][outputID]
			}
		}
		return arr
	}
	innerSize := 1
	for _, d := range dims[dimIdx+1:] {
		innerSize *= d
	}
	arr := make([]any, outerSize)
	for i := 0; i < outerSize; i++ {
		start := i * innerSize
		end := start + innerSize
		if start >= len(results) {
			break
		}
		if end > len(results) {
			end = len(results)
		}
		arr[i] = nestResults(results[start:end], dims, dimIdx+1, outputID)
	}
	return arr
}
