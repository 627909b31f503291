package translator

import (
	"fmt"

	"github.com/me/gowe/internal/promise"
	"github.com/me/gowe/pkg/cwl"
)

// buildStepNode constructs the job node(s) for one workflow step: an
// ordinary tool job, a resource-deferred wrapper, a scatter/gather pair, or
// a recursive subworkflow/ResolveIndirect pair.
// wfjob is the node dependency edges attach to; followOn is the node stored
// into promises/jobs (identical to wfjob for a plain tool or wrapper step).
func buildStepNode(stepID string, step cwl.Step, promises map[string]promise.Producer, opts Options) (wfjob JobNode, followOn JobNode, err error) {
	stepExprLib := extractExpressionLib(opts.ExpressionLib, step.Requirements, step.Hints)
	jobobj, err := buildStepInputs(step, promises, len(step.Scatter) > 0, stepExprLib)
	if err != nil {
		return nil, nil, err
	}
	conditional := &promise.Conditional{
		Expression:    step.When,
		OutputIDs:     step.Out,
		ExpressionLib: stepExprLib,
	}

	switch {
	case len(step.Scatter) > 0:
		return buildScatterStep(stepID, step, jobobj, conditional, opts)

	case isSubworkflowRef(step.Run, opts.Resolver):
		return buildSubworkflowStep(stepID, step, jobobj, conditional, opts)

	default:
		tool, ok, terr := resolveTool(step.Run, opts.Resolver)
		if terr != nil {
			return nil, nil, terr
		}
		if !ok {
			return nil, nil, fmt.Errorf("unable to resolve run reference %q", step.Run)
		}
		exprLib := extractExpressionLib(stepExprLib, toolRequirements(tool), toolHints(tool))
		if hasResourceExpression(toolRequirements(tool)) {
			node := opts.NewWrapperJob(tool, jobobj, conditional, exprLib)
			wrapped := wrapFollowOnKind(stepID+".wrapper", node, true)
			return wrapped, wrapped, nil
		}
		node := opts.NewToolJob(tool, jobobj, conditional, exprLib)
		plain := wrapFollowOnKind(stepID+".tool", node, false)
		return plain, plain, nil
	}
}

func resolveTool(ref string, resolver Resolver) (map[string]any, bool, error) {
	if resolver == nil {
		return nil, false, fmt.Errorf("no Resolver collaborator configured")
	}
	return resolver.ResolveTool(ref)
}

func isSubworkflowRef(ref string, resolver Resolver) bool {
	if resolver == nil {
		return false
	}
	_, ok, err := resolver.ResolveWorkflow(ref)
	return err == nil && ok
}

func toolRequirements(tool map[string]any) map[string]any {
	reqs, _ := tool["requirements"].(map[string]any)
	return reqs
}

func toolHints(tool map[string]any) map[string]any {
	hints, _ := tool["hints"].(map[string]any)
	return hints
}

// buildStepInputs wraps each declared step input into the promise chain:
// source(s) → default → valueFrom, in that order.
// Scattered steps defer their valueFrom evaluation to postScatterEval, since
// it must run per-iteration against already-substituted scatter values.
func buildStepInputs(step cwl.Step, promises map[string]promise.Producer, scattered bool, exprLib []string) (map[string]promise.Resolvable, error) {
	out := make(map[string]promise.Resolvable, len(step.In))
	for name, in := range step.In {
		var resolvable promise.Resolvable
		if len(in.Sources) > 0 {
			tuples := make([]promise.SourceTuple, 0, len(in.Sources))
			for _, src := range in.Sources {
				producerKey, shortName := splitSource(src)
				producer, ok := promises[producerKey]
				if !ok {
					return nil, fmt.Errorf("input %s: source %q has no producer yet", name, src)
				}
				tuples = append(tuples, promise.SourceTuple{Name: shortName, Producer: producer})
			}
			resolvable = promise.NewResolveSource(name, tuples, len(in.Sources) > 1, "", "")
		}
		if in.Default != nil {
			resolvable = &promise.DefaultWithSource{Default: in.Default, Source: resolvable}
		}
		if resolvable == nil {
			resolvable = &promise.JustAValue{Val: nil}
		}
		if in.ValueFrom != "" && !scattered {
			resolvable = &promise.StepValueFrom{Expr: in.ValueFrom, Source: resolvable, ExpressionLib: exprLib}
		}
		out[name] = resolvable
	}
	return out, nil
}

// followOnKindNode decorates a JobNode with an explicit followOnKind marker,
// used by the translator to decide child vs. follow-on wiring for consumers
// depending on this producer.
type followOnKindNode struct {
	JobNode
	id         string
	isFollowOn bool
}

func (f *followOnKindNode) NodeID() string     { return f.id }
func (f *followOnKindNode) followOnKind() bool { return f.isFollowOn }

func wrapFollowOnKind(id string, node JobNode, isFollowOn bool) *followOnKindNode {
	return &followOnKindNode{JobNode: node, id: id, isFollowOn: isFollowOn}
}
