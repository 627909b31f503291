package translator

import (
	"context"
	"fmt"

	"github.com/me/gowe/internal/promise"
	"github.com/me/gowe/pkg/cwl"
)

// buildSubworkflowStep constructs the recursive-translator/ResolveIndirect
// pair for a step whose `run` reference names a nested Workflow. The nested
// workflow is not expanded now: subworkflowNode.Run
// defers expansion until the scheduler actually invokes it, by which point
// this step's own resolved inputs (and therefore the nested workflow's
// input object) are concrete.
func buildSubworkflowStep(stepID string, step cwl.Step, jobobj map[string]promise.Resolvable, conditional *promise.Conditional, opts Options) (JobNode, JobNode, error) {
	wf, ok, err := opts.Resolver.ResolveWorkflow(step.Run)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("translator: unable to resolve subworkflow reference %q", step.Run)
	}

	resolve := &resolveIndirectNode{id: stepID + ".resolveIndirect"}
	sub := &subworkflowNode{
		id:                stepID + ".subworkflow",
		wf:                wf,
		jobobj:            jobobj,
		conditional:       conditional,
		opts:              opts,
		resolveIndirectID: resolve.id,
	}
	resolve.sub = sub
	return sub, resolve, nil
}

// subworkflowNode is the wfjob half of a subworkflow step: at run time it
// resolves this step's inputs into the nested workflow's input object and
// recursively expands the nested workflow into the same external scheduler,
// wiring every terminal nested job as a follow-on predecessor of
// resolveIndirectNode so the gather only fires once the whole nested graph
// has actually finished.
type subworkflowNode struct {
	id                string
	wf                *cwl.Workflow
	jobobj            map[string]promise.Resolvable
	conditional       *promise.Conditional
	opts              Options
	resolveIndirectID string

	nestedOutputs map[string]promise.Resolvable
	skipped       bool
	ran           bool
}

func (s *subworkflowNode) NodeID() string { return s.id }

func (s *subworkflowNode) Result() (map[string]any, error) {
	if !s.ran {
		return nil, fmt.Errorf("translator: subworkflow %s has not run yet", s.id)
	}
	return map[string]any{}, nil
}

func (s *subworkflowNode) Run(ctx context.Context, fileReader func(location string) (string, error)) (map[string]any, error) {
	resolvedInputs, err := promise.ResolveAll(s.jobobj, fileReader)
	if err != nil {
		return nil, fmt.Errorf("translator: resolve subworkflow inputs for %s: %w", s.id, err)
	}

	if s.conditional != nil {
		skip, cerr := s.conditional.IsFalse(resolvedInputs)
		if cerr != nil {
			return nil, fmt.Errorf("translator: evaluate conditional for %s: %w", s.id, cerr)
		}
		if skip {
			s.skipped = true
			s.ran = true
			return map[string]any{}, nil
		}
	}

	nestedOutputs, nestedPromises, err := Translate(s.wf, resolvedInputs, s.opts)
	if err != nil {
		return nil, fmt.Errorf("translator: expand subworkflow %s: %w", s.id, err)
	}

	for _, out := range s.wf.Outputs {
		for _, src := range outputSources(out) {
			if node, ok := nestedPromises[src].(JobNode); ok {
				s.opts.Scheduler.AddFollowOn(node.NodeID(), s.resolveIndirectID)
			}
		}
	}

	s.nestedOutputs = nestedOutputs
	s.ran = true
	return map[string]any{}, nil
}

// resolveIndirectNode is the follow-on half of a subworkflow step: the
// scheduler only runs it once every job subworkflowNode.Run wired a
// follow-on edge for has completed, at which point the nested workflow's
// declared outputs can finally be resolved to concrete values.
type resolveIndirectNode struct {
	id     string
	sub    *subworkflowNode
	result map[string]any
	ran    bool
}

func (r *resolveIndirectNode) NodeID() string     { return r.id }
func (r *resolveIndirectNode) followOnKind() bool { return true }

func (r *resolveIndirectNode) Result() (map[string]any, error) {
	if !r.ran {
		return nil, fmt.Errorf("translator: resolveIndirect %s has not run yet", r.id)
	}
	return r.result, nil
}

func (r *resolveIndirectNode) Run(ctx context.Context, fileReader func(location string) (string, error)) (map[string]any, error) {
	if !r.sub.ran {
		return nil, fmt.Errorf("translator: resolveIndirect %s ran before its subworkflow", r.id)
	}
	if r.sub.skipped {
		r.result = r.sub.conditional.SkippedOutputs()
		r.ran = true
		return r.result, nil
	}
	out := make(map[string]any, len(r.sub.nestedOutputs))
	for k, res := range r.sub.nestedOutputs {
		v, err := res.Resolve()
		if err != nil {
			return nil, fmt.Errorf("translator: resolve subworkflow output %s: %w", k, err)
		}
		out[k] = v
	}
	r.result = out
	r.ran = true
	return out, nil
}
