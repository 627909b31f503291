// Package translator implements the Workflow Translator: it expands a CWL
// Workflow document into a dynamically growing job DAG by iterating to a
// fixed point, wiring each step's resolved inputs through the resolver
// primitives in internal/promise and handing dependency edges to an
// external scheduler collaborator via addChild/addFollowOn.
package translator

import (
	"context"
	"fmt"

	"github.com/me/gowe/internal/promise"
	"github.com/me/gowe/pkg/cwl"
)

// Scheduler is the external collaborator that owns the dynamically growing
// job DAG: the translator only ever adds nodes and edges to it; running the
// jobs and recording their results is entirely the scheduler's concern.
type Scheduler interface {
	// AddJob registers a freshly created job node, keyed by its translator-
	// assigned id.
	AddJob(id string, node JobNode)
	// AddChild records that child must not be considered for execution until
	// parent has completed, and runs as an ordinary descendant (its own
	// children may run in parallel with parent's other children).
	AddChild(parentID, childID string)
	// AddFollowOn records that followOnID must run after parentID and
	// everything already depending on parentID has completed (a strictly
	// later phase than a child).
	AddFollowOn(parentID, followOnID string)
	// AddRoot attaches a job with no incoming dependency edge directly under
	// the translator's own top-level job.
	AddRoot(id string)
}

// JobNode is anything the translator can wire into the DAG: it has a stable
// id, can be executed by the scheduler once its dependencies are satisfied,
// and eventually yields an output record. The Run signature matches
// jobexec.ToolJob.Run and jobexec.JobWrapper.Run exactly; those concrete
// types have no NodeID, so the toolNode/wrapperNode adapters supply it.
type JobNode interface {
	promise.Producer
	NodeID() string
	Run(ctx context.Context, fileReader func(location string) (string, error)) (map[string]any, error)
}

// Resolver is the external parser collaborator's lookup surface: given a
// step's `run` reference, it reports whether that reference names a
// CommandLineTool (returning its marshaled document) or a nested Workflow.
type Resolver interface {
	ResolveTool(ref string) (tool map[string]any, ok bool, err error)
	ResolveWorkflow(ref string) (wf *cwl.Workflow, ok bool, err error)
}

// Options configures one Translate call.
type Options struct {
	Resolver      Resolver
	Scheduler     Scheduler
	NewToolJob    func(tool map[string]any, inputs map[string]promise.Resolvable, cond *promise.Conditional, exprLib []string) JobNode
	NewWrapperJob func(tool map[string]any, inputs map[string]promise.Resolvable, cond *promise.Conditional, exprLib []string) JobNode
	ExpressionLib []string
}

// staticProducer wraps a plain value map as a promise.Producer, used for
// workflow-level inputs which have no producing job.
type staticProducer struct {
	values map[string]any
}

func (s *staticProducer) Result() (map[string]any, error) { return s.values, nil }

// hasResourceExpression reports whether a requirement's min/max resource
// fields contain a CWL expression rather than a plain number.
func hasResourceExpression(reqs map[string]any) bool {
	rr, _ := reqs["ResourceRequirement"].(map[string]any)
	if rr == nil {
		return false
	}
	for _, field := range []string{"coresMin", "coresMax", "ramMin", "ramMax", "tmpdirMin", "tmpdirMax", "outdirMin", "outdirMax"} {
		if s, ok := rr[field].(string); ok && isExpressionLike(s) {
			return true
		}
	}
	return false
}

func isExpressionLike(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '$' && (s[i+1] == '(' || s[i+1] == '{') {
			return true
		}
	}
	return false
}

func extractExpressionLib(base []string, reqs, hints map[string]any) []string {
	lib := append([]string{}, base...)
	for _, m := range []map[string]any{reqs, hints} {
		ijr, _ := m["InlineJavascriptRequirement"].(map[string]any)
		if ijr == nil {
			continue
		}
		raw, _ := ijr["expressionLib"].([]any)
		for _, e := range raw {
			if s, ok := e.(string); ok {
				lib = append(lib, s)
			}
		}
	}
	return lib
}

// splitSource splits a fully-qualified source reference into its producer
// key and the short output/input name the producer's Result() is keyed by.
// A bare workflow-input reference (no "/") yields (ref, ref).
func splitSource(ref string) (producerKey, shortName string) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ref
}

// Translate expands workflow against the given input object using a
// fixed-point algorithm. It returns the resolved output record's promise
// (one ResolveSource per workflow output) plus the final
// promises map, useful for introspection/debugging.
func Translate(wf *cwl.Workflow, inputs map[string]any, opts Options) (outputs map[string]promise.Resolvable, promises map[string]promise.Producer, err error) {
	if opts.Scheduler == nil {
		return nil, nil, fmt.Errorf("translator: a Scheduler collaborator is required")
	}

	promises = make(map[string]promise.Producer, len(wf.Inputs)+len(wf.Steps))
	for id := range wf.Inputs {
		promises[id] = &staticProducer{values: map[string]any{id: inputs[id]}}
	}

	jobs := make(map[string]JobNode, len(wf.Steps))

	for {
		done := true
		progressed := false

		for stepID, step := range wf.Steps {
			if _, already := jobs[stepID]; already {
				continue
			}
			refs := referencedSources(step)
			if !allResolved(refs, promises) {
				done = false
				continue
			}

			wfjob, followOn, err := buildStepNode(stepID, step, promises, opts)
			if err != nil {
				return nil, nil, fmt.Errorf("translator: step %s: %w", stepID, err)
			}

			opts.Scheduler.AddJob(wfjob.NodeID(), wfjob)
			if followOn.NodeID() != wfjob.NodeID() {
				opts.Scheduler.AddJob(followOn.NodeID(), followOn)
				opts.Scheduler.AddFollowOn(wfjob.NodeID(), followOn.NodeID())
			}

			wired := false
			for _, ref := range refs {
				producerKey, _ := splitSource(ref)
				if producerKey == stepID {
					continue
				}
				if _, isJob := jobs[producerKey]; !isJob {
					// producerKey names a workflow-level input, not a job: its
					// value is already available via staticProducer, so no DAG
					// edge is needed to order against it.
					continue
				}
				if isFollowOnProducer(producerKey, jobs) {
					opts.Scheduler.AddFollowOn(producerKey, wfjob.NodeID())
				} else {
					opts.Scheduler.AddChild(producerKey, wfjob.NodeID())
				}
				wired = true
			}
			if !wired {
				opts.Scheduler.AddRoot(wfjob.NodeID())
			}

			for _, outID := range step.Out {
				promises[stepID+"/"+outID] = followOn
			}
			jobs[stepID] = followOn
			progressed = true
		}

		for _, out := range wf.Outputs {
			for _, src := range outputSources(out) {
				if _, ok := promises[src]; !ok {
					done = false
				}
			}
		}

		if done {
			break
		}
		if !progressed {
			return nil, nil, fmt.Errorf("translator: workflow cannot reach a fixed point — some step or output source is never satisfied")
		}
	}

	outputs = make(map[string]promise.Resolvable, len(wf.Outputs))
	for outID, out := range wf.Outputs {
		sources := outputSources(out)
		tuples := make([]promise.SourceTuple, 0, len(sources))
		for _, src := range sources {
			_, shortName := splitSource(src)
			tuples = append(tuples, promise.SourceTuple{Name: shortName, Producer: promises[src]})
		}
		linkMerge := promise.LinkMergeMode(out.LinkMerge)
		pickValue := promise.PickValueMode(out.PickValue)
		asList := len(out.OutputSources) > 0
		outputs[outID] = promise.NewResolveSource(outID, tuples, asList, linkMerge, pickValue)
	}

	return outputs, promises, nil
}

// outputSources normalizes a workflow output's single/multi outputSource
// field into a slice.
func outputSources(out cwl.OutputParam) []string {
	if len(out.OutputSources) > 0 {
		return out.OutputSources
	}
	if out.OutputSource != "" {
		return []string{out.OutputSource}
	}
	return nil
}

// referencedSources collects every distinct source reference a step's
// inputs depend on.
func referencedSources(step cwl.Step) []string {
	seen := map[string]bool{}
	var out []string
	for _, in := range step.In {
		for _, s := range in.Sources {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func allResolved(refs []string, promises map[string]promise.Producer) bool {
	for _, r := range refs {
		if _, ok := promises[r]; !ok {
			return false
		}
	}
	return true
}

// isFollowOnProducer reports whether producerKey names a job whose kind
// requires a follow-on edge instead of a child edge: wrappers (the real job
// doesn't exist until the wrapper runs) and gathers (scatter results aren't
// final until every iteration is gathered).
func isFollowOnProducer(producerKey string, jobs map[string]JobNode) bool {
	node, ok := jobs[producerKey]
	if !ok {
		return false
	}
	type kinded interface{ followOnKind() bool }
	if k, ok := node.(kinded); ok {
		return k.followOnKind()
	}
	return false
}
