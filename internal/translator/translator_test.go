package translator

import (
	"context"
	"log/slog"
	"testing"

	"github.com/me/gowe/internal/jobexec"
	"github.com/me/gowe/internal/promise"
	"github.com/me/gowe/pkg/cwl"
)

// fakeScheduler is a synchronous, in-memory Scheduler collaborator for
// tests. It re-scans for runnable nodes to a fixed point, honoring the same
// child/follow-on semantics a real dynamic-DAG scheduler would: a follow-on
// only becomes ready once its parent and everything transitively depending
// on that parent (added at run time, since job() calls grow the graph as
// they execute) have completed.
type fakeScheduler struct {
	nodes      map[string]JobNode
	childOf    map[string][]string
	followOnOf map[string][]string
	roots      []string
	ran        map[string]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		nodes:      map[string]JobNode{},
		childOf:    map[string][]string{},
		followOnOf: map[string][]string{},
		ran:        map[string]bool{},
	}
}

func (s *fakeScheduler) AddJob(id string, node JobNode) { s.nodes[id] = node }

func (s *fakeScheduler) AddChild(parentID, childID string) {
	s.childOf[parentID] = append(s.childOf[parentID], childID)
}

func (s *fakeScheduler) AddFollowOn(parentID, followOnID string) {
	s.followOnOf[parentID] = append(s.followOnOf[parentID], followOnID)
}

func (s *fakeScheduler) AddRoot(id string) { s.roots = append(s.roots, id) }

// subtreeDone reports whether parentID and its entire AddChild-descendant
// subtree have completed. It deliberately does not recurse into parentID's
// own follow-ons: a follow-on is a sequential successor, not a member of the
// prerequisite set its own readiness is computed from.
func (s *fakeScheduler) subtreeDone(parentID string) bool {
	if !s.ran[parentID] {
		return false
	}
	for _, c := range s.childOf[parentID] {
		if !s.ran[c] || !s.subtreeDone(c) {
			return false
		}
	}
	return true
}

func (s *fakeScheduler) isReady(id string) bool {
	for parent, children := range s.childOf {
		for _, c := range children {
			if c == id && !s.ran[parent] {
				return false
			}
		}
	}
	for parent, followOns := range s.followOnOf {
		for _, f := range followOns {
			if f == id && !s.subtreeDone(parent) {
				return false
			}
		}
	}
	return true
}

// runAll drives every registered node to completion, tolerating nodes and
// edges added dynamically by a node's own Run (scatter iterations,
// recursively expanded subworkflows).
func (s *fakeScheduler) runAll(t *testing.T) {
	t.Helper()
	for {
		progressed := false
		for id, node := range s.nodes {
			if s.ran[id] || !s.isReady(id) {
				continue
			}
			if _, err := node.Run(context.Background(), nil); err != nil {
				t.Fatalf("run %s: %v", id, err)
			}
			s.ran[id] = true
			progressed = true
		}
		if progressed {
			continue
		}
		for id := range s.nodes {
			if !s.ran[id] {
				t.Fatalf("scheduler stalled with %q not runnable; ran=%v", id, s.ran)
			}
		}
		return
	}
}

// fakeResolver is a fixed lookup table standing in for the parser
// collaborator.
type fakeResolver struct {
	tools     map[string]map[string]any
	workflows map[string]*cwl.Workflow
}

func (r *fakeResolver) ResolveTool(ref string) (map[string]any, bool, error) {
	t, ok := r.tools[ref]
	return t, ok, nil
}

func (r *fakeResolver) ResolveWorkflow(ref string) (*cwl.Workflow, bool, error) {
	w, ok := r.workflows[ref]
	return w, ok, nil
}

// testToolNode adapts a *jobexec.ToolJob to JobNode by supplying the stable id
// the translator assigned.
type testToolNode struct {
	*jobexec.ToolJob
	id string
}

func (n *testToolNode) NodeID() string { return n.id }

// testWrapperNode adapts a *jobexec.JobWrapper to JobNode.
type testWrapperNode struct {
	*jobexec.JobWrapper
	id string
}

func (n *testWrapperNode) NodeID() string { return n.id }

func newOptions(resolver *fakeResolver, scheduler *fakeScheduler, runtime jobexec.ToolRuntime) Options {
	return Options{
		Resolver:  resolver,
		Scheduler: scheduler,
		NewToolJob: func(tool map[string]any, inputs map[string]promise.Resolvable, cond *promise.Conditional, exprLib []string) JobNode {
			return &testToolNode{ToolJob: &jobexec.ToolJob{
				Tool:          tool,
				Inputs:        inputs,
				Conditional:   cond,
				ExpressionLib: exprLib,
				Runtime:       runtime,
			}}
		},
		NewWrapperJob: func(tool map[string]any, inputs map[string]promise.Resolvable, cond *promise.Conditional, exprLib []string) JobNode {
			return &testWrapperNode{JobWrapper: &jobexec.JobWrapper{
				Tool:          tool,
				Inputs:        inputs,
				Conditional:   cond,
				ExpressionLib: exprLib,
				Runtime:       runtime,
			}}
		},
	}
}

// recordingRuntime returns a fixed output record and remembers the inputs it
// was invoked with.
type recordingRuntime struct {
	output func(jobOrder map[string]any) map[string]any
	calls  []map[string]any
}

func (r *recordingRuntime) Execute(ctx context.Context, process map[string]any, jobOrder map[string]any, rc *jobexec.RuntimeContext, logger *slog.Logger) (map[string]any, string, error) {
	r.calls = append(r.calls, jobOrder)
	return r.output(jobOrder), "success", nil
}

func TestTranslate_LinearWorkflowReachesFixedPoint(t *testing.T) {
	wf := &cwl.Workflow{
		Inputs: map[string]cwl.InputParam{"msg": {Type: "string"}},
		Steps: map[string]cwl.Step{
			"echo": {
				Run: "echo-tool",
				In:  map[string]cwl.StepInput{"text": {Sources: []string{"msg"}}},
				Out: []string{"greeting"},
			},
		},
		Outputs: map[string]cwl.OutputParam{
			"final": {OutputSource: "echo/greeting"},
		},
	}

	rt := &recordingRuntime{output: func(jobOrder map[string]any) map[string]any {
		return map[string]any{"greeting": jobOrder["text"]}
	}}
	resolver := &fakeResolver{tools: map[string]map[string]any{
		"echo-tool": {"class": "CommandLineTool", "inputs": map[string]any{"text": map[string]any{"type": "string"}}},
	}}
	scheduler := newFakeScheduler()
	outputs, _, err := Translate(wf, map[string]any{"msg": "hello"}, newOptions(resolver, scheduler, rt))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(scheduler.roots) != 1 {
		t.Fatalf("expected exactly one root job, got %v", scheduler.roots)
	}

	scheduler.runAll(t)

	final, err := outputs["final"].Resolve()
	if err != nil {
		t.Fatalf("resolve final output: %v", err)
	}
	if final != "hello" {
		t.Errorf("final = %v, want %q", final, "hello")
	}
	if len(rt.calls) != 1 || rt.calls[0]["text"] != "hello" {
		t.Errorf("unexpected runtime calls: %#v", rt.calls)
	}
}

func TestTranslate_ConditionalSkipYieldsNilOutput(t *testing.T) {
	wf := &cwl.Workflow{
		Inputs: map[string]cwl.InputParam{"run": {Type: "boolean"}},
		Steps: map[string]cwl.Step{
			"maybe": {
				Run:  "echo-tool",
				In:   map[string]cwl.StepInput{"run": {Sources: []string{"run"}}},
				Out:  []string{"greeting"},
				When: "$(inputs.run)",
			},
		},
		Outputs: map[string]cwl.OutputParam{
			"final": {OutputSource: "maybe/greeting"},
		},
	}

	rt := &recordingRuntime{output: func(jobOrder map[string]any) map[string]any {
		return map[string]any{"greeting": "ran"}
	}}
	resolver := &fakeResolver{tools: map[string]map[string]any{
		"echo-tool": {"class": "CommandLineTool", "inputs": map[string]any{"run": map[string]any{"type": "boolean"}}},
	}}
	scheduler := newFakeScheduler()
	outputs, _, err := Translate(wf, map[string]any{"run": false}, newOptions(resolver, scheduler, rt))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	scheduler.runAll(t)

	final, err := outputs["final"].Resolve()
	if err != nil {
		t.Fatalf("resolve final output: %v", err)
	}
	if final != nil {
		t.Errorf("final = %v, want nil for a skipped step", final)
	}
	if len(rt.calls) != 0 {
		t.Errorf("tool runtime should not have been invoked for a false conditional, got %d calls", len(rt.calls))
	}
}

func TestTranslate_ScatterDotProductGathersInOrder(t *testing.T) {
	wf := &cwl.Workflow{
		Inputs: map[string]cwl.InputParam{"items": {Type: "int[]"}},
		Steps: map[string]cwl.Step{
			"double": {
				Run:     "double-tool",
				In:      map[string]cwl.StepInput{"n": {Sources: []string{"items"}}},
				Out:     []string{"doubled"},
				Scatter: []string{"n"},
			},
		},
		Outputs: map[string]cwl.OutputParam{
			"results": {OutputSource: "double/doubled"},
		},
	}

	rt := &recordingRuntime{output: func(jobOrder map[string]any) map[string]any {
		n, _ := jobOrder["n"].(int)
		return map[string]any{"doubled": n * 2}
	}}
	resolver := &fakeResolver{tools: map[string]map[string]any{
		"double-tool": {"class": "CommandLineTool", "inputs": map[string]any{"n": map[string]any{"type": "int"}}},
	}}
	scheduler := newFakeScheduler()
	outputs, _, err := Translate(wf, map[string]any{"items": []any{1, 2, 3}}, newOptions(resolver, scheduler, rt))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	scheduler.runAll(t)

	results, err := outputs["results"].Resolve()
	if err != nil {
		t.Fatalf("resolve results output: %v", err)
	}
	arr, ok := results.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("expected a 3-element array, got %#v", results)
	}
	for i, want := range []int{2, 4, 6} {
		if arr[i] != want {
			t.Errorf("results[%d] = %v, want %d", i, arr[i], want)
		}
	}
}

func TestTranslate_SubworkflowExpandsRecursively(t *testing.T) {
	inner := &cwl.Workflow{
		Inputs: map[string]cwl.InputParam{"innerMsg": {Type: "string"}},
		Steps: map[string]cwl.Step{
			"echo": {
				Run: "echo-tool",
				In:  map[string]cwl.StepInput{"text": {Sources: []string{"innerMsg"}}},
				Out: []string{"greeting"},
			},
		},
		Outputs: map[string]cwl.OutputParam{
			"innerOut": {OutputSource: "echo/greeting"},
		},
	}
	outer := &cwl.Workflow{
		Inputs: map[string]cwl.InputParam{"msg": {Type: "string"}},
		Steps: map[string]cwl.Step{
			"nested": {
				Run: "sub.cwl",
				In:  map[string]cwl.StepInput{"innerMsg": {Sources: []string{"msg"}}},
				Out: []string{"innerOut"},
			},
		},
		Outputs: map[string]cwl.OutputParam{
			"final": {OutputSource: "nested/innerOut"},
		},
	}

	rt := &recordingRuntime{output: func(jobOrder map[string]any) map[string]any {
		return map[string]any{"greeting": jobOrder["text"]}
	}}
	resolver := &fakeResolver{
		tools:     map[string]map[string]any{"echo-tool": {"class": "CommandLineTool", "inputs": map[string]any{"text": map[string]any{"type": "string"}}}},
		workflows: map[string]*cwl.Workflow{"sub.cwl": inner},
	}
	scheduler := newFakeScheduler()
	outputs, _, err := Translate(outer, map[string]any{"msg": "hi"}, newOptions(resolver, scheduler, rt))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	scheduler.runAll(t)

	final, err := outputs["final"].Resolve()
	if err != nil {
		t.Fatalf("resolve final output: %v", err)
	}
	if final != "hi" {
		t.Errorf("final = %v, want %q", final, "hi")
	}
}
