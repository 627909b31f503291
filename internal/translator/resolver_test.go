package translator

import (
	"testing"

	"github.com/me/gowe/pkg/cwl"
)

func TestGraphResolver_ResolveToolMarshalsToPlainMap(t *testing.T) {
	doc := &cwl.GraphDocument{
		Tools: map[string]*cwl.CommandLineTool{
			"echo": {
				ID:          "echo",
				Class:       "CommandLineTool",
				BaseCommand: "echo",
				Inputs: map[string]cwl.ToolInputParam{
					"message": {Type: "string"},
				},
			},
		},
	}
	r := NewGraphResolver(doc)

	tool, ok, err := r.ResolveTool("echo")
	if err != nil {
		t.Fatalf("ResolveTool: %v", err)
	}
	if !ok {
		t.Fatal("expected echo to resolve")
	}
	if tool["id"] != "echo" || tool["class"] != "CommandLineTool" {
		t.Fatalf("unexpected marshaled tool: %+v", tool)
	}
	if _, ok := tool["inputs"].(map[string]any); !ok {
		t.Fatalf("expected inputs to survive the marshal round trip: %+v", tool)
	}
}

func TestGraphResolver_ResolveToolMissingIsNotAnError(t *testing.T) {
	doc := &cwl.GraphDocument{Tools: map[string]*cwl.CommandLineTool{}}
	r := NewGraphResolver(doc)

	_, ok, err := r.ResolveTool("missing")
	if err != nil {
		t.Fatalf("ResolveTool: %v", err)
	}
	if ok {
		t.Fatal("expected a miss for an unknown tool reference")
	}
}

func TestGraphResolver_ResolveWorkflowOnlyMatchesOwnWorkflow(t *testing.T) {
	wf := &cwl.Workflow{ID: "main", Class: "Workflow"}
	doc := &cwl.GraphDocument{Workflow: wf}
	r := NewGraphResolver(doc)

	got, ok, err := r.ResolveWorkflow("main")
	if err != nil || !ok || got != wf {
		t.Fatalf("expected the document's own workflow to resolve: ok=%v err=%v got=%v", ok, err, got)
	}

	_, ok, err = r.ResolveWorkflow("other")
	if err != nil {
		t.Fatalf("ResolveWorkflow: %v", err)
	}
	if ok {
		t.Fatal("expected a flat GraphDocument to never resolve a different workflow reference")
	}
}

func TestJobFactories_NewToolJobProducesDistinctNodeIDs(t *testing.T) {
	f := JobFactories{}
	factory := f.NewToolJob()

	a := factory(map[string]any{"id": "step-a"}, nil, nil, nil)
	b := factory(map[string]any{"id": "step-a"}, nil, nil, nil)

	if a.NodeID() == b.NodeID() {
		t.Fatalf("expected distinct node ids across calls, got %q twice", a.NodeID())
	}
}

func TestJobFactories_NewWrapperJobIDsArePrefixed(t *testing.T) {
	f := JobFactories{}
	factory := f.NewWrapperJob()

	n := factory(map[string]any{"id": "step-b"}, nil, nil, nil)
	if n.NodeID() != "wrapper-step-b-1" {
		t.Fatalf("unexpected wrapper node id: %s", n.NodeID())
	}
}
