package translator

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/me/gowe/internal/filestage"
	"github.com/me/gowe/internal/jobexec"
	"github.com/me/gowe/internal/promise"
	"github.com/me/gowe/internal/vfsuri"
	"github.com/me/gowe/pkg/cwl"
)

// GraphResolver adapts a *cwl.GraphDocument (the flat parser output from
// internal/parser.Parser.ParseGraph — one Workflow plus Tools/ExpressionTools
// maps) into the Resolver interface Translate expects.
//
// GraphDocument has no nested-workflow representation: a `run:` reference
// either names an entry in Tools or it names the document's own top-level
// Workflow (a workflow step referencing itself, which CWL permits for
// recursive/self-referential graphs but which this corpus's fixture set
// never exercises). ResolveWorkflow therefore only ever matches the
// document's own Workflow id; every other reference is assumed to be a
// tool.
type GraphResolver struct {
	doc *cwl.GraphDocument
}

// NewGraphResolver constructs a Resolver over a parsed graph document.
func NewGraphResolver(doc *cwl.GraphDocument) *GraphResolver {
	return &GraphResolver{doc: doc}
}

// ResolveTool marshals the named CommandLineTool or ExpressionTool to the
// plain map[string]any document jobexec.ToolJob expects (its Tool field is
// documented as "the marshaled CWL tool document (pkg/cwl.CommandLineTool,
// via JSON)" — this is that round trip; jobexec.LocalRuntime branches on the
// marshaled "class" field to tell the two apart again).
func (r *GraphResolver) ResolveTool(ref string) (map[string]any, bool, error) {
	if tool, ok := r.doc.Tools[ref]; ok {
		return marshalToMap(tool, ref)
	}
	if tool, ok := r.doc.ExpressionTools[ref]; ok {
		return marshalToMap(tool, ref)
	}
	return nil, false, nil
}

func marshalToMap(tool any, ref string) (map[string]any, bool, error) {
	raw, err := json.Marshal(tool)
	if err != nil {
		return nil, false, fmt.Errorf("translator: marshal tool %s: %w", ref, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("translator: unmarshal tool %s: %w", ref, err)
	}
	return out, true, nil
}

// ResolveWorkflow reports whether ref names this document's own top-level
// Workflow. See the GraphResolver doc comment for why that is the only case
// a flat GraphDocument can ever satisfy.
func (r *GraphResolver) ResolveWorkflow(ref string) (*cwl.Workflow, bool, error) {
	if r.doc.Workflow == nil || r.doc.Workflow.ID != ref {
		return nil, false, nil
	}
	return r.doc.Workflow, true, nil
}

// toolNode adapts a *jobexec.ToolJob to JobNode, supplying the
// translator-assigned stable id. It is the production analog of the
// translator package's own test-only testToolNode type.
type toolNode struct {
	*jobexec.ToolJob
	id string
}

func (n *toolNode) NodeID() string { return n.id }

// wrapperNode adapts a *jobexec.JobWrapper to JobNode.
type wrapperNode struct {
	*jobexec.JobWrapper
	id string
}

func (n *wrapperNode) NodeID() string { return n.id }

// JobFactories builds the Options.NewToolJob/NewWrapperJob closures a
// production Translate call needs, binding every job the translator
// creates to the same runtime, file store, and filesystem collaborators.
type JobFactories struct {
	Runtime          jobexec.ToolRuntime
	Store            filestage.JobStore
	FS               vfsuri.FSAccess
	StreamingAllowed bool
	StoreIsLocal     bool
	Logger           *slog.Logger
}

// NewToolJob returns an Options.NewToolJob closure bound to f's
// collaborators.
func (f JobFactories) NewToolJob() func(map[string]any, map[string]promise.Resolvable, *promise.Conditional, []string) JobNode {
	counter := 0
	return func(tool map[string]any, inputs map[string]promise.Resolvable, cond *promise.Conditional, exprLib []string) JobNode {
		counter++
		id := toolNodeID(tool, counter)
		return &toolNode{
			id: id,
			ToolJob: &jobexec.ToolJob{
				Tool:             tool,
				Inputs:           inputs,
				Conditional:      cond,
				ExpressionLib:    exprLib,
				Runtime:          f.Runtime,
				Store:            f.Store,
				FS:               f.FS,
				StreamingAllowed: f.StreamingAllowed,
				StoreIsLocal:     f.StoreIsLocal,
				Logger:           f.Logger,
			},
		}
	}
}

// NewWrapperJob returns an Options.NewWrapperJob closure bound to f's
// collaborators.
func (f JobFactories) NewWrapperJob() func(map[string]any, map[string]promise.Resolvable, *promise.Conditional, []string) JobNode {
	counter := 0
	return func(tool map[string]any, inputs map[string]promise.Resolvable, cond *promise.Conditional, exprLib []string) JobNode {
		counter++
		id := "wrapper-" + toolNodeID(tool, counter)
		return &wrapperNode{
			id: id,
			JobWrapper: &jobexec.JobWrapper{
				Tool:             tool,
				Inputs:           inputs,
				Conditional:      cond,
				ExpressionLib:    exprLib,
				Runtime:          f.Runtime,
				Store:            f.Store,
				FS:               f.FS,
				StreamingAllowed: f.StreamingAllowed,
				StoreIsLocal:     f.StoreIsLocal,
				Logger:           f.Logger,
			},
		}
	}
}

// toolNodeID derives a readable, unique-enough node id from the tool's own
// id field (falling back to a counter-only id for anonymous/expression
// tools), since the translator only requires NodeID to be stable for the
// lifetime of one Translate call, not globally unique across calls.
func toolNodeID(tool map[string]any, counter int) string {
	if id, ok := tool["id"].(string); ok && id != "" {
		return fmt.Sprintf("%s-%d", id, counter)
	}
	return fmt.Sprintf("job-%d", counter)
}
