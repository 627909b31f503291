package translator

import (
	"context"
	"testing"

	"github.com/me/gowe/internal/promise"
)

type noopNode struct{ id string }

func (n *noopNode) NodeID() string { return n.id }
func (n *noopNode) Result() (map[string]any, error) { return map[string]any{}, nil }
func (n *noopNode) Run(ctx context.Context, fileReader func(string) (string, error)) (map[string]any, error) {
	return map[string]any{}, nil
}

func TestGraph_SnapshotRecordsEdgesAndNeverRuns(t *testing.T) {
	g := NewGraph()
	a := &noopNode{id: "a"}
	b := &noopNode{id: "b"}
	c := &noopNode{id: "c"}

	g.AddJob(a.NodeID(), a)
	g.AddJob(b.NodeID(), b)
	g.AddJob(c.NodeID(), c)
	g.AddRoot("a")
	g.AddChild("a", "b")
	g.AddFollowOn("a", "c")

	snap := g.Snapshot()
	if len(snap.Jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %v", snap.Jobs)
	}
	if len(snap.Roots) != 1 || snap.Roots[0] != "a" {
		t.Fatalf("unexpected roots: %v", snap.Roots)
	}
	if got := snap.Children["a"]; len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected children: %v", got)
	}
	if got := snap.FollowOns["a"]; len(got) != 1 || got[0] != "c" {
		t.Fatalf("unexpected follow-ons: %v", got)
	}
}

func TestGraph_AddJobIsIdempotent(t *testing.T) {
	g := NewGraph()
	first := &noopNode{id: "x"}
	second := &noopNode{id: "x"}
	g.AddJob("x", first)
	g.AddJob("x", second)

	snap := g.Snapshot()
	if len(snap.Jobs) != 1 {
		t.Fatalf("expected a single registration to survive, got %v", snap.Jobs)
	}
}

func TestGraph_SnapshotIsDeterministicallySorted(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"zeta", "alpha", "mu"} {
		g.AddJob(id, &noopNode{id: id})
	}
	snap := g.Snapshot()
	want := []string{"alpha", "mu", "zeta"}
	for i, id := range want {
		if snap.Jobs[i] != id {
			t.Fatalf("unsorted snapshot: %v", snap.Jobs)
		}
	}
}

var _ promise.Producer = (*noopNode)(nil)
var _ JobNode = (*noopNode)(nil)
