package challenge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGraph_Levels(t *testing.T) {
	g := NewGraph()
	g.AddEdge("a", "b")
	g.AddEdge("a", "c")
	g.AddEdge("b", "d")
	g.AddEdge("c", "d")
	g.AddNode("z")

	levels, err := g.Levels()
	if err != nil {
		t.Fatalf("Levels failed: %v", err)
	}

	want := [][]string{{"a", "z"}, {"b", "c"}, {"d"}}
	if diff := cmp.Diff(want, levels); diff != "" {
		t.Errorf("levels mismatch (-want +got):\n%s", diff)
	}
}

func TestGraph_Levels_Cycle(t *testing.T) {
	g := NewGraph()
	g.AddEdge("a", "b")
	g.AddEdge("b", "a")

	if _, err := g.Levels(); err == nil {
		t.Fatal("Expected error for cyclic graph, got nil")
	}
}

func TestGraph_FindCycles(t *testing.T) {
	tests := []struct {
		name  string
		edges [][2]string
		want  [][]string
	}{
		{
			name:  "acyclic",
			edges: [][2]string{{"a", "b"}, {"b", "c"}},
			want:  nil,
		},
		{
			name:  "two node cycle",
			edges: [][2]string{{"a", "b"}, {"b", "a"}},
			want:  [][]string{{"a", "b", "a"}},
		},
		{
			name:  "self loop",
			edges: [][2]string{{"a", "a"}},
			want:  [][]string{{"a", "a"}},
		},
		{
			name:  "three node cycle with tail",
			edges: [][2]string{{"x", "a"}, {"a", "b"}, {"b", "c"}, {"c", "a"}},
			want:  [][]string{{"a", "b", "c", "a"}},
		},
		{
			name:  "two disjoint cycles",
			edges: [][2]string{{"a", "b"}, {"b", "a"}, {"m", "n"}, {"n", "m"}},
			want:  [][]string{{"a", "b", "a"}, {"m", "n", "m"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			for _, e := range tt.edges {
				g.AddEdge(e[0], e[1])
			}
			got := g.FindCycles()
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("cycles mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGraph_Subgraph(t *testing.T) {
	g := NewGraph()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("a", "c")

	sub := g.Subgraph([]string{"a", "c"})
	if diff := cmp.Diff([]string{"c"}, sub.Dependents("a")); diff != "" {
		t.Errorf("dependents mismatch (-want +got):\n%s", diff)
	}
	if sub.Has("b") {
		t.Error("Expected b to be excluded from subgraph")
	}
}

func TestFormatCycle(t *testing.T) {
	if got := FormatCycle([]string{"a", "b", "a"}); got != "a -> b -> a" {
		t.Errorf("Expected 'a -> b -> a', got: %s", got)
	}
}
