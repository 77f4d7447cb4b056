package graph

import (
	"testing"
	"time"
)

func mustAddNode(t *testing.T, s *Store, id string, kind NodeKind, name string) *Node {
	t.Helper()
	n := NewNode(id, kind, name)
	_, got := s.AddNode(n)
	return got
}

func TestAddNodeMergesOnDuplicateID(t *testing.T) {
	s := NewStore()

	n1 := NewNode("f1", KindFile, "engine.go")
	n1.Confidence = 0.4
	n1.Languages["go"] = struct{}{}
	outcome, _ := s.AddNode(n1)
	if outcome != Ok {
		t.Fatalf("expected Ok on first insert, got %v", outcome)
	}

	n2 := NewNode("f1", KindFile, "engine.go")
	n2.Confidence = 0.9
	n2.Languages["typescript"] = struct{}{}
	outcome, merged := s.AddNode(n2)
	if outcome != Merged {
		t.Fatalf("expected Merged on second insert, got %v", outcome)
	}
	if merged.Confidence != 0.9 {
		t.Errorf("expected merged confidence to take max (0.9), got %v", merged.Confidence)
	}
	if _, ok := merged.Languages["go"]; !ok {
		t.Error("expected union to retain original language")
	}
	if _, ok := merged.Languages["typescript"]; !ok {
		t.Error("expected union to add new language")
	}

	if got := countNodes(s); got != 1 {
		t.Fatalf("expected exactly one node after merge, got %d", got)
	}
}

func countNodes(s *Store) int {
	nodes, _ := s.Snapshot()
	return len(nodes)
}

func TestAddEdgeRejectsMissingEndpoint(t *testing.T) {
	s := NewStore()
	mustAddNode(t, s, "a", KindFile, "a.go")

	_, _, err := s.AddEdge(NewEdge("", "a", "missing", EdgeContains, 0.5, 0.5))
	if err == nil {
		t.Fatal("expected error for missing target endpoint")
	}
}

func TestAddEdgeReinforcesExisting(t *testing.T) {
	s := NewStore()
	mustAddNode(t, s, "a", KindFile, "a.go")
	mustAddNode(t, s, "b", KindFile, "b.go")

	outcome, e1, err := s.AddEdge(NewEdge("", "a", "b", EdgeContains, 0.5, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Ok {
		t.Fatalf("expected Ok on first edge insert, got %v", outcome)
	}
	w0 := e1.Weight

	var last *Edge
	for i := 0; i < 5; i++ {
		outcome, last, err = s.AddEdge(NewEdge("", "a", "b", EdgeContains, 0.5, 0.5))
		if err != nil {
			t.Fatalf("unexpected error on reinforcement %d: %v", i, err)
		}
		if outcome != Reinforced {
			t.Fatalf("expected Reinforced, got %v", outcome)
		}
	}

	// R3: weight bounded by 1 - (1-w0)*(1-eta)^k
	bound := 1 - (1-w0)*pow(1-ReinforcementRate, 5)
	if last.Weight > bound+1e-9 {
		t.Errorf("weight %v exceeds theoretical bound %v", last.Weight, bound)
	}
	if last.ActivationCount != 5 {
		t.Errorf("expected activation_count 5, got %d", last.ActivationCount)
	}

	_, _, edges := countAll(s)
	if edges != 1 {
		t.Fatalf("expected exactly one edge after reinforcement, got %d", edges)
	}
}

func countAll(s *Store) (int, int, int) {
	nodes, edges := s.Snapshot()
	return len(nodes), len(nodes), len(edges)
}

func pow(base float64, n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= base
	}
	return r
}

func TestRemoveNodeCascadesEdges(t *testing.T) {
	s := NewStore()
	mustAddNode(t, s, "a", KindFile, "a.go")
	mustAddNode(t, s, "b", KindFile, "b.go")
	if _, _, err := s.AddEdge(NewEdge("", "a", "b", EdgeContains, 0.5, 0.5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.RemoveNode("a")

	if s.NodeExists("a") {
		t.Error("expected node a to be removed")
	}
	if neighbors := s.Neighbors("b", DirIn); len(neighbors) != 0 {
		t.Errorf("expected cascaded edge removal, found %d incoming edges on b", len(neighbors))
	}
}

func TestFindSeedsRanksExactTokenAboveSubstring(t *testing.T) {
	s := NewStore()
	mustAddNode(t, s, "class", KindClass, "MindMapEngine")
	mustAddNode(t, s, "file", KindFile, "MindMapEngine.ts")
	mustAddNode(t, s, "fn", KindFunction, "query")

	matches := s.FindSeeds("MindMapEngine", nil, 10)
	if len(matches) < 2 {
		t.Fatalf("expected at least 2 seed matches, got %d", len(matches))
	}
	top := matches[0].NodeID
	if top != "class" && top != "file" {
		t.Errorf("expected class or file node to rank first, got %q", top)
	}
}

func TestFindSeedsClampsStackedMatchBonuses(t *testing.T) {
	s := NewStore()
	mustAddNode(t, s, "class", KindClass, "MindMapEngine")

	matches := s.FindSeeds("MindMapEngine", nil, 10)
	if len(matches) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(matches))
	}
	if matches[0].TextualScore > 1.0 {
		t.Errorf("expected textual score clamped to [0,1], got %v", matches[0].TextualScore)
	}
}

type invalidationRecorder struct {
	paths []string
}

func (r *invalidationRecorder) InvalidatePaths(paths []string) {
	r.paths = append(r.paths, paths...)
}

func TestRemoveNodeEmitsInvalidation(t *testing.T) {
	s := NewStore()
	rec := &invalidationRecorder{}
	s.SetInvalidationSink(rec)

	n := NewNode("f", KindFile, "a.go")
	n.Path = "src/a.go"
	s.AddNode(n)
	s.RemoveNode("f")

	if len(rec.paths) != 1 || rec.paths[0] != "src/a.go" {
		t.Errorf("expected invalidation for src/a.go, got %v", rec.paths)
	}
}

func TestClampInvariant(t *testing.T) {
	e := NewEdge("", "a", "b", EdgeContains, 5.0, -1.0)
	if e.Weight != 1.0 {
		t.Errorf("expected weight clamped to 1.0, got %v", e.Weight)
	}
	if e.Confidence != 0.0 {
		t.Errorf("expected confidence clamped to 0.0, got %v", e.Confidence)
	}
}

func TestMetadataTasksBoundedOnMerge(t *testing.T) {
	s := NewStore()
	n := NewNode("f", KindFile, "a.go")
	s.AddNode(n)

	for i := 0; i < MaxTasks+10; i++ {
		dup := NewNode("f", KindFile, "a.go")
		dup.Metadata.Tasks = []TaskRef{{Description: "task", RecordedAt: time.Now()}}
		s.AddNode(dup)
	}

	got, _ := s.GetNode("f")
	if len(got.Metadata.Tasks) != MaxTasks {
		t.Errorf("expected tasks bounded to %d, got %d", MaxTasks, len(got.Metadata.Tasks))
	}
}
