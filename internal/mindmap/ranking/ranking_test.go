package ranking

import (
	"testing"
	"time"

	"github.com/vthunder/mindmap/internal/mindmap/graph"
)

func node(id, name string) *graph.Node {
	n := graph.NewNode(id, graph.KindFile, name)
	n.LastUpdated = time.Now()
	return n
}

func TestFuseOrdersByFinalScoreDescending(t *testing.T) {
	candidates := []Candidate{
		{Node: node("a", "alpha.go"), Activation: 0.2, SuppressionMult: 1.0},
		{Node: node("b", "beta.go"), Activation: 0.9, SuppressionMult: 1.0},
	}
	ranked := Fuse(candidates, time.Now())
	if ranked[0].Node.ID != "b" {
		t.Errorf("expected the higher-activation node first, got %s", ranked[0].Node.ID)
	}
}

func TestFuseAppliesSuppressionMultiplierLast(t *testing.T) {
	candidates := []Candidate{
		{Node: node("a", "alpha.go"), Activation: 0.9, SuppressionMult: 0.1},
		{Node: node("b", "beta.go"), Activation: 0.5, SuppressionMult: 1.0},
	}
	ranked := Fuse(candidates, time.Now())
	if ranked[0].Node.ID != "b" {
		t.Errorf("expected suppressed node a to drop below b, got order %s, %s", ranked[0].Node.ID, ranked[1].Node.ID)
	}
}

func TestFuseTieBreaksByHopDistanceThenConfidence(t *testing.T) {
	// Disjoint name tokens and equal LastUpdated keep uniqueness and
	// freshness equal, so the two fused scores tie exactly.
	a := node("a", "x")
	a.Confidence = 0.5
	b := node("b", "y")
	b.Confidence = 0.9
	b.LastUpdated = a.LastUpdated

	candidates := []Candidate{
		{Node: a, Activation: 0.5, HopDistance: 2, SuppressionMult: 1.0},
		{Node: b, Activation: 0.5, HopDistance: 1, SuppressionMult: 1.0},
	}
	ranked := Fuse(candidates, time.Now())
	if ranked[0].Node.ID != "b" {
		t.Errorf("expected closer hop distance to win tie, got %s first", ranked[0].Node.ID)
	}
}

func TestUniquenessPenalizesDuplicateNames(t *testing.T) {
	candidates := []Candidate{
		{Node: node("a", "connection pool"), Activation: 0.8, SuppressionMult: 1.0},
		{Node: node("b", "connection pool"), Activation: 0.8, SuppressionMult: 1.0},
	}
	ranked := Fuse(candidates, time.Now())
	if ranked[1].Uniqueness >= ranked[0].Uniqueness {
		t.Errorf("expected the second near-duplicate to score lower uniqueness, got %v vs %v", ranked[1].Uniqueness, ranked[0].Uniqueness)
	}
}

func TestFreshnessDecaysWithAge(t *testing.T) {
	fresh := node("a", "fresh.go")
	stale := node("b", "stale.go")
	stale.LastUpdated = time.Now().Add(-60 * 24 * time.Hour)

	candidates := []Candidate{
		{Node: fresh, SuppressionMult: 1.0},
		{Node: stale, SuppressionMult: 1.0},
	}
	ranked := Fuse(candidates, time.Now())
	freshScore := map[string]float64{}
	for _, r := range ranked {
		freshScore[r.Node.ID] = r.Freshness
	}
	if freshScore["a"] <= freshScore["b"] {
		t.Errorf("expected fresher node to have higher freshness score, got a=%v b=%v", freshScore["a"], freshScore["b"])
	}
}

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	v := []float64{1, 1, 0}
	if sim := cosineSimilarity(v, v); sim < 0.999 {
		t.Errorf("expected cosine similarity ~1 for identical vectors, got %v", sim)
	}
}
