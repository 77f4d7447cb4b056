package inhibition

import (
	"testing"
	"time"
)

func TestExtractSignatureFiltersStopWordsAndAddsFileKinds(t *testing.T) {
	sig := ExtractSignature("the connection to the database was refused", []string{"db/pool.go"})
	if _, ok := sig.Tokens["the"]; ok {
		t.Error("expected stop word 'the' to be filtered")
	}
	if _, ok := sig.Tokens["database"]; !ok {
		t.Error("expected 'database' token to survive")
	}
	if _, ok := sig.Tokens["filekind:go"]; !ok {
		t.Error("expected filekind:go token derived from db/pool.go")
	}
}

func TestRecordCreatesPatternWithDefaultStrength(t *testing.T) {
	f := New()
	p := f.Record(FailureReport{
		ErrorType:       "ConnectionError",
		ErrorMessage:    "connection refused",
		TaskDescription: "connect to database",
		Files:           []string{"db/pool.go"},
		CoActiveNodes:   []string{"n1"},
	})
	if p.Strength != DefaultNewStrength {
		t.Errorf("expected new pattern strength %v, got %v", DefaultNewStrength, p.Strength)
	}
	if p.ReinforcementCount != 0 {
		t.Errorf("expected reinforcement count 0 on creation, got %d", p.ReinforcementCount)
	}
}

func TestRecordReinforcesMatchingSignature(t *testing.T) {
	f := New()
	report := FailureReport{
		ErrorType:       "ConnectionError",
		ErrorMessage:    "connection refused",
		TaskDescription: "connect to database",
		Files:           []string{"db/pool.go"},
	}
	first := f.Record(report)
	second := f.Record(report)

	if first.ID != second.ID {
		t.Fatal("expected identical failure reports to hash to the same pattern")
	}
	if second.Strength <= DefaultNewStrength {
		t.Errorf("expected strength to grow on reinforcement, got %v", second.Strength)
	}
	if second.ReinforcementCount != 1 {
		t.Errorf("expected reinforcement count 1, got %d", second.ReinforcementCount)
	}
}

func TestDecayTickPrunesWeakPatterns(t *testing.T) {
	f := New()
	f.Record(FailureReport{ErrorType: "X", ErrorMessage: "y"})

	// many half-lives in the past collapses strength well under the prune floor
	pruned := f.DecayTick(time.Now().Add(20*DefaultHalfLife), DefaultHalfLife)
	if pruned != 1 {
		t.Errorf("expected 1 pattern pruned, got %d", pruned)
	}
	if f.StatsAt(time.Now()).TotalPatterns != 0 {
		t.Error("expected pruned pattern to be gone")
	}
}

func TestApplySuppressesMatchingCandidate(t *testing.T) {
	f := New()
	f.Record(FailureReport{
		ErrorType:       "ConnectionError",
		ErrorMessage:    "connection refused timeout",
		TaskDescription: "connect to database pool",
		Files:           []string{"db/pool.go"},
		CoActiveNodes:   []string{"n1"},
	})

	querySig := ExtractSignature("connection refused timeout connect to database pool", []string{"db/pool.go"})
	result := f.Apply(querySig, []Candidate{{NodeID: "n1"}, {NodeID: "n2"}})

	if result["n1"].Multiplier >= 1.0 {
		t.Errorf("expected n1 to be suppressed, got multiplier %v", result["n1"].Multiplier)
	}
	if result["n2"].Multiplier != 1.0 {
		t.Errorf("expected n2 to pass through unsuppressed, got %v", result["n2"].Multiplier)
	}
}

func TestApplyPassesThroughBelowOverlapGate(t *testing.T) {
	f := New()
	f.Record(FailureReport{
		ErrorType:    "ConnectionError",
		ErrorMessage: "connection refused",
		CoActiveNodes: []string{"n1"},
	})

	querySig := ExtractSignature("completely unrelated query about rendering", nil)
	result := f.Apply(querySig, []Candidate{{NodeID: "n1"}})

	if result["n1"].Multiplier != 1.0 {
		t.Errorf("expected no suppression below the overlap gate, got %v", result["n1"].Multiplier)
	}
}

func TestApplyMatchesByPathPrefix(t *testing.T) {
	f := New()
	f.Record(FailureReport{
		ErrorType:       "BuildError",
		ErrorMessage:    "compile failed in module",
		TaskDescription: "fix build",
		Files:           []string{"src/engine/compiler.go"},
	})

	querySig := ExtractSignature("compile failed in module build", []string{"src/engine/compiler.go"})
	result := f.Apply(querySig, []Candidate{{NodeID: "x", Path: "src/engine/compiler.go"}})

	if result["x"].Multiplier >= 1.0 {
		t.Errorf("expected path-prefix match to suppress, got %v", result["x"].Multiplier)
	}
}

func TestJaccardOverlap(t *testing.T) {
	a := map[string]struct{}{"x": {}, "y": {}}
	b := map[string]struct{}{"x": {}, "z": {}}
	if got := jaccard(a, b); got != 1.0/3.0 {
		t.Errorf("expected jaccard 1/3, got %v", got)
	}
}
