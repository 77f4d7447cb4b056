package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vthunder/mindmap/internal/mindmap/graph"
	"github.com/vthunder/mindmap/internal/mindmap/inhibition"
)

func TestSaveLoadGraphRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := graph.NewStore()
	n := graph.NewNode("f1", graph.KindFile, "main.go")
	n.Path = "cmd/main.go"
	n.Metadata.Message = "entrypoint"
	n.Metadata.LineNumber = 12
	n.Metadata.Tasks = []graph.TaskRef{{Description: "wire cli", Successful: true, RecordedAt: time.Now()}}
	store.AddNode(n)
	store.AddNode(graph.NewNode("f2", graph.KindFile, "util.go"))
	store.AddEdge(graph.NewEdge("", "f1", "f2", graph.EdgeImports, 0.8, 0.8))

	if err := SaveGraph(dir, store); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, GraphFile+".tmp")); !os.IsNotExist(err) {
		t.Error("expected .tmp file to be renamed away after save")
	}

	loaded, err := LoadGraph(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	got, ok := loaded.GetNode("f1")
	if !ok {
		t.Fatal("expected node f1 to round-trip")
	}
	if got.Metadata.Message != "entrypoint" || got.Metadata.LineNumber != 12 {
		t.Errorf("expected metadata to round-trip, got %+v", got.Metadata)
	}
	if len(got.Metadata.Tasks) != 1 || got.Metadata.Tasks[0].Description != "wire cli" {
		t.Errorf("expected task to round-trip, got %+v", got.Metadata.Tasks)
	}

	if _, ok := loaded.FindEdge("f1", "f2", graph.EdgeImports); !ok {
		t.Error("expected edge to round-trip")
	}
}

func TestLoadGraphMissingFileReturnsEmptyStore(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadGraph(dir)
	if err != nil {
		t.Fatalf("expected no error for a missing snapshot, got %v", err)
	}
	if stats := store.Stats(); stats.NodeCount != 0 {
		t.Errorf("expected empty store, got %d nodes", stats.NodeCount)
	}
}

func TestLoadGraphAcceptsCompactForm(t *testing.T) {
	dir := t.TempDir()
	compact := `{"n":[{"id":"a","kind":"file","name":"a.go","confidence":1}],"e":[]}`
	if err := os.WriteFile(filepath.Join(dir, GraphFile), []byte(compact), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := LoadGraph(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.GetNode("a"); !ok {
		t.Error("expected compact-form node to load")
	}
}

func TestSaveLoadInhibitionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := inhibition.New()
	f.Record(inhibition.FailureReport{
		ErrorType:     "ConnectionError",
		ErrorMessage:  "connection refused",
		CoActiveNodes: []string{"n1"},
	})

	if err := SaveInhibition(dir, f.Patterns()); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := LoadInhibition(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stats := loaded.StatsAt(time.Now()); stats.TotalPatterns != 1 {
		t.Errorf("expected 1 pattern to round-trip, got %d", stats.TotalPatterns)
	}
}
