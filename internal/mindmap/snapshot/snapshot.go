// Package snapshot implements atomic JSON persistence of the graph and
// learning state (C8, spec §4.8, §6.3): write-tmp, fsync, rename for
// mindmap.json and its inhibition.json sibling. hebbian-index.json is named
// below but never written or read; co_activates edges persist in
// mindmap.json.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/cast"

	"github.com/vthunder/mindmap/internal/logging"
	"github.com/vthunder/mindmap/internal/mindmap/errs"
	"github.com/vthunder/mindmap/internal/mindmap/graph"
	"github.com/vthunder/mindmap/internal/mindmap/inhibition"
)

// GraphFile, InhibitionFile, HebbianIndexFile name the files under the
// storage root (spec §6.3).
const (
	GraphFile          = "mindmap.json"
	InhibitionFile     = "inhibition.json"
	HebbianIndexFile   = "hebbian-index.json"
	MinFreeBytesToSave = 16 << 20 // 16 MiB headroom before a save is attempted
)

type nodeRecord struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Name        string         `json:"name"`
	Path        string         `json:"path,omitempty"`
	Confidence  float64        `json:"confidence"`
	LastUpdated time.Time      `json:"last_updated"`
	Languages   []string       `json:"languages,omitempty"`
	Frameworks  []string       `json:"frameworks,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type edgeRecord struct {
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Target          string         `json:"target"`
	Kind            string         `json:"kind"`
	Weight          float64        `json:"weight"`
	Confidence      float64        `json:"confidence"`
	CreatedAt       time.Time      `json:"created_at"`
	LastReinforced  time.Time      `json:"last_reinforced"`
	ActivationCount int            `json:"activation_count"`
	ContextTag      []string       `json:"context_tag,omitempty"`
}

// verboseDoc is the canonical on-disk form (spec §9 decision: writer
// always emits verbose, loader accepts either).
type verboseDoc struct {
	Nodes []nodeRecord `json:"nodes"`
	Edges []edgeRecord `json:"edges"`
}

// compactDoc is the alternate loader-only form using abbreviated keys.
type compactDoc struct {
	Nodes []nodeRecord `json:"n"`
	Edges []edgeRecord `json:"e"`
}

func nodeToRecord(n *graph.Node) nodeRecord {
	md := map[string]any{}
	for k, v := range n.Metadata.Extra {
		md[k] = v
	}
	if len(n.Metadata.Tasks) > 0 {
		tasks := make([]map[string]any, len(n.Metadata.Tasks))
		for i, t := range n.Metadata.Tasks {
			tasks[i] = map[string]any{
				"description": t.Description,
				"successful":  t.Successful,
				"recorded_at": t.RecordedAt,
			}
		}
		md["tasks"] = tasks
	}
	if n.Metadata.Message != "" {
		md["message"] = n.Metadata.Message
	}
	if n.Metadata.LineNumber != 0 {
		md["lineNumber"] = n.Metadata.LineNumber
	}
	if n.Metadata.Language != "" {
		md["language"] = n.Metadata.Language
	}
	return nodeRecord{
		ID:          n.ID,
		Kind:        string(n.Kind),
		Name:        n.Name,
		Path:        n.Path,
		Confidence:  n.Confidence,
		LastUpdated: n.LastUpdated,
		Languages:   setToSlice(n.Languages),
		Frameworks:  setToSlice(n.Frameworks),
		Metadata:    md,
	}
}

// recordToNode decodes a record back into a Node, using cast to tolerate
// loosely-typed producer JSON (e.g. lineNumber arriving as a string or a
// float64) instead of failing the whole load on one malformed field.
func recordToNode(r nodeRecord) *graph.Node {
	n := graph.NewNode(r.ID, graph.NodeKind(r.Kind), r.Name)
	n.Path = r.Path
	n.Confidence = r.Confidence
	n.LastUpdated = r.LastUpdated
	n.Languages = sliceToSet(r.Languages)
	n.Frameworks = sliceToSet(r.Frameworks)

	extra := map[string]any{}
	for k, v := range r.Metadata {
		extra[k] = v
	}
	if v, ok := r.Metadata["message"]; ok {
		n.Metadata.Message = cast.ToString(v)
		delete(extra, "message")
	}
	if v, ok := r.Metadata["lineNumber"]; ok {
		n.Metadata.LineNumber = cast.ToInt(v)
		delete(extra, "lineNumber")
	}
	if v, ok := r.Metadata["language"]; ok {
		n.Metadata.Language = cast.ToString(v)
		delete(extra, "language")
	}
	if v, ok := r.Metadata["tasks"]; ok {
		n.Metadata.Tasks = decodeTasks(v)
		delete(extra, "tasks")
	}
	n.Metadata.Extra = extra
	return n
}

func decodeTasks(v any) []graph.TaskRef {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	tasks := make([]graph.TaskRef, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tasks = append(tasks, graph.TaskRef{
			Description: cast.ToString(m["description"]),
			Successful:  cast.ToBool(m["successful"]),
			RecordedAt:  cast.ToTime(m["recorded_at"]),
		})
	}
	return tasks
}

func edgeToRecord(e *graph.Edge) edgeRecord {
	return edgeRecord{
		ID:              e.ID,
		Source:          e.Source,
		Target:          e.Target,
		Kind:            string(e.Kind),
		Weight:          e.Weight,
		Confidence:      e.Confidence,
		CreatedAt:       e.CreatedAt,
		LastReinforced:  e.LastReinforced,
		ActivationCount: e.ActivationCount,
		ContextTag:      setToSlice(e.ContextTag),
	}
}

func recordToEdge(r edgeRecord) *graph.Edge {
	e := graph.NewEdge(r.ID, r.Source, r.Target, graph.EdgeKind(r.Kind), r.Weight, r.Confidence)
	e.CreatedAt = r.CreatedAt
	e.LastReinforced = r.LastReinforced
	e.ActivationCount = r.ActivationCount
	e.ContextTag = sliceToSet(r.ContextTag)
	return e
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func sliceToSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// SaveGraph serializes store into the verbose form and atomically replaces
// <root>/mindmap.json. The store is read under its own read lock (via
// Snapshot) before any file I/O begins, so the write never holds the
// graph lock (spec §5).
func SaveGraph(root string, store *graph.Store) error {
	nodes, edges := store.Snapshot()

	doc := verboseDoc{Nodes: make([]nodeRecord, len(nodes)), Edges: make([]edgeRecord, len(edges))}
	for i, n := range nodes {
		doc.Nodes[i] = nodeToRecord(n)
	}
	for i, e := range edges {
		doc.Edges[i] = edgeToRecord(e)
	}

	return atomicWriteJSON(filepath.Join(root, GraphFile), doc)
}

// LoadGraph reads mindmap.json, accepting either the verbose or compact
// form, into a fresh Store. A missing file is not an error: callers get
// an empty store (spec §7 StorageError policy: "on load failure,
// initialize an empty store and log").
func LoadGraph(root string) (*graph.Store, error) {
	store := graph.NewStore()
	path := filepath.Join(root, GraphFile)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		logging.Info("snapshot", "failed to read %s: %v; starting with an empty graph", path, err)
		return store, fmt.Errorf("read %s: %w", path, errs.ErrStorage)
	}

	nodes, edges, err := decodeGraphDoc(data)
	if err != nil {
		logging.Info("snapshot", "failed to parse %s: %v; starting with an empty graph", path, err)
		return graph.NewStore(), fmt.Errorf("parse %s: %w", path, errs.ErrStorage)
	}

	for _, n := range nodes {
		store.AddNode(n)
	}
	for _, e := range edges {
		store.AddEdge(e)
	}
	return store, nil
}

func decodeGraphDoc(data []byte) ([]*graph.Node, []*graph.Edge, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, err
	}

	var recs struct {
		Nodes []nodeRecord
		Edges []edgeRecord
	}

	if _, hasVerbose := probe["nodes"]; hasVerbose {
		var doc verboseDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, nil, err
		}
		recs.Nodes, recs.Edges = doc.Nodes, doc.Edges
	} else {
		var doc compactDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, nil, err
		}
		recs.Nodes, recs.Edges = doc.Nodes, doc.Edges
	}

	nodes := make([]*graph.Node, len(recs.Nodes))
	for i, r := range recs.Nodes {
		nodes[i] = recordToNode(r)
	}
	edges := make([]*graph.Edge, len(recs.Edges))
	for i, r := range recs.Edges {
		edges[i] = recordToEdge(r)
	}
	return nodes, edges, nil
}

type patternRecord struct {
	ID                 string    `json:"id"`
	Tokens             []string  `json:"trigger_signature"`
	InhibitedNodeRefs  []string  `json:"inhibited_node_refs,omitempty"`
	InhibitedPaths     []string  `json:"inhibited_paths,omitempty"`
	Strength           float64   `json:"strength"`
	CreatedAt          time.Time `json:"created_at"`
	LastReinforced     time.Time `json:"last_reinforced"`
	ReinforcementCount int       `json:"reinforcement_count"`
}

// SaveInhibition atomically writes the inhibitory pattern set.
func SaveInhibition(root string, patterns []*inhibition.Pattern) error {
	recs := make([]patternRecord, len(patterns))
	for i, p := range patterns {
		recs[i] = patternRecord{
			ID:                 p.ID,
			Tokens:             setToSlice(p.Signature.Tokens),
			InhibitedNodeRefs:  setToSlice(p.InhibitedNodeRefs),
			InhibitedPaths:     setToSlice(p.InhibitedPaths),
			Strength:           p.Strength,
			CreatedAt:          p.CreatedAt,
			LastReinforced:     p.LastReinforced,
			ReinforcementCount: p.ReinforcementCount,
		}
	}
	return atomicWriteJSON(filepath.Join(root, InhibitionFile), recs)
}

// LoadInhibition reads inhibition.json into a fresh Filter, tolerating a
// missing file.
func LoadInhibition(root string) (*inhibition.Filter, error) {
	path := filepath.Join(root, InhibitionFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return inhibition.New(), nil
	}
	if err != nil {
		return inhibition.New(), fmt.Errorf("read %s: %w", path, errs.ErrStorage)
	}

	var recs []patternRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return inhibition.New(), fmt.Errorf("parse %s: %w", path, errs.ErrStorage)
	}

	f := inhibition.New()
	for _, r := range recs {
		f.Restore(inhibition.Pattern{
			ID:                 r.ID,
			Signature:          inhibition.Signature{Tokens: sliceToSet(r.Tokens), Hash: r.ID},
			InhibitedNodeRefs:  sliceToSet(r.InhibitedNodeRefs),
			InhibitedPaths:     sliceToSet(r.InhibitedPaths),
			Strength:           r.Strength,
			CreatedAt:          r.CreatedAt,
			LastReinforced:     r.LastReinforced,
			ReinforcementCount: r.ReinforcementCount,
		})
	}
	return f, nil
}

// atomicWriteJSON writes v to path via a .tmp sibling, fsync, then rename
// (spec §6.3, invariant 6), checking free disk space first and
// downgrading to a logged StorageError instead of panicking (spec §7).
func atomicWriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create storage root: %w", errs.ErrStorage)
	}
	if ok, err := hasFreeSpace(filepath.Dir(path)); err != nil {
		logging.Info("snapshot", "disk space check failed for %s: %v; attempting write anyway", path, err)
	} else if !ok {
		logging.Info("snapshot", "insufficient free space to save %s", path)
		return fmt.Errorf("insufficient free space: %w", errs.ErrStorage)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, errs.ErrStorage)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, errs.ErrStorage)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, errs.ErrStorage)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", tmp, errs.ErrStorage)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, errs.ErrStorage)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, errs.ErrStorage)
	}
	return nil
}

func hasFreeSpace(dir string) (bool, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return true, err
	}
	return usage.Free >= MinFreeBytesToSave, nil
}
