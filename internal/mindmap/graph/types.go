// Package graph implements the in-memory typed node/edge store (spec §3, §4.1).
package graph

import (
	"time"

	"github.com/google/uuid"
)

// NodeKind enumerates the closed set of node kinds (spec §3).
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
	KindFunction  NodeKind = "function"
	KindClass     NodeKind = "class"
	KindPattern   NodeKind = "pattern"
	KindError     NodeKind = "error"
	KindConcept   NodeKind = "concept"
)

// EdgeKind enumerates the closed set of edge kinds (spec §3).
type EdgeKind string

const (
	EdgeContains     EdgeKind = "contains"
	EdgeImports      EdgeKind = "imports"
	EdgeCalls        EdgeKind = "calls"
	EdgeFixes        EdgeKind = "fixes"
	EdgeDependsOn    EdgeKind = "depends_on"
	EdgeCoActivates  EdgeKind = "co_activates"
	EdgeRelatesTo    EdgeKind = "relates_to"
	EdgeInhibits     EdgeKind = "inhibits"
)

// TaskRef is one interpreted entry of Metadata.Tasks.
type TaskRef struct {
	Description string    `json:"description"`
	Successful  bool      `json:"successful"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Metadata is a tagged-union map: a small closed set of interpreted keys
// (spec §9 "dynamic property bags") plus a catch-all for opaque producer
// data. The interpreted keys are typed struct fields; Extra preserves
// unknown producer fields verbatim so loaders/savers round-trip them
// (§6.3 compatibility).
type Metadata struct {
	Tasks      []TaskRef      `json:"tasks,omitempty"`
	Message    string         `json:"message,omitempty"`
	LineNumber int            `json:"lineNumber,omitempty"`
	Language   string         `json:"language,omitempty"`
	Extra      map[string]any `json:"-"`
}

// MaxTasks bounds Metadata.Tasks on merge (spec §4.1, add_node).
const MaxTasks = 50

// Node is the Graph Store's node record (spec §3).
type Node struct {
	ID          string
	Kind        NodeKind
	Name        string
	Path        string
	Confidence  float64
	LastUpdated time.Time
	Languages   map[string]struct{}
	Frameworks  map[string]struct{}
	Metadata    Metadata
}

// NewNode builds a Node with a generated ID if id is empty and sane zero
// values for the set-typed attributes.
func NewNode(id string, kind NodeKind, name string) *Node {
	if id == "" {
		id = uuid.NewString()
	}
	return &Node{
		ID:          id,
		Kind:        kind,
		Name:        name,
		Confidence:  1.0,
		LastUpdated: time.Now(),
		Languages:   make(map[string]struct{}),
		Frameworks:  make(map[string]struct{}),
	}
}

// Edge is the Graph Store's directed edge record (spec §3).
type Edge struct {
	ID              string
	Source          string
	Target          string
	Kind            EdgeKind
	Weight          float64
	Confidence      float64
	CreatedAt       time.Time
	LastReinforced  time.Time
	ActivationCount int
	ContextTag      map[string]struct{} // bag of context tags seen on reinforcement
}

// NewEdge builds an Edge with a generated ID if id is empty.
func NewEdge(id, source, target string, kind EdgeKind, weight, confidence float64) *Edge {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Edge{
		ID:              id,
		Source:          source,
		Target:          target,
		Kind:            kind,
		Weight:          clamp(weight),
		Confidence:      clamp(confidence),
		CreatedAt:       now,
		LastReinforced:  now,
		ActivationCount: 0,
		ContextTag:      make(map[string]struct{}),
	}
}

// clamp enforces the [0,1] invariant (spec §3 invariant 2, §8 P7).
func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Direction selects which adjacency list neighbors() walks (spec §4.1).
type Direction int

const (
	DirOut Direction = iota
	DirIn
	DirBoth
)

// SeedMatch is one result of find_seeds: a candidate node id with its
// textual score (spec §4.1).
type SeedMatch struct {
	NodeID        string
	TextualScore  float64
}
