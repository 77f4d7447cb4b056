package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vthunder/mindmap/internal/mindmap/errs"
)

// InsertOutcome reports whether add_node/add_edge inserted a fresh record
// or merged into an existing one (spec §4.1).
type InsertOutcome int

const (
	Ok InsertOutcome = iota
	Merged
	Reinforced
)

// InvalidationSink receives path-prefix invalidation events so the Query
// Cache can drop stale entries without the Graph Store knowing about
// caching at all (spec §9 "explicit capability interfaces").
type InvalidationSink interface {
	InvalidatePaths(paths []string)
}

// ReinforcementRate is η, the default reinforcement learning rate used by
// add_edge when an edge already exists (spec §4.1, default 0.1).
const ReinforcementRate = 0.1

type edgeKey struct {
	source string
	target string
	kind   EdgeKind
}

// Store is the Graph Store (C1): typed nodes and edges with adjacency
// indices and a case-folded token index, guarded by a single RWMutex per
// spec §5 (readers never starve behind a writer indefinitely because Go's
// sync.RWMutex already queues pending writers ahead of new readers).
type Store struct {
	mu sync.RWMutex

	nodes map[string]*Node
	edges map[string]*Edge

	byKind map[NodeKind]map[string]struct{}
	edgeByKey map[edgeKey]string // (source,target,kind) -> edge id, enforces invariant 3

	outAdj map[string]map[string]struct{} // node id -> set of outgoing edge ids
	inAdj  map[string]map[string]struct{} // node id -> set of incoming edge ids

	tokenIndex map[string]map[string]struct{} // case-folded token -> set of node ids

	sink InvalidationSink
}

// NewStore creates an empty Graph Store.
func NewStore() *Store {
	return &Store{
		nodes:      make(map[string]*Node),
		edges:      make(map[string]*Edge),
		byKind:     make(map[NodeKind]map[string]struct{}),
		edgeByKey:  make(map[edgeKey]string),
		outAdj:     make(map[string]map[string]struct{}),
		inAdj:      make(map[string]map[string]struct{}),
		tokenIndex: make(map[string]map[string]struct{}),
	}
}

// SetInvalidationSink wires the Query Cache's invalidation hook.
func (s *Store) SetInvalidationSink(sink InvalidationSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// AddNode inserts or merges a node (spec §4.1). On merge: max(confidence),
// union of Languages/Frameworks, latest LastUpdated, Metadata.Tasks
// appended bounded to MaxTasks.
func (s *Store) AddNode(n *Node) (InsertOutcome, *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[n.ID]
	if !ok {
		cp := *n
		cp.Confidence = clampNode(n.Confidence)
		s.nodes[n.ID] = &cp
		s.indexNode(&cp)
		return Ok, &cp
	}

	if n.Confidence > existing.Confidence {
		existing.Confidence = clampNode(n.Confidence)
	}
	for lang := range n.Languages {
		existing.Languages[lang] = struct{}{}
	}
	for fw := range n.Frameworks {
		existing.Frameworks[fw] = struct{}{}
	}
	if n.LastUpdated.After(existing.LastUpdated) {
		existing.LastUpdated = n.LastUpdated
	}
	if n.Name != "" {
		existing.Name = n.Name
	}
	if n.Path != "" {
		existing.Path = n.Path
	}
	if n.Metadata.Message != "" {
		existing.Metadata.Message = n.Metadata.Message
	}
	if n.Metadata.LineNumber != 0 {
		existing.Metadata.LineNumber = n.Metadata.LineNumber
	}
	if n.Metadata.Language != "" {
		existing.Metadata.Language = n.Metadata.Language
	}
	existing.Metadata.Tasks = append(existing.Metadata.Tasks, n.Metadata.Tasks...)
	if len(existing.Metadata.Tasks) > MaxTasks {
		existing.Metadata.Tasks = existing.Metadata.Tasks[len(existing.Metadata.Tasks)-MaxTasks:]
	}
	if existing.Metadata.Extra == nil && n.Metadata.Extra != nil {
		existing.Metadata.Extra = make(map[string]any, len(n.Metadata.Extra))
	}
	for k, v := range n.Metadata.Extra {
		existing.Metadata.Extra[k] = v
	}

	s.reindexNode(existing)
	return Merged, existing
}

func clampNode(c float64) float64 {
	if c == 0 {
		return 0
	}
	return clamp(c)
}

// AddEdge inserts or reinforces an edge (spec §4.1). Dedup key is
// (source, target, kind); at most one edge exists per key (invariant 3).
// Fails with ErrInvalidReference if either endpoint is absent.
func (s *Store) AddEdge(e *Edge) (InsertOutcome, *Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[e.Source]; !ok {
		return Ok, nil, fmt.Errorf("add_edge %s->%s: source missing: %w", e.Source, e.Target, errs.ErrInvalidReference)
	}
	if _, ok := s.nodes[e.Target]; !ok {
		return Ok, nil, fmt.Errorf("add_edge %s->%s: target missing: %w", e.Source, e.Target, errs.ErrInvalidReference)
	}

	key := edgeKey{e.Source, e.Target, e.Kind}
	if id, exists := s.edgeByKey[key]; exists {
		existing := s.edges[id]
		existing.Weight = clamp(existing.Weight + ReinforcementRate*(1-existing.Weight))
		existing.Confidence = clamp(existing.Confidence + ReinforcementRate*0.5*(1-existing.Confidence))
		existing.LastReinforced = time.Now()
		existing.ActivationCount++
		for tag := range e.ContextTag {
			existing.ContextTag[tag] = struct{}{}
		}
		return Reinforced, existing, nil
	}

	cp := *e
	cp.Weight = clamp(e.Weight)
	cp.Confidence = clamp(e.Confidence)
	if cp.ContextTag == nil {
		cp.ContextTag = make(map[string]struct{})
	}
	s.edges[cp.ID] = &cp
	s.edgeByKey[key] = cp.ID
	s.linkAdjacency(&cp)
	return Ok, &cp, nil
}

// RemoveNode removes a node and cascades: all incident edges are removed
// and, if a cache invalidation sink is wired, a path-prefix invalidation
// event is emitted (spec §4.1).
func (s *Store) RemoveNode(id string) {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	for eid := range s.outAdj[id] {
		s.removeEdgeLocked(eid)
	}
	for eid := range s.inAdj[id] {
		s.removeEdgeLocked(eid)
	}
	delete(s.outAdj, id)
	delete(s.inAdj, id)
	delete(s.nodes, id)
	if kindSet, ok := s.byKind[n.Kind]; ok {
		delete(kindSet, id)
	}
	s.untokenize(n)
	path := n.Path
	sink := s.sink
	s.mu.Unlock()

	if sink != nil && path != "" {
		sink.InvalidatePaths([]string{path})
	}
}

func (s *Store) removeEdgeLocked(id string) {
	e, ok := s.edges[id]
	if !ok {
		return
	}
	delete(s.edges, id)
	delete(s.edgeByKey, edgeKey{e.Source, e.Target, e.Kind})
	if m, ok := s.outAdj[e.Source]; ok {
		delete(m, id)
	}
	if m, ok := s.inAdj[e.Target]; ok {
		delete(m, id)
	}
}

// GetNode returns the node for id, or ok=false if absent (no exceptions
// for absent lookups, spec §4.1).
func (s *Store) GetNode(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// GetEdge returns the edge for id, or ok=false if absent.
func (s *Store) GetEdge(id string) (*Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[id]
	return e, ok
}

// NodeExists reports whether a node with id is currently in the store
// (spec §8, P1).
func (s *Store) NodeExists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Neighbor is one edge incident to a queried node, oriented for traversal.
type Neighbor struct {
	NodeID string
	Edge   *Edge
}

// Neighbors returns the edges incident to id in the requested direction.
// Required to support bidirectional traversal for activation (spec §4.1).
func (s *Store) Neighbors(id string, dir Direction) []Neighbor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Neighbor
	if dir == DirOut || dir == DirBoth {
		for eid := range s.outAdj[id] {
			e := s.edges[eid]
			out = append(out, Neighbor{NodeID: e.Target, Edge: e})
		}
	}
	if dir == DirIn || dir == DirBoth {
		for eid := range s.inAdj[id] {
			e := s.edges[eid]
			out = append(out, Neighbor{NodeID: e.Source, Edge: e})
		}
	}
	return out
}

// Snapshot returns a defensive copy of all nodes and edges, sorted by id,
// taken under one read lock. Snapshot I/O uses it for serialization and
// get_hebbian_stats for its edge scan; the Activation Engine does not use
// it.
func (s *Store) Snapshot() ([]*Node, []*Edge) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		nodes = append(nodes, &cp)
	}
	edges := make([]*Edge, 0, len(s.edges))
	for _, e := range s.edges {
		cp := *e
		edges = append(edges, &cp)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return nodes, edges
}

// Stats summarizes the store for get_stats (spec §6.2).
type Stats struct {
	NodeCount         int
	EdgeCount         int
	NodesByKind       map[NodeKind]int
	AverageConfidence float64
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{NodeCount: len(s.nodes), EdgeCount: len(s.edges), NodesByKind: make(map[NodeKind]int)}
	var sumConf float64
	for _, n := range s.nodes {
		st.NodesByKind[n.Kind]++
		sumConf += n.Confidence
	}
	if st.NodeCount > 0 {
		st.AverageConfidence = sumConf / float64(st.NodeCount)
	}
	return st
}

// FindEdge looks up the edge for (source, target, kind), if any (spec
// invariant 3's dedup key).
func (s *Store) FindEdge(source, target string, kind EdgeKind) (*Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.edgeByKey[edgeKey{source, target, kind}]
	if !ok {
		return nil, false
	}
	return s.edges[id], true
}

// OutgoingByKind returns the edges of the given kind leaving id, used by
// the Hebbian Learner's transitive discovery pass (spec §4.4).
func (s *Store) OutgoingByKind(id string, kind EdgeKind) []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Edge
	for eid := range s.outAdj[id] {
		if e := s.edges[eid]; e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// DecayEdges multiplies the weight of every edge of kind not reinforced
// since cutoff by rate, pruning edges whose weight falls below minWeight
// (spec §4.4 decay tick). Returns the number of edges pruned.
func (s *Store) DecayEdges(kind EdgeKind, cutoff time.Time, rate, minWeight float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned []string
	for id, e := range s.edges {
		if e.Kind != kind || e.LastReinforced.After(cutoff) {
			continue
		}
		e.Weight = clamp(e.Weight * rate)
		if e.Weight < minWeight {
			pruned = append(pruned, id)
		}
	}
	for _, id := range pruned {
		s.removeEdgeLocked(id)
	}
	return len(pruned)
}

// AverageDegree estimates the mean out-degree across nodes, used by the
// Activation Engine to bound max_traversals (spec §4.3).
func (s *Store) AverageDegree() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.nodes) == 0 {
		return 0
	}
	return float64(len(s.edges)) / float64(len(s.nodes))
}

// ---- indexing internals (caller must hold s.mu) ----

func (s *Store) indexNode(n *Node) {
	set, ok := s.byKind[n.Kind]
	if !ok {
		set = make(map[string]struct{})
		s.byKind[n.Kind] = set
	}
	set[n.ID] = struct{}{}

	for _, tok := range tokenize(n.Name + " " + n.Path) {
		m, ok := s.tokenIndex[tok]
		if !ok {
			m = make(map[string]struct{})
			s.tokenIndex[tok] = m
		}
		m[n.ID] = struct{}{}
	}
}

func (s *Store) reindexNode(n *Node) {
	s.untokenize(n)
	s.indexNode(n)
}

func (s *Store) untokenize(n *Node) {
	for _, tok := range tokenize(n.Name + " " + n.Path) {
		if m, ok := s.tokenIndex[tok]; ok {
			delete(m, n.ID)
			if len(m) == 0 {
				delete(s.tokenIndex, tok)
			}
		}
	}
}

func (s *Store) linkAdjacency(e *Edge) {
	out, ok := s.outAdj[e.Source]
	if !ok {
		out = make(map[string]struct{})
		s.outAdj[e.Source] = out
	}
	out[e.ID] = struct{}{}

	in, ok := s.inAdj[e.Target]
	if !ok {
		in = make(map[string]struct{})
		s.inAdj[e.Target] = in
	}
	in[e.ID] = struct{}{}
}

// tokenize lower-cases and splits on non-alphanumeric boundaries, also
// splitting path separators so "pkg/foo.go" indexes "pkg", "foo", "go".
func tokenize(s string) []string {
	s = strings.ToLower(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0:0]
	for _, f := range fields {
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
