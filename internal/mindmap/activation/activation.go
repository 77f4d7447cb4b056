// Package activation implements the bounded-hop spreading activation
// retrieval algorithm (spec §4.3). It is the heart of retrieval: a
// level-synchronous BFS with per-level decay, a threshold cutoff, and a
// per-session cycle guard. A session does not hold the Graph Store lock
// throughout: every node and neighbor lookup takes the store's read lock
// on its own, so a write made while a session runs can be seen by the
// session's later lookups.
package activation

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/vthunder/mindmap/internal/mindmap/graph"
)

// Defaults (spec §4.3, §9 "any consistent set within the stated ranges").
const (
	DefaultHopCap    = 3
	MaxHopCap        = 10
	DefaultBaseDecay = 0.7
	DefaultTau       = 0.1
	DefaultSeedBoost = 1.0
)

// edgeTypeWeight returns the spreading weight for an edge kind (spec
// §4.3). inhibits edges never spread.
func edgeTypeWeight(kind graph.EdgeKind) (float64, bool) {
	switch kind {
	case graph.EdgeContains:
		return 0.9, true
	case graph.EdgeCalls:
		return 0.8, true
	case graph.EdgeImports:
		return 0.7, true
	case graph.EdgeFixes:
		return 0.9, true
	case graph.EdgeDependsOn:
		return 0.7, true
	case graph.EdgeCoActivates:
		return 0.8, true
	case graph.EdgeRelatesTo:
		return 0.6, true
	case graph.EdgeInhibits:
		return 0, false
	default:
		return 0, false
	}
}

// Seed is a starting node with its initial activation (default 1.0).
type Seed struct {
	NodeID string
	Strength float64
}

// QueryContext carries the caller's environment into context_relevance
// (spec §4.3, §4.7).
type QueryContext struct {
	CurrentTask  string
	ActiveFiles  []string
	RecentErrors []string
	Frameworks   []string
	Languages    []string
	Timestamp    time.Time
}

// Options configures one activation session. A negative HopCap means
// "use the default"; HopCap == 0 is a distinct, legitimate value (spec
// §8 B1: "hop_cap = 0 returns only seeds") and is never coerced.
type Options struct {
	HopCap    int
	BaseDecay float64
	Tau       float64
	Deadline  time.Time // zero means no deadline
}

func (o Options) normalized() Options {
	if o.HopCap < 0 {
		o.HopCap = DefaultHopCap
	}
	if o.HopCap > MaxHopCap {
		o.HopCap = MaxHopCap
	}
	if o.BaseDecay <= 0 {
		o.BaseDecay = DefaultBaseDecay
	}
	if o.Tau <= 0 {
		o.Tau = DefaultTau
	}
	return o
}

// Result is one ActivationResult (spec §4.3).
type Result struct {
	NodeID           string
	Strength         float64
	Path             []string
	HopDistance      int
	ContextRelevance float64
	TotalScore       float64
}

// Outcome is the full output of one activation session.
type Outcome struct {
	Results   []Result
	Truncated bool
}

// traversalKey identifies one directed traversal of one edge instance,
// enforcing "at most once per session" (spec §4.3, P5).
type traversalKey struct {
	edgeID string
	from   string
}

// Spread runs the level-synchronous BFS described in spec §4.3 against a
// consistent snapshot of store, starting from seeds, honoring ctx's
// deadline cooperatively (checked between hop levels and every
// max_traversals/8 edges).
func Spread(ctx context.Context, store *graph.Store, seeds []Seed, qctx QueryContext, opts Options) Outcome {
	opts = opts.normalized()

	activation := make(map[string]float64, len(seeds))
	hopOf := make(map[string]int, len(seeds))
	pathOf := make(map[string][]string, len(seeds))
	contextRel := make(map[string]float64)
	nodeCache := make(map[string]*graph.Node)

	nodeOf := func(id string) *graph.Node {
		if n, ok := nodeCache[id]; ok {
			return n
		}
		n, _ := store.GetNode(id)
		nodeCache[id] = n
		return n
	}
	relevanceOf := func(id string) float64 {
		if r, ok := contextRel[id]; ok {
			return r
		}
		r := contextRelevance(nodeOf(id), qctx)
		contextRel[id] = r
		return r
	}

	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		strength := s.Strength
		if strength <= 0 {
			strength = DefaultSeedBoost
		}
		if cur, ok := activation[s.NodeID]; !ok || strength > cur {
			activation[s.NodeID] = strength
		}
		hopOf[s.NodeID] = 0
		pathOf[s.NodeID] = []string{s.NodeID}
		relevanceOf(s.NodeID)
		frontier = append(frontier, s.NodeID)
	}

	if len(seeds) == 0 {
		return Outcome{}
	}

	avgDegree := store.AverageDegree()
	if avgDegree < 1 {
		avgDegree = 1
	}
	maxTraversals := int(4 * float64(len(seeds)) * float64(opts.HopCap) * avgDegree)
	if maxTraversals < 1 {
		maxTraversals = 1
	}

	traversed := make(map[traversalKey]struct{})
	truncated := false
	traversalCount := 0
	checkEvery := maxTraversals / 8
	if checkEvery < 1 {
		checkEvery = 1
	}

	deadlineExceeded := func() bool {
		if opts.Deadline.IsZero() {
			return false
		}
		return time.Now().After(opts.Deadline)
	}

levelLoop:
	for level := 1; level <= opts.HopCap; level++ {
		select {
		case <-ctx.Done():
			truncated = true
			break levelLoop
		default:
		}
		if deadlineExceeded() {
			truncated = true
			break
		}

		levelDecay := math.Pow(opts.BaseDecay, float64(level))
		if levelDecay < opts.Tau {
			break
		}

		var nextFrontier []string
		anyCrossed := false

		for _, u := range frontier {
			if activation[u] < opts.Tau {
				continue
			}
			for _, nb := range store.Neighbors(u, graph.DirBoth) {
				if traversalCount >= maxTraversals {
					truncated = true
					break levelLoop
				}
				weight, spreads := edgeTypeWeight(nb.Edge.Kind)
				if !spreads {
					continue
				}
				from, to := u, nb.NodeID
				tk := traversalKey{edgeID: nb.Edge.ID, from: from}
				if _, used := traversed[tk]; used {
					continue
				}
				traversed[tk] = struct{}{}
				traversalCount++
				if traversalCount%checkEvery == 0 {
					if deadlineExceeded() {
						truncated = true
						break levelLoop
					}
					select {
					case <-ctx.Done():
						truncated = true
						break levelLoop
					default:
					}
				}

				propagated := activation[u] * levelDecay * weight * nb.Edge.Confidence
				boosted := propagated * (1 + relevanceOf(to))

				if boosted > activation[to] {
					activation[to] = boosted
					hopOf[to] = level
					path := append(append([]string(nil), pathOf[from]...), to)
					pathOf[to] = path
					if boosted >= opts.Tau {
						anyCrossed = true
						nextFrontier = append(nextFrontier, to)
					}
				}
			}
		}

		if !anyCrossed {
			break
		}
		frontier = nextFrontier
	}

	results := make([]Result, 0, len(activation))
	for id, a := range activation {
		if a < opts.Tau {
			continue
		}
		rel := relevanceOf(id)
		results = append(results, Result{
			NodeID:           id,
			Strength:         a,
			Path:             pathOf[id],
			HopDistance:      hopOf[id],
			ContextRelevance: rel,
			TotalScore:       a * (1 + rel),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].TotalScore != results[j].TotalScore {
			return results[i].TotalScore > results[j].TotalScore
		}
		if results[i].HopDistance != results[j].HopDistance {
			return results[i].HopDistance < results[j].HopDistance
		}
		ni, nj := nodeOf(results[i].NodeID), nodeOf(results[j].NodeID)
		if ni == nil || nj == nil {
			return false
		}
		if ni.Confidence != nj.Confidence {
			return ni.Confidence > nj.Confidence
		}
		return ni.LastUpdated.After(nj.LastUpdated)
	})

	return Outcome{Results: results, Truncated: truncated}
}

// ContextRelevance exposes contextRelevance for callers that bypass
// Spread entirely (spec §4.7 step 4, the non-activation branch).
func ContextRelevance(n *graph.Node, qctx QueryContext) float64 {
	return contextRelevance(n, qctx)
}

// contextRelevance combines task overlap, file proximity, error overlap,
// framework/language intersection, recency, and confidence into a score
// in [0,1] (spec §4.3).
func contextRelevance(n *graph.Node, qctx QueryContext) float64 {
	if n == nil {
		return 0
	}
	var score float64

	if qctx.CurrentTask != "" && len(n.Metadata.Tasks) > 0 {
		taskTokens := tokenSet(qctx.CurrentTask)
		var matches float64
		for _, task := range n.Metadata.Tasks {
			if overlaps(taskTokens, tokenSet(task.Description)) {
				matches++
			}
		}
		score += math.Min(0.6, 0.3*matches)
	}

	if n.Path != "" {
		for _, active := range qctx.ActiveFiles {
			if strings.HasPrefix(n.Path, active) || strings.HasPrefix(active, n.Path) {
				score += 0.4
				break
			}
		}
	}

	if n.Kind == graph.KindError && n.Metadata.Message != "" && len(qctx.RecentErrors) > 0 {
		msgTokens := tokenSet(n.Metadata.Message)
		var matches float64
		for _, errText := range qctx.RecentErrors {
			if overlaps(msgTokens, tokenSet(errText)) {
				matches++
			}
		}
		score += math.Min(0.5, 0.25*matches)
	}

	if intersects(n.Frameworks, qctx.Frameworks) {
		score += 0.2
	}
	if intersects(n.Languages, qctx.Languages) {
		score += 0.15
	}

	if !n.LastUpdated.IsZero() {
		hours := time.Since(n.LastUpdated).Hours()
		score += 0.1 * math.Exp(-hours/24)
	}
	score += 0.1 * n.Confidence

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f != "" {
			set[f] = struct{}{}
		}
	}
	return set
}

func overlaps(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

func intersects(set map[string]struct{}, list []string) bool {
	for _, v := range list {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
