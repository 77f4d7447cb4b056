// Package pipeline implements the Query Pipeline (C7, spec §4.7): the
// single entrypoint that orchestrates the Graph Store, Activation Engine,
// Inhibition Filter, Ranking Fuser, Query Cache and Hebbian Learner into
// one `query` operation.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vthunder/mindmap/internal/logging"
	"github.com/vthunder/mindmap/internal/mindmap/activation"
	"github.com/vthunder/mindmap/internal/mindmap/cache"
	"github.com/vthunder/mindmap/internal/mindmap/errs"
	"github.com/vthunder/mindmap/internal/mindmap/graph"
	"github.com/vthunder/mindmap/internal/mindmap/hebbian"
	"github.com/vthunder/mindmap/internal/mindmap/inhibition"
	"github.com/vthunder/mindmap/internal/mindmap/ranking"
	"github.com/vthunder/mindmap/internal/profiling"
)

// Defaults (spec §4.7, §9).
const (
	DefaultSeedCap       = 16
	DefaultLimit         = 20
	MaxLimit             = 200
	MaxQueryTextLen      = 1000
	DefaultQueryDeadline = 15 * time.Second
)

var allowedTypeFilters = map[graph.NodeKind]struct{}{
	graph.KindFile: {}, graph.KindDirectory: {}, graph.KindFunction: {},
	graph.KindClass: {}, graph.KindPattern: {}, graph.KindError: {},
	graph.KindConcept: {},
}

// Request is one `query` invocation (spec §6.2).
type Request struct {
	QueryText        string
	TypeFilter       *graph.NodeKind
	Limit            int
	IncludeMetadata  bool
	UseActivation    bool
	BypassCache      bool
	BypassInhibition bool
	BypassHebbian    bool
	HopCap           *int // nil means "use the default"; 0 is a distinct, legitimate value
	Context          activation.QueryContext
}

// NodeOut is one returned node in a query response.
type NodeOut struct {
	ID          string
	Kind        graph.NodeKind
	Name        string
	Path        string
	Score       float64
	HopDistance int
	Metadata    *graph.Metadata
}

// Response is the `query` tool's return shape (spec §6.2).
type Response struct {
	Nodes             []NodeOut
	TotalMatches      int
	QueryTimeMs       float64
	CacheHit          bool
	InhibitionApplied *bool
	OriginalCount     *int
}

// Pipeline wires the components together. All fields are required.
type Pipeline struct {
	Graph      *graph.Store
	Cache      *cache.Cache
	Inhibition *inhibition.Filter
	Hebbian    *hebbian.Learner
}

// New builds a Pipeline from already-constructed components.
func New(g *graph.Store, c *cache.Cache, inh *inhibition.Filter, h *hebbian.Learner) *Pipeline {
	return &Pipeline{Graph: g, Cache: c, Inhibition: inh, Hebbian: h}
}

// Query runs the nine-step pipeline described in spec §4.7.
func (p *Pipeline) Query(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	if err := validate(req); err != nil {
		return Response{}, err
	}
	req = applyDefaults(req)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultQueryDeadline)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	normalizedQuery := strings.ToLower(strings.TrimSpace(req.QueryText))
	cacheKey := buildCacheKey(req, normalizedQuery)

	if !req.BypassCache {
		if entry, ok := p.Cache.Get(cacheKey); ok {
			resp := entry.Payload.(Response)
			resp.CacheHit = true
			resp.QueryTimeMs = time.Since(start).Seconds() * 1000
			return resp, nil
		}
	}

	profiler := profiling.Get()
	stopSeeds := profiler.Start(cacheKey, "find_seeds")
	seeds := p.Graph.FindSeeds(req.QueryText, req.TypeFilter, DefaultSeedCap)
	stopSeeds()
	seedScore := make(map[string]float64, len(seeds))
	for _, s := range seeds {
		seedScore[s.NodeID] = s.TextualScore
	}

	var (
		activated           []activation.Result
		truncatedByDeadline bool
	)
	if req.UseActivation {
		stopSpread := profiler.Start(cacheKey, "activation_spread")
		actSeeds := make([]activation.Seed, len(seeds))
		for i, s := range seeds {
			actSeeds[i] = activation.Seed{NodeID: s.NodeID, Strength: s.TextualScore}
		}
		outcome := activation.Spread(ctx, p.Graph, actSeeds, req.Context, activation.Options{
			HopCap:   *req.HopCap,
			Deadline: deadline,
		})
		activated = outcome.Results
		truncatedByDeadline = outcome.Truncated
		stopSpread()
	} else {
		for _, s := range seeds {
			node, ok := p.Graph.GetNode(s.NodeID)
			if !ok {
				continue
			}
			rel := activation.ContextRelevance(node, req.Context)
			activated = append(activated, activation.Result{
				NodeID:           s.NodeID,
				Strength:         s.TextualScore,
				Path:             []string{s.NodeID},
				HopDistance:      0,
				ContextRelevance: rel,
				TotalScore:       s.TextualScore * (1 + rel),
			})
		}
	}

	candidates := make([]ranking.Candidate, 0, len(activated))
	for _, a := range activated {
		node, ok := p.Graph.GetNode(a.NodeID)
		if !ok {
			continue
		}
		semantic := 0.0
		if len(a.Path) > 0 {
			semantic = seedScore[a.Path[0]]
		}
		candidates = append(candidates, ranking.Candidate{
			Node:             node,
			Activation:       a.Strength,
			SemanticScore:    semantic,
			ContextRelevance: a.ContextRelevance,
			HopDistance:      a.HopDistance,
			SuppressionMult:  1.0,
		})
	}

	var inhibitionApplied *bool
	if !req.BypassInhibition && p.Inhibition != nil {
		applied := true
		inhibitionApplied = &applied
		querySig := inhibition.ExtractSignature(req.QueryText+" "+req.Context.CurrentTask, req.Context.ActiveFiles)
		inhCandidates := make([]inhibition.Candidate, len(candidates))
		for i, c := range candidates {
			inhCandidates[i] = inhibition.Candidate{NodeID: c.Node.ID, Path: c.Node.Path}
		}
		suppressions := p.Inhibition.Apply(querySig, inhCandidates)
		for i := range candidates {
			if s, ok := suppressions[candidates[i].Node.ID]; ok {
				candidates[i].SuppressionMult = s.Multiplier
			}
		}
	} else if req.BypassInhibition {
		applied := false
		inhibitionApplied = &applied
	}

	stopRank := profiler.Start(cacheKey, "rank_fuse")
	ranked := ranking.Fuse(candidates, time.Now())
	stopRank()

	originalCount := len(ranked)
	var originalCountPtr *int
	if originalCount > req.Limit {
		originalCountPtr = &originalCount
	}
	if len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}

	nodes := make([]NodeOut, len(ranked))
	paths := make([]string, 0, len(ranked))
	for i, r := range ranked {
		out := NodeOut{
			ID:          r.Node.ID,
			Kind:        r.Node.Kind,
			Name:        r.Node.Name,
			Path:        r.Node.Path,
			Score:       r.FinalScore,
			HopDistance: r.HopDistance,
		}
		if req.IncludeMetadata {
			md := r.Node.Metadata
			out.Metadata = &md
		}
		nodes[i] = out
		if r.Node.Path != "" {
			paths = append(paths, r.Node.Path)
		}
	}

	resp := Response{
		Nodes:             nodes,
		TotalMatches:      originalCount,
		CacheHit:          false,
		InhibitionApplied: inhibitionApplied,
		OriginalCount:     originalCountPtr,
	}

	computationMs := time.Since(start).Seconds() * 1000
	if err := p.Cache.Put(&cache.Entry{
		Key:           cacheKey,
		Payload:       resp,
		Paths:         paths,
		ComputationMs: computationMs,
		SizeEstimate:  estimateSize(resp),
	}); err != nil {
		logging.Debug("pipeline", "cache insert skipped: %v", err)
	}

	if !req.BypassHebbian && p.Hebbian != nil && len(nodes) > 1 {
		primary := nodes[0].ID
		co := make([]string, 0, len(nodes)-1)
		for _, n := range nodes[1:] {
			co = append(co, n.ID)
		}
		p.Hebbian.Submit(hebbian.Event{
			PrimaryNodeID: primary,
			CoNodes:       co,
			ContextTag:    req.Context.CurrentTask,
			Timestamp:     time.Now(),
		})
	}

	resp.QueryTimeMs = time.Since(start).Seconds() * 1000
	if truncatedByDeadline {
		logging.Debug("pipeline", "query %q truncated by deadline", logging.Truncate(req.QueryText, 80))
	}
	return resp, nil
}

func validate(req Request) error {
	text := strings.TrimSpace(req.QueryText)
	if text == "" {
		return fmt.Errorf("query text must not be empty: %w", errs.ErrValidation)
	}
	if len(text) > MaxQueryTextLen {
		return fmt.Errorf("query text exceeds %d characters: %w", MaxQueryTextLen, errs.ErrValidation)
	}
	if req.Limit != 0 && (req.Limit < 1 || req.Limit > MaxLimit) {
		return fmt.Errorf("limit must be in [1, %d]: %w", MaxLimit, errs.ErrValidation)
	}
	if req.TypeFilter != nil {
		if _, ok := allowedTypeFilters[*req.TypeFilter]; !ok {
			return fmt.Errorf("unknown type filter %q: %w", *req.TypeFilter, errs.ErrValidation)
		}
	}
	if req.HopCap != nil && (*req.HopCap < 0 || *req.HopCap > activation.MaxHopCap) {
		return fmt.Errorf("hop_cap must be in [0, %d]: %w", activation.MaxHopCap, errs.ErrValidation)
	}
	return nil
}

func applyDefaults(req Request) Request {
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	if req.HopCap == nil {
		d := activation.DefaultHopCap
		req.HopCap = &d
	}
	return req
}

func buildCacheKey(req Request, normalizedQuery string) string {
	typeTag := "any"
	if req.TypeFilter != nil {
		typeTag = string(*req.TypeFilter)
	}
	contextFingerprint := cache.Fingerprint(
		strings.Join(req.Context.ActiveFiles, ","),
		req.Context.CurrentTask,
		strings.Join(req.Context.Frameworks, ","),
		strings.Join(req.Context.Languages, ","),
		fmt.Sprintf("hop=%d", *req.HopCap),
	)
	optionsFingerprint := cache.Fingerprint(
		typeTag,
		fmt.Sprintf("limit=%d", req.Limit),
		fmt.Sprintf("activation=%v", req.UseActivation),
		fmt.Sprintf("inhibition=%v", req.BypassInhibition),
		fmt.Sprintf("metadata=%v", req.IncludeMetadata),
	)
	return cache.Key(normalizedQuery, contextFingerprint, optionsFingerprint)
}

func estimateSize(resp Response) int {
	size := 64
	for _, n := range resp.Nodes {
		size += len(n.ID) + len(n.Name) + len(n.Path) + 48
	}
	return size
}
