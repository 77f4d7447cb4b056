// Package inhibition implements the Inhibition Filter (C5, spec §4.5): it
// remembers the shape of recent failures and suppresses results that look
// like a repeat of one, without ever hard-blocking a node outright.
package inhibition

import (
	"encoding/hex"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tsawler/prose/v3"
	"github.com/zeebo/blake3"
)

// Defaults (spec §4.5, §9).
const (
	DefaultReinforcement = 0.1
	DefaultNewStrength   = 0.5
	DefaultPruneStrength = 0.05
	DefaultHalfLife      = 7 * 24 * time.Hour
	DefaultOverlapGate   = 0.5
)

// stopWords is a small closed set filtered out of signature tokens. It is
// a trivial data table, not an algorithm, so it carries no attribution.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "was": {}, "to": {}, "of": {},
	"in": {}, "on": {}, "for": {}, "and": {}, "or": {}, "with": {}, "at": {},
	"by": {}, "from": {}, "this": {}, "that": {}, "it": {}, "be": {},
}

// FailureReport is the input to signature extraction (spec §4.5).
type FailureReport struct {
	TaskDescription string
	Files           []string
	ErrorType       string
	ErrorMessage    string
	CoActiveNodes   []string
}

// Signature is a normalized, hashable token bag (spec §4.5: "Hash this
// bag stably").
type Signature struct {
	Tokens map[string]struct{}
	Hash   string
}

// ExtractSignature builds the normalized token bag for a failure report or
// an incoming query's context, deriving file-kind tokens from extensions.
func ExtractSignature(text string, files []string) Signature {
	tokens := make(map[string]struct{})
	for _, tok := range tokenize(text) {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		tokens[tok] = struct{}{}
	}
	for _, f := range files {
		ext := strings.TrimPrefix(filepath.Ext(f), ".")
		if ext != "" {
			tokens["filekind:"+strings.ToLower(ext)] = struct{}{}
		}
	}
	return Signature{Tokens: tokens, Hash: hashTokens(tokens)}
}

// tokenize splits free-text task descriptions and error messages into
// words using prose's document tokenizer, falling back to a plain word
// split if prose can't parse the text at all.
func tokenize(s string) []string {
	doc, err := prose.NewDocument(s, prose.WithExtraction(false), prose.WithTagging(false))
	if err != nil {
		return fieldTokenize(s)
	}
	toks := doc.Tokens()
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		word := strings.ToLower(strings.TrimFunc(t.Text, func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r >= 'A' && r <= 'Z')
		}))
		if word != "" {
			out = append(out, word)
		}
	}
	return out
}

func fieldTokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func hashTokens(tokens map[string]struct{}) string {
	sorted := make([]string, 0, len(tokens))
	for t := range tokens {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)
	h := blake3.New()
	for _, t := range sorted {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// jaccard computes the overlap ratio between two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var intersection int
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Pattern is one Inhibitory Pattern (spec §3).
type Pattern struct {
	ID                string
	Signature         Signature
	InhibitedNodeRefs map[string]struct{}
	InhibitedPaths    map[string]struct{}
	Strength          float64
	CreatedAt         time.Time
	LastReinforced    time.Time
	ReinforcementCount int
}

// Filter is the Inhibition Filter (C5). A single lock guards the pattern
// store; Apply reads a defensive snapshot to avoid holding the lock across
// a full ranking pass (spec §5).
type Filter struct {
	mu        sync.Mutex
	patterns  map[string]*Pattern
	lastDecay time.Time // time of the previous DecayTick; zero before the first
}

// New creates an empty Filter.
func New() *Filter {
	return &Filter{patterns: make(map[string]*Pattern)}
}

// Record creates or reinforces the pattern for a reported failure (spec
// §4.5 pattern creation/reinforcement).
func (f *Filter) Record(report FailureReport) *Pattern {
	sig := ExtractSignature(report.ErrorType+" "+report.ErrorMessage+" "+report.TaskDescription, report.Files)

	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.patterns[sig.Hash]; ok {
		p.Strength = clamp(p.Strength + DefaultReinforcement*(1-p.Strength))
		p.ReinforcementCount++
		p.LastReinforced = time.Now()
		addAll(p.InhibitedNodeRefs, report.CoActiveNodes)
		addPathProjection(p.InhibitedPaths, report.Files)
		return p
	}

	p := &Pattern{
		ID:                sig.Hash,
		Signature:         sig,
		InhibitedNodeRefs: setOf(report.CoActiveNodes),
		InhibitedPaths:    make(map[string]struct{}),
		Strength:          DefaultNewStrength,
		CreatedAt:         time.Now(),
		LastReinforced:    time.Now(),
		ReinforcementCount: 0,
	}
	addPathProjection(p.InhibitedPaths, report.Files)
	f.patterns[p.ID] = p
	return p
}

func setOf(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	addAll(set, items)
	return set
}

func addAll(set map[string]struct{}, items []string) {
	for _, item := range items {
		set[item] = struct{}{}
	}
}

func addPathProjection(set map[string]struct{}, files []string) {
	for _, f := range files {
		set[f] = struct{}{}
	}
}

// DecayTick applies multiplicative half-life decay to every pattern and
// prunes those below DefaultPruneStrength (spec §4.5, invariant 4). Each
// pattern decays for the time elapsed since the later of its last
// reinforcement and the previous tick, so repeated ticks do not compound.
func (f *Filter) DecayTick(now time.Time, halfLife time.Duration) int {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var pruned int
	for id, p := range f.patterns {
		since := p.LastReinforced
		if f.lastDecay.After(since) {
			since = f.lastDecay
		}
		decayFactor := halfLifeDecay(now.Sub(since), halfLife)
		p.Strength = clamp(p.Strength * decayFactor)
		if p.Strength < DefaultPruneStrength {
			delete(f.patterns, id)
			pruned++
		}
	}
	f.lastDecay = now
	return pruned
}

func halfLifeDecay(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	ratio := float64(age) / float64(halfLife)
	return math.Pow(0.5, ratio)
}

// Candidate is one ranking candidate subject to suppression (spec §4.5
// "application at query time").
type Candidate struct {
	NodeID string
	Path   string
}

// Suppression is the per-node multiplier to apply to total_score.
type Suppression struct {
	Multiplier float64
	Matched    bool
}

// Apply computes the suppression multiplier for each candidate against the
// query's own failure signature (spec §4.5). A bypass flag is expected to
// be handled by the caller (Query Pipeline) by skipping this call entirely.
func (f *Filter) Apply(querySig Signature, candidates []Candidate) map[string]Suppression {
	snapshot := f.snapshot()
	result := make(map[string]Suppression, len(candidates))

	for _, c := range candidates {
		result[c.NodeID] = Suppression{Multiplier: 1.0}
	}

	for _, p := range snapshot {
		overlap := jaccard(p.Signature.Tokens, querySig.Tokens)
		if overlap < DefaultOverlapGate {
			continue
		}
		suppression := p.Strength * overlap
		multiplier := 1 - suppression
		if multiplier < 0 {
			multiplier = 0
		}
		for _, c := range candidates {
			if !matchesPattern(p, c) {
				continue
			}
			if cur := result[c.NodeID]; multiplier < cur.Multiplier {
				result[c.NodeID] = Suppression{Multiplier: multiplier, Matched: true}
			}
		}
	}
	return result
}

func matchesPattern(p *Pattern, c Candidate) bool {
	if _, ok := p.InhibitedNodeRefs[c.NodeID]; ok {
		return true
	}
	if c.Path == "" {
		return false
	}
	for prefix := range p.InhibitedPaths {
		if strings.HasPrefix(c.Path, prefix) || strings.HasPrefix(prefix, c.Path) {
			return true
		}
	}
	return false
}

// Patterns returns a defensive snapshot of every pattern, for Snapshot I/O
// to serialize (spec §6.3).
func (f *Filter) Patterns() []*Pattern {
	return f.snapshot()
}

// Restore re-inserts a pattern loaded from disk, bypassing the normal
// creation path (Snapshot I/O's loader).
func (f *Filter) Restore(p Pattern) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.patterns[cp.ID] = &cp
}

func (f *Filter) snapshot() []*Pattern {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Pattern, 0, len(f.patterns))
	for _, p := range f.patterns {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Stats summarizes the filter for get_inhibitory_stats (spec §6.2).
type Stats struct {
	TotalPatterns      int
	AverageStrength    float64
	StrongPatterns     int
	WeakPatterns       int
	RecentlyReinforced int
}

// StatsAt computes Stats as of now, treating a pattern reinforced within
// the last hour as "recently reinforced" and strength >= 0.5 as "strong".
func (f *Filter) StatsAt(now time.Time) Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	var st Stats
	st.TotalPatterns = len(f.patterns)
	var sum float64
	for _, p := range f.patterns {
		sum += p.Strength
		if p.Strength >= 0.5 {
			st.StrongPatterns++
		} else {
			st.WeakPatterns++
		}
		if now.Sub(p.LastReinforced) < time.Hour {
			st.RecentlyReinforced++
		}
	}
	if st.TotalPatterns > 0 {
		st.AverageStrength = sum / float64(st.TotalPatterns)
	}
	return st
}
