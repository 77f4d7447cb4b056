// Package ranking implements the Ranking Fuser (C6, spec §4.6): it
// combines activation, semantic, context, freshness, success-history and
// uniqueness signals into one final_score per node.
package ranking

import (
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/vthunder/mindmap/internal/mindmap/graph"
)

// Default fusion weights (spec §4.6).
const (
	WeightActivation       = 0.45
	WeightSemantic         = 0.15
	WeightContextRelevance = 0.2
	WeightFreshness        = 0.1
	WeightSuccessHistory   = 0.05
	WeightUniqueness       = 0.05

	FreshnessHalfLifeDays = 30.0
	SuccessHistoryCap     = 10.0
)

// Candidate is one node entering the Ranking Fuser, carrying every raw
// signal the fuser needs (spec §4.6's per-node inputs).
type Candidate struct {
	Node             *graph.Node
	Activation       float64
	SemanticScore    float64 // max textual seed score propagated along the path
	ContextRelevance float64
	HopDistance      int
	SuppressionMult  float64 // from the Inhibition Filter; 1.0 if not applied
}

// Ranked is one fused, ordered result.
type Ranked struct {
	Node             *graph.Node
	FinalScore       float64
	Activation       float64
	Semantic         float64
	ContextRelevance float64
	Freshness        float64
	SuccessHistory   float64
	Uniqueness       float64
	HopDistance      int
}

// Fuse computes final_score for every candidate, applies the inhibition
// multiplier last, and returns results stable-sorted per spec §4.6 (final
// score desc, hop_distance asc, confidence desc). Uniqueness is computed
// against the set of already-ranked higher results, so this is an
// iterative (not embarrassingly parallel) pass by construction.
func Fuse(candidates []Candidate, now time.Time) []Ranked {
	prelim := make([]Ranked, len(candidates))
	nameTokens := make([][]float64, len(candidates))
	vocab := buildVocab(candidates)

	for i, c := range candidates {
		freshness := freshnessScore(c.Node, now)
		success := successHistoryScore(c.Node)
		nameTokens[i] = bagOfWordsVector(c.Node.Name, vocab)

		base := WeightActivation*c.Activation +
			WeightSemantic*c.SemanticScore +
			WeightContextRelevance*c.ContextRelevance +
			WeightFreshness*freshness +
			WeightSuccessHistory*success
		// uniqueness filled in below once we know rank order among ties;
		// approximate with a single pass ordered by base score, which is
		// what the spec's "higher-ranked results" wording describes.
		prelim[i] = Ranked{
			Node:             c.Node,
			Activation:       c.Activation,
			Semantic:         c.SemanticScore,
			ContextRelevance: c.ContextRelevance,
			Freshness:        freshness,
			SuccessHistory:   success,
			HopDistance:      c.HopDistance,
			FinalScore:       base,
		}
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return prelim[order[a]].FinalScore > prelim[order[b]].FinalScore
	})

	var higherRanked [][]float64
	for _, idx := range order {
		uniqueness := 1 - maxCosine(nameTokens[idx], higherRanked)
		c := candidates[idx]
		score := prelim[idx].FinalScore + WeightUniqueness*uniqueness
		score *= clampMultiplier(c.SuppressionMult)

		prelim[idx].Uniqueness = uniqueness
		prelim[idx].FinalScore = score
		higherRanked = append(higherRanked, nameTokens[idx])
	}

	sort.SliceStable(prelim, func(i, j int) bool {
		if prelim[i].FinalScore != prelim[j].FinalScore {
			return prelim[i].FinalScore > prelim[j].FinalScore
		}
		if prelim[i].HopDistance != prelim[j].HopDistance {
			return prelim[i].HopDistance < prelim[j].HopDistance
		}
		return prelim[i].Node.Confidence > prelim[j].Node.Confidence
	})

	return prelim
}

func clampMultiplier(m float64) float64 {
	if m <= 0 {
		return 0
	}
	if m > 1 {
		return 1
	}
	return m
}

func freshnessScore(n *graph.Node, now time.Time) float64 {
	if n == nil || n.LastUpdated.IsZero() {
		return 0
	}
	days := now.Sub(n.LastUpdated).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / FreshnessHalfLifeDays)
}

func successHistoryScore(n *graph.Node) float64 {
	if n == nil {
		return 0
	}
	var successful float64
	for _, t := range n.Metadata.Tasks {
		if t.Successful {
			successful++
		}
	}
	score := successful / SuccessHistoryCap
	if score > 1 {
		return 1
	}
	return score
}

// buildVocab assigns a stable dimension index to every distinct name
// token across candidates, so bag-of-words vectors share one axis space.
func buildVocab(candidates []Candidate) map[string]int {
	vocab := make(map[string]int)
	for _, c := range candidates {
		if c.Node == nil {
			continue
		}
		for _, tok := range nameTokenize(c.Node.Name) {
			if _, ok := vocab[tok]; !ok {
				vocab[tok] = len(vocab)
			}
		}
	}
	return vocab
}

func nameTokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func bagOfWordsVector(name string, vocab map[string]int) []float64 {
	vec := make([]float64, len(vocab))
	for _, tok := range nameTokenize(name) {
		if idx, ok := vocab[tok]; ok {
			vec[idx] = 1
		}
	}
	return vec
}

// maxCosine returns the highest cosine similarity between v and any
// vector in others, used for the uniqueness penalty (spec §4.6).
func maxCosine(v []float64, others [][]float64) float64 {
	var max float64
	for _, o := range others {
		if sim := cosineSimilarity(v, o); sim > max {
			max = sim
		}
	}
	return max
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}
	return floats.Dot(a, b) / (normA * normB)
}
