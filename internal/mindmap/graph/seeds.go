package graph

import (
	"sort"
	"strings"
)

// Score weights for find_seeds' textual scorer (spec §4.1). Unexported —
// callers tune behavior via query text and limit only, matching the
// spec's contract.
const (
	scoreExactToken = 1.0
	scoreSubstring  = 0.5
	scorePrefix     = 0.3
)

// FindSeeds performs case-insensitive tokenized textual scoring over the
// name/path token index, optionally restricted to a node kind, and
// returns up to limit matches ordered by score desc, ties broken by
// higher confidence then newer LastUpdated (spec §4.1).
func (s *Store) FindSeeds(queryText string, typeFilter *NodeKind, limit int) []SeedMatch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queryTokens := tokenize(queryText)
	if len(queryTokens) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	candidateSet := s.candidateSetLocked(typeFilter)

	for _, qt := range queryTokens {
		// exact token match via the inverted index
		if ids, ok := s.tokenIndex[qt]; ok {
			for id := range ids {
				if candidateSet != nil {
					if _, allowed := candidateSet[id]; !allowed {
						continue
					}
				}
				scores[id] += scoreExactToken
			}
		}
	}

	// substring and prefix matches require scanning candidate names/paths;
	// bounded to the type-filtered set when present, else all nodes.
	scan := s.nodes
	if candidateSet != nil {
		scan = make(map[string]*Node, len(candidateSet))
		for id := range candidateSet {
			if n, ok := s.nodes[id]; ok {
				scan[id] = n
			}
		}
	}
	lowerQuery := strings.ToLower(queryText)
	for id, n := range scan {
		name := strings.ToLower(n.Name)
		path := strings.ToLower(n.Path)
		if strings.Contains(name, lowerQuery) || strings.Contains(path, lowerQuery) {
			scores[id] += scoreSubstring
		}
		if strings.HasPrefix(name, lowerQuery) || strings.HasPrefix(path, lowerQuery) {
			scores[id] += scorePrefix
		}
	}

	matches := make([]SeedMatch, 0, len(scores))
	for id, sc := range scores {
		if sc > 1.0 {
			sc = 1.0
		}
		matches = append(matches, SeedMatch{NodeID: id, TextualScore: sc})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].TextualScore != matches[j].TextualScore {
			return matches[i].TextualScore > matches[j].TextualScore
		}
		ni, nj := s.nodes[matches[i].NodeID], s.nodes[matches[j].NodeID]
		if ni.Confidence != nj.Confidence {
			return ni.Confidence > nj.Confidence
		}
		return ni.LastUpdated.After(nj.LastUpdated)
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func (s *Store) candidateSetLocked(typeFilter *NodeKind) map[string]struct{} {
	if typeFilter == nil {
		return nil
	}
	return s.byKind[*typeFilter]
}
