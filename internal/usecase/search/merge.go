package search

import (
	domsearch "github.com/stashdoc/stashdoc/internal/domain/search"
)

// mergeHits merges vector-index hits with the substring backstop,
// deduplicating by upload ID. The vector hit wins a conflict because it
// carries a real relevance score; backstop-only matches keep their default
// score of 1, which deliberately ranks them above every vector match to bias
// the merged set toward recall.
func mergeHits(vector, backstop []domsearch.Hit) []domsearch.Hit {
	merged := make([]domsearch.Hit, 0, len(vector)+len(backstop))
	seen := make(map[string]bool, len(vector))

	for _, h := range vector {
		if seen[h.ID()] {
			continue
		}
		seen[h.ID()] = true
		merged = append(merged, h)
	}
	for _, h := range backstop {
		if seen[h.ID()] {
			continue
		}
		seen[h.ID()] = true
		merged = append(merged, h)
	}

	domsearch.SortByScore(merged)
	return merged
}
