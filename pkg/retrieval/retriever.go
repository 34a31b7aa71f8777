package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dotsetgreg/threadline/pkg/logger"
	"github.com/dotsetgreg/threadline/pkg/vectorstore"
)

// Hit is one passage selected for context, similarity normalized to [0,1].
type Hit struct {
	Text       string
	Similarity float64
	Role       string
	Timestamp  time.Time
}

// Retriever performs oversampled semantic search and diversifies the final
// top-k with maximal marginal relevance, falling back to exact-text
// de-duplication when candidate embeddings are unusable.
type Retriever struct {
	store      *vectorstore.Client
	oversample int
	lambda     float64
}

func NewRetriever(store *vectorstore.Client, oversample int, lambda float64) *Retriever {
	if oversample < 1 {
		oversample = 4
	}
	if lambda < 0 {
		lambda = 0
	}
	if lambda > 1 {
		lambda = 1
	}
	return &Retriever{store: store, oversample: oversample, lambda: lambda}
}

// Retrieve returns up to k diversified hits for query, global scope. Store
// failures degrade to an empty result; the caller treats "no context" as a
// valid outcome.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) []Hit {
	hits, err := r.Search(ctx, query, k, "", 0)
	if err != nil {
		logger.WarnCF("retrieval", "Retrieve degraded to empty result", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	return hits
}

// Search is the error-surfacing variant used by the search API. threadID
// scopes the search to one conversation when non-empty; minSimilarity drops
// hits below the floor.
func (r *Retriever) Search(ctx context.Context, query string, k int, threadID string, minSimilarity float64) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	candidates, err := r.store.Query(ctx, query, k*r.oversample, threadID)
	if err != nil {
		return nil, fmt.Errorf("query vector store: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	selected, strategy := r.selectDiverse(query, candidates, k)

	// Canonical ordering: both strategies present results by similarity
	// descending so the selection path never changes the output order.
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Similarity > selected[j].Similarity
	})

	hits := make([]Hit, 0, len(selected))
	for _, cand := range selected {
		if cand.Similarity < minSimilarity {
			continue
		}
		hits = append(hits, Hit{
			Text:       cand.Text,
			Similarity: cand.Similarity,
			Role:       cand.Role,
			Timestamp:  cand.Timestamp,
		})
	}

	logger.TraceCF("retrieval", "Diversified selection", map[string]interface{}{
		"strategy":   strategy,
		"candidates": len(candidates),
		"selected":   len(hits),
		"k":          k,
	})
	return hits, nil
}

func (r *Retriever) selectDiverse(query string, candidates []vectorstore.Candidate, k int) ([]vectorstore.Candidate, string) {
	selected, err := r.mmrSelect(query, candidates, k)
	if err != nil {
		logger.DebugCF("retrieval", "MMR unavailable, using dedup fallback", map[string]interface{}{
			"error": err.Error(),
		})
		return dedupSelect(candidates, k), "dedup"
	}
	return selected, "mmr"
}

// mmrSelect iteratively picks the candidate maximizing
// lambda*sim(c,query) - (1-lambda)*max sim(c, selected).
func (r *Retriever) mmrSelect(query string, candidates []vectorstore.Candidate, k int) ([]vectorstore.Candidate, error) {
	for i := range candidates {
		if len(candidates[i].Embedding) == 0 {
			return nil, fmt.Errorf("candidate %d has no embedding", i)
		}
	}

	queryVec := r.store.Embedder().Embed(query)
	remaining := make([]vectorstore.Candidate, len(candidates))
	copy(remaining, candidates)

	selected := make([]vectorstore.Candidate, 0, k)
	seen := map[string]struct{}{}

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		bestScore := 0.0
		for i, cand := range remaining {
			if _, dup := seen[cand.Text]; dup {
				continue
			}
			relevance := vectorstore.CosineSimilarity(queryVec, cand.Embedding)
			redundancy := 0.0
			for _, sel := range selected {
				if sim := vectorstore.CosineSimilarity(cand.Embedding, sel.Embedding); sim > redundancy {
					redundancy = sim
				}
			}
			score := r.lambda*relevance - (1-r.lambda)*redundancy
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		if bestIdx == -1 {
			break
		}
		pick := remaining[bestIdx]
		seen[pick.Text] = struct{}{}
		selected = append(selected, pick)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected, nil
}

// dedupSelect walks candidates in similarity order keeping the first
// occurrence of each text, backfilling until k unique items or exhaustion.
func dedupSelect(candidates []vectorstore.Candidate, k int) []vectorstore.Candidate {
	ordered := make([]vectorstore.Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Similarity > ordered[j].Similarity
	})

	seen := map[string]struct{}{}
	out := make([]vectorstore.Candidate, 0, k)
	for _, cand := range ordered {
		if _, dup := seen[cand.Text]; dup {
			continue
		}
		seen[cand.Text] = struct{}{}
		out = append(out, cand)
		if len(out) >= k {
			break
		}
	}
	return out
}
