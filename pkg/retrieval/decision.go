package retrieval

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dotsetgreg/threadline/pkg/logger"
	"github.com/dotsetgreg/threadline/pkg/providers"
)

// Keywords whose presence makes retrieval worthwhile regardless of length.
var searchKeywords = []string{"cite", "source", "reference", "link", "doc", "document"}

const lengthTriggerWords = 75

const decisionPrompt = "You are a boolean classifier. Return 'yes' (without quotes) when " +
	"fetching external documents could provide helpful additional information " +
	"that would likely improve the answer to the user's query. Return 'no' " +
	"when the model can already answer confidently without any extra context. " +
	"Respond with a single word only: yes or no."

// Decider classifies whether a prompt benefits from retrieval. The primary
// path asks the model; any failure falls back to NeedSearchHeuristic.
type Decider struct {
	provider providers.LLMProvider
	model    string
	cache    *lru.Cache[string, bool]
}

// NewDecider builds a decider. provider may be nil, in which case only the
// deterministic heuristic runs.
func NewDecider(provider providers.LLMProvider, model string) *Decider {
	cache, _ := lru.New[string, bool](256)
	return &Decider{provider: provider, model: model, cache: cache}
}

// NeedSearch reports whether prompt should trigger retrieval.
func (d *Decider) NeedSearch(ctx context.Context, prompt string) bool {
	key := strings.ToLower(strings.TrimSpace(prompt))
	if d.cache != nil {
		if cached, ok := d.cache.Get(key); ok {
			return cached
		}
	}

	decision, decidedBy := d.decide(ctx, prompt)
	logger.TraceCF("retrieval", "Search decision", map[string]interface{}{
		"decided_by":  decidedBy,
		"need_search": decision,
		"prompt_len":  len(strings.Fields(prompt)),
	})
	// Only classifier answers are memoized; a fallback taken because the
	// classifier failed gets retried on the next occurrence.
	if d.cache != nil && decidedBy == "classifier" {
		d.cache.Add(key, decision)
	}
	return decision
}

func (d *Decider) decide(ctx context.Context, prompt string) (bool, string) {
	if d.provider != nil {
		answer, err := d.provider.Chat(ctx, []providers.Message{
			{Role: "system", Content: decisionPrompt},
			{Role: "user", Content: prompt},
		}, d.model, map[string]interface{}{"max_tokens": 1, "temperature": 0.0})
		if err == nil {
			reply := strings.ToLower(strings.TrimSpace(answer.Content))
			switch {
			case strings.HasPrefix(reply, "y"):
				return true, "classifier"
			case strings.HasPrefix(reply, "n"):
				return false, "classifier"
			}
			// Malformed answer falls through to the heuristic.
		} else {
			logger.WarnCF("retrieval", "Decision classifier failed, using heuristic", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return NeedSearchHeuristic(prompt), "heuristic"
}

// NeedSearchHeuristic is the deterministic fallback: true when prompt
// contains a search keyword, else true iff the word count exceeds 75.
// It is pure so boundary behavior is exactly testable.
func NeedSearchHeuristic(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, kw := range searchKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return len(strings.Fields(prompt)) > lengthTriggerWords
}
