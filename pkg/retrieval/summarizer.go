package retrieval

import (
	"context"
	"strings"

	"github.com/dotsetgreg/threadline/pkg/logger"
	"github.com/dotsetgreg/threadline/pkg/providers"
)

const summaryPrompt = "You are a concise research assistant. Summarise the passages into " +
	"Markdown bullet points. Stay under the requested token budget."

// Summarizer compresses retrieval hits into a token-bounded context packet.
// The model path is preferred; the deterministic path joins hit texts as
// bullet lines. Both are hard-trimmed to the budget, counting words as a
// token proxy, so output can never exceed it.
type Summarizer struct {
	provider providers.LLMProvider
	model    string
	budget   int
}

func NewSummarizer(provider providers.LLMProvider, model string, budget int) *Summarizer {
	if budget <= 0 {
		budget = 150
	}
	return &Summarizer{provider: provider, model: model, budget: budget}
}

// Summarize returns the context packet for hits, empty when hits is empty.
func (s *Summarizer) Summarize(ctx context.Context, hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}

	summary := ""
	path := "fallback"
	if s.provider != nil {
		var b strings.Builder
		for _, hit := range hits {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(hit.Text))
			b.WriteString("\n\n")
		}
		resp, err := s.provider.Chat(ctx, []providers.Message{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: b.String()},
		}, s.model, map[string]interface{}{"max_tokens": s.budget, "temperature": 0.2})
		if err == nil {
			summary = strings.TrimSpace(resp.Content)
			path = "model"
		} else {
			logger.WarnCF("retrieval", "Summarizer model call failed, joining hits", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	if summary == "" {
		lines := make([]string, 0, len(hits))
		for _, hit := range hits {
			lines = append(lines, "- "+strings.TrimSpace(hit.Text))
		}
		summary = strings.Join(lines, "\n")
		path = "fallback"
	}

	trimmed := trimWords(summary, s.budget)
	logger.TraceCF("retrieval", "Context packet built", map[string]interface{}{
		"path":   path,
		"hits":   len(hits),
		"tokens": len(strings.Fields(trimmed)),
	})
	return trimmed
}

// trimWords truncates text to at most limit space-separated words. The cut
// is lossy and silent; staying under budget wins over fidelity.
func trimWords(text string, limit int) string {
	words := strings.Fields(text)
	if len(words) <= limit {
		return text
	}
	return strings.Join(words[:limit], " ")
}
