// Package pipeline runs one conversation turn end to end: decide whether
// retrieval is worth it, search and summarize when it is, then stream the
// reply while checkpointing and transcribing the finished turn.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/dotsetgreg/threadline/pkg/checkpoint"
	"github.com/dotsetgreg/threadline/pkg/config"
	"github.com/dotsetgreg/threadline/pkg/logger"
	"github.com/dotsetgreg/threadline/pkg/providers"
	"github.com/dotsetgreg/threadline/pkg/retrieval"
	"github.com/dotsetgreg/threadline/pkg/transcript"
	"github.com/dotsetgreg/threadline/pkg/vectorstore"
)

const systemPrompt = "You are Threadline, a concise conversational assistant. " +
	"Stay consistent with the earlier turns of this conversation."

type Pipeline struct {
	provider    providers.LLMProvider
	decider     *retrieval.Decider
	retriever   *retrieval.Retriever
	summarizer  *retrieval.Summarizer
	checkpoints *checkpoint.Store
	model       string
	topK        int
	persist     *persistPool
}

// New wires a turn pipeline from the configured components. provider and
// store may be nil: generation then serves stub replies and retrieval is
// skipped entirely.
func New(cfg *config.Config, provider providers.LLMProvider, store *vectorstore.Client, checkpoints *checkpoint.Store, transcripts *transcript.Log) *Pipeline {
	p := &Pipeline{
		provider:    provider,
		decider:     retrieval.NewDecider(provider, cfg.DecisionModel()),
		checkpoints: checkpoints,
		model:       cfg.Provider.Model,
		topK:        cfg.Retrieval.TopK,
	}
	if store != nil {
		p.retriever = retrieval.NewRetriever(store, cfg.Retrieval.Oversample, cfg.Retrieval.MMRLambda)
	}
	p.summarizer = retrieval.NewSummarizer(provider, cfg.Provider.Model, cfg.Retrieval.SummaryTokens)
	if transcripts != nil {
		p.persist = newPersistPool(transcripts, cfg.Storage.PersistWorkers)
	}
	return p
}

// Close drains the transcript queue.
func (p *Pipeline) Close() {
	if p.persist != nil {
		p.persist.Close()
	}
}

// Run executes one turn for threadID. Token events stream through emit as
// the model produces them; a single context event closes the stream. The
// finished turn is checkpointed and transcribed, a cancelled turn is not.
func (p *Pipeline) Run(ctx context.Context, threadID, userMessage string, emit func(Event)) error {
	state, found, err := p.checkpoints.Load(threadID)
	if err != nil {
		logger.WarnCF("pipeline", "Checkpoint load failed, starting fresh", map[string]interface{}{
			"thread_id": threadID,
			"error":     err.Error(),
		})
	}
	if !found {
		state = checkpoint.ConversationState{ThreadID: threadID}
	}
	state.Append(checkpoint.RoleUser, userMessage, time.Now())

	var (
		needSearch bool
		summary    string
		sources    int
		reply      string
	)

	for stage := StageDecide; stage != StageDone; stage = nextStage(stage, needSearch) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch stage {
		case StageDecide:
			needSearch = p.decider.NeedSearch(ctx, userMessage)
			if p.retriever == nil {
				needSearch = false
			}
		case StageSearchAndSummarize:
			hits := p.retriever.Retrieve(ctx, userMessage, p.topK)
			sources = len(hits)
			summary = p.summarizer.Summarize(ctx, hits)
		case StageGenerate:
			reply = p.generate(ctx, state, summary, emit)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	emit(Event{Type: EventContext, Context: &ContextInfo{
		UsedSearch: needSearch,
		Summary:    summary,
		Sources:    sources,
	}})

	state.Append(checkpoint.RoleAssistant, reply, time.Now())
	if err := p.checkpoints.Save(threadID, state); err != nil {
		logger.WarnCF("pipeline", "Checkpoint save failed", map[string]interface{}{
			"thread_id": threadID,
			"error":     err.Error(),
		})
	}

	if p.persist != nil {
		p.persist.enqueue(persistJob{threadID: threadID, records: []persistRecord{
			{role: checkpoint.RoleUser, content: userMessage},
			{role: checkpoint.RoleAssistant, content: reply},
		}})
	}

	logger.DebugCF("pipeline", "Turn complete", map[string]interface{}{
		"thread_id":   threadID,
		"used_search": needSearch,
		"sources":     sources,
		"reply_len":   len(reply),
	})
	return nil
}

func (p *Pipeline) generate(ctx context.Context, state checkpoint.ConversationState, contextSummary string, emit func(Event)) string {
	if p.provider != nil {
		var streamed strings.Builder
		resp, err := p.provider.ChatStream(ctx, buildMessages(state, contextSummary), p.model, nil, func(token string) {
			streamed.WriteString(token)
			emit(Event{Type: EventToken, Token: token})
		})
		if err == nil {
			if resp != nil && resp.Content != "" {
				return resp.Content
			}
			return streamed.String()
		}
		if ctx.Err() != nil {
			return streamed.String()
		}
		logger.WarnCF("pipeline", "Generation failed, serving stub reply", map[string]interface{}{
			"thread_id": state.ThreadID,
			"error":     err.Error(),
		})
	}

	reply := stubReply(state)
	emit(Event{Type: EventToken, Token: reply})
	return reply
}

func buildMessages(state checkpoint.ConversationState, contextSummary string) []providers.Message {
	system := systemPrompt
	if contextSummary != "" {
		system += "\n\nRelevant context from earlier conversations:\n" + contextSummary
	}

	messages := make([]providers.Message, 0, len(state.Messages)+1)
	messages = append(messages, providers.Message{Role: checkpoint.RoleSystem, Content: system})
	for _, m := range state.Messages {
		messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
	}
	return messages
}

// stubReply echoes the recorded turns so checkpointed history still reaches
// the caller when no model is available.
func stubReply(state checkpoint.ConversationState) string {
	var b strings.Builder
	b.WriteString("I cannot reach the language model right now. Here is what this thread has on record:")
	msgs := state.Messages
	if len(msgs) == 0 {
		return "I cannot reach the language model right now, and this thread has no recorded history yet."
	}
	if len(msgs) > 6 {
		msgs = msgs[len(msgs)-6:]
	}
	for _, m := range msgs {
		b.WriteString("\n")
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
