package main

import (
	"context"
	"time"

	"github.com/dotsetgreg/threadline/pkg/checkpoint"
	"github.com/dotsetgreg/threadline/pkg/config"
	"github.com/dotsetgreg/threadline/pkg/logger"
	"github.com/dotsetgreg/threadline/pkg/pipeline"
	"github.com/dotsetgreg/threadline/pkg/providers"
	"github.com/dotsetgreg/threadline/pkg/retrieval"
	"github.com/dotsetgreg/threadline/pkg/transcript"
	"github.com/dotsetgreg/threadline/pkg/vectorstore"
)

// appRuntime bundles everything a command needs to run turns. Every member
// degrades independently: no provider means stub replies, an unreachable
// vector store means retrieval returns nothing.
type appRuntime struct {
	cfg         *config.Config
	store       *vectorstore.Client
	retriever   *retrieval.Retriever
	checkpoints *checkpoint.Store
	transcripts *transcript.Log
	pipe        *pipeline.Pipeline
}

func buildRuntime(cfg *config.Config) (*appRuntime, error) {
	var provider providers.LLMProvider
	if p, err := providers.NewChatCompletionsProvider(cfg); err != nil {
		logger.WarnCF("runtime", "No usable provider, generation degrades to stub replies", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		provider = p
	}

	store := vectorstore.NewClient(cfg, vectorstore.NewEmbedder(cfg.VectorStore.Embedder))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Connect(ctx); err != nil {
		logger.WarnCF("runtime", "Vector store unreachable at startup, retrieval degraded", map[string]interface{}{
			"error": err.Error(),
		})
	}

	checkpoints := checkpoint.NewStore(cfg.CheckpointPath())

	transcripts, err := transcript.NewLog(cfg.TranscriptPath(), store)
	if err != nil {
		return nil, err
	}

	return &appRuntime{
		cfg:         cfg,
		store:       store,
		retriever:   retrieval.NewRetriever(store, cfg.Retrieval.Oversample, cfg.Retrieval.MMRLambda),
		checkpoints: checkpoints,
		transcripts: transcripts,
		pipe:        pipeline.New(cfg, provider, store, checkpoints, transcripts),
	}, nil
}

func (rt *appRuntime) Close() {
	rt.pipe.Close()
	_ = rt.transcripts.Close()
}
