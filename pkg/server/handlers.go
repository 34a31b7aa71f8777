package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/threadline/pkg/logger"
	"github.com/dotsetgreg/threadline/pkg/pipeline"
	"github.com/dotsetgreg/threadline/pkg/vectorstore"
)

var keepAliveInterval = 15 * time.Second

// threadIDFrom validates raw as a thread identifier, minting a new one when
// absent. A present but malformed id is the caller's mistake.
func threadIDFrom(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.NewString(), nil
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", errors.New("thread_id must be a UUID")
	}
	return raw, nil
}

// requestThreadID prefers the X-Thread-ID header over the thread_id query
// param.
func requestThreadID(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get("X-Thread-ID"))
	if raw == "" {
		raw = r.URL.Query().Get("thread_id")
	}
	return threadIDFrom(raw)
}

// handleChat streams one turn as server-sent events: token events in model
// order, then exactly one context event. The thread id is echoed in
// X-Thread-ID so new threads are discoverable before the body starts.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	threadID, err := requestThreadID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	message := strings.TrimSpace(r.URL.Query().Get("message"))
	if message == "" {
		writeError(w, http.StatusUnprocessableEntity, "message must not be empty")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Thread-ID", threadID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan pipeline.Event, 64)
	done := make(chan error, 1)
	go func() {
		defer close(events)
		done <- s.pipe.Run(r.Context(), threadID, message, func(ev pipeline.Event) {
			select {
			case events <- ev:
			case <-r.Context().Done():
			}
		})
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	// The stream outlives the turn: after the context event only keep-alive
	// comments flow, until the client disconnects.
	for {
		select {
		case ev, open := <-events:
			if !open {
				events = nil
				if err := <-done; err != nil {
					logger.DebugCF("server", "Chat turn ended early", map[string]interface{}{
						"thread_id": threadID,
						"error":     err.Error(),
					})
					return
				}
				continue
			}
			writeSSE(w, flusher, ev)
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev pipeline.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + string(ev.Type) + "\ndata: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

type messageRequest struct {
	ThreadID string `json:"thread_id"`
	Role     string `json:"role"`
	Content  string `json:"content"`
}

// handleMessage ingests one record into the transcript outside a live turn,
// making it part of the searchable history without running the pipeline.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	threadID, err := threadIDFrom(req.ThreadID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = "user"
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusUnprocessableEntity, "content must not be empty")
		return
	}

	rec := s.transcripts.Append(r.Context(), threadID, role, content)
	w.Header().Set("X-Thread-ID", threadID)
	writeJSON(w, http.StatusCreated, rec)
}

type historyMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// handleHistory returns the thread's messages as the checkpoint records
// them. The transcript log is a separate surface and may diverge when a
// checkpoint write failed or a tier reset; the checkpoint is what the
// pipeline will actually replay.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("thread_id"))
	if raw == "" {
		writeError(w, http.StatusUnprocessableEntity, "thread_id is required")
		return
	}
	if _, err := uuid.Parse(raw); err != nil {
		writeError(w, http.StatusBadRequest, "thread_id must be a UUID")
		return
	}

	limit := 0
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	state, _, err := s.checkpoints.Load(raw)
	if err != nil {
		logger.ErrorCF("server", "Checkpoint load failed", map[string]interface{}{
			"thread_id": raw,
			"error":     err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	messages := state.Messages
	if limit > 0 && limit < len(messages) {
		messages = messages[:limit]
	}
	out := make([]historyMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, historyMessage{Role: m.Role, Content: m.Content, CreatedAt: m.Timestamp})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id": raw,
		"messages":  out,
	})
}

type searchResult struct {
	Text       string    `json:"text"`
	Similarity float64   `json:"similarity"`
	Role       string    `json:"role"`
	Timestamp  time.Time `json:"timestamp"`
}

// handleSearch runs a semantic query over the indexed transcript.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		query = strings.TrimSpace(r.URL.Query().Get("q"))
	}
	if query == "" {
		writeError(w, http.StatusUnprocessableEntity, "query must not be empty")
		return
	}

	threadID := strings.TrimSpace(r.URL.Query().Get("thread_id"))
	if threadID != "" {
		if _, err := uuid.Parse(threadID); err != nil {
			writeError(w, http.StatusBadRequest, "thread_id must be a UUID")
			return
		}
	}

	k := s.cfg.Retrieval.TopK
	if rawK := r.URL.Query().Get("k"); rawK != "" {
		n, err := strconv.Atoi(rawK)
		if err != nil {
			writeError(w, http.StatusBadRequest, "k must be an integer")
			return
		}
		k = clampK(n, s.cfg.Retrieval.TopK)
	}

	minSimilarity := 0.0
	if rawMin := r.URL.Query().Get("min_similarity"); rawMin != "" {
		f, err := strconv.ParseFloat(rawMin, 64)
		if err != nil || f < 0 || f > 1 {
			writeError(w, http.StatusBadRequest, "min_similarity must be in [0,1]")
			return
		}
		minSimilarity = f
	}

	if s.retriever == nil {
		writeError(w, http.StatusServiceUnavailable, "vector store unavailable")
		return
	}

	hits, err := s.retriever.Search(r.Context(), query, k, threadID, minSimilarity)
	if err != nil {
		if errors.Is(err, vectorstore.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "vector store unavailable")
			return
		}
		logger.ErrorCF("server", "Search failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	out := make([]searchResult, 0, len(hits))
	for _, hit := range hits {
		out = append(out, searchResult{
			Text:       hit.Text,
			Similarity: round4(hit.Similarity),
			Role:       hit.Role,
			Timestamp:  hit.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": out,
	})
}

// clampK bounds the requested result count to [1, configured top-k].
func clampK(k, max int) int {
	if k > max {
		k = max
	}
	if k < 1 {
		k = 1
	}
	return k
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// handleHealthz reports process liveness and the vector store's reachability.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	vector := "disabled"
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			vector = "down"
		} else {
			vector = "up"
		}
	}
	payload := map[string]interface{}{
		"status":       "ok",
		"vector_store": vector,
	}
	if s.transcripts != nil {
		if n, err := s.transcripts.Count(r.Context(), ""); err == nil {
			payload["transcript_messages"] = n
		}
	}
	writeJSON(w, http.StatusOK, payload)
}
