package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/threadline/pkg/checkpoint"
	"github.com/dotsetgreg/threadline/pkg/config"
	"github.com/dotsetgreg/threadline/pkg/pipeline"
	"github.com/dotsetgreg/threadline/pkg/providers"
	"github.com/dotsetgreg/threadline/pkg/retrieval"
	"github.com/dotsetgreg/threadline/pkg/transcript"
	"github.com/dotsetgreg/threadline/pkg/vectorstore"
)

type fakeProvider struct {
	tokens []string
}

func (f *fakeProvider) Chat(_ context.Context, _ []providers.Message, _ string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{Content: strings.Join(f.tokens, ""), FinishReason: "stop"}, nil
}

func (f *fakeProvider) ChatStream(_ context.Context, _ []providers.Message, _ string, _ map[string]interface{}, onToken func(string)) (*providers.LLMResponse, error) {
	for _, tok := range f.tokens {
		onToken(tok)
	}
	return &providers.LLMResponse{Content: strings.Join(f.tokens, ""), FinishReason: "stop"}, nil
}

func (f *fakeProvider) GetDefaultModel() string { return "fake" }

type testEnv struct {
	srv         *httptest.Server
	cfg         *config.Config
	transcripts *transcript.Log
	checkpoints *checkpoint.Store
}

func newTestEnv(t *testing.T, store *vectorstore.Client, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	log, err := transcript.NewLog(filepath.Join(dir, "transcript.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	checkpoints := checkpoint.NewStore(filepath.Join(dir, "checkpoints.db"))
	pipe := pipeline.New(cfg, &fakeProvider{tokens: []string{"he", "llo"}}, store, checkpoints, log)
	t.Cleanup(pipe.Close)

	var retriever *retrieval.Retriever
	if store != nil {
		retriever = retrieval.NewRetriever(store, cfg.Retrieval.Oversample, cfg.Retrieval.MMRLambda)
	}

	s := New(cfg, pipe, log, checkpoints, retriever, store)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, cfg: cfg, transcripts: log, checkpoints: checkpoints}
}

func TestChat_StreamsTokensAndContextEvent(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/chat?message=hi", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	_, err = uuid.Parse(resp.Header.Get("X-Thread-ID"))
	require.NoError(t, err, "X-Thread-ID must carry the minted thread id")

	body := readUntil(t, resp, "event: context")
	require.Contains(t, body, "event: token")
	require.Contains(t, body, "event: context")
	require.Less(t, strings.Index(body, "event: token"), strings.Index(body, "event: context"),
		"token events precede the terminal context event")
}

func TestChat_EchoesExistingThreadID(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	threadID := uuid.NewString()

	resp, err := http.Get(env.srv.URL + "/api/chat?message=hi&thread_id=" + threadID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, threadID, resp.Header.Get("X-Thread-ID"))
}

func TestChat_ReadsThreadIDFromHeader(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	threadID := uuid.NewString()

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/chat?message=hi", nil)
	require.NoError(t, err)
	req.Header.Set("X-Thread-ID", threadID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, threadID, resp.Header.Get("X-Thread-ID"))
}

func TestChat_KeepsStreamOpenWithKeepAlives(t *testing.T) {
	old := keepAliveInterval
	keepAliveInterval = 20 * time.Millisecond
	t.Cleanup(func() { keepAliveInterval = old })

	env := newTestEnv(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/chat?message=hi", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var b strings.Builder
	buf := make([]byte, 2048)
	for !strings.Contains(b.String(), ": keep-alive") {
		n, readErr := resp.Body.Read(buf)
		b.Write(buf[:n])
		require.NoError(t, readErr, "stream must stay open until the client leaves")
	}
	body := b.String()
	require.Greater(t, strings.Index(body, ": keep-alive"), strings.Index(body, "event: context"),
		"keep-alives follow the context event")
}

func TestChat_RejectsMalformedThreadID(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, err := http.Get(env.srv.URL + "/api/chat?message=hi&thread_id=not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat_RejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, err := http.Get(env.srv.URL + "/api/chat?message=%20%20")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestMessage_AppendsRecordOutOfBand(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	threadID := uuid.NewString()
	body := fmt.Sprintf(`{"thread_id":%q,"role":"user","content":"hello out of band"}`, threadID)

	resp, err := http.Post(env.srv.URL+"/api/chat/message", "application/json",
		strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, threadID, resp.Header.Get("X-Thread-ID"))

	var rec transcript.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	require.Equal(t, "hello out of band", rec.Content)
	require.NotEmpty(t, rec.ID)

	records, err := env.transcripts.History(context.Background(), threadID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "user", records[0].Role)
	require.Equal(t, "hello out of band", records[0].Content)
}

func TestMessage_RejectsEmptyContent(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, err := http.Post(env.srv.URL+"/api/chat/message", "application/json",
		strings.NewReader(`{"role":"user","content":"  "}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = http.Post(env.srv.URL+"/api/chat/message", "application/json",
		strings.NewReader(`{"thread_id":"nope","content":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistory_RequiresValidThreadID(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, err := http.Get(env.srv.URL + "/api/chat/history")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/api/chat/history?thread_id=nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistory_ReturnsChronologicalMessages(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	threadID := uuid.NewString()

	state := checkpoint.ConversationState{ThreadID: threadID}
	state.Append(checkpoint.RoleUser, "first", time.Now())
	state.Append(checkpoint.RoleAssistant, "second", time.Now())
	require.NoError(t, env.checkpoints.Save(threadID, state))

	resp, err := http.Get(env.srv.URL + "/api/chat/history?thread_id=" + threadID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Messages, 2)
	require.Equal(t, "first", out.Messages[0].Content)
	require.Equal(t, "assistant", out.Messages[1].Role)
}

func TestHistory_ServesCheckpointNotTranscript(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	threadID := uuid.NewString()
	env.transcripts.Append(context.Background(), threadID, "user", "only in transcript")

	resp, err := http.Get(env.srv.URL + "/api/chat/history?thread_id=" + threadID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Empty(t, out.Messages, "history reads the checkpoint, not the transcript log")
}

func TestSearch_WithoutStoreReturns503(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, err := http.Get(env.srv.URL + "/api/chat/search?q=anything")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSearch_StoreDownReturns503(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	env := newTestEnv(t, clientFor(t, dead.URL), nil)

	resp, err := http.Get(env.srv.URL + "/api/chat/search?q=anything")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSearch_ReturnsRoundedSimilarity(t *testing.T) {
	store := serveVectorDocs(t, []string{"alpha notes", "beta notes"})
	env := newTestEnv(t, store, nil)

	resp, err := http.Get(env.srv.URL + "/api/chat/search?q=notes&k=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Results []struct {
			Text       string  `json:"text"`
			Similarity float64 `json:"similarity"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Results, 2)
	// Distances 0.05 and 0.15 normalize to 1/1.05 and 1/1.15, rounded to
	// four decimals, ordered by similarity descending.
	require.InDelta(t, 0.9524, out.Results[0].Similarity, 1e-9)
	require.InDelta(t, 0.8696, out.Results[1].Similarity, 1e-9)
}

func TestSearch_AcceptsBothQuerySpellings(t *testing.T) {
	store := serveVectorDocs(t, []string{"alpha notes"})
	env := newTestEnv(t, store, nil)

	for _, param := range []string{"query=notes", "q=notes"} {
		resp, err := http.Get(env.srv.URL + "/api/chat/search?" + param)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, param)
	}
}

func TestSearch_RejectsBadParams(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, err := http.Get(env.srv.URL + "/api/chat/search?q=")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/api/chat/search?q=x&min_similarity=2")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClampK(t *testing.T) {
	require.Equal(t, 8, clampK(100, 8))
	require.Equal(t, 1, clampK(0, 8))
	require.Equal(t, 1, clampK(-3, 8))
	require.Equal(t, 5, clampK(5, 8))
}

func TestHealthz_ReportsVectorState(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "ok", out["status"])
	require.Equal(t, "disabled", out["vector_store"])
	require.Equal(t, float64(0), out["transcript_messages"])
}

func TestAuthGuard_EnforcesBearerToken(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *config.Config) {
		cfg.Gateway.AuthToken = "secret"
	})

	resp, err := http.Get(env.srv.URL + "/api/chat?message=hi")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/chat?message=hi", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open for probes.
	resp, err = http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func readUntil(t *testing.T, resp *http.Response, marker string) string {
	t.Helper()
	var b strings.Builder
	buf := make([]byte, 4096)
	for !strings.Contains(b.String(), marker) {
		n, err := resp.Body.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return b.String()
}

func serveVectorDocs(t *testing.T, docs []string) *vectorstore.Client {
	t.Helper()
	embedder := vectorstore.NewEmbedder("")
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "col-1"})
	})
	mux.HandleFunc("POST /api/v1/collections/col-1/query", func(w http.ResponseWriter, r *http.Request) {
		distances := make([]float64, len(docs))
		embeddings := make([][]float32, len(docs))
		metas := make([]map[string]interface{}, len(docs))
		for i, d := range docs {
			distances[i] = 0.05 + 0.1*float64(i)
			embeddings[i] = embedder.Embed(d)
			metas[i] = map[string]interface{}{"role": "user", "ts": "2026-01-02T03:04:05Z"}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"documents":  [][]string{docs},
			"distances":  [][]float64{distances},
			"embeddings": [][][]float32{embeddings},
			"metadatas":  [][]map[string]interface{}{metas},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return clientFor(t, srv.URL)
}

func clientFor(t *testing.T, rawURL string) *vectorstore.Client {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.VectorStore.Host = host
	cfg.VectorStore.Port = port
	return vectorstore.NewClient(cfg, vectorstore.NewEmbedder(""))
}
