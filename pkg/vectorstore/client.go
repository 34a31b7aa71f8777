package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/threadline/pkg/config"
	"github.com/dotsetgreg/threadline/pkg/logger"
)

// ErrUnavailable reports that the vector-similarity service could not be
// reached or answered with a non-success status. Callers on the hot
// conversational path treat it as "no context"; the search API surfaces it.
var ErrUnavailable = errors.New("vector store unavailable")

// Document is one message persisted for later semantic recall.
type Document struct {
	ID        string
	Text      string
	ThreadID  string
	Role      string
	Timestamp time.Time
}

// Candidate is one raw similarity match returned by Query. Distance is the
// store's raw metric; Similarity is the normalized monotonic score in [0,1].
type Candidate struct {
	ID         string
	Text       string
	Role       string
	Timestamp  time.Time
	Distance   float64
	Similarity float64
	Embedding  []float32
}

// Client is a thin handle over a Chroma-compatible HTTP vector store. One
// instance is constructed at startup and shared by all pipelines; it is safe
// for concurrent use.
type Client struct {
	baseURL    string
	collection string
	embedder   Embedder
	httpClient *http.Client

	mu           sync.Mutex
	collectionID string
}

func NewClient(cfg *config.Config, embedder Embedder) *Client {
	vc := cfg.VectorStore
	timeout := time.Duration(vc.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if embedder == nil {
		embedder = NewEmbedder("")
	}
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d/api/v1", vc.Host, vc.Port),
		collection: vc.Collection,
		embedder:   embedder,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Embedder() Embedder {
	return c.embedder
}

// Connect resolves (creating if needed) the backing collection. It is called
// once at startup; Add/Query retry it lazily if startup raced the store.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collectionID != "" {
		return nil
	}
	body := map[string]interface{}{
		"name":          c.collection,
		"get_or_create": true,
		"metadata":      map[string]interface{}{"embedding_model": c.embedder.ModelID()},
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/collections", body, &out); err != nil {
		return err
	}
	if out.ID == "" {
		return fmt.Errorf("%w: collection create returned no id", ErrUnavailable)
	}
	c.collectionID = out.ID
	logger.InfoCF("vectorstore", "Connected to collection", map[string]interface{}{
		"collection": c.collection,
		"id":         out.ID,
	})
	return nil
}

func (c *Client) collectionPath(suffix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return "/collections/" + c.collectionID + suffix
}

// Add persists one document with its embedding and metadata.
func (c *Client) Add(ctx context.Context, doc Document) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	body := map[string]interface{}{
		"ids":        []string{doc.ID},
		"documents":  []string{doc.Text},
		"embeddings": [][]float32{c.embedder.Embed(doc.Text)},
		"metadatas": []map[string]interface{}{{
			"thread_id": doc.ThreadID,
			"role":      doc.Role,
			"ts":        doc.Timestamp.UTC().Format(time.RFC3339Nano),
		}},
	}
	return c.post(ctx, c.collectionPath("/add"), body, nil)
}

// Query returns up to k raw candidates for query, most similar first. When
// threadID is non-empty the search is scoped to that conversation.
func (c *Client) Query(ctx context.Context, query string, k int, threadID string) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"query_embeddings": [][]float32{c.embedder.Embed(query)},
		"n_results":        k,
		"include":          []string{"documents", "metadatas", "distances", "embeddings"},
	}
	if strings.TrimSpace(threadID) != "" {
		body["where"] = map[string]interface{}{"thread_id": threadID}
	}

	var out struct {
		IDs        [][]string                 `json:"ids"`
		Documents  [][]string                 `json:"documents"`
		Metadatas  [][]map[string]interface{} `json:"metadatas"`
		Distances  [][]float64                `json:"distances"`
		Embeddings [][][]float32              `json:"embeddings"`
	}
	if err := c.post(ctx, c.collectionPath("/query"), body, &out); err != nil {
		return nil, err
	}
	if len(out.Documents) == 0 {
		return nil, nil
	}

	docs := out.Documents[0]
	candidates := make([]Candidate, 0, len(docs))
	for i, text := range docs {
		cand := Candidate{Text: text}
		if len(out.IDs) > 0 && i < len(out.IDs[0]) {
			cand.ID = out.IDs[0][i]
		}
		if len(out.Distances) > 0 && i < len(out.Distances[0]) {
			cand.Distance = out.Distances[0][i]
		}
		cand.Similarity = NormalizeSimilarity(cand.Distance)
		if len(out.Embeddings) > 0 && i < len(out.Embeddings[0]) {
			cand.Embedding = out.Embeddings[0][i]
		}
		if len(out.Metadatas) > 0 && i < len(out.Metadatas[0]) {
			meta := out.Metadatas[0][i]
			if role, ok := meta["role"].(string); ok {
				cand.Role = role
			}
			if raw, ok := meta["ts"].(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					cand.Timestamp = ts
				}
			}
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// Count returns the number of documents in the collection.
func (c *Client) Count(ctx context.Context) (int, error) {
	if err := c.Connect(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.collectionPath("/count"), nil)
	if err != nil {
		return 0, fmt.Errorf("create count request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: read count response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: count status=%d", ErrUnavailable, resp.StatusCode)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: parse count response: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Ping checks store reachability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("create heartbeat request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: heartbeat status=%d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// NormalizeSimilarity maps a raw distance onto a monotonic [0,1] score.
func NormalizeSimilarity(distance float64) float64 {
	if distance < 0 {
		distance = 0
	}
	return 1.0 / (1.0 + distance)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal vector store request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create vector store request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, truncateBody(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: parse response: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func truncateBody(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
