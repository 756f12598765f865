package similar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Embedder turns error text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// EmbedConfig selects and configures an Embedder.
type EmbedConfig struct {
	Provider  string        `json:"provider"` // "hash", "api" or "ollama"
	Endpoint  string        `json:"endpoint"`
	Model     string        `json:"model"`
	APIKey    string        `json:"api_key"`
	Dimension int           `json:"dimension"`
	Timeout   time.Duration `json:"timeout"`
}

// NewEmbedder builds the configured provider.
func NewEmbedder(cfg EmbedConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	case "api":
		return NewAPIEmbedder(cfg), nil
	case "ollama":
		return NewOllamaEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

// HashEmbedder is a signed feature-hashing bag of words. Numbers and hex
// runs collapse to one token so errors that differ only in ids, offsets or
// line numbers embed identically.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dim)
	tokens := tokenize(text)
	add := func(tok string, weight float32) {
		sum := xxhash.Sum64String(tok)
		idx := int(sum % uint64(h.dim))
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for i, f := range fields {
		if isVolatile(f) {
			fields[i] = "<n>"
		}
	}
	return fields
}

// isVolatile reports tokens that carry an id rather than meaning.
func isVolatile(tok string) bool {
	digits := 0
	for _, r := range tok {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	if digits == len(tok) || strings.HasPrefix(tok, "0x") {
		return true
	}
	return digits*2 >= len(tok)
}

// APIEmbedder calls an OpenAI-compatible embeddings endpoint.
type APIEmbedder struct {
	endpoint  string
	model     string
	apiKey    string
	dimension int
	http      *http.Client

	once    sync.Once
	dimOnce int
}

func NewAPIEmbedder(cfg EmbedConfig) *APIEmbedder {
	return &APIEmbedder{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		http:      &http.Client{Timeout: timeoutOr(cfg.Timeout)},
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *APIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result apiResponse
	if err := postJSON(ctx, p.http, p.endpoint+"/embeddings", p.apiKey, apiRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(result.Data), len(texts))
	}

	embeddings := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		embeddings[i] = d.Embedding
	}
	if len(embeddings[0]) > 0 {
		p.once.Do(func() { p.dimOnce = len(embeddings[0]) })
	}
	return embeddings, nil
}

// Dimension returns the dimension seen on the first response, or the
// configured one before that.
func (p *APIEmbedder) Dimension() int {
	if p.dimOnce > 0 {
		return p.dimOnce
	}
	return p.dimension
}

// OllamaEmbedder calls an Ollama-compatible embeddings endpoint, one text
// per request.
type OllamaEmbedder struct {
	endpoint  string
	model     string
	dimension int
	http      *http.Client

	once    sync.Once
	dimOnce int
}

func NewOllamaEmbedder(cfg EmbedConfig) *OllamaEmbedder {
	return &OllamaEmbedder{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		http:      &http.Client{Timeout: timeoutOr(cfg.Timeout)},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var result ollamaResponse
		if err := postJSON(ctx, p.http, p.endpoint+"/api/embeddings", "", ollamaRequest{Model: p.model, Prompt: text}, &result); err != nil {
			return nil, err
		}
		embeddings = append(embeddings, result.Embedding)
	}
	if len(embeddings[0]) > 0 {
		p.once.Do(func() { p.dimOnce = len(embeddings[0]) })
	}
	return embeddings, nil
}

func (p *OllamaEmbedder) Dimension() int {
	if p.dimOnce > 0 {
		return p.dimOnce
	}
	return p.dimension
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
