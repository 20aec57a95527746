package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/feuille-app/feuille/internal/core"
)

const cohereEmbedURL = "https://api.cohere.com/v1/embed"

// CohereEmbedder calls the Cohere embed endpoint. One request embeds one
// batch of texts; the input type discriminates indexing from querying.
type CohereEmbedder struct {
	apiKey  string
	model   string
	dim     int
	baseURL string
	client  *http.Client
}

func NewCohereEmbedder(apiKey, model string, dim int) (*CohereEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("COHERE_API_KEY not set")
	}
	if model == "" {
		model = "embed-multilingual-v3.0"
	}
	if dim <= 0 {
		dim = 1024
	}
	return &CohereEmbedder{
		apiKey:  apiKey,
		model:   model,
		dim:     dim,
		baseURL: cohereEmbedURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type cohereEmbedRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
}

type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedTexts returns one vector per input text, order preserved.
func (c *CohereEmbedder) EmbedTexts(ctx context.Context, texts []string, input core.EmbedInputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(cohereEmbedRequest{
		Texts:     texts,
		Model:     c.model,
		InputType: string(input),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cohere embed call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cohere embed returned status %d: %s", resp.StatusCode, string(body))
	}

	var embedResp cohereEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}

	if len(embedResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("cohere embed: got %d embeddings for %d texts", len(embedResp.Embeddings), len(texts))
	}
	for i, vec := range embedResp.Embeddings {
		if len(vec) != c.dim {
			return nil, &core.DimensionMismatchError{Index: i, Want: c.dim, Got: len(vec)}
		}
	}
	return embedResp.Embeddings, nil
}

var _ core.EmbeddingProvider = (*CohereEmbedder)(nil)
