package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultCohereURL = "https://api.cohere.ai/v1/rerank"

// CohereScorer scores all candidates of a viewpoint with one rerank call.
type CohereScorer struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

type cohereRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
}

type cohereRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func NewCohereScorer(apiKeyEnv, model, endpoint string) (*CohereScorer, error) {
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
	}
	if model == "" {
		model = "rerank-english-v3.0"
	}
	if endpoint == "" {
		endpoint = defaultCohereURL
	}

	return &CohereScorer{
		apiKey:   apiKey,
		model:    model,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (s *CohereScorer) Score(ctx context.Context, viewpoint, candidate string) (float64, error) {
	scores, err := s.ScoreBatch(ctx, viewpoint, []string{candidate})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch returns one relevance score per candidate, in input order.
func (s *CohereScorer) ScoreBatch(ctx context.Context, viewpoint string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	jsonData, err := json.Marshal(cohereRerankRequest{
		Query:     viewpoint,
		Documents: candidates,
		Model:     s.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed cohereRerankResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	scores := make([]float64, len(candidates))
	for _, res := range parsed.Results {
		if res.Index >= 0 && res.Index < len(scores) {
			scores[res.Index] = res.RelevanceScore
		}
	}
	return scores, nil
}

func (s *CohereScorer) ModelName() string {
	return s.model
}
