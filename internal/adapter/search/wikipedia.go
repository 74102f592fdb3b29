// Package search fetches raw evidence passages from external sources.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"evcache/internal/adapter/chunker"
	"evcache/internal/domain"
)

const maxPages = 20

// WikipediaSearcher queries the MediaWiki action API and splits the plain
// text intro of every hit into passages.
type WikipediaSearcher struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	chunker  *chunker.PassageChunker
}

// NewWikipediaSearcher creates a searcher. endpoint defaults to the
// language edition's api.php; ratePerSecond <= 0 disables throttling.
func NewWikipediaSearcher(endpoint, language string, ratePerSecond float64, passages *chunker.PassageChunker) *WikipediaSearcher {
	if language == "" {
		language = "en"
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.wikipedia.org/w/api.php", language)
	}

	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}

	return &WikipediaSearcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(limit, 1),
		chunker:  passages,
	}
}

type wikiResponse struct {
	Query struct {
		Pages []wikiPage `json:"pages"`
	} `json:"query"`
	Error *struct {
		Code string `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

type wikiPage struct {
	PageID  int    `json:"pageid"`
	Title   string `json:"title"`
	Index   int    `json:"index"`
	Extract string `json:"extract"`
	FullURL string `json:"fullurl"`
	Missing bool   `json:"missing"`
}

// Search returns up to limit passages, best-ranked pages first.
func (s *WikipediaSearcher) Search(ctx context.Context, query string, limit int) ([]domain.Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("format", "json")
	params.Set("formatversion", "2")
	params.Set("generator", "search")
	params.Set("gsrsearch", query)
	params.Set("gsrlimit", strconv.Itoa(min(limit, maxPages)))
	params.Set("prop", "extracts|info")
	params.Set("inprop", "url")
	params.Set("exintro", "1")
	params.Set("explaintext", "1")
	params.Set("exlimit", "max")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "evcache/1.0 (evidence cache)")
	req.Header.Set("Accept", "application/json")

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

	var parsed wikiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error %s: %s", parsed.Error.Code, parsed.Error.Info)
	}

	pages := parsed.Query.Pages
	sort.SliceStable(pages, func(i, j int) bool {
		return pages[i].Index < pages[j].Index
	})

	candidates := make([]domain.Candidate, 0, limit)
	for _, page := range pages {
		if page.Missing || page.Extract == "" {
			continue
		}
		source := page.FullURL
		if source == "" {
			source = "wikipedia:" + page.Title
		}
		for _, passage := range s.chunker.Split(page.Extract) {
			candidates = append(candidates, domain.Candidate{Source: source, Text: passage})
			if len(candidates) == limit {
				return candidates, nil
			}
		}
	}
	return candidates, nil
}
