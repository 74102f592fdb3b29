package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcache/internal/adapter/analyzer"
	"evcache/internal/adapter/chunker"
	"evcache/internal/domain"
)

const wikiFixture = `{
  "query": {
    "pages": [
      {"pageid": 2, "title": "Medical diagnosis", "index": 2,
       "fullurl": "https://en.wikipedia.org/wiki/Medical_diagnosis",
       "extract": "Diagnosis identifies disease. It relies on tests."},
      {"pageid": 1, "title": "Artificial intelligence in healthcare", "index": 1,
       "fullurl": "https://en.wikipedia.org/wiki/AI_in_healthcare",
       "extract": "AI analyses medical images.\n\nIt assists radiologists."},
      {"pageid": 3, "title": "Empty", "index": 3, "extract": ""}
    ]
  }
}`

func newWiki(t *testing.T, handler http.HandlerFunc) *WikipediaSearcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	// one sentence per passage
	passages := chunker.NewPassageChunker(4, 0, analyzer.NewTokenizer())
	return NewWikipediaSearcher(srv.URL, "en", 0, passages)
}

func TestWikipediaSearcher_Search(t *testing.T) {
	var gotQuery string
	s := newWiki(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("gsrsearch")
		assert.Equal(t, "search", r.URL.Query().Get("generator"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(wikiFixture))
	})

	got, err := s.Search(context.Background(), "AI improves medical diagnostics", 15)
	require.NoError(t, err)
	assert.Equal(t, "AI improves medical diagnostics", gotQuery)

	require.Len(t, got, 4)
	assert.Equal(t, "https://en.wikipedia.org/wiki/AI_in_healthcare", got[0].Source)
	assert.Equal(t, "AI analyses medical images.", got[0].Text)
	assert.Equal(t, "It assists radiologists.", got[1].Text)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Medical_diagnosis", got[2].Source)
}

func TestWikipediaSearcher_Limit(t *testing.T) {
	s := newWiki(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("gsrlimit"))
		_, _ = w.Write([]byte(wikiFixture))
	})

	got, err := s.Search(context.Background(), "diagnosis", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestWikipediaSearcher_NoResults(t *testing.T) {
	s := newWiki(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"batchcomplete": true}`))
	})

	got, err := s.Search(context.Background(), "zzzz", 15)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWikipediaSearcher_Errors(t *testing.T) {
	s := newWiki(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := s.Search(context.Background(), "x", 5)
	assert.Error(t, err)

	s = newWiki(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": {"code": "badvalue", "info": "bad"}}`))
	})
	_, err = s.Search(context.Background(), "x", 5)
	assert.ErrorContains(t, err, "badvalue")
}

func TestWikipediaSearcher_ContextCancelled(t *testing.T) {
	s := newWiki(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(wikiFixture))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Search(ctx, "x", 5)
	assert.Error(t, err)
}

func TestStaticSearcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"source": "a", "text": "Solar panels are cheaper every year."},
		{"source": "b", "text": "Football clubs earn billions."},
		{"source": "c", "text": "Solar farms need land."}
	]`), 0644))

	s, err := LoadStaticSearcher(path)
	require.NoError(t, err)

	got, err := s.Search(context.Background(), "solar energy", 15)
	require.NoError(t, err)
	assert.Equal(t, []domain.Candidate{
		{Source: "a", Text: "Solar panels are cheaper every year."},
		{Source: "c", Text: "Solar farms need land."},
	}, got)

	got, err = s.Search(context.Background(), "solar energy", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = LoadStaticSearcher(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
