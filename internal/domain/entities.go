package domain

import (
	"sort"
	"strings"
	"time"
)

// Topic is one of a fixed set of opinion categories.
type Topic string

const (
	TopicPolitics      Topic = "Politics & Government"
	TopicEconomy       Topic = "Economy & Business"
	TopicTechnology    Topic = "Technology & Future"
	TopicHealth        Topic = "Health & Medicine"
	TopicEnvironment   Topic = "Environment & Climate"
	TopicSociety       Topic = "Society & Culture"
	TopicScience       Topic = "Science & Education"
	TopicEntertainment Topic = "Sports & Entertainment"
	TopicUnclassified  Topic = "Unclassified"
)

// Topics returns the classifiable topics, without the fallback bucket.
func Topics() []Topic {
	return []Topic{
		TopicPolitics,
		TopicEconomy,
		TopicTechnology,
		TopicHealth,
		TopicEnvironment,
		TopicSociety,
		TopicScience,
		TopicEntertainment,
	}
}

// ParseTopic matches s case-insensitively against the known topics.
// Unknown values map to TopicUnclassified.
func ParseTopic(s string) Topic {
	s = strings.TrimSpace(s)
	for _, t := range Topics() {
		if strings.EqualFold(string(t), s) {
			return t
		}
	}
	return TopicUnclassified
}

type Keyword struct {
	ID        int64
	Text      string
	Embedding []float32
	Model     string
	CreatedAt time.Time
}

type Viewpoint struct {
	ID        int64
	KeywordID int64
	Text      string
	Topic     Topic
	Embedding []float32
	Model     string
	CreatedAt time.Time
}

type Evidence struct {
	ID          int64     `json:"id"`
	ViewpointID int64     `json:"viewpoint_id"`
	Source      string    `json:"source"`
	Text        string    `json:"text"`
	Score       float64   `json:"score"`
	Rank        int       `json:"rank"`
	CreatedAt   time.Time `json:"created_at"`
}

// SortEvidence orders evidence by descending score, then by rank.
func SortEvidence(evidence []Evidence) {
	sort.SliceStable(evidence, func(i, j int) bool {
		if evidence[i].Score != evidence[j].Score {
			return evidence[i].Score > evidence[j].Score
		}
		return evidence[i].Rank < evidence[j].Rank
	})
}

// Candidate is a raw passage returned by the external evidence search.
type Candidate struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

type ScoredCandidate struct {
	Candidate
	Score float64
}

// Classification is the classifier's verdict for one opinion.
type Classification struct {
	Topic   Topic
	Keyword string
}

// MatchStatus tags how an opinion was resolved against the cache.
type MatchStatus string

const (
	StatusExistingMatch MatchStatus = "existing_match"
	StatusNewViewpoint  MatchStatus = "new_viewpoint_existing_keywords"
	StatusCompletelyNew MatchStatus = "completely_new"
)

// Result is the outcome of processing one opinion.
type Result struct {
	RequestID           string      `json:"request_id"`
	Status              MatchStatus `json:"status"`
	Topic               Topic       `json:"topic"`
	Keyword             Keyword     `json:"-"`
	Viewpoint           Viewpoint   `json:"-"`
	Evidence            []Evidence  `json:"evidence"`
	KeywordSimilarity   float64     `json:"keyword_similarity"`
	ViewpointSimilarity float64     `json:"viewpoint_similarity"`
}

// IndexName identifies one vector index.
type IndexName string

const (
	IndexKeyword   IndexName = "keyword"
	IndexViewpoint IndexName = "viewpoint"
)

// IndexNames returns every index the engine maintains.
func IndexNames() []IndexName {
	return []IndexName{IndexKeyword, IndexViewpoint}
}

// IndexMetadata is the persisted side record of a vector index.
// IDs[i] is the external id stored at row i.
type IndexMetadata struct {
	Name        IndexName `json:"name"`
	Dimension   int       `json:"dimension"`
	IndexType   string    `json:"index_type"`
	Model       string    `json:"model"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Count       int       `json:"count"`
	CreatedAt   time.Time `json:"created_at"`
	IDs         []int64   `json:"ids"`
}

// Row is one (id, text) pair streamed from the store to rebuild an index.
type Row struct {
	ID   int64
	Text string
}

// StoreStats summarizes relational row counts.
type StoreStats struct {
	Keywords   int
	Viewpoints int
	Evidence   int
}
