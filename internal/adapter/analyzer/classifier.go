package analyzer

import (
	"context"
	"fmt"
	"strings"

	"evcache/internal/domain"
)

// topicLexicon maps each topic to word prefixes that signal it.
var topicLexicon = map[domain.Topic][]string{
	domain.TopicPolitics: {
		"politic", "government", "elect", "vote", "democra", "parliament", "congress",
		"senat", "law", "policy", "policies", "president", "minister", "tax", "immigra", "war",
	},
	domain.TopicEconomy: {
		"econom", "business", "market", "inflation", "trade", "compan", "job", "employ",
		"wage", "stock", "invest", "bank", "financ", "price", "startup", "money",
	},
	domain.TopicTechnology: {
		"technolog", "ai", "artificial", "intelligence", "robot", "automat", "software",
		"internet", "digital", "comput", "algorithm", "crypto", "blockchain", "smartphone",
		"future", "innovat", "data",
	},
	domain.TopicHealth: {
		"health", "medic", "diagnos", "doctor", "hospital", "disease", "vaccin", "patient",
		"mental", "drug", "treatment", "therap", "nutrition", "diet", "cancer", "pandemic",
	},
	domain.TopicEnvironment: {
		"climat", "environment", "carbon", "emission", "renewable", "solar", "wind",
		"pollut", "recycl", "energy", "fossil", "biodivers", "forest", "warming", "sustainab",
	},
	domain.TopicSociety: {
		"societ", "cultur", "social", "famil", "religio", "tradition", "communit",
		"gender", "equality", "diversity", "media", "art", "language", "generation",
	},
	domain.TopicScience: {
		"scien", "educat", "school", "universit", "research", "student", "teacher",
		"learn", "physic", "biolog", "chemi", "space", "math", "experiment",
	},
	domain.TopicEntertainment: {
		"sport", "football", "soccer", "olymp", "game", "music", "movie", "film",
		"entertain", "celebrit", "concert", "athlet", "tennis", "basketball", "television",
	},
}

// KeywordClassifier is an offline port.Classifier. It picks the topic whose
// lexicon matches the most tokens, and the keyword as the first token that
// signals the winning topic (or the longest content word when none does).
type KeywordClassifier struct {
	tokenizer *Tokenizer
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{tokenizer: NewTokenizer()}
}

func (c *KeywordClassifier) Classify(_ context.Context, text string) (domain.Classification, error) {
	tokens := c.tokenizer.Tokenize(text)
	if len(tokens) == 0 {
		return domain.Classification{}, fmt.Errorf("no content words in %q", text)
	}

	best := domain.TopicUnclassified
	bestHits := 0
	for _, topic := range domain.Topics() {
		hits := 0
		for _, tok := range tokens {
			if matchesTopic(topic, tok) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = topic, hits
		}
	}

	return domain.Classification{
		Topic:   best,
		Keyword: pickKeyword(best, tokens),
	}, nil
}

func pickKeyword(topic domain.Topic, tokens []string) string {
	if topic != domain.TopicUnclassified {
		for _, tok := range tokens {
			if matchesTopic(topic, tok) {
				return tok
			}
		}
	}

	longest := tokens[0]
	for _, tok := range tokens[1:] {
		if len(tok) > len(longest) {
			longest = tok
		}
	}
	return longest
}

func matchesTopic(topic domain.Topic, token string) bool {
	for _, prefix := range topicLexicon[topic] {
		// short prefixes must match whole words
		if len(prefix) <= 3 {
			if token == prefix {
				return true
			}
			continue
		}
		if strings.HasPrefix(token, prefix) {
			return true
		}
	}
	return false
}
