package llm

import (
	"context"
	"fmt"
	"strings"

	"evcache/internal/domain"
)

// OpenAIClassifier asks a chat model for the topic and central keyword of an opinion.
type OpenAIClassifier struct {
	chat   *chatClient
	prompt string
}

func NewOpenAIClassifier(apiKeyEnv, model, baseURL string) (*OpenAIClassifier, error) {
	chat, err := newChatClient(apiKeyEnv, model, baseURL)
	if err != nil {
		return nil, err
	}

	topics := make([]string, 0, len(domain.Topics()))
	for _, t := range domain.Topics() {
		topics = append(topics, fmt.Sprintf("%q", t))
	}
	prompt := "Classify the user's opinion. Reply with a JSON object " +
		`{"topic": <one of ` + strings.Join(topics, ", ") + `>, "keyword": <the single most central noun, lowercase>}.`

	return &OpenAIClassifier{chat: chat, prompt: prompt}, nil
}

type classification struct {
	Topic   string `json:"topic"`
	Keyword string `json:"keyword"`
}

func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (domain.Classification, error) {
	var reply classification
	if err := c.chat.completeJSON(ctx, c.prompt, text, &reply); err != nil {
		return domain.Classification{}, err
	}

	keyword := strings.TrimSpace(reply.Keyword)
	if keyword == "" {
		return domain.Classification{}, fmt.Errorf("model returned no keyword")
	}
	return domain.Classification{
		Topic:   domain.ParseTopic(reply.Topic),
		Keyword: keyword,
	}, nil
}

const scorePrompt = `You judge evidence. Given a viewpoint and a candidate passage, rate how well ` +
	`the passage works as factual evidence about the viewpoint, supporting or refuting it. ` +
	`Reply with a JSON object {"score": <number from 0 to 1>}.`

// OpenAIScorer rates one candidate per chat call.
type OpenAIScorer struct {
	chat *chatClient
}

func NewOpenAIScorer(apiKeyEnv, model, baseURL string) (*OpenAIScorer, error) {
	chat, err := newChatClient(apiKeyEnv, model, baseURL)
	if err != nil {
		return nil, err
	}
	return &OpenAIScorer{chat: chat}, nil
}

type scoreReply struct {
	Score *float64 `json:"score"`
}

func (s *OpenAIScorer) Score(ctx context.Context, viewpoint, candidate string) (float64, error) {
	user := "Viewpoint: " + viewpoint + "\n\nPassage: " + candidate

	var reply scoreReply
	if err := s.chat.completeJSON(ctx, scorePrompt, user, &reply); err != nil {
		return 0, err
	}
	if reply.Score == nil {
		return 0, fmt.Errorf("model returned no score")
	}
	return *reply.Score, nil
}

func (s *OpenAIScorer) ModelName() string {
	return s.chat.model
}
