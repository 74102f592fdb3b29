package chunker

import (
	"strings"
	"testing"

	"evcache/internal/adapter/analyzer"
)

func TestPassageChunkerBasic(t *testing.T) {
	chunker := NewPassageChunker(50, 0, analyzer.NewTokenizer())

	text := "Solar power is growing fast. Prices fell sharply last decade!\n\nWind is next? Many think so."
	passages := chunker.Split(text)

	if len(passages) != 1 {
		t.Fatalf("expected 1 passage, got %d: %v", len(passages), passages)
	}
	if !strings.HasPrefix(passages[0], "Solar power") || !strings.HasSuffix(passages[0], "Many think so.") {
		t.Errorf("unexpected passage: %q", passages[0])
	}
}

func TestPassageChunkerCoversAllSentences(t *testing.T) {
	chunker := NewPassageChunker(8, 0, analyzer.NewTokenizer())

	sentences := []string{
		"Sentence one is here.",
		"Sentence two is here.",
		"Sentence three is here.",
		"Sentence four is here.",
	}
	passages := chunker.Split(strings.Join(sentences, " "))

	if len(passages) < 2 {
		t.Fatalf("expected several passages, got %v", passages)
	}
	for _, s := range sentences {
		found := false
		for _, p := range passages {
			if strings.Contains(p, s) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("sentence %q not found in any passage", s)
		}
	}
}

func TestPassageChunkerOverlap(t *testing.T) {
	chunker := NewPassageChunker(10, 3, analyzer.NewTokenizer())

	text := "Alpha beta gamma. Delta epsilon zeta. Eta theta iota. Kappa lambda mu."
	passages := chunker.Split(text)

	if len(passages) < 2 {
		t.Skip("need at least 2 passages to test overlap")
	}
	for i := 0; i < len(passages)-1; i++ {
		last := lastSentence(passages[i])
		if !strings.HasPrefix(passages[i+1], last) {
			t.Errorf("passage %d should start with %q, got %q", i+1, last, passages[i+1])
		}
	}
}

func TestPassageChunkerEmpty(t *testing.T) {
	chunker := NewPassageChunker(50, 0, analyzer.NewTokenizer())
	if passages := chunker.Split("   \n\n "); len(passages) != 0 {
		t.Errorf("expected no passages, got %v", passages)
	}
}

func TestPassageChunkerLongSentence(t *testing.T) {
	chunker := NewPassageChunker(5, 0, analyzer.NewTokenizer())

	text := "This is a very long sentence with many many words that will exceed the token limit"
	passages := chunker.Split(text)

	if len(passages) != 1 || passages[0] != text {
		t.Errorf("oversized sentence should be one passage, got %v", passages)
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("Dr. Smith arrived. It was 3.5 km away!  Next\nline here.")
	want := []string{"Dr.", "Smith arrived.", "It was 3.5 km away!", "Next line here."}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func lastSentence(passage string) string {
	s := splitSentences(passage)
	return s[len(s)-1]
}
