package embedding

import (
	"context"
	"math"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"evcache/internal/domain"
	"evcache/internal/port"
)

// Gateway is the single entry point for turning text into vectors.
// Every vector it returns has the configured width and a non-zero norm.
type Gateway struct {
	embedder port.Embedder
}

func NewGateway(embedder port.Embedder) *Gateway {
	return &Gateway{embedder: embedder}
}

// Encode returns the embedding of text.
func (g *Gateway) Encode(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EncodeBatch encodes texts in one provider call, validating every vector.
func (g *Gateway) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, goerr.Wrap(domain.ErrEncoding, "empty text", goerr.V("position", i))
		}
	}

	vecs, err := g.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, goerr.Wrap(domain.ErrEncoding, err.Error(), goerr.V("model", g.embedder.ModelName()))
	}
	if len(vecs) != len(texts) {
		return nil, goerr.Wrap(domain.ErrEncoding, "provider returned wrong number of vectors",
			goerr.V("want", len(texts)), goerr.V("got", len(vecs)))
	}

	dim := g.embedder.Dimension()
	for i, vec := range vecs {
		if len(vec) == 0 {
			return nil, goerr.Wrap(domain.ErrEncoding, "empty vector", goerr.V("position", i))
		}
		if len(vec) != dim {
			return nil, goerr.Wrap(domain.ErrEncoding, "vector width does not match model dimension",
				goerr.V("want", dim), goerr.V("got", len(vec)), goerr.V("model", g.embedder.ModelName()))
		}
		if isZero(vec) {
			return nil, goerr.Wrap(domain.ErrEncoding, "zero vector", goerr.V("position", i))
		}
	}
	return vecs, nil
}

// Dimension returns the configured vector width.
func (g *Gateway) Dimension() int {
	return g.embedder.Dimension()
}

func (g *Gateway) ModelName() string {
	return g.embedder.ModelName()
}

func isZero(vec []float32) bool {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return sum == 0 || math.IsNaN(sum)
}
