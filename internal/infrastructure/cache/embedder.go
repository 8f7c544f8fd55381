package cache

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kirillkom/study-assistant/internal/core/ports"
)

// Embedder memoizes query embeddings. Reflection retries and decomposed
// sub-queries often embed the same text more than once per session.
type Embedder struct {
	next  ports.Embedder
	store *gocache.Cache
}

func NewEmbedder(next ports.Embedder, ttl time.Duration) *Embedder {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Embedder{
		next:  next,
		store: gocache.New(ttl, 2*ttl),
	}
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := strings.TrimSpace(text)
	if cached, ok := e.store.Get(key); ok {
		return cloneVector(cached.([]float32)), nil
	}
	vector, err := e.next.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	e.store.SetDefault(key, cloneVector(vector))
	return vector, nil
}

func (e *Embedder) Len() int {
	return e.store.ItemCount()
}

func cloneVector(v []float32) []float32 {
	return append([]float32(nil), v...)
}
