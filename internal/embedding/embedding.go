// Package embedding stores complaint and analysis text in a vector store for
// similarity search. Everything here is best-effort: callers log failures and
// move on, the pipeline never depends on an embedding existing.
package embedding

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"cityline/internal/config"
)

// Text is one entity to embed.
type Text struct {
	// Kind distinguishes complaint bodies from analysis summaries.
	Kind            string
	ComplaintNumber string
	Content         string
}

// Embedding entity kinds.
const (
	KindComplaint = "complaint"
	KindAnalysis  = "analysis"
)

// Embedder stores one text and returns the vector store's object id.
type Embedder interface {
	Embed(ctx context.Context, t Text) (string, error)
}

// Weaviate stores texts as objects of a single class; vectorization happens
// server-side via the class's configured module.
type Weaviate struct {
	client *weaviate.Client
	class  string
}

// NewWeaviate connects to the vector store described by cfg.
func NewWeaviate(cfg config.Vectors) (*Weaviate, error) {
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	class := cfg.Class
	if class == "" {
		class = "ComplaintText"
	}
	return &Weaviate{client: client, class: class}, nil
}

// Embed writes one object and returns its id.
func (w *Weaviate) Embed(ctx context.Context, t Text) (string, error) {
	if t.Content == "" {
		return "", fmt.Errorf("empty content for %s %s", t.Kind, t.ComplaintNumber)
	}
	result, err := w.client.Data().Creator().
		WithClassName(w.class).
		WithProperties(map[string]any{
			"kind":            t.Kind,
			"complaintNumber": t.ComplaintNumber,
			"content":         t.Content,
		}).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("store embedding for %s %s: %w", t.Kind, t.ComplaintNumber, err)
	}
	if result == nil || result.Object == nil {
		return "", fmt.Errorf("vector store returned no object for %s %s", t.Kind, t.ComplaintNumber)
	}
	return result.Object.ID.String(), nil
}

// Disabled is the Embedder used when no vector store is configured.
type Disabled struct{}

// Embed reports the subsystem as unavailable.
func (Disabled) Embed(ctx context.Context, t Text) (string, error) {
	return "", fmt.Errorf("embedding generation disabled")
}
