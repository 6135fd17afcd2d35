package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// CollectionName is the index collection of an agent. Weaviate class names
// must start with an upper-case letter and hold only letters, digits and
// underscores.
func CollectionName(agentID string) string {
	var b strings.Builder
	b.WriteString("Learned_")
	for _, r := range agentID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// LearnedClass is the schema of a learned-response collection. Vectors are
// supplied by the caller.
func LearnedClass(name string) *models.Class {
	filterable := true
	return &models.Class{
		Class:       name,
		Description: "Question/answer pairs learned from human support.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "question", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "answer", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "source", DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable},
			{Name: "agentId", DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable},
		},
	}
}

// WeaviateIndex upserts points into Weaviate classes, creating each class on
// first use.
type WeaviateIndex struct {
	client *weaviate.Client

	mu    sync.Mutex
	ready map[string]bool
}

// NewWeaviateIndex connects to a Weaviate instance. rawURL may carry an
// http:// or https:// scheme; plain host:port means http.
func NewWeaviateIndex(rawURL, apiKey string) (*WeaviateIndex, error) {
	cfg := weaviate.Config{Host: rawURL, Scheme: "http"}
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		cfg.Scheme = "https"
		cfg.Host = strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		cfg.Host = strings.TrimPrefix(rawURL, "http://")
	}
	if apiKey != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + apiKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	return &WeaviateIndex{client: client, ready: make(map[string]bool)}, nil
}

// EnsureCollection creates the class when it does not exist yet.
func (w *WeaviateIndex) EnsureCollection(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ready[name] {
		return nil
	}
	if _, err := w.client.Schema().ClassGetter().WithClassName(name).Do(ctx); err != nil {
		if err := w.client.Schema().ClassCreator().WithClass(LearnedClass(name)).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", name, err)
		}
	}
	w.ready[name] = true
	return nil
}

// Upsert replaces the object with p.ID, or creates it.
func (w *WeaviateIndex) Upsert(ctx context.Context, collection string, p Point) error {
	if err := w.EnsureCollection(ctx, collection); err != nil {
		return err
	}
	props := map[string]any{
		"question": p.Payload.Question,
		"answer":   p.Payload.Answer,
		"source":   p.Payload.Source,
		"agentId":  p.Payload.AgentID,
	}
	exists, err := w.client.Data().Checker().
		WithClassName(collection).
		WithID(p.ID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("check object: %w", err)
	}
	if exists {
		err = w.client.Data().Updater().
			WithClassName(collection).
			WithID(p.ID).
			WithProperties(props).
			WithVector(p.Vector).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("update object: %w", err)
		}
		return nil
	}
	_, err = w.client.Data().Creator().
		WithClassName(collection).
		WithID(p.ID).
		WithProperties(props).
		WithVector(p.Vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	return nil
}
