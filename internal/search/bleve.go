package search

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/ashureev/quest-advisor/internal/persona"
)

// BleveIndex is an in-memory full-text index over a persona's articles.
type BleveIndex struct {
	mu       sync.RWMutex
	index    bleve.Index
	articles map[string]persona.Article
	closed   bool
}

// NewBleveIndex builds an index over articles.
func NewBleveIndex(articles []persona.Article) (*BleveIndex, error) {
	idx, byID, err := buildIndex(articles)
	if err != nil {
		return nil, err
	}
	return &BleveIndex{index: idx, articles: byID}, nil
}

func buildIndex(articles []persona.Article) (bleve.Index, map[string]persona.Article, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, nil, fmt.Errorf("create index: %w", err)
	}

	byID := make(map[string]persona.Article, len(articles))
	batch := idx.NewBatch()
	for _, a := range articles {
		if a.ID == "" {
			continue
		}
		byID[a.ID] = a
		doc := map[string]interface{}{
			"title":   a.Title,
			"topic":   a.Topic,
			"tags":    strings.Join(a.Tags, " "),
			"content": a.Content,
		}
		if err := batch.Index(a.ID, doc); err != nil {
			_ = idx.Close()
			return nil, nil, fmt.Errorf("index article %s: %w", a.ID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		_ = idx.Close()
		return nil, nil, fmt.Errorf("commit index batch: %w", err)
	}
	return idx, byID, nil
}

// Rebuild replaces the indexed articles. Searches in flight finish against
// the previous index.
func (b *BleveIndex) Rebuild(articles []persona.Article) error {
	idx, byID, err := buildIndex(articles)
	if err != nil {
		return err
	}

	b.mu.Lock()
	old := b.index
	b.index, b.articles, b.closed = idx, byID, false
	b.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Search runs a match query over title, topic, tags and content. Title and
// topic hits weigh more than body hits.
func (b *BleveIndex) Search(ctx context.Context, text string, limit int) (Result, error) {
	res := Result{Query: text, Articles: []Article{}}
	text = strings.TrimSpace(text)
	if text == "" {
		return res, nil
	}
	if limit <= 0 {
		limit = 3
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return res, ErrIndexClosed
	}

	q := bleve.NewDisjunctionQuery(
		fieldMatch(text, "title", 3),
		fieldMatch(text, "topic", 3),
		fieldMatch(text, "tags", 1.5),
		fieldMatch(text, "content", 1),
	)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)

	found, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return res, fmt.Errorf("search %q: %w", text, err)
	}

	for _, hit := range found.Hits {
		a, ok := b.articles[hit.ID]
		if !ok {
			continue
		}
		out := fromPersona(a)
		out.Score = hit.Score
		res.Articles = append(res.Articles, out)
	}
	return res, nil
}

func fieldMatch(text, field string, boost float64) query.Query {
	m := bleve.NewMatchQuery(text)
	m.SetField(field)
	m.SetBoost(boost)
	return m
}

// Close releases the index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}
