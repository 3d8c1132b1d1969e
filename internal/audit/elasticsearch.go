package audit

import (
	"context"
	"fmt"
)

// Indexer is satisfied by client.ESClient.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
	Search(ctx context.Context, index string, query map[string]interface{}, target interface{}) error
}

// ESIndex makes decisions searchable by session so support can answer
// "why was this blocked".
type ESIndex struct {
	es    Indexer
	index string
}

func NewESIndex(es Indexer, index string) *ESIndex {
	return &ESIndex{es: es, index: index}
}

func (x *ESIndex) Record(ctx context.Context, e Event) error {
	if err := x.es.IndexDocument(ctx, x.index, e.ID, e); err != nil {
		return fmt.Errorf("index explanation: %w", err)
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (x *ESIndex) Explanations(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"term": map[string]interface{}{"session_id.keyword": sessionID},
		},
		"sort": []interface{}{
			map[string]interface{}{"recorded_at": map[string]interface{}{"order": "desc"}},
		},
	}

	var resp searchResponse
	if err := x.es.Search(ctx, x.index, query, &resp); err != nil {
		return nil, fmt.Errorf("search explanations: %w", err)
	}

	out := make([]Event, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}
