package search

import (
	"fmt"
	"time"

	"github.com/blevesearch/bleve"
	blevequery "github.com/blevesearch/bleve/search/query"

	"github.com/loreweaver/loreweaver/internal/store"
)

// EpisodeDoc is the indexed shape of one memory episode.
type EpisodeDoc struct {
	ConversationID string    `json:"conversation_id"`
	Summary        string    `json:"summary"`
	Tags           []string  `json:"tags"`
	BucketStart    time.Time `json:"bucket_start"`
}

// Hit is one search result.
type Hit struct {
	ID          string    `json:"id"`
	Score       float64   `json:"score"`
	Summary     string    `json:"summary"`
	BucketStart time.Time `json:"bucket_start"`
}

// Index is an in-memory full-text index over episode summaries. It is
// rebuilt lazily per conversation from the episode table; losing it on
// restart costs one warm query, nothing more.
type Index struct {
	idx bleve.Index
}

// NewIndex creates an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("bleve index: %w", err)
	}
	return &Index{idx: idx}, nil
}

func docID(conversationID string, bucket time.Time) string {
	return conversationID + "/" + bucket.UTC().Format(time.RFC3339)
}

// Add indexes one episode; re-adding the same bucket replaces it.
func (i *Index) Add(ep store.Episode) error {
	doc := EpisodeDoc{
		ConversationID: ep.ConversationID,
		Summary:        ep.Summary,
		Tags:           ep.Tags,
		BucketStart:    ep.BucketStart,
	}
	return i.idx.Index(docID(ep.ConversationID, ep.BucketStart), doc)
}

// AddAll indexes a batch of episodes.
func (i *Index) AddAll(eps []store.Episode) error {
	batch := i.idx.NewBatch()
	for _, ep := range eps {
		doc := EpisodeDoc{
			ConversationID: ep.ConversationID,
			Summary:        ep.Summary,
			Tags:           ep.Tags,
			BucketStart:    ep.BucketStart,
		}
		if err := batch.Index(docID(ep.ConversationID, ep.BucketStart), doc); err != nil {
			return err
		}
	}
	return i.idx.Batch(batch)
}

// Search runs a free-text query scoped to one conversation.
func (i *Index) Search(conversationID, q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	scope := bleve.NewTermQuery(conversationID)
	scope.SetField("conversation_id")
	text := bleve.NewMatchQuery(q)
	text.SetField("summary")
	req := bleve.NewSearchRequestOptions(blevequery.NewConjunctionQuery([]blevequery.Query{scope, text}), k, 0, false)
	req.Fields = []string{"summary", "bucket_start"}

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if s, ok := h.Fields["summary"].(string); ok {
			hit.Summary = s
		}
		if s, ok := h.Fields["bucket_start"].(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				hit.BucketStart = t
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
