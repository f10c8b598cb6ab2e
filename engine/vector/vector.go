// Package vector implements semantic similarity search over stored
// embeddings: encode, cosine ranking, and task scoping.
package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"argus/engine/llm"
	"argus/engine/store"
)

// Hit is one ranked similarity result.
type Hit struct {
	TargetType string  `json:"target_type"`
	TargetID   string  `json:"target_id"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// SearchResult carries the hits plus the candidate count examined.
type SearchResult struct {
	Hits          []Hit `json:"results"`
	TotalSearched int   `json:"total_searched"`
}

// Index wraps the store's embedding rows with an embedder.
type Index struct {
	store    *store.Store
	embedder llm.Embedder
}

// NewIndex builds an index over the given store.
func NewIndex(s *store.Store, e llm.Embedder) *Index {
	return &Index{store: s, embedder: e}
}

// Add embeds and stores the vector for one target.
func (ix *Index) Add(ctx context.Context, targetType, targetID, text string) error {
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	return ix.store.UpsertEmbedding(ctx, targetType, targetID, ix.embedder.ModelID(), Encode(vec))
}

// Search embeds the query and ranks stored vectors by cosine similarity.
// targetType is "fragment" or "claim"; taskID optionally scopes candidates.
func (ix *Index) Search(ctx context.Context, query, targetType, taskID string, topK int, minSimilarity float64) (SearchResult, error) {
	qv, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return SearchResult{}, err
	}
	rows, err := ix.store.EmbeddingsFor(ctx, targetType, ix.embedder.ModelID(), taskID)
	if err != nil {
		return SearchResult{}, err
	}
	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		cv, err := Decode(row.Vector)
		if err != nil {
			continue
		}
		sim := Cosine(qv, cv)
		if sim < minSimilarity {
			continue
		}
		hits = append(hits, Hit{TargetType: row.TargetType, TargetID: row.TargetID, Text: row.Text, Similarity: sim})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return SearchResult{Hits: hits, TotalSearched: len(rows)}, nil
}

// Encode packs a vector into its little-endian blob form.
func Encode(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// Decode unpacks a little-endian blob into a vector.
func Decode(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Cosine computes cosine similarity, 0 for mismatched or zero vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
