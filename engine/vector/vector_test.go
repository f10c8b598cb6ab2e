package vector

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/engine/models"
	"argus/engine/store"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0.1, -2.5, 3.75, 0}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}
	d := []float32{-1, 0, 0}

	assert.InDelta(t, 1.0, Cosine(a, b), 1e-9)
	assert.InDelta(t, 0.0, Cosine(a, c), 1e-9)
	assert.InDelta(t, -1.0, Cosine(a, d), 1e-9)
	assert.Zero(t, Cosine(a, []float32{1, 2}))
	assert.Zero(t, Cosine(a, []float32{0, 0, 0}))
}

// bagEmbedder embeds text as crude keyword-presence vectors, enough to rank
// similarity deterministically in tests.
type bagEmbedder struct{ vocab []string }

func (e *bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	out := make([]float32, len(e.vocab))
	for i, word := range e.vocab {
		if strings.Contains(lower, word) {
			out[i] = 1
		}
	}
	return out, nil
}

func (e *bagEmbedder) ModelID() string { return "bag-v1" }

func openVectorStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "v.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSearchRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	s := openVectorStore(t)
	ix := NewIndex(s, &bagEmbedder{vocab: []string{"gpt-4", "march", "2023", "banana"}})

	task, err := s.CreateTask(ctx, "h")
	require.NoError(t, err)

	texts := map[string]string{
		"a": "GPT-4 was released in March 2023",
		"b": "GPT-4 exists",
		"c": "banana bread recipe",
	}
	for suffix, text := range texts {
		claim := &models.Claim{ID: "c_" + suffix, TaskID: task.ID, ClaimText: text,
			ClaimType: models.ClaimFactual, ExpectedPolarity: models.PolarityPositive,
			Granularity: models.GranularityAtomic, ConfidenceScore: 0.9}
		require.NoError(t, s.InsertClaim(ctx, claim))
		require.NoError(t, ix.Add(ctx, "claim", claim.ID, text))
	}

	res, err := ix.Search(ctx, "when was GPT-4 released in March 2023", "claim", "", 10, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalSearched)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "c_a", res.Hits[0].TargetID)
	for _, hit := range res.Hits {
		assert.NotEqual(t, "c_c", hit.TargetID, "dissimilar target filtered by min similarity")
	}
}

func TestSearchRespectsTopKAndMinSimilarity(t *testing.T) {
	ctx := context.Background()
	s := openVectorStore(t)
	ix := NewIndex(s, &bagEmbedder{vocab: []string{"alpha", "beta", "gamma"}})

	task, err := s.CreateTask(ctx, "h")
	require.NoError(t, err)
	for i, text := range []string{"alpha beta gamma", "alpha beta", "alpha"} {
		claim := &models.Claim{ID: "c_" + string(rune('0'+i)), TaskID: task.ID, ClaimText: text,
			ClaimType: models.ClaimFactual, ExpectedPolarity: models.PolarityPositive,
			Granularity: models.GranularityAtomic, ConfidenceScore: 0.9}
		require.NoError(t, s.InsertClaim(ctx, claim))
		require.NoError(t, ix.Add(ctx, "claim", claim.ID, text))
	}

	res, err := ix.Search(ctx, "alpha beta gamma", "claim", "", 2, 0)
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)
	assert.Equal(t, "c_0", res.Hits[0].TargetID)

	res, err = ix.Search(ctx, "alpha beta gamma", "claim", "", 10, 0.99)
	require.NoError(t, err)
	assert.Len(t, res.Hits, 1)
}

func TestSearchScopesByTask(t *testing.T) {
	ctx := context.Background()
	s := openVectorStore(t)
	ix := NewIndex(s, &bagEmbedder{vocab: []string{"topic"}})

	t1, err := s.CreateTask(ctx, "one")
	require.NoError(t, err)
	t2, err := s.CreateTask(ctx, "two")
	require.NoError(t, err)

	for i, taskID := range []string{t1.ID, t2.ID} {
		claim := &models.Claim{ID: "c_task" + string(rune('0'+i)), TaskID: taskID, ClaimText: "topic claim",
			ClaimType: models.ClaimFactual, ExpectedPolarity: models.PolarityPositive,
			Granularity: models.GranularityAtomic, ConfidenceScore: 0.9}
		require.NoError(t, s.InsertClaim(ctx, claim))
		require.NoError(t, ix.Add(ctx, "claim", claim.ID, claim.ClaimText))
	}

	res, err := ix.Search(ctx, "topic", "claim", t1.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalSearched)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "c_task0", res.Hits[0].TargetID)
}
