package tools

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/engine/breaker"
	"argus/engine/models"
	"argus/engine/policy"
	"argus/engine/registry"
	"argus/engine/scheduler"
	"argus/engine/store"
)

const toolsDoc = `
engines:
  testengine:
    base_url: https://test.example
    weight: 0.9
    qps: 10
    categories:
      general: 1.0
`

type fixture struct {
	store *store.Store
	sched *scheduler.Scheduler
	svc   *Service
}

// newFixture wires a service over a real store and an idle scheduler
// (workers not started: submitted jobs stay queued, keeping dedup windows
// open for assertions).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	snap, err := registry.Parse([]byte(toolsDoc))
	require.NoError(t, err)
	reg := registry.FromSnapshot(snap)

	brk := breaker.NewManager(breaker.DefaultConfig(), st)
	sched := scheduler.New(scheduler.Config{DefaultMinInterval: time.Millisecond}, st, st, reg, brk)
	t.Cleanup(sched.Stop)

	pol := policy.New(reg, brk, st)
	svc := New(st, sched, pol, brk, nil, nil)
	return &fixture{store: st, sched: sched, svc: svc}
}

func (f *fixture) createTask(t *testing.T, status models.TaskStatus) *models.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.store.CreateTask(ctx, "GPT-4 was released in March 2023")
	require.NoError(t, err)
	if status != models.TaskCreated {
		require.NoError(t, f.store.SetTaskStatus(ctx, task.ID, status))
		task.Status = status
	}
	return task
}

func TestQueueSearchesValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.QueueSearches(ctx, map[string]any{"queries": []any{"q"}})
	requireKind(t, err, KindInvalidParams)

	_, err = f.svc.QueueSearches(ctx, map[string]any{"task_id": "t_x", "queries": []any{}})
	requireKind(t, err, KindInvalidParams)

	_, err = f.svc.QueueSearches(ctx, map[string]any{"task_id": "t_missing", "queries": []any{"q"}})
	requireKind(t, err, KindNotFound)
}

func TestQueueSearchesRejectsFailedTask(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskFailed)

	_, err := f.svc.QueueSearches(context.Background(), map[string]any{
		"task_id": task.ID, "queries": []any{"q"},
	})
	requireKind(t, err, KindPolicyRejected)
}

func TestQueueSearchesDuplicateSuppression(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskCreated)
	ctx := context.Background()

	first, err := f.svc.QueueSearches(ctx, map[string]any{
		"task_id": task.ID,
		"queries": []any{"GPT-4 release date site:openai.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first["queued_count"])
	assert.Equal(t, 0, first["skipped_count"])
	firstIDs := first["search_ids"].([]string)
	require.Len(t, firstIDs, 1)

	second, err := f.svc.QueueSearches(ctx, map[string]any{
		"task_id": task.ID,
		"queries": []any{"GPT-4 release date site:openai.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, second["queued_count"])
	assert.Equal(t, 1, second["skipped_count"])
}

func TestQueueSearchesResumesPausedTask(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskPaused)
	ctx := context.Background()

	res, err := f.svc.QueueSearches(ctx, map[string]any{
		"task_id": task.ID, "queries": []any{"some query"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, res["task_resumed"])

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskExploring, got.Status)
}

func TestQuerySQLToolGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.QuerySQL(ctx, map[string]any{"sql": "INSERT INTO tasks (id) VALUES ('x')"})
	requireKind(t, err, KindInvalidParams)
	assert.Contains(t, err.Error(), "Forbidden")

	_, err = f.svc.QuerySQL(ctx, map[string]any{"sql": ""})
	requireKind(t, err, KindInvalidParams)

	_, err = f.svc.QuerySQL(ctx, map[string]any{
		"sql": "SELECT 1", "options": map[string]any{"limit": float64(201)},
	})
	requireKind(t, err, KindInvalidParams)

	// An explicit zero is out of range, not "use the default".
	_, err = f.svc.QuerySQL(ctx, map[string]any{
		"sql": "SELECT 1", "options": map[string]any{"limit": float64(0)},
	})
	requireKind(t, err, KindInvalidParams)

	// The inclusive bounds are accepted.
	for _, limit := range []float64{1, 200} {
		_, err := f.svc.QuerySQL(ctx, map[string]any{
			"sql": "SELECT 1", "options": map[string]any{"limit": limit},
		})
		assert.NoError(t, err, "limit=%v", limit)
	}
}

func TestQuerySQLToolTruncation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.createTask(t, models.TaskCreated)
	}

	res, err := f.svc.QuerySQL(ctx, map[string]any{
		"sql":     "SELECT * FROM tasks",
		"options": map[string]any{"limit": float64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, 3, res["row_count"])
	assert.Equal(t, true, res["truncated"])
}

func TestGetMaterialsReportsRetractionWithEffectiveConfidence(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskCreated)
	ctx := context.Background()

	claim := &models.Claim{TaskID: task.ID, ClaimText: "X happened in 2023",
		ClaimType: models.ClaimTemporal, ExpectedPolarity: models.PolarityPositive,
		Granularity: models.GranularityAtomic, ConfidenceScore: 0.8}
	require.NoError(t, f.store.InsertClaim(ctx, claim))
	timeline := `[{"timestamp":"2025-03-01T00:00:00Z","event_type":"first_appeared"},` +
		`{"timestamp":"2025-03-02T00:00:00Z","event_type":"retracted"}]`
	require.NoError(t, f.store.UpdateClaimTimeline(ctx, claim.ID, timeline))

	res, err := f.svc.GetMaterials(ctx, map[string]any{"task_id": task.ID})
	require.NoError(t, err)

	buckets := res["claims"].(map[string]any)
	retracted := buckets["retracted"].([]map[string]any)
	require.Len(t, retracted, 1)
	assert.InDelta(t, 0.8, retracted[0]["stored_confidence"].(float64), 1e-9)
	assert.InDelta(t, 0.8*0.3, retracted[0]["effective_confidence"].(float64), 1e-9)
	assert.Empty(t, buckets["verified"])
}

func TestGetMaterialsIncludesGraph(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskCreated)
	ctx := context.Background()

	claim := &models.Claim{TaskID: task.ID, ClaimText: "c", ClaimType: models.ClaimFactual,
		ExpectedPolarity: models.PolarityPositive, Granularity: models.GranularityAtomic, ConfidenceScore: 0.9}
	require.NoError(t, f.store.InsertClaim(ctx, claim))
	page := &models.Page{URL: "https://example.com/z"}
	require.NoError(t, f.store.UpsertPage(ctx, page))
	frag := &models.Fragment{PageID: page.ID, TextContent: "evidence", IsRelevant: true, RerankScore: 0.8}
	require.NoError(t, f.store.InsertFragment(ctx, frag))
	require.NoError(t, f.store.InsertEdge(ctx, &models.Edge{SourceType: "fragment", SourceID: frag.ID,
		TargetType: "claim", TargetID: claim.ID, Relation: models.RelSupports, Confidence: 0.9}))

	res, err := f.svc.GetMaterials(ctx, map[string]any{
		"task_id": task.ID, "options": map[string]any{"include_graph": true},
	})
	require.NoError(t, err)
	graph := res["graph"].([]map[string]any)
	require.Len(t, graph, 1)
	assert.Equal(t, "supports", graph[0]["relation"])

	fragments := res["fragments"].([]map[string]any)
	require.Len(t, fragments, 1)
}

func TestFeedbackActions(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskCreated)
	ctx := context.Background()

	// Domain block / clear.
	res, err := f.svc.Feedback(ctx, map[string]any{"action": "domain_block", "domain": "spam.example", "reason": "junk"})
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
	action, err := f.store.GetDomainOverride(ctx, "spam.example")
	require.NoError(t, err)
	assert.Equal(t, "block", action)

	_, err = f.svc.Feedback(ctx, map[string]any{"action": "domain_clear_override", "domain": "spam.example"})
	require.NoError(t, err)
	action, err = f.store.GetDomainOverride(ctx, "spam.example")
	require.NoError(t, err)
	assert.Empty(t, action)

	// Claim reject / restore.
	claim := &models.Claim{TaskID: task.ID, ClaimText: "c", ClaimType: models.ClaimFactual,
		ExpectedPolarity: models.PolarityPositive, Granularity: models.GranularityAtomic, ConfidenceScore: 0.9}
	require.NoError(t, f.store.InsertClaim(ctx, claim))

	_, err = f.svc.Feedback(ctx, map[string]any{"action": "claim_reject", "claim_id": claim.ID})
	require.NoError(t, err)
	got, err := f.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRejected)

	_, err = f.svc.Feedback(ctx, map[string]any{"action": "claim_restore", "claim_id": claim.ID})
	require.NoError(t, err)
	got, err = f.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.False(t, got.IsRejected)

	// Edge correct.
	page := &models.Page{URL: "https://example.com/w"}
	require.NoError(t, f.store.UpsertPage(ctx, page))
	frag := &models.Fragment{PageID: page.ID, TextContent: "x"}
	require.NoError(t, f.store.InsertFragment(ctx, frag))
	edge := &models.Edge{SourceType: "fragment", SourceID: frag.ID, TargetType: "claim", TargetID: claim.ID,
		Relation: models.RelSupports, Confidence: 0.9}
	require.NoError(t, f.store.InsertEdge(ctx, edge))

	res, err = f.svc.Feedback(ctx, map[string]any{
		"action": "edge_correct", "edge_id": edge.ID, "relation": "refutes", "confidence": 0.4,
	})
	require.NoError(t, err)
	assert.Equal(t, "supports", res["previous_relation"])
	updated, err := f.store.GetEdge(ctx, edge.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RelRefutes, updated.Relation)
	assert.InDelta(t, 0.4, updated.Confidence, 1e-9)

	// Unknown action and missing payloads.
	_, err = f.svc.Feedback(ctx, map[string]any{"action": "explode"})
	requireKind(t, err, KindInvalidParams)
	_, err = f.svc.Feedback(ctx, map[string]any{"action": "claim_reject", "claim_id": "c_missing"})
	requireKind(t, err, KindNotFound)
}

func TestCalibrationTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No versions yet: rollback is a calibration error.
	_, err := f.svc.CalibrationRollback(ctx, map[string]any{"source": "nli_judge"})
	requireKind(t, err, KindCalibration)

	require.NoError(t, f.store.InsertCalibration(ctx, store.CalibrationParams{Source: "nli_judge", Version: 1, Method: "platt"}))
	require.NoError(t, f.store.InsertCalibration(ctx, store.CalibrationParams{Source: "nli_judge", Version: 2, Method: "isotonic"}))

	stats, err := f.svc.CalibrationMetrics(ctx, map[string]any{"action": "get_stats", "source": "nli_judge"})
	require.NoError(t, err)
	assert.Equal(t, 2, stats["version"])

	res, err := f.svc.CalibrationRollback(ctx, map[string]any{"source": "nli_judge", "reason": "regression"})
	require.NoError(t, err)
	assert.Equal(t, 1, res["rolled_back_to"])
	assert.Equal(t, 2, res["previous_version"])

	evals, err := f.svc.CalibrationMetrics(ctx, map[string]any{"action": "get_evaluations", "source": "nli_judge"})
	require.NoError(t, err)
	entries := evals["evaluations"].([]map[string]any)
	require.Len(t, entries, 2)

	// Rolling back to an absent version fails cleanly.
	_, err = f.svc.CalibrationRollback(ctx, map[string]any{"source": "nli_judge", "version": float64(9)})
	requireKind(t, err, KindCalibration)
}

func TestVectorSearchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.VectorSearch(ctx, map[string]any{})
	requireKind(t, err, KindInvalidParams)

	_, err = f.svc.VectorSearch(ctx, map[string]any{"query": "x", "target": "pages"})
	requireKind(t, err, KindInvalidParams)

	_, err = f.svc.VectorSearch(ctx, map[string]any{"query": "x", "top_k": float64(51)})
	requireKind(t, err, KindInvalidParams)

	// Valid params but no embedder configured.
	_, err = f.svc.VectorSearch(ctx, map[string]any{"query": "x"})
	requireKind(t, err, KindTransientExternal)
}

func TestExtractDOI(t *testing.T) {
	cases := map[string]string{
		"https://doi.org/10.1000/journal.2023.001":    "10.1000/journal.2023.001",
		"https://dx.doi.org/10.5555/Some.Thing;":      "10.5555/some.thing",
		"https://publisher.example/10.1234/abc.def.":  "10.1234/abc.def",
		"https://example.com/article/regular-page":    "",
	}
	for url, want := range cases {
		assert.Equal(t, want, ExtractDOI(url), url)
	}
}

func TestQueueReferenceCandidatesValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.QueueReferenceCandidates(ctx, map[string]any{})
	requireKind(t, err, KindInvalidParams)

	task := f.createTask(t, models.TaskCreated)
	_, err = f.svc.QueueReferenceCandidates(ctx, map[string]any{
		"task_id": task.ID, "include_ids": []any{"a"}, "exclude_ids": []any{"b"},
	})
	requireKind(t, err, KindInvalidParams)

	// No candidates: empty success.
	res, err := f.svc.QueueReferenceCandidates(ctx, map[string]any{"task_id": task.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, res["queued_count"])
}

func TestQueueReferenceCandidatesDryRunAndQueue(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskCreated)
	ctx := context.Background()

	// Wire task -> query -> serp -> citing page -> cites -> unfetched page.
	q := &models.Query{TaskID: task.ID, QueryText: "q", NormalizedText: "q", Category: "general"}
	require.NoError(t, f.store.InsertQuery(ctx, q))
	citing := &models.Page{URL: "https://journal.example/a", HTMLPath: "/tmp/a.html"}
	require.NoError(t, f.store.UpsertPage(ctx, citing))
	require.NoError(t, f.store.InsertSerpItems(ctx, []models.SerpItem{{
		URL: citing.URL, QueryID: q.ID, SourceTag: models.SourceAcademic, Rank: 1,
	}}))
	cited := &models.Page{URL: "https://doi.org/10.1000/xyz.1"}
	require.NoError(t, f.store.UpsertPage(ctx, cited))
	require.NoError(t, f.store.InsertEdge(ctx, &models.Edge{SourceType: "page", SourceID: citing.ID,
		TargetType: "page", TargetID: cited.ID, Relation: models.RelCites, Confidence: 1}))

	dry, err := f.svc.QueueReferenceCandidates(ctx, map[string]any{"task_id": task.ID, "dry_run": true})
	require.NoError(t, err)
	assert.Equal(t, true, dry["dry_run"])
	assert.Equal(t, 0, dry["queued_count"])
	cands := dry["candidates"].([]map[string]any)
	require.Len(t, cands, 1)
	assert.Equal(t, "doi", cands[0]["kind"])
	assert.Equal(t, "10.1000/xyz.1", cands[0]["doi"])

	queued, err := f.svc.QueueReferenceCandidates(ctx, map[string]any{"task_id": task.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, queued["queued_count"])

	// Same candidate again: duplicate suppressed by the scheduler.
	again, err := f.svc.QueueReferenceCandidates(ctx, map[string]any{"task_id": task.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, again["queued_count"])
	assert.Equal(t, 1, again["skipped_count"])
}

func requireKind(t *testing.T, err error, kind ErrKind) {
	t.Helper()
	require.Error(t, err)
	te, ok := err.(*Error)
	require.True(t, ok, "error %v is not a tool error", err)
	assert.Equal(t, kind, te.Kind)
}
