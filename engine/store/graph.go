package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"argus/engine/models"
)

// --- tasks ---------------------------------------------------------------

// CreateTask inserts a new task in the created state.
func (s *Store) CreateTask(ctx context.Context, hypothesis string) (*models.Task, error) {
	t := &models.Task{
		ID:         models.NewID("t"),
		Hypothesis: hypothesis,
		Status:     models.TaskCreated,
		CreatedAt:  nowUTC(),
	}
	err := s.exec(ctx,
		`INSERT INTO tasks (id, hypothesis, status, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Hypothesis, t.Status, t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask returns the task or nil when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetTaskStatus transitions a task. Terminal states are never left.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return models.ErrTaskNotFound
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("task %s is %s: no further transitions", id, cur.Status)
	}
	if status == models.TaskCompleted || status == models.TaskFailed {
		return s.exec(ctx, `UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?`, status, nowUTC(), id)
	}
	return s.exec(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
}

// SetTaskSummary records the result summary (used at completion).
func (s *Store) SetTaskSummary(ctx context.Context, id, summary string) error {
	return s.exec(ctx, `UPDATE tasks SET result_summary = ? WHERE id = ?`, summary, id)
}

// --- queries & serp items ------------------------------------------------

// InsertQuery records an issued query. Queries are immutable once inserted.
func (s *Store) InsertQuery(ctx context.Context, q *models.Query) error {
	if q.ID == "" {
		q.ID = models.NewID("q")
	}
	return s.exec(ctx,
		`INSERT INTO queries (id, task_id, query_text, normalized_text, category) VALUES (?, ?, ?, ?, ?)`,
		q.ID, q.TaskID, q.QueryText, q.NormalizedText, q.Category)
}

// InsertSerpItems records the ranked results of one engine response,
// ignoring URLs already present for the query.
func (s *Store) InsertSerpItems(ctx context.Context, items []models.SerpItem) error {
	for _, it := range items {
		err := s.exec(ctx,
			`INSERT OR IGNORE INTO serp_items (url, query_id, title, snippet, source_tag, rank)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			it.URL, it.QueryID, it.Title, it.Snippet, it.SourceTag, it.Rank)
		if err != nil {
			return err
		}
	}
	return nil
}

// --- pages & fragments ---------------------------------------------------

// UpsertPage inserts or refreshes the URL-scoped page row. The id and domain
// are always derived from the URL, enforcing the domain invariant.
func (s *Store) UpsertPage(ctx context.Context, p *models.Page) error {
	p.ID = PageIDForURL(p.URL)
	p.Domain = RegistrableDomain(p.URL)
	if p.FetchedAt.IsZero() {
		p.FetchedAt = nowUTC()
	}
	return s.exec(ctx,
		`INSERT INTO pages (id, url, title, domain, html_path, canonical_id, fetched_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
		     title = excluded.title,
		     html_path = excluded.html_path,
		     canonical_id = COALESCE(excluded.canonical_id, pages.canonical_id),
		     fetched_at = excluded.fetched_at,
		     updated_at = excluded.updated_at`,
		p.ID, p.URL, p.Title, p.Domain, p.HTMLPath, p.CanonicalID, p.FetchedAt, p.UpdatedAt)
}

// GetPage returns a page by id, or nil when absent.
func (s *Store) GetPage(ctx context.Context, id string) (*models.Page, error) {
	var p models.Page
	err := s.db.GetContext(ctx, &p, `SELECT * FROM pages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPageByURL returns a page by URL, or nil when absent.
func (s *Store) GetPageByURL(ctx context.Context, url string) (*models.Page, error) {
	return s.GetPage(ctx, PageIDForURL(url))
}

// InsertFragment records one selected passage. The parent page must exist.
func (s *Store) InsertFragment(ctx context.Context, f *models.Fragment) error {
	if f.ID == "" {
		f.ID = models.NewID("f")
	}
	page, err := s.GetPage(ctx, f.PageID)
	if err != nil {
		return err
	}
	if page == nil {
		return fmt.Errorf("%w: page %s", models.ErrEntityNotFound, f.PageID)
	}
	return s.exec(ctx,
		`INSERT INTO fragments (id, page_id, text_content, heading_context, rerank_score, is_relevant)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.PageID, f.TextContent, f.HeadingContext, f.RerankScore, f.IsRelevant)
}

// --- claims --------------------------------------------------------------

// InsertClaim persists one claim. Confidence outside [0,1] is rejected by
// the schema check.
func (s *Store) InsertClaim(ctx context.Context, c *models.Claim) error {
	if c.ID == "" {
		c.ID = models.NewID("c")
	}
	if c.TimelineJSON == "" {
		c.TimelineJSON = "[]"
	}
	return s.exec(ctx,
		`INSERT INTO claims (id, task_id, claim_text, claim_type, expected_polarity, granularity,
		                     parent_claim_id, confidence_score, timeline_json, is_verified, is_rejected)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.ClaimText, c.ClaimType, c.ExpectedPolarity, c.Granularity,
		c.ParentClaimID, c.ConfidenceScore, c.TimelineJSON, c.IsVerified, c.IsRejected)
}

// GetClaim returns a claim by id, or nil when absent.
func (s *Store) GetClaim(ctx context.Context, id string) (*models.Claim, error) {
	var c models.Claim
	err := s.db.GetContext(ctx, &c, `SELECT * FROM claims WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClaimsForTask lists a task's claims in insertion order.
func (s *Store) ClaimsForTask(ctx context.Context, taskID string) ([]models.Claim, error) {
	var out []models.Claim
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM claims WHERE task_id = ? ORDER BY rowid`, taskID)
	return out, err
}

// UpdateClaimTimeline replaces the stored timeline JSON. The stored
// confidence is untouched: retraction penalties apply on read only.
func (s *Store) UpdateClaimTimeline(ctx context.Context, claimID, timelineJSON string) error {
	return s.exec(ctx, `UPDATE claims SET timeline_json = ? WHERE id = ?`, timelineJSON, claimID)
}

// SetClaimVerified flags the claim and records its (stored) confidence.
func (s *Store) SetClaimVerified(ctx context.Context, claimID string, confidence float64) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", confidence)
	}
	return s.exec(ctx, `UPDATE claims SET is_verified = 1, confidence_score = ? WHERE id = ?`, confidence, claimID)
}

// SetClaimRejected sets or clears the human-rejection flag.
func (s *Store) SetClaimRejected(ctx context.Context, claimID string, rejected bool) error {
	return s.exec(ctx, `UPDATE claims SET is_rejected = ? WHERE id = ?`, rejected, claimID)
}

// --- edges ---------------------------------------------------------------

var edgeTables = map[string]string{
	"task":     "tasks",
	"query":    "queries",
	"page":     "pages",
	"fragment": "fragments",
	"claim":    "claims",
}

// InsertEdge records a typed relation. Invariants: the relation must be an
// enum value, endpoints must exist, and self-loops are rejected.
func (s *Store) InsertEdge(ctx context.Context, e *models.Edge) error {
	if !models.ValidRelation(e.Relation) {
		return fmt.Errorf("%w: %q", models.ErrInvalidRelation, e.Relation)
	}
	if e.SourceType == e.TargetType && e.SourceID == e.TargetID {
		return models.ErrSelfLoop
	}
	for _, end := range []struct{ typ, id string }{{e.SourceType, e.SourceID}, {e.TargetType, e.TargetID}} {
		table, ok := edgeTables[end.typ]
		if !ok {
			return fmt.Errorf("%w: unknown node type %q", models.ErrDanglingEdge, end.typ)
		}
		var n int
		if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, end.id); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %s", models.ErrDanglingEdge, end.typ, end.id)
		}
	}
	if e.ID == "" {
		e.ID = models.NewID("e")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	return s.exec(ctx,
		`INSERT OR IGNORE INTO edges (id, source_type, source_id, target_type, target_id, relation, confidence, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceType, e.SourceID, e.TargetType, e.TargetID, e.Relation, e.Confidence, e.Context, e.CreatedAt)
}

// UpdateEdge rewrites an edge's relation and confidence (feedback
// edge_correct action).
func (s *Store) UpdateEdge(ctx context.Context, edgeID string, relation models.EdgeRelation, confidence float64) error {
	if !models.ValidRelation(relation) {
		return fmt.Errorf("%w: %q", models.ErrInvalidRelation, relation)
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", confidence)
	}
	cur, err := s.GetEdge(ctx, edgeID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("%w: edge %s", models.ErrEntityNotFound, edgeID)
	}
	return s.exec(ctx, `UPDATE edges SET relation = ?, confidence = ? WHERE id = ?`, relation, confidence, edgeID)
}

// GetEdge returns an edge by id, or nil when absent.
func (s *Store) GetEdge(ctx context.Context, id string) (*models.Edge, error) {
	var e models.Edge
	err := s.db.GetContext(ctx, &e, `SELECT * FROM edges WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EdgesForTask lists edges whose target is one of the task's claims.
func (s *Store) EdgesForTask(ctx context.Context, taskID string) ([]models.Edge, error) {
	var out []models.Edge
	err := s.db.SelectContext(ctx, &out,
		`SELECT e.* FROM edges e
		 JOIN claims c ON e.target_type = 'claim' AND e.target_id = c.id
		 WHERE c.task_id = ?
		 ORDER BY e.created_at`, taskID)
	return out, err
}

// FragmentsForTask lists fragments linked to a task's claims through edges.
func (s *Store) FragmentsForTask(ctx context.Context, taskID string) ([]models.Fragment, error) {
	var out []models.Fragment
	err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT f.* FROM fragments f
		 JOIN edges e ON e.source_type = 'fragment' AND e.source_id = f.id
		 JOIN claims c ON e.target_type = 'claim' AND e.target_id = c.id
		 WHERE c.task_id = ?
		 ORDER BY f.rerank_score DESC`, taskID)
	return out, err
}

// --- jobs ----------------------------------------------------------------

// InsertJob persists a freshly queued job.
func (s *Store) InsertJob(ctx context.Context, j *models.Job) error {
	return s.exec(ctx,
		`INSERT INTO jobs (id, task_id, kind, priority, slot, state, input_json, queued_at, cause_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TaskID, j.Kind, j.Priority, j.Slot, j.State, j.InputJSON, j.QueuedAt, j.CauseID)
}

// MarkJobRunning advances queued -> running. Any other transition is a no-op
// error: job state advances monotonically.
func (s *Store) MarkJobRunning(ctx context.Context, id string, at time.Time) error {
	return s.advanceJob(ctx, id, models.JobRunning, at, "", []models.JobState{models.JobQueued})
}

// MarkJobFinished advances to done or failed.
func (s *Store) MarkJobFinished(ctx context.Context, id string, state models.JobState, at time.Time, errMsg string) error {
	if state != models.JobDone && state != models.JobFailed {
		return fmt.Errorf("invalid terminal job state %q", state)
	}
	return s.advanceJob(ctx, id, state, at, errMsg, []models.JobState{models.JobQueued, models.JobRunning})
}

func (s *Store) advanceJob(ctx context.Context, id string, to models.JobState, at time.Time, errMsg string, from []models.JobState) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("%w: job %s", models.ErrEntityNotFound, id)
	}
	allowed := false
	for _, f := range from {
		if j.State == f {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("job %s: illegal transition %s -> %s", id, j.State, to)
	}
	if to == models.JobRunning {
		return s.exec(ctx, `UPDATE jobs SET state = ?, started_at = ? WHERE id = ?`, to, at, id)
	}
	return s.exec(ctx, `UPDATE jobs SET state = ?, finished_at = ?, error = ? WHERE id = ?`, to, at, errMsg, id)
}

// GetJob returns a job by id, or nil when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var j models.Job
	err := s.db.GetContext(ctx, &j, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ActiveJobs lists queued/running jobs for a task.
func (s *Store) ActiveJobs(ctx context.Context, taskID string) ([]models.Job, error) {
	var out []models.Job
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM jobs WHERE task_id = ? AND state IN ('queued','running') ORDER BY priority, queued_at`, taskID)
	return out, err
}

// --- engine health -------------------------------------------------------

// UpsertEngineHealth writes through one engine's health row.
func (s *Store) UpsertEngineHealth(ctx context.Context, h models.EngineHealth) error {
	return s.exec(ctx,
		`INSERT INTO engine_health (engine, status, success_rate_1h, success_rate_24h, captcha_rate,
		                            median_latency_ms, consecutive_failures, cooldown_until, last_used_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(engine) DO UPDATE SET
		     status = excluded.status,
		     success_rate_1h = excluded.success_rate_1h,
		     success_rate_24h = excluded.success_rate_24h,
		     captcha_rate = excluded.captcha_rate,
		     median_latency_ms = excluded.median_latency_ms,
		     consecutive_failures = excluded.consecutive_failures,
		     cooldown_until = excluded.cooldown_until,
		     last_used_at = excluded.last_used_at,
		     updated_at = excluded.updated_at`,
		h.Engine, h.Status, h.SuccessRate1h, h.SuccessRate24h, h.CaptchaRate,
		h.MedianLatencyMs, h.ConsecutiveFailures, h.CooldownUntil, h.LastUsedAt, nowUTC())
}

// GetEngineHealth returns one engine's health row, or nil when absent.
func (s *Store) GetEngineHealth(ctx context.Context, engine string) (*models.EngineHealth, error) {
	var h models.EngineHealth
	err := s.db.GetContext(ctx, &h, `SELECT * FROM engine_health WHERE engine = ?`, engine)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// ListEngineHealth returns all health rows.
func (s *Store) ListEngineHealth(ctx context.Context) ([]models.EngineHealth, error) {
	var out []models.EngineHealth
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM engine_health ORDER BY engine`)
	return out, err
}

// RecordEngineRequest counts one issued request toward the engine's daily cap.
func (s *Store) RecordEngineRequest(ctx context.Context, engine string) error {
	return s.exec(ctx, `INSERT INTO engine_requests (engine, requested_at) VALUES (?, ?)`, engine, nowUTC())
}

// EngineRequestsToday counts requests since midnight UTC.
func (s *Store) EngineRequestsToday(ctx context.Context, engine string) (int, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM engine_requests WHERE engine = ? AND requested_at >= ?`, engine, midnight)
	return n, err
}

// --- harvest rate --------------------------------------------------------

// HarvestRate computes useful fragments / pages fetched for one task. Pages
// are linked through serp_items -> queries; fragments count when flagged
// relevant on one of those pages. Zero pages yields zero.
func (s *Store) HarvestRate(ctx context.Context, taskID string) (float64, error) {
	var pages int
	err := s.db.GetContext(ctx, &pages,
		`SELECT COUNT(DISTINCT p.id) FROM pages p
		 JOIN serp_items si ON si.url = p.url
		 JOIN queries q ON q.id = si.query_id
		 WHERE q.task_id = ? AND p.html_path != ''`, taskID)
	if err != nil {
		return 0, err
	}
	if pages == 0 {
		return 0, nil
	}
	var useful int
	err = s.db.GetContext(ctx, &useful,
		`SELECT COUNT(DISTINCT f.id) FROM fragments f
		 JOIN pages p ON p.id = f.page_id
		 JOIN serp_items si ON si.url = p.url
		 JOIN queries q ON q.id = si.query_id
		 WHERE q.task_id = ? AND f.is_relevant = 1`, taskID)
	if err != nil {
		return 0, err
	}
	return float64(useful) / float64(pages), nil
}

// --- domain overrides ----------------------------------------------------

// SetDomainOverride records a block/allow override for a domain.
func (s *Store) SetDomainOverride(ctx context.Context, domain, action, reason string) error {
	if action != "block" && action != "allow" {
		return fmt.Errorf("invalid override action %q", action)
	}
	return s.exec(ctx,
		`INSERT INTO domain_overrides (domain, action, reason) VALUES (?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET action = excluded.action, reason = excluded.reason`,
		domain, action, reason)
}

// ClearDomainOverride removes an override; clearing a missing row is not an
// error.
func (s *Store) ClearDomainOverride(ctx context.Context, domain string) error {
	return s.exec(ctx, `DELETE FROM domain_overrides WHERE domain = ?`, domain)
}

// GetDomainOverride returns the override action for a domain ("" when none).
func (s *Store) GetDomainOverride(ctx context.Context, domain string) (string, error) {
	var action string
	err := s.db.GetContext(ctx, &action, `SELECT action FROM domain_overrides WHERE domain = ?`, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return action, err
}

// --- reference candidates ------------------------------------------------

// ReferenceCandidate is one row of the citation-chasing view scoped to a task.
type ReferenceCandidate struct {
	CitationEdgeID    string    `db:"citation_edge_id" json:"citation_edge_id"`
	CandidatePageID   string    `db:"candidate_page_id" json:"candidate_page_id"`
	CandidateURL      string    `db:"candidate_url" json:"candidate_url"`
	CandidateDomain   string    `db:"candidate_domain" json:"candidate_domain"`
	CitationContext   string    `db:"citation_context" json:"citation_context"`
	CitingPageID      string    `db:"citing_page_id" json:"citing_page_id"`
	CitingPageURL     string    `db:"citing_page_url" json:"citing_page_url"`
	CitingDomain      string    `db:"citing_domain" json:"citing_domain"`
	CitationCreatedAt time.Time `db:"citation_created_at" json:"citation_created_at"`
}

// ReferenceCandidates lists unfetched citation targets whose citing page
// belongs to the task (through serp_items -> queries).
func (s *Store) ReferenceCandidates(ctx context.Context, taskID string) ([]ReferenceCandidate, error) {
	var out []ReferenceCandidate
	err := s.db.SelectContext(ctx, &out,
		`SELECT v.citation_edge_id, v.candidate_page_id, v.candidate_url, v.candidate_domain,
		        v.citation_context, v.citing_page_id, v.citing_page_url, v.citing_domain,
		        v.citation_created_at
		 FROM v_reference_candidates v
		 WHERE v.citing_page_id IN (
		     SELECT p.id FROM pages p
		     JOIN serp_items si ON si.url = p.url
		     JOIN queries q ON q.id = si.query_id
		     WHERE q.task_id = ?
		 )
		 ORDER BY v.citation_created_at`, taskID)
	return out, err
}

// --- calibration ---------------------------------------------------------

// CalibrationParams is one versioned calibration parameter set.
type CalibrationParams struct {
	Source     string    `db:"source" json:"source"`
	Version    int       `db:"version" json:"version"`
	Method     string    `db:"method" json:"method"`
	ParamsJSON string    `db:"params_json" json:"params_json"`
	BrierAfter *float64  `db:"brier_after" json:"brier_after,omitempty"`
	Active     bool      `db:"active" json:"active"`
	Reason     string    `db:"reason" json:"reason,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ActiveCalibration returns the active parameter set for a source, or nil.
func (s *Store) ActiveCalibration(ctx context.Context, source string) (*CalibrationParams, error) {
	var p CalibrationParams
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM calibration_params WHERE source = ? AND active = 1 ORDER BY version DESC LIMIT 1`, source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetCalibration returns one version for a source, or nil.
func (s *Store) GetCalibration(ctx context.Context, source string, version int) (*CalibrationParams, error) {
	var p CalibrationParams
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM calibration_params WHERE source = ? AND version = ?`, source, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListCalibration lists all versions for a source, newest first.
func (s *Store) ListCalibration(ctx context.Context, source string) ([]CalibrationParams, error) {
	var out []CalibrationParams
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM calibration_params WHERE source = ? ORDER BY version DESC`, source)
	return out, err
}

// InsertCalibration records a new version and marks it active.
func (s *Store) InsertCalibration(ctx context.Context, p CalibrationParams) error {
	if err := s.exec(ctx, `UPDATE calibration_params SET active = 0 WHERE source = ?`, p.Source); err != nil {
		return err
	}
	return s.exec(ctx,
		`INSERT INTO calibration_params (source, version, method, params_json, brier_after, active, reason)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		p.Source, p.Version, p.Method, p.ParamsJSON, p.BrierAfter, p.Reason)
}

// ActivateCalibration flips the active flag to the given version. The target
// version must exist.
func (s *Store) ActivateCalibration(ctx context.Context, source string, version int) (*CalibrationParams, error) {
	target, err := s.GetCalibration(ctx, source, version)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("%w: calibration %s v%d", models.ErrEntityNotFound, source, version)
	}
	if err := s.exec(ctx, `UPDATE calibration_params SET active = 0 WHERE source = ?`, source); err != nil {
		return nil, err
	}
	if err := s.exec(ctx, `UPDATE calibration_params SET active = 1 WHERE source = ? AND version = ?`, source, version); err != nil {
		return nil, err
	}
	target.Active = true
	return target, nil
}
