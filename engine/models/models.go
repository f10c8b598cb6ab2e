package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a research task.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskExploring TaskStatus = "exploring"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// Task is a single research task: one hypothesis under investigation.
type Task struct {
	ID            string     `db:"id" json:"id"`
	Hypothesis    string     `db:"hypothesis" json:"hypothesis"`
	Status        TaskStatus `db:"status" json:"status"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ResultSummary string     `db:"result_summary" json:"result_summary,omitempty"`
}

// Query is an issued (or queued) search query. Immutable once inserted.
type Query struct {
	ID             string `db:"id" json:"id"`
	TaskID         string `db:"task_id" json:"task_id"`
	QueryText      string `db:"query_text" json:"query_text"`
	NormalizedText string `db:"normalized_text" json:"normalized_text"`
	Category       string `db:"category" json:"category"`
}

// SourceTag is a coarse classification of a page's origin.
type SourceTag string

const (
	SourceGovernment SourceTag = "government"
	SourceAcademic   SourceTag = "academic"
	SourceNews       SourceTag = "news"
	SourceTechnical  SourceTag = "technical"
	SourceBlog       SourceTag = "blog"
	SourceKnowledge  SourceTag = "knowledge"
	SourceStandards  SourceTag = "standards"
	SourceUnknown    SourceTag = "unknown"
)

// SerpItem is a single ranked result produced by a search engine response.
type SerpItem struct {
	URL       string    `db:"url" json:"url"`
	QueryID   string    `db:"query_id" json:"query_id"`
	Title     string    `db:"title" json:"title,omitempty"`
	Snippet   string    `db:"snippet" json:"snippet,omitempty"`
	SourceTag SourceTag `db:"source_tag" json:"source_tag"`
	Rank      int       `db:"rank" json:"rank"`
}

// Page is a fetched web page. Pages are task-independent: the id is derived
// from the URL so the same document fetched for two tasks is stored once.
// Task linkage is inferred via SerpItem -> Query -> Task.
type Page struct {
	ID          string     `db:"id" json:"id"`
	URL         string     `db:"url" json:"url"`
	Title       string     `db:"title" json:"title"`
	Domain      string     `db:"domain" json:"domain"`
	HTMLPath    string     `db:"html_path" json:"html_path,omitempty"`
	CanonicalID *string    `db:"canonical_id" json:"canonical_id,omitempty"`
	FetchedAt   time.Time  `db:"fetched_at" json:"fetched_at"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Fragment is a selected passage from a page, scored for relevance.
// Fragments carry no task_id; task membership flows through edges.
type Fragment struct {
	ID             string  `db:"id" json:"id"`
	PageID         string  `db:"page_id" json:"page_id"`
	TextContent    string  `db:"text_content" json:"text_content"`
	HeadingContext string  `db:"heading_context" json:"heading_context,omitempty"`
	RerankScore    float64 `db:"rerank_score" json:"rerank_score"`
	IsRelevant     bool    `db:"is_relevant" json:"is_relevant"`
}

// ClaimPolarity is the expected polarity of a claim.
type ClaimPolarity string

const (
	PolarityPositive ClaimPolarity = "positive"
	PolarityNegative ClaimPolarity = "negative"
	PolarityNeutral  ClaimPolarity = "neutral"
)

// ClaimGranularity is the decomposition level of a claim.
type ClaimGranularity string

const (
	GranularityAtomic    ClaimGranularity = "atomic"
	GranularityComposite ClaimGranularity = "composite"
	GranularityMeta      ClaimGranularity = "meta"
)

// ClaimType classifies a claim by content.
type ClaimType string

const (
	ClaimFactual      ClaimType = "factual"
	ClaimCausal       ClaimType = "causal"
	ClaimComparative  ClaimType = "comparative"
	ClaimDefinitional ClaimType = "definitional"
	ClaimTemporal     ClaimType = "temporal"
	ClaimQuantitative ClaimType = "quantitative"
)

// Claim is a unit of verification, created by the decomposer and mutated by
// verify jobs and feedback actions.
type Claim struct {
	ID               string           `db:"id" json:"id"`
	TaskID           string           `db:"task_id" json:"task_id"`
	ClaimText        string           `db:"claim_text" json:"claim_text"`
	ClaimType        ClaimType        `db:"claim_type" json:"claim_type"`
	ExpectedPolarity ClaimPolarity    `db:"expected_polarity" json:"expected_polarity"`
	Granularity      ClaimGranularity `db:"granularity" json:"granularity"`
	ParentClaimID    *string          `db:"parent_claim_id" json:"parent_claim_id,omitempty"`
	ConfidenceScore  float64          `db:"confidence_score" json:"confidence_score"`
	TimelineJSON     string           `db:"timeline_json" json:"timeline_json,omitempty"`
	IsVerified       bool             `db:"is_verified" json:"is_verified"`
	IsRejected       bool             `db:"is_rejected" json:"is_rejected"`
}

// EdgeRelation is the typed relation carried by an evidence edge.
type EdgeRelation string

const (
	RelSupports EdgeRelation = "supports"
	RelRefutes  EdgeRelation = "refutes"
	RelCites    EdgeRelation = "cites"
	RelExtracts EdgeRelation = "extracts"
)

// ValidRelation reports whether r is one of the enum values.
func ValidRelation(r EdgeRelation) bool {
	switch r {
	case RelSupports, RelRefutes, RelCites, RelExtracts:
		return true
	}
	return false
}

// Edge is a typed directed relation between evidence graph nodes.
// Endpoints are (type, id) pairs; the graph is heterogeneous and may contain
// cycles across node kinds, so traversal must carry a visited set.
type Edge struct {
	ID         string       `db:"id" json:"id"`
	SourceType string       `db:"source_type" json:"source_type"`
	SourceID   string       `db:"source_id" json:"source_id"`
	TargetType string       `db:"target_type" json:"target_type"`
	TargetID   string       `db:"target_id" json:"target_id"`
	Relation   EdgeRelation `db:"relation" json:"relation"`
	Confidence float64      `db:"confidence" json:"confidence"`
	Context    string       `db:"context" json:"context,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

// JobKind names a scheduler job family.
type JobKind string

const (
	JobSearchQueue   JobKind = "search_queue"
	JobTargetQueue   JobKind = "target_queue"
	JobVerifyNLI     JobKind = "verify_nli"
	JobCitationGraph JobKind = "citation_graph"
)

// JobState is the lifecycle state of a scheduled job. States advance
// monotonically: queued -> running -> done|failed.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is a unit of scheduled work persisted for audit and dedup.
type Job struct {
	ID         string     `db:"id" json:"id"`
	TaskID     string     `db:"task_id" json:"task_id"`
	Kind       JobKind    `db:"kind" json:"kind"`
	Priority   int        `db:"priority" json:"priority"`
	Slot       string     `db:"slot" json:"slot"`
	State      JobState   `db:"state" json:"state"`
	InputJSON  string     `db:"input_json" json:"input_json"`
	QueuedAt   time.Time  `db:"queued_at" json:"queued_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	CauseID    *string    `db:"cause_id" json:"cause_id,omitempty"`
	Error      string     `db:"error" json:"error,omitempty"`
}

// EngineHealth is the persisted health row for one search engine.
type EngineHealth struct {
	Engine              string     `db:"engine" json:"engine"`
	Status              string     `db:"status" json:"status"`
	SuccessRate1h       float64    `db:"success_rate_1h" json:"success_rate_1h"`
	SuccessRate24h      float64    `db:"success_rate_24h" json:"success_rate_24h"`
	CaptchaRate         float64    `db:"captcha_rate" json:"captcha_rate"`
	MedianLatencyMs     float64    `db:"median_latency_ms" json:"median_latency_ms"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutive_failures"`
	CooldownUntil       *time.Time `db:"cooldown_until" json:"cooldown_until,omitempty"`
	LastUsedAt          *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Domain-level errors shared across components.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskFailed      = errors.New("task is in failed state")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrInvalidRelation = errors.New("invalid edge relation")
	ErrSelfLoop        = errors.New("edge endpoints must differ")
	ErrDanglingEdge    = errors.New("edge endpoint does not exist")
	ErrEngineUnknown   = errors.New("engine not present in registry")
)

// NewID returns an opaque id with the given short prefix, e.g. NewID("c")
// yields "c_3fa09b12e4d7".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
