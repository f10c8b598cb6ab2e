package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"argus/engine/claims"
	"argus/engine/models"
	"argus/engine/scheduler"
	"argus/engine/search"
	"argus/engine/store"
)

// Job handlers: the execution side of the four job kinds. Handlers run on
// scheduler slots and report engine failures through EngineFailure so the
// breaker sees CAPTCHA and timeout signals.

func (e *Engine) registerHandlers() {
	e.sched.Register(models.JobSearchQueue, e.handleSearchQueue)
	e.sched.Register(models.JobTargetQueue, e.handleTargetQueue)
	e.sched.Register(models.JobVerifyNLI, e.handleVerifyNLI)
	e.sched.Register(models.JobCitationGraph, e.handleCitationGraph)
}

// handleSearchQueue issues one normalized query to a selected engine and
// records the SERP items.
func (e *Engine) handleSearchQueue(ctx context.Context, job *models.Job, input map[string]any) error {
	query, _ := input["query"].(string)
	if strings.TrimSpace(query) == "" {
		return errors.New("search job missing query")
	}

	engineName, _ := input["engine"].(string)
	category := e.policy.DetectCategory(query)
	if engineName == "" {
		if harvest, ok := input["harvest_rate"].(float64); ok {
			if d := e.policy.PickLastmileEngine(ctx, harvest); d.Activate {
				engineName = d.Engine
			}
		}
		if engineName == "" {
			ranked := e.policy.RankForCategory(ctx, category)
			if len(ranked) == 0 {
				return errors.New("no available engine for query")
			}
			engineName = ranked[0].Name
		}
		// Engine chosen at execution time: apply the QPS gate now.
		if !e.sched.WaitForEngine(ctx, engineName) {
			return ctx.Err()
		}
	}

	ec := e.registry.Get(engineName)
	normalized := search.Transform(query, ec)

	q := &models.Query{
		TaskID:         job.TaskID,
		QueryText:      query,
		NormalizedText: normalized,
		Category:       category,
	}
	if err := e.store.InsertQuery(ctx, q); err != nil {
		return err
	}
	_ = e.store.RecordEngineRequest(ctx, engineName)

	resp := e.provider.Search(ctx, engineName, normalized)
	if resp.Err != nil {
		return &scheduler.EngineFailure{
			Engine:    engineName,
			IsCaptcha: resp.IsCaptcha,
			IsTimeout: resp.IsTimeout,
			Err:       resp.Err,
		}
	}
	e.breakers.RecordSuccess(ctx, engineName, float64(resp.Elapsed.Milliseconds()))

	results := search.Dedupe(resp.Results)
	items := make([]models.SerpItem, 0, len(results))
	for _, r := range results {
		items = append(items, models.SerpItem{
			URL:       r.URL,
			QueryID:   q.ID,
			Title:     r.Title,
			Snippet:   r.Snippet,
			SourceTag: r.SourceTag,
			Rank:      r.Rank,
		})
	}
	if err := e.store.InsertSerpItems(ctx, items); err != nil {
		return err
	}
	e.log.InfoCtx(ctx, "search completed",
		"engine", engineName, "query", truncateStr(query, 50), "results", len(items))
	return nil
}

// handleTargetQueue fetches a URL or DOI target and persists the page and
// its extracted fragments.
func (e *Engine) handleTargetQueue(ctx context.Context, job *models.Job, input map[string]any) error {
	target, _ := input["target"].(map[string]any)
	if target == nil {
		return errors.New("target job missing target")
	}
	rawURL, _ := target["url"].(string)
	if doi, _ := target["doi"].(string); doi != "" && rawURL == "" {
		rawURL = "https://doi.org/" + doi
	}
	if rawURL == "" {
		return errors.New("target carries neither url nor doi")
	}

	domain := store.RegistrableDomain(rawURL)
	if action, err := e.store.GetDomainOverride(ctx, domain); err == nil && action == "block" {
		return fmt.Errorf("domain %s is blocked by operator override", domain)
	}

	res, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	htmlPath, err := e.writeHTML(res.URL.String(), res.Body)
	if err != nil {
		return err
	}

	html := string(res.Body)
	meta, err := e.extractor.Meta(html)
	if err != nil {
		return err
	}
	page := &models.Page{
		URL:       res.URL.String(),
		Title:     meta.Title,
		HTMLPath:  htmlPath,
		FetchedAt: res.FetchedAt,
		UpdatedAt: meta.UpdatedAt,
	}
	if meta.CanonicalID != "" {
		page.CanonicalID = &meta.CanonicalID
	}
	if err := e.store.UpsertPage(ctx, page); err != nil {
		return err
	}

	task, err := e.store.GetTask(ctx, job.TaskID)
	if err != nil {
		return err
	}
	hypothesis := ""
	if task != nil {
		hypothesis = task.Hypothesis
	}

	candidates, err := e.extractor.Fragments(html)
	if err != nil {
		return err
	}
	for _, cand := range candidates {
		score := overlapScore(hypothesis, cand.Text)
		frag := &models.Fragment{
			PageID:         page.ID,
			TextContent:    cand.Text,
			HeadingContext: cand.HeadingContext,
			RerankScore:    score,
			IsRelevant:     score >= e.cfg.RelevanceThreshold,
		}
		if err := e.store.InsertFragment(ctx, frag); err != nil {
			return err
		}
		if err := e.store.InsertEdge(ctx, &models.Edge{
			SourceType: "page",
			SourceID:   page.ID,
			TargetType: "fragment",
			TargetID:   frag.ID,
			Relation:   models.RelExtracts,
			Confidence: 1.0,
		}); err != nil {
			return err
		}
	}
	e.log.InfoCtx(ctx, "target fetched",
		"url", truncateStr(rawURL, 80), "fragments", len(candidates))
	return nil
}

// handleVerifyNLI judges a task's outstanding claim/fragment pairs and
// records supports/refutes edges. LLM/NLI errors fall back to the lexical
// heuristic; the job succeeds only when a usable result was produced.
func (e *Engine) handleVerifyNLI(ctx context.Context, job *models.Job, _ map[string]any) error {
	claimRows, err := e.store.ClaimsForTask(ctx, job.TaskID)
	if err != nil {
		return err
	}
	fragments, err := e.relevantFragments(ctx, job.TaskID)
	if err != nil {
		return err
	}
	if len(claimRows) == 0 || len(fragments) == 0 {
		return nil
	}

	judged := 0
	for _, claim := range claimRows {
		if claim.IsVerified || claim.IsRejected {
			continue
		}
		timeline, err := claims.ParseTimeline(claim.TimelineJSON)
		if err != nil {
			return err
		}
		best := 0.0
		appended := false
		for _, frag := range fragments {
			label, confidence := e.judgePair(ctx, frag.TextContent, claim.ClaimText)
			if label == "" {
				continue
			}
			judged++
			relation := models.RelSupports
			if label == "contradiction" {
				relation = models.RelRefutes
			} else if label == "neutral" {
				continue
			}
			if err := e.store.InsertEdge(ctx, &models.Edge{
				SourceType: "fragment",
				SourceID:   frag.ID,
				TargetType: "claim",
				TargetID:   claim.ID,
				Relation:   relation,
				Confidence: confidence,
			}); err != nil {
				return err
			}
			if relation == models.RelSupports && confidence > best {
				best = confidence
			}
			e.appendEvidenceEvent(ctx, timeline, frag.PageID, relation)
			appended = true
		}
		if appended {
			encoded, err := timeline.JSON()
			if err != nil {
				return err
			}
			if err := e.store.UpdateClaimTimeline(ctx, claim.ID, encoded); err != nil {
				return err
			}
		}
		if best >= e.cfg.VerifyThreshold {
			if err := e.store.SetClaimVerified(ctx, claim.ID, best); err != nil {
				return err
			}
		}
	}
	if judged == 0 {
		return errors.New("no usable NLI judgments produced")
	}
	return nil
}

// handleCitationGraph expands reference candidates from fetched academic
// pages: outbound DOI links become cites edges toward stub target pages.
func (e *Engine) handleCitationGraph(ctx context.Context, job *models.Job, input map[string]any) error {
	pageID, _ := input["page_id"].(string)
	if pageID == "" {
		return errors.New("citation job missing page_id")
	}
	page, err := e.store.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if page == nil {
		return fmt.Errorf("%w: page %s", models.ErrEntityNotFound, pageID)
	}
	if page.HTMLPath == "" {
		return fmt.Errorf("page %s has no stored HTML", pageID)
	}
	body, err := os.ReadFile(page.HTMLPath)
	if err != nil {
		return err
	}

	refs := extractDOILinks(string(body))
	added := 0
	for _, ref := range refs {
		stub := &models.Page{URL: ref}
		existing, err := e.store.GetPageByURL(ctx, ref)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := e.store.UpsertPage(ctx, stub); err != nil {
				return err
			}
		} else {
			stub = existing
		}
		if stub.ID == page.ID {
			continue
		}
		if err := e.store.InsertEdge(ctx, &models.Edge{
			SourceType: "page",
			SourceID:   page.ID,
			TargetType: "page",
			TargetID:   stub.ID,
			Relation:   models.RelCites,
			Confidence: 1.0,
		}); err != nil {
			return err
		}
		added++
	}
	e.log.InfoCtx(ctx, "citation graph expanded", "page_id", pageID, "references", added)
	return nil
}

// --- helpers -------------------------------------------------------------

func (e *Engine) relevantFragments(ctx context.Context, taskID string) ([]models.Fragment, error) {
	// Fragments reach a task through its queries' SERP pages.
	var out []models.Fragment
	err := e.store.DB().SelectContext(ctx, &out,
		`SELECT DISTINCT f.* FROM fragments f
		 JOIN pages p ON p.id = f.page_id
		 JOIN serp_items si ON si.url = p.url
		 JOIN queries q ON q.id = si.query_id
		 WHERE q.task_id = ? AND f.is_relevant = 1
		 ORDER BY f.rerank_score DESC`, taskID)
	return out, err
}

// judgePair runs NLI via the judge endpoint, falling back to the lexical
// heuristic when the endpoint is absent or fails. Returns ("", 0) when no
// usable judgment exists.
func (e *Engine) judgePair(ctx context.Context, premise, hypothesis string) (string, float64) {
	if e.judge != nil {
		if v, err := e.judge.Judge(ctx, premise, hypothesis); err == nil && v.Label != "" {
			return v.Label, clamp01(v.Confidence)
		}
	}
	score := overlapScore(hypothesis, premise)
	if score < 0.2 {
		return "neutral", score
	}
	return "entailment", clamp01(0.4 + score/2)
}

// appendEvidenceEvent records the evidence arrival on the claim's timeline:
// supporting evidence on an empty timeline is first_appeared, supporting
// evidence on a non-empty timeline confirmed, refuting evidence updated.
func (e *Engine) appendEvidenceEvent(ctx context.Context, timeline *claims.Timeline, pageID string, relation models.EdgeRelation) {
	sourceURL := ""
	if page, err := e.store.GetPage(ctx, pageID); err == nil && page != nil {
		sourceURL = page.URL
	}
	kind := claims.EventConfirmed
	if !timeline.HasTimeline() {
		kind = claims.EventFirstAppeared
	}
	if relation == models.RelRefutes {
		kind = claims.EventUpdated
	}
	timeline.Append(claims.TimelineEvent{EventType: kind, SourceURL: sourceURL})
}

func (e *Engine) writeHTML(rawURL string, body []byte) (string, error) {
	if e.cfg.HTMLDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(e.cfg.HTMLDir, 0o755); err != nil {
		return "", err
	}
	name := strings.TrimPrefix(store.PageIDForURL(rawURL), "p_") + ".html"
	path := filepath.Join(e.cfg.HTMLDir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

var doiLinkRe = regexp.MustCompile(`https?://(?:dx\.)?doi\.org/10\.\d{4,}/[^\s"'<>]+`)

// extractDOILinks collects distinct outbound DOI URLs from HTML, trailing
// punctuation trimmed.
func extractDOILinks(html string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range doiLinkRe.FindAllString(html, -1) {
		m = strings.TrimRight(m, ".,;:)")
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// overlapScore is the lexical fallback relevance signal: the fraction of
// hypothesis keywords present in the text.
func overlapScore(hypothesis, text string) float64 {
	words := strings.Fields(strings.ToLower(hypothesis))
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	matched := 0
	counted := 0
	for _, w := range words {
		if len([]rune(w)) < 3 {
			continue
		}
		counted++
		if strings.Contains(lower, w) {
			matched++
		}
	}
	if counted == 0 {
		return 0
	}
	return float64(matched) / float64(counted)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
