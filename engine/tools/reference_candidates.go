package tools

import (
	"context"
	"regexp"
	"strings"

	"argus/engine/models"
	"argus/engine/scheduler"
	"argus/engine/store"
)

var doiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:https?://)?(?:dx\.)?doi\.org/(10\.\d{4,}/\S+)`),
	regexp.MustCompile(`(?:https?://)?\S*/(10\.\d{4,}/[^/\s]+)`),
}

// ExtractDOI pulls a DOI out of a URL when one is present, lower-cased with
// trailing punctuation stripped. Returns "" when the URL carries no DOI.
func ExtractDOI(url string) string {
	for _, re := range doiPatterns {
		if m := re.FindStringSubmatch(url); m != nil {
			return strings.ToLower(strings.TrimRight(m[1], ".,;:)"))
		}
	}
	return ""
}

// QueueReferenceCandidates enqueues citation-chase targets from the
// reference-candidates view, with include XOR exclude filtering and a DOI
// fast path for academic targets.
//
// Args: task_id (required); include_ids XOR exclude_ids; limit (default 10);
// dry_run (default false); options{priority?}.
func (s *Service) QueueReferenceCandidates(ctx context.Context, args map[string]any) (map[string]any, error) {
	taskID := argString(args, "task_id")
	if taskID == "" {
		return nil, invalidParams("task_id is required", "task_id", "non-empty string")
	}
	includeIDs := argStrings(args, "include_ids")
	excludeIDs := argStrings(args, "exclude_ids")
	if len(includeIDs) > 0 && len(excludeIDs) > 0 {
		return nil, invalidParams("cannot specify both include_ids and exclude_ids",
			"include_ids/exclude_ids", "only one of include_ids or exclude_ids")
	}
	limit, ok := argInt(args, "limit", 10)
	if !ok || limit < 1 {
		return nil, invalidParams("limit must be a positive integer", "limit", "positive integer")
	}
	dryRun := argBool(args, "dry_run", false)
	options := argMap(args, "options")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, internalErr(err.Error())
	}
	if task == nil {
		return nil, notFound("task " + taskID + " not found")
	}
	if task.Status == models.TaskFailed {
		return nil, policyRejected("cannot queue reference candidates on a failed task")
	}

	candidates, err := s.store.ReferenceCandidates(ctx, taskID)
	if err != nil {
		return nil, internalErr(err.Error())
	}

	if len(includeIDs) > 0 {
		include := toSet(includeIDs)
		candidates = filterCandidates(candidates, func(id string) bool { _, ok := include[id]; return ok })
	} else if len(excludeIDs) > 0 {
		exclude := toSet(excludeIDs)
		candidates = filterCandidates(candidates, func(id string) bool { _, ok := exclude[id]; return !ok })
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	summaries := make([]map[string]any, 0, len(candidates))
	for _, c := range candidates {
		entry := map[string]any{
			"citation_edge_id": c.CitationEdgeID,
			"url":              c.CandidateURL,
			"citing_url":       c.CitingPageURL,
			"kind":             "url",
		}
		if doi := ExtractDOI(c.CandidateURL); doi != "" {
			entry["kind"] = "doi"
			entry["doi"] = doi
		}
		summaries = append(summaries, entry)
	}

	if dryRun {
		return map[string]any{
			"ok":            true,
			"queued_count":  0,
			"skipped_count": 0,
			"candidates":    summaries,
			"target_ids":    []string{},
			"dry_run":       true,
		}, nil
	}

	priority := priorityValue(options)
	ctx, _ = scheduler.NewTrace(ctx)

	var targetIDs []string
	skipped := 0
	for _, c := range candidates {
		target := map[string]any{
			"kind":   "url",
			"url":    c.CandidateURL,
			"reason": "citation_chase",
			"context": map[string]any{
				"source_page_id":   c.CitingPageID,
				"citation_context": truncate(c.CitationContext, 500),
			},
		}
		if doi := ExtractDOI(c.CandidateURL); doi != "" {
			target["kind"] = "doi"
			target["doi"] = doi
			delete(target, "url")
			target["original_url"] = c.CandidateURL
		}
		res, err := s.sched.Submit(ctx, models.JobTargetQueue, map[string]any{"target": target}, priority, taskID, nil)
		if err != nil {
			return nil, internalErr(err.Error())
		}
		if !res.Accepted {
			skipped++
			continue
		}
		targetIDs = append(targetIDs, res.JobID)
	}

	s.log.InfoCtx(ctx, "reference candidates queued",
		"task_id", taskID, "queued", len(targetIDs), "skipped", skipped)

	return map[string]any{
		"ok":            true,
		"queued_count":  len(targetIDs),
		"skipped_count": skipped,
		"candidates":    summaries,
		"target_ids":    targetIDs,
		"dry_run":       false,
	}, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func filterCandidates(in []store.ReferenceCandidate, keep func(string) bool) []store.ReferenceCandidate {
	out := in[:0]
	for _, c := range in {
		if keep(c.CitationEdgeID) {
			out = append(out, c)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
