package tools

import (
	"context"

	"argus/engine/claims"
	"argus/engine/models"
)

// GetMaterials returns the structured report materials for a task: claims
// bucketed by verification state (with effective confidence), fragments, and
// optionally the evidence graph and citation edges. Report composition stays
// with the caller.
//
// Args: task_id (required), options{include_graph?, include_citations?,
// format?}.
func (s *Service) GetMaterials(ctx context.Context, args map[string]any) (map[string]any, error) {
	taskID := argString(args, "task_id")
	if taskID == "" {
		return nil, invalidParams("task_id is required", "task_id", "non-empty string")
	}
	options := argMap(args, "options")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, internalErr(err.Error())
	}
	if task == nil {
		return nil, notFound("task " + taskID + " not found")
	}

	claimRows, err := s.store.ClaimsForTask(ctx, taskID)
	if err != nil {
		return nil, internalErr(err.Error())
	}

	var verified, unverified, retracted, rejected []map[string]any
	for _, c := range claimRows {
		entry, isRetracted := claimMaterial(c)
		switch {
		case c.IsRejected:
			rejected = append(rejected, entry)
		case isRetracted:
			retracted = append(retracted, entry)
		case c.IsVerified:
			verified = append(verified, entry)
		default:
			unverified = append(unverified, entry)
		}
	}

	fragments, err := s.store.FragmentsForTask(ctx, taskID)
	if err != nil {
		return nil, internalErr(err.Error())
	}
	fragEntries := make([]map[string]any, 0, len(fragments))
	for _, f := range fragments {
		fragEntries = append(fragEntries, map[string]any{
			"id":              f.ID,
			"page_id":         f.PageID,
			"text":            f.TextContent,
			"heading_context": f.HeadingContext,
			"rerank_score":    f.RerankScore,
			"is_relevant":     f.IsRelevant,
		})
	}

	harvestRate, err := s.store.HarvestRate(ctx, taskID)
	if err != nil {
		return nil, internalErr(err.Error())
	}

	out := map[string]any{
		"ok":      true,
		"task_id": taskID,
		"task": map[string]any{
			"hypothesis": task.Hypothesis,
			"status":     string(task.Status),
		},
		"claims": map[string]any{
			"verified":   orEmpty(verified),
			"unverified": orEmpty(unverified),
			"retracted":  orEmpty(retracted),
			"rejected":   orEmpty(rejected),
		},
		"fragments":    fragEntries,
		"harvest_rate": harvestRate,
	}

	if argBool(options, "include_graph", false) || argBool(options, "include_citations", false) {
		edges, err := s.store.EdgesForTask(ctx, taskID)
		if err != nil {
			return nil, internalErr(err.Error())
		}
		var graph, citations []map[string]any
		for _, e := range edges {
			entry := map[string]any{
				"id":          e.ID,
				"source_type": e.SourceType,
				"source_id":   e.SourceID,
				"target_type": e.TargetType,
				"target_id":   e.TargetID,
				"relation":    string(e.Relation),
				"confidence":  e.Confidence,
			}
			if e.Relation == models.RelCites {
				citations = append(citations, entry)
			}
			graph = append(graph, entry)
		}
		if argBool(options, "include_graph", false) {
			out["graph"] = orEmpty(graph)
		}
		if argBool(options, "include_citations", false) {
			out["citations"] = orEmpty(citations)
		}
	}
	return out, nil
}

// claimMaterial renders one claim entry. The effective confidence applies
// the retraction penalty on read; the stored score rides along for audit.
func claimMaterial(c models.Claim) (map[string]any, bool) {
	timeline, err := claims.ParseTimeline(c.TimelineJSON)
	if err != nil {
		timeline, _ = claims.ParseTimeline("")
	}
	entry := map[string]any{
		"id":                   c.ID,
		"text":                 c.ClaimText,
		"claim_type":           string(c.ClaimType),
		"expected_polarity":    string(c.ExpectedPolarity),
		"granularity":          string(c.Granularity),
		"stored_confidence":    c.ConfidenceScore,
		"effective_confidence": timeline.EffectiveConfidence(c.ConfidenceScore),
		"is_verified":          c.IsVerified,
		"confirmation_count":   timeline.ConfirmationCount(),
	}
	if timeline.HasTimeline() {
		entry["timeline"] = timeline.Events()
	}
	return entry, timeline.IsRetracted()
}

func orEmpty(in []map[string]any) []map[string]any {
	if in == nil {
		return []map[string]any{}
	}
	return in
}
