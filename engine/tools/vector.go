package tools

import (
	"context"
)

// VectorSearch performs semantic similarity search over fragments or claims.
//
// Args: query (required), target in {fragments, claims}, top_k in [1,50],
// min_similarity in [0,1], task_id?.
func (s *Service) VectorSearch(ctx context.Context, args map[string]any) (map[string]any, error) {
	query := argString(args, "query")
	if query == "" {
		return nil, invalidParams("query is required", "query", "non-empty string")
	}
	target := argString(args, "target")
	if target == "" {
		target = "claims"
	}
	if target != "fragments" && target != "claims" {
		return nil, invalidParams("target must be 'fragments' or 'claims'", "target", "'fragments' or 'claims'")
	}
	topK, ok := argInt(args, "top_k", 10)
	if !ok || topK < 1 || topK > 50 {
		return nil, invalidParams("top_k must be between 1 and 50", "top_k", "integer 1-50")
	}
	minSim, ok := argFloat(args, "min_similarity", 0.5)
	if !ok || minSim < 0 || minSim > 1 {
		return nil, invalidParams("min_similarity must be between 0.0 and 1.0", "min_similarity", "float 0.0-1.0")
	}
	taskID := argString(args, "task_id")

	if s.vectors == nil {
		return nil, &Error{Kind: KindTransientExternal, Message: "embedding endpoint not configured"}
	}

	targetType := map[string]string{"fragments": "fragment", "claims": "claim"}[target]
	res, err := s.vectors.Search(ctx, query, targetType, taskID, topK, minSim)
	if err != nil {
		return nil, &Error{Kind: KindTransientExternal, Message: err.Error()}
	}

	hits := make([]map[string]any, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, map[string]any{
			"target_type": h.TargetType,
			"target_id":   h.TargetID,
			"text":        h.Text,
			"similarity":  h.Similarity,
		})
	}
	return map[string]any{
		"ok":             true,
		"results":        hits,
		"total_searched": res.TotalSearched,
	}, nil
}
