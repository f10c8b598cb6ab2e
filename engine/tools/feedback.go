package tools

import (
	"context"

	"argus/engine/models"
)

// Feedback applies human-in-the-loop corrections across three levels:
// domains (block/unblock/clear), claims (reject/restore) and edges
// (relation correction).
//
// Args: action (required) plus the action-specific payload fields.
func (s *Service) Feedback(ctx context.Context, args map[string]any) (map[string]any, error) {
	action := argString(args, "action")
	if action == "" {
		return nil, invalidParams("action is required", "action",
			"one of: domain_block, domain_unblock, domain_clear_override, claim_reject, claim_restore, edge_correct")
	}
	switch action {
	case "domain_block":
		return s.domainOverride(ctx, args, "block")
	case "domain_unblock":
		return s.domainOverride(ctx, args, "allow")
	case "domain_clear_override":
		domain := argString(args, "domain")
		if domain == "" {
			return nil, invalidParams("domain is required", "domain", "non-empty string")
		}
		if err := s.store.ClearDomainOverride(ctx, domain); err != nil {
			return nil, internalErr(err.Error())
		}
		return map[string]any{"ok": true, "action": action, "domain": domain}, nil
	case "claim_reject":
		return s.claimFlag(ctx, args, true)
	case "claim_restore":
		return s.claimFlag(ctx, args, false)
	case "edge_correct":
		return s.edgeCorrect(ctx, args)
	default:
		return nil, invalidParams("unknown action "+action, "action",
			"one of: domain_block, domain_unblock, domain_clear_override, claim_reject, claim_restore, edge_correct")
	}
}

func (s *Service) domainOverride(ctx context.Context, args map[string]any, overrideAction string) (map[string]any, error) {
	domain := argString(args, "domain")
	if domain == "" {
		return nil, invalidParams("domain is required", "domain", "non-empty string")
	}
	reason := argString(args, "reason")
	if err := s.store.SetDomainOverride(ctx, domain, overrideAction, reason); err != nil {
		return nil, internalErr(err.Error())
	}
	return map[string]any{"ok": true, "action": argString(args, "action"), "domain": domain}, nil
}

func (s *Service) claimFlag(ctx context.Context, args map[string]any, rejected bool) (map[string]any, error) {
	claimID := argString(args, "claim_id")
	if claimID == "" {
		return nil, invalidParams("claim_id is required", "claim_id", "non-empty string")
	}
	claim, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, internalErr(err.Error())
	}
	if claim == nil {
		return nil, notFound("claim " + claimID + " not found")
	}
	if err := s.store.SetClaimRejected(ctx, claimID, rejected); err != nil {
		return nil, internalErr(err.Error())
	}
	return map[string]any{"ok": true, "action": argString(args, "action"), "claim_id": claimID, "is_rejected": rejected}, nil
}

func (s *Service) edgeCorrect(ctx context.Context, args map[string]any) (map[string]any, error) {
	edgeID := argString(args, "edge_id")
	if edgeID == "" {
		return nil, invalidParams("edge_id is required", "edge_id", "non-empty string")
	}
	relation := models.EdgeRelation(argString(args, "relation"))
	if !models.ValidRelation(relation) {
		return nil, invalidParams("relation must be one of supports, refutes, cites, extracts",
			"relation", "supports|refutes|cites|extracts")
	}
	confidence, ok := argFloat(args, "confidence", 1.0)
	if !ok || confidence < 0 || confidence > 1 {
		return nil, invalidParams("confidence must be between 0.0 and 1.0", "confidence", "float 0.0-1.0")
	}
	edge, err := s.store.GetEdge(ctx, edgeID)
	if err != nil {
		return nil, internalErr(err.Error())
	}
	if edge == nil {
		return nil, notFound("edge " + edgeID + " not found")
	}
	if err := s.store.UpdateEdge(ctx, edgeID, relation, confidence); err != nil {
		return nil, internalErr(err.Error())
	}
	return map[string]any{
		"ok":                true,
		"action":            "edge_correct",
		"edge_id":           edgeID,
		"previous_relation": string(edge.Relation),
		"relation":          string(relation),
		"confidence":        confidence,
	}, nil
}
