package tools

import (
	"context"
)

// CalibrationMetrics serves calibration read operations.
//
// Args: action in {get_stats, get_evaluations}, source?.
func (s *Service) CalibrationMetrics(ctx context.Context, args map[string]any) (map[string]any, error) {
	action := argString(args, "action")
	if action == "" {
		return nil, invalidParams("action is required", "action", "one of: get_stats, get_evaluations")
	}
	source := argString(args, "source")
	if source == "" {
		source = "nli_judge"
	}
	switch action {
	case "get_stats":
		active, err := s.store.ActiveCalibration(ctx, source)
		if err != nil {
			return nil, internalErr(err.Error())
		}
		out := map[string]any{"ok": true, "source": source, "has_params": active != nil}
		if active != nil {
			out["version"] = active.Version
			out["method"] = active.Method
			if active.BrierAfter != nil {
				out["brier_after"] = *active.BrierAfter
			}
		}
		return out, nil
	case "get_evaluations":
		versions, err := s.store.ListCalibration(ctx, source)
		if err != nil {
			return nil, internalErr(err.Error())
		}
		entries := make([]map[string]any, 0, len(versions))
		for _, v := range versions {
			entry := map[string]any{
				"version": v.Version,
				"method":  v.Method,
				"active":  v.Active,
			}
			if v.BrierAfter != nil {
				entry["brier_after"] = *v.BrierAfter
			}
			entries = append(entries, entry)
		}
		return map[string]any{"ok": true, "source": source, "evaluations": entries}, nil
	default:
		return nil, invalidParams("unknown action "+action, "action", "one of: get_stats, get_evaluations")
	}
}

// CalibrationRollback reverts a source's calibration parameters to an
// earlier version. Destructive, hence a separate tool.
//
// Args: source (required), version? (default: previous), reason?.
func (s *Service) CalibrationRollback(ctx context.Context, args map[string]any) (map[string]any, error) {
	source := argString(args, "source")
	if source == "" {
		return nil, invalidParams("source is required", "source", "non-empty string (e.g. 'llm_extract', 'nli_judge')")
	}
	reason := argString(args, "reason")
	if reason == "" {
		reason = "manual rollback"
	}

	current, err := s.store.ActiveCalibration(ctx, source)
	if err != nil {
		return nil, internalErr(err.Error())
	}
	previousVersion := 0
	if current != nil {
		previousVersion = current.Version
	}

	version, ok := argInt(args, "version", 0)
	if !ok || version < 0 {
		return nil, invalidParams("version must be a non-negative integer", "version", "integer >= 1")
	}
	if version == 0 {
		if previousVersion <= 1 {
			return nil, calibrationErr("cannot rollback: no previous version for source '" + source + "'")
		}
		version = previousVersion - 1
	}

	target, err := s.store.ActivateCalibration(ctx, source, version)
	if err != nil {
		return nil, calibrationErr("rollback failed: " + err.Error())
	}

	s.log.WarnCtx(ctx, "calibration rolled back",
		"source", source, "from_version", previousVersion, "to_version", target.Version, "reason", reason)

	out := map[string]any{
		"ok":               true,
		"source":           source,
		"rolled_back_to":   target.Version,
		"previous_version": previousVersion,
		"reason":           reason,
		"method":           target.Method,
	}
	if target.BrierAfter != nil {
		out["brier_after"] = *target.BrierAfter
	}
	return out, nil
}
