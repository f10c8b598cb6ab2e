package tools

import (
	"context"
	"errors"

	"argus/engine/models"
	"argus/engine/scheduler"
)

// QueueSearches queues search queries for background execution and returns
// immediately with the queued and skipped counts.
//
// Args: task_id (required), queries (non-empty array), options{priority?}.
func (s *Service) QueueSearches(ctx context.Context, args map[string]any) (map[string]any, error) {
	taskID := argString(args, "task_id")
	if taskID == "" {
		return nil, invalidParams("task_id is required", "task_id", "non-empty string")
	}
	queries := argStrings(args, "queries")
	if len(queries) == 0 {
		return nil, invalidParams("queries must not be empty", "queries", "non-empty array of strings")
	}
	options := argMap(args, "options")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, internalErr(err.Error())
	}
	if task == nil {
		return nil, notFound("task " + taskID + " not found")
	}
	if task.Status == models.TaskFailed {
		return nil, policyRejected("cannot queue searches on a failed task")
	}
	wasPaused := task.Status == models.TaskPaused

	priority := priorityValue(options)

	ctx, _ = scheduler.NewTrace(ctx)

	var searchIDs []string
	skipped := 0
	for _, query := range queries {
		input := map[string]any{"query": query}
		res, err := s.sched.Submit(ctx, models.JobSearchQueue, input, priority, taskID, nil)
		if err != nil {
			if errors.Is(err, models.ErrTaskFailed) {
				return nil, policyRejected("cannot queue searches on a failed task")
			}
			return nil, internalErr(err.Error())
		}
		if !res.Accepted {
			skipped++
			continue
		}
		searchIDs = append(searchIDs, res.JobID)
	}

	s.log.InfoCtx(ctx, "searches queued",
		"task_id", taskID, "queued", len(searchIDs), "skipped", skipped)

	return map[string]any{
		"ok":            true,
		"queued_count":  len(searchIDs),
		"skipped_count": skipped,
		"search_ids":    searchIDs,
		"task_resumed":  wasPaused && len(searchIDs) > 0,
	}, nil
}
