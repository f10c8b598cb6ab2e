package store

import (
	"context"
)

// EmbeddingRow pairs a target with its stored vector and display text.
type EmbeddingRow struct {
	TargetType string `db:"target_type"`
	TargetID   string `db:"target_id"`
	ModelID    string `db:"model_id"`
	Vector     []byte `db:"vector"`
	Text       string `db:"text"`
}

// UpsertEmbedding stores one vector for a (target, model) pair.
func (s *Store) UpsertEmbedding(ctx context.Context, targetType, targetID, modelID string, vector []byte) error {
	return s.exec(ctx,
		`INSERT INTO embeddings (target_type, target_id, model_id, vector)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(target_type, target_id, model_id) DO UPDATE SET vector = excluded.vector`,
		targetType, targetID, modelID, vector)
}

// EmbeddingsFor lists stored vectors for a target type and model, optionally
// scoped to one task. Claims scope directly; fragments scope through edges
// to the task's claims.
func (s *Store) EmbeddingsFor(ctx context.Context, targetType, modelID, taskID string) ([]EmbeddingRow, error) {
	var out []EmbeddingRow
	var err error
	switch {
	case taskID != "" && targetType == "claim":
		err = s.db.SelectContext(ctx, &out,
			`SELECT e.target_type, e.target_id, e.model_id, e.vector, c.claim_text AS text
			 FROM embeddings e
			 JOIN claims c ON c.id = e.target_id
			 WHERE e.target_type = 'claim' AND e.model_id = ? AND c.task_id = ?`,
			modelID, taskID)
	case taskID != "" && targetType == "fragment":
		err = s.db.SelectContext(ctx, &out,
			`SELECT e.target_type, e.target_id, e.model_id, e.vector, f.text_content AS text
			 FROM embeddings e
			 JOIN fragments f ON f.id = e.target_id
			 WHERE e.target_type = 'fragment' AND e.model_id = ?
			   AND e.target_id IN (
			       SELECT ed.source_id FROM edges ed
			       JOIN claims c ON ed.target_type = 'claim' AND ed.target_id = c.id
			       WHERE ed.source_type = 'fragment' AND c.task_id = ?
			   )`,
			modelID, taskID)
	case targetType == "claim":
		err = s.db.SelectContext(ctx, &out,
			`SELECT e.target_type, e.target_id, e.model_id, e.vector, c.claim_text AS text
			 FROM embeddings e
			 JOIN claims c ON c.id = e.target_id
			 WHERE e.target_type = 'claim' AND e.model_id = ?`, modelID)
	default:
		err = s.db.SelectContext(ctx, &out,
			`SELECT e.target_type, e.target_id, e.model_id, e.vector, f.text_content AS text
			 FROM embeddings e
			 JOIN fragments f ON f.id = e.target_id
			 WHERE e.target_type = 'fragment' AND e.model_id = ?`, modelID)
	}
	return out, err
}
