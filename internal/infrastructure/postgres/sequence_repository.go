package postgres

import (
	"context"
)

// SequenceRepository implements identifier.SequenceRepository.
type SequenceRepository struct {
	q querier
}

func NewSequenceRepository(q querier) *SequenceRepository {
	return &SequenceRepository{q: q}
}

// Current returns the counter for namespace and locks it until the
// transaction ends, so concurrent allocators in one namespace queue up.
func (r *SequenceRepository) Current(ctx context.Context, namespace string) (int, error) {
	if _, err := r.q.Exec(ctx, `
		INSERT INTO id_sequences (namespace, value) VALUES ($1, 0)
		ON CONFLICT (namespace) DO NOTHING
	`, namespace); err != nil {
		return 0, translate(err)
	}
	var value int
	if err := r.q.QueryRow(ctx, `SELECT value FROM id_sequences WHERE namespace=$1 FOR UPDATE`, namespace).Scan(&value); err != nil {
		return 0, translate(err)
	}
	return value, nil
}

func (r *SequenceRepository) Advance(ctx context.Context, namespace string, seq int) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO id_sequences (namespace, value) VALUES ($1, $2)
		ON CONFLICT (namespace) DO UPDATE SET value = GREATEST(id_sequences.value, EXCLUDED.value)
	`, namespace, seq)
	return translate(err)
}
