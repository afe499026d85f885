package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/apikeys/internal/domain/scope"
)

const (
	upsertScopeSQL = `INSERT INTO scopes (namespace, resource, code, name) VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, resource, code) DO UPDATE SET name = EXCLUDED.name
		WHERE scopes.name IS DISTINCT FROM EXCLUDED.name`

	getScopeSQL = `SELECT namespace, resource, code, name FROM scopes
		WHERE namespace = $1 AND resource = $2 AND code = $3`

	listScopesSQL = `SELECT namespace, resource, code, name FROM scopes ORDER BY namespace, resource, code`
)

// ScopeRepository persists the declared scopes so key grants can reference them.
type ScopeRepository struct {
	pool *pgxpool.Pool
}

// NewScopeRepository returns a ScopeRepository that uses the given pool.
func NewScopeRepository(pool *pgxpool.Pool) *ScopeRepository {
	return &ScopeRepository{pool: pool}
}

// Sync inserts missing scopes and refreshes changed names. Scopes absent from
// the list are kept so existing grants stay intact. It returns the number of
// rows written.
func (r *ScopeRepository) Sync(ctx context.Context, scopes []scope.Scope) (int64, error) {
	if len(scopes) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, s := range scopes {
		batch.Queue(upsertScopeSQL, s.Namespace, s.Resource, s.Code, s.Name)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	var written int64
	for _, s := range scopes {
		tag, err := br.Exec()
		if err != nil {
			return written, fmt.Errorf("syncing scope %q: %w", s.Label(), err)
		}
		written += tag.RowsAffected()
	}
	return written, br.Close()
}

// GetByLabel returns the stored scope with the given label.
func (r *ScopeRepository) GetByLabel(ctx context.Context, label string) (*scope.Scope, error) {
	ns, res, code, err := scope.ParseLabel(label)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, getScopeSQL, ns, res, code)
	if err != nil {
		return nil, fmt.Errorf("getting scope %q: %w", label, err)
	}
	s, err := pgx.CollectExactlyOneRow(rows, scanScope)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("getting scope %q: %w", label, scope.ErrUnknownScope)
		}
		return nil, fmt.Errorf("getting scope %q: %w", label, err)
	}
	return &s, nil
}

// List returns every stored scope.
func (r *ScopeRepository) List(ctx context.Context) ([]scope.Scope, error) {
	rows, err := r.pool.Query(ctx, listScopesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	return pgx.CollectRows(rows, scanScope)
}

func scanScope(row pgx.CollectableRow) (scope.Scope, error) {
	var s scope.Scope
	err := row.Scan(&s.Namespace, &s.Resource, &s.Code, &s.Name)
	return s, err
}
