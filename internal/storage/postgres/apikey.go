package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/apikeys/internal/domain/apikey"
	"github.com/xenking/apikeys/internal/domain/scope"
)

const (
	selectKeySQL = `SELECT id, prefix, hashed_key, name, created, revoked, expiry_date FROM api_keys`

	getKeyByPrefixSQL = selectKeySQL + ` WHERE prefix = $1`

	getUsableKeysByPrefixSQL = selectKeySQL + ` WHERE prefix = $1 AND NOT revoked`

	listUsableKeysSQL = selectKeySQL + ` WHERE NOT revoked ORDER BY created, prefix`

	insertKeySQL = `INSERT INTO api_keys (id, prefix, hashed_key, name, created, revoked, expiry_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	// The revoked predicate keeps a revoked row from being un-revoked.
	updateKeySQL = `UPDATE api_keys SET name = $2, revoked = $3, expiry_date = $4
		WHERE prefix = $1 AND (NOT revoked OR $3::boolean)
		RETURNING id`

	getRevokedSQL = `SELECT revoked FROM api_keys WHERE prefix = $1`

	updateHashedKeySQL = `UPDATE api_keys SET hashed_key = $3 WHERE id = $1 AND hashed_key = $2`

	deleteKeySQL = `DELETE FROM api_keys WHERE id = $1`

	listKeyScopesSQL = `SELECT ks.api_key_id, s.namespace, s.resource, s.code, s.name
		FROM api_key_scopes ks
		JOIN scopes s USING (namespace, resource, code)
		WHERE ks.api_key_id = ANY($1)
		ORDER BY s.namespace, s.resource, s.code`

	insertKeyScopesSQL = `INSERT INTO api_key_scopes (api_key_id, namespace, resource, code)
		SELECT $1, namespace, resource, code FROM scopes
		WHERE namespace || '.' || resource || '.' || code = ANY($2::text[])`

	deleteKeyScopesSQL = `DELETE FROM api_key_scopes WHERE api_key_id = $1`
)

var _ apikey.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository implements apikey.Repository backed by PostgreSQL.
// Failures other than the repository sentinels are *apikey.StorageError.
type APIKeyRepository struct {
	pool *pgxpool.Pool
}

// NewAPIKeyRepository returns an APIKeyRepository that uses the given pool.
func NewAPIKeyRepository(pool *pgxpool.Pool) *APIKeyRepository {
	return &APIKeyRepository{pool: pool}
}

func storageError(op string, err error) error {
	return &apikey.StorageError{Op: op, Err: err}
}

// Create inserts the record and its scope grants in one transaction.
func (r *APIKeyRepository) Create(ctx context.Context, k *apikey.Key) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertKeySQL,
			k.ID, k.Prefix, k.HashedKey, k.Name, k.Created, k.Revoked, k.ExpiryDate,
		); err != nil {
			return err
		}
		return insertScopes(ctx, tx, k.ID, k.ScopeLabels())
	})
	switch {
	case err == nil:
		return nil
	case pgErrorCode(err) == codeUniqueViolation:
		return apikey.ErrDuplicatePrefix
	case errors.Is(err, scope.ErrUnknownScope):
		return err
	default:
		return storageError("create", err)
	}
}

func (r *APIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*apikey.Key, error) {
	keys, err := r.query(ctx, getKeyByPrefixSQL, prefix)
	if err != nil {
		return nil, storageError("get by prefix", err)
	}
	if len(keys) == 0 {
		return nil, apikey.ErrNotFound
	}
	return &keys[0], nil
}

func (r *APIKeyRepository) GetUsableByPrefix(ctx context.Context, prefix string) ([]apikey.Key, error) {
	keys, err := r.query(ctx, getUsableKeysByPrefixSQL, prefix)
	if err != nil {
		return nil, storageError("get usable by prefix", err)
	}
	return keys, nil
}

func (r *APIKeyRepository) FilterUsable(ctx context.Context) ([]apikey.Key, error) {
	keys, err := r.query(ctx, listUsableKeysSQL)
	if err != nil {
		return nil, storageError("filter usable", err)
	}
	return keys, nil
}

// Update replaces name, revoked flag, expiry and scope grants of the record
// with k.Prefix.
func (r *APIKeyRepository) Update(ctx context.Context, k *apikey.Key) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, updateKeySQL, k.Prefix, k.Name, k.Revoked, k.ExpiryDate).Scan(&id)
		if isNoRows(err) {
			var revoked bool
			if err := tx.QueryRow(ctx, getRevokedSQL, k.Prefix).Scan(&revoked); err != nil {
				if isNoRows(err) {
					return apikey.ErrNotFound
				}
				return err
			}
			return apikey.ErrRevokeIrreversible
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, deleteKeyScopesSQL, id); err != nil {
			return err
		}
		return insertScopes(ctx, tx, id, k.ScopeLabels())
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apikey.ErrNotFound),
		errors.Is(err, apikey.ErrRevokeIrreversible),
		errors.Is(err, scope.ErrUnknownScope):
		return err
	case pgErrorCode(err) == codeCheckViolation:
		return apikey.ErrRevokeIrreversible
	default:
		return storageError("update", err)
	}
}

// UpdateHashedKey swaps the hash only if the stored value still equals oldHash.
func (r *APIKeyRepository) UpdateHashedKey(ctx context.Context, id, oldHash, newHash string) (bool, error) {
	tag, err := r.pool.Exec(ctx, updateHashedKeySQL, id, oldHash, newHash)
	if err != nil {
		return false, storageError("update hashed key", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *APIKeyRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteKeySQL, id)
	if err != nil {
		return storageError("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return apikey.ErrNotFound
	}
	return nil
}

func (r *APIKeyRepository) query(ctx context.Context, sql string, args ...any) ([]apikey.Key, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	keys, err := pgx.CollectRows(rows, scanKey)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return keys, nil
	}
	if err := r.attachScopes(ctx, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *APIKeyRepository) attachScopes(ctx context.Context, keys []apikey.Key) error {
	ids := make([]string, len(keys))
	index := make(map[string]int, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
		index[k.ID] = i
	}

	rows, err := r.pool.Query(ctx, listKeyScopesSQL, ids)
	if err != nil {
		return err
	}
	var (
		id string
		s  scope.Scope
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &s.Namespace, &s.Resource, &s.Code, &s.Name}, func() error {
		i := index[id]
		keys[i].Scopes = append(keys[i].Scopes, s)
		return nil
	})
	return err
}

func insertScopes(ctx context.Context, tx pgx.Tx, id string, labels []string) error {
	labels = unique(labels)
	if len(labels) == 0 {
		return nil
	}
	tag, err := tx.Exec(ctx, insertKeyScopesSQL, id, labels)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(labels)) {
		return errors.Wrapf(scope.ErrUnknownScope, "grant %v", labels)
	}
	return nil
}

func unique(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := labels[:0:0]
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func scanKey(row pgx.CollectableRow) (apikey.Key, error) {
	var (
		k      apikey.Key
		expiry *time.Time
	)
	err := row.Scan(&k.ID, &k.Prefix, &k.HashedKey, &k.Name, &k.Created, &k.Revoked, &expiry)
	if err != nil {
		return apikey.Key{}, err
	}
	if expiry != nil {
		utc := expiry.UTC()
		k.ExpiryDate = &utc
	}
	k.Created = k.Created.UTC()
	return k, nil
}
