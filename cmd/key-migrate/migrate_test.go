package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/apikeys/internal/domain/apikey"
	"github.com/xenking/apikeys/internal/domain/scope"
	"github.com/xenking/apikeys/internal/storage/memory"
)

func writeExport(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return path
}

func v1Line(t *testing.T, prefix string) string {
	return `{"id":"` + apikey.Concatenate(prefix, hashOf(t, prefix+".secret")) + `","name":"` + prefix + `","created":"2024-01-01T00:00:00Z"}`
}

func v2Line(t *testing.T, prefix string, scopes ...string) string {
	quoted := make([]string, len(scopes))
	for i, s := range scopes {
		quoted[i] = `"` + s + `"`
	}
	return `{"prefix":"` + prefix + `","hashed_key":"` + hashOf(t, prefix+".secret") + `","name":"` + prefix +
		`","scopes":[` + strings.Join(quoted, ",") + `]}`
}

type mockSyncer struct {
	synced []scope.Scope
	err    error
}

func (m *mockSyncer) Sync(_ context.Context, scopes []scope.Scope) (int64, error) {
	m.synced = append(m.synced, scopes...)
	return int64(len(scopes)), m.err
}

type scopedStore struct {
	*memory.Store
	known map[string]bool
}

func (s *scopedStore) Create(ctx context.Context, k *apikey.Key) error {
	for _, label := range k.ScopeLabels() {
		if !s.known[label] {
			return errors.Wrapf(scope.ErrUnknownScope, "grant %s", label)
		}
	}
	return s.Store.Create(ctx, k)
}

func TestMigration_Run(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeExport(t, dir, "a.jsonl.gz",
			v1Line(t, "AAAAAAAA"),
			v2Line(t, "BBBBBBBB", "billing.invoice.read"),
			v1Line(t, "DDDDDDDD"),
			"",
			`{"id":"broken"}`,
		),
		writeExport(t, dir, "b.jsonl.gz",
			v2Line(t, "CCCCCCCC", "billing.invoice.read"),
			v1Line(t, "DDDDDDDD"),
			v1Line(t, "EEEEEEEE"),
			v1Line(t, "EEEEEEEE"),
			v2Line(t, "FFFFFFFF", "other.thing.read"),
		),
	}

	store := &scopedStore{Store: memory.New(), known: map[string]bool{"billing.invoice.read": true}}
	existing, err := normalize(record{Prefix: "CCCCCCCC", HashedKey: hashOf(t, "CCCCCCCC.secret"), Name: "existing"}, testHashers(t))
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), existing))

	syncer := &mockSyncer{}
	m := &migration{files: files, hashers: testHashers(t), capacity: 1000}
	st, err := m.run(context.Background(), store, syncer, false)
	require.NoError(t, err)

	assert.Equal(t, uint64(8), st.Records)
	assert.Equal(t, uint64(1), st.Invalid)
	assert.Equal(t, uint64(4), st.Duplicates, "both DDDDDDDD and both EEEEEEEE")
	assert.Equal(t, uint64(1), st.Existing)
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Equal(t, uint64(2), st.Written)

	for _, prefix := range []string{"AAAAAAAA", "BBBBBBBB"} {
		k, err := store.GetByPrefix(context.Background(), prefix)
		require.NoError(t, err, prefix)
		assert.Equal(t, apikey.Concatenate(prefix, k.HashedKey), k.ID)
	}
	for _, prefix := range []string{"DDDDDDDD", "EEEEEEEE", "FFFFFFFF"} {
		_, err := store.GetByPrefix(context.Background(), prefix)
		assert.ErrorIs(t, err, apikey.ErrNotFound, prefix)
	}
	assert.ElementsMatch(t, []string{"billing.invoice.read", "other.thing.read"}, scope.Labels(syncer.synced))
}

func TestMigration_MigratedKeyVerifies(t *testing.T) {
	dir := t.TempDir()
	m := &migration{
		files:    []string{writeExport(t, dir, "a.jsonl.gz", v1Line(t, "AAAAAAAA"))},
		hashers:  testHashers(t),
		capacity: 100,
	}
	store := memory.New()
	_, err := m.run(context.Background(), store, nil, false)
	require.NoError(t, err)

	verifier, err := apikey.NewVerifier(store, m.hashers)
	require.NoError(t, err)
	valid, err := verifier.IsValid(context.Background(), "AAAAAAAA.secret")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestMigration_DryRun(t *testing.T) {
	dir := t.TempDir()
	m := &migration{
		files: []string{
			writeExport(t, dir, "a.jsonl.gz", v1Line(t, "AAAAAAAA"), v1Line(t, "BBBBBBBB")),
			writeExport(t, dir, "b.jsonl.gz", v1Line(t, "AAAAAAAA")),
		},
		hashers:  testHashers(t),
		capacity: 100,
	}
	st, err := m.run(context.Background(), nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Records)
	assert.Equal(t, uint64(2), st.Duplicates)
	assert.Zero(t, st.Written)
}

func TestMigration_StoreFailureAborts(t *testing.T) {
	dir := t.TempDir()
	m := &migration{
		files:    []string{writeExport(t, dir, "a.jsonl.gz", v1Line(t, "AAAAAAAA"))},
		hashers:  testHashers(t),
		capacity: 100,
	}
	_, err := m.run(context.Background(), failingCreator{}, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create AAAAAAAA")
}

type failingCreator struct{}

func (failingCreator) Create(context.Context, *apikey.Key) error {
	return &apikey.StorageError{Op: "create", Err: errors.New("connection reset")}
}

func TestStreamGzFile_NotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.jsonl.gz")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	err := streamGzFile(context.Background(), path, func([]byte, int) error { return nil })
	assert.Error(t, err)
}
