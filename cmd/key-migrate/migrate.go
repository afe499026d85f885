package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/apikeys/internal/domain/apikey"
	"github.com/xenking/apikeys/internal/domain/scope"
)

const (
	bloomFPR      = 0.001
	progressEvery = 100_000
	maxLineBytes  = 1 << 20
)

// keyCreator stores migrated keys.
type keyCreator interface {
	Create(ctx context.Context, k *apikey.Key) error
}

// scopeSyncer persists the scopes referenced by migrated keys.
type scopeSyncer interface {
	Sync(ctx context.Context, scopes []scope.Scope) (int64, error)
}

// fileScan is the pass 1 result for one export file.
type fileScan struct {
	filter *bloom.BloomFilter
	// repeated holds prefixes the filter already reported while scanning this
	// file. They may be duplicates inside the file or false positives.
	repeated map[string]struct{}
	scopes   map[string]scope.Scope
	records  uint64
	invalid  uint64
}

// stats summarizes a migration run.
type stats struct {
	Records    uint64
	Invalid    uint64
	Duplicates uint64
	Existing   uint64
	Rejected   uint64
	Written    uint64
}

type migration struct {
	files    []string
	hashers  *apikey.Hashers
	capacity uint
}

// streamGzFile calls fn for every non-empty line of a gzip-compressed file.
func streamGzFile(ctx context.Context, path string, fn func(line []byte, lineNo int) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(scanner.Bytes(), lineNo); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// eachKey streams the normalized keys of path. Records that cannot be
// normalized are reported through invalid and skipped.
func (m *migration) eachKey(ctx context.Context, path string, fn func(k *apikey.Key, lineNo int) error, invalid func(err error, lineNo int)) error {
	return streamGzFile(ctx, path, func(line []byte, lineNo int) error {
		r, err := decodeRecord(line)
		if err != nil {
			invalid(err, lineNo)
			return nil
		}
		k, err := normalize(r, m.hashers)
		if err != nil {
			invalid(err, lineNo)
			return nil
		}
		return fn(k, lineNo)
	})
}

// scan builds one bloom filter of prefixes per file, concurrently.
func (m *migration) scan(ctx context.Context) ([]*fileScan, error) {
	scans := make([]*fileScan, len(m.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range m.files {
		g.Go(func() error {
			s := &fileScan{
				filter:   bloom.NewWithEstimates(m.capacity, bloomFPR),
				repeated: make(map[string]struct{}),
				scopes:   make(map[string]scope.Scope),
			}
			err := m.eachKey(ctx, path, func(k *apikey.Key, _ int) error {
				s.records++
				if s.filter.TestOrAddString(k.Prefix) {
					s.repeated[k.Prefix] = struct{}{}
				}
				for _, sc := range k.Scopes {
					s.scopes[sc.Label()] = sc
				}
				if s.records%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("records", s.records))
				}
				return nil
			}, func(err error, lineNo int) {
				s.invalid++
				slog.Warn("skipping invalid record",
					slog.String("file", path),
					slog.Int("line", lineNo),
					slog.String("error", err.Error()),
				)
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}

			slog.Info("pass 1 complete",
				slog.String("file", path),
				slog.Uint64("records", s.records),
				slog.Int("repeated", len(s.repeated)),
			)
			scans[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scans, nil
}

// duplicates re-streams every file and counts the exact occurrences of each
// candidate prefix. A prefix is a candidate in a file when it repeated there
// or another file's filter reports it. Prefixes seen twice or more are
// returned.
func (m *migration) duplicates(ctx context.Context, scans []*fileScan) (map[string]int, error) {
	counts := make([]map[string]int, len(m.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range m.files {
		g.Go(func() error {
			local := make(map[string]int)
			err := m.eachKey(ctx, path, func(k *apikey.Key, _ int) error {
				if isCandidate(k.Prefix, i, scans) {
					local[k.Prefix]++
				}
				return nil
			}, func(error, int) {})
			if err != nil {
				return errors.Wrapf(err, "count candidates in %s", path)
			}
			counts[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]int)
	for _, local := range counts {
		for prefix, n := range local {
			merged[prefix] += n
		}
	}
	for prefix, n := range merged {
		if n < 2 {
			delete(merged, prefix)
		}
	}
	return merged, nil
}

func isCandidate(prefix string, idx int, scans []*fileScan) bool {
	if _, ok := scans[idx].repeated[prefix]; ok {
		return true
	}
	for j, s := range scans {
		if j != idx && s.filter.TestString(prefix) {
			return true
		}
	}
	return false
}

// syncScopes persists every scope referenced by the exports.
func syncScopes(ctx context.Context, syncer scopeSyncer, scans []*fileScan) error {
	all := make(map[string]scope.Scope)
	for _, s := range scans {
		for label, sc := range s.scopes {
			all[label] = sc
		}
	}
	if len(all) == 0 {
		return nil
	}
	scopes := make([]scope.Scope, 0, len(all))
	for _, sc := range all {
		scopes = append(scopes, sc)
	}
	created, err := syncer.Sync(ctx, scopes)
	if err != nil {
		return errors.Wrap(err, "sync scopes")
	}
	slog.Info("scopes synced", slog.Int("referenced", len(scopes)), slog.Int64("created", created))
	return nil
}

// write stores every key whose prefix is not duplicated. Keys already
// present in the store and keys granting unknown scopes are skipped.
func (m *migration) write(ctx context.Context, store keyCreator, dups map[string]int, st *stats) error {
	for _, path := range m.files {
		err := m.eachKey(ctx, path, func(k *apikey.Key, lineNo int) error {
			if n, ok := dups[k.Prefix]; ok {
				st.Duplicates++
				slog.Warn("skipping duplicate prefix",
					slog.String("file", path),
					slog.Int("line", lineNo),
					slog.String("prefix", k.Prefix),
					slog.Int("occurrences", n),
				)
				return nil
			}

			err := store.Create(ctx, k)
			switch {
			case err == nil:
				st.Written++
			case errors.Is(err, apikey.ErrDuplicatePrefix):
				st.Existing++
			case errors.Is(err, scope.ErrUnknownScope):
				st.Rejected++
				slog.Warn("skipping key with unknown scopes",
					slog.String("prefix", k.Prefix),
					slog.Any("scopes", k.ScopeLabels()),
				)
			default:
				return errors.Wrapf(err, "create %s", k.Prefix)
			}
			if st.Written > 0 && st.Written%progressEvery == 0 {
				slog.Info("write progress", slog.Uint64("written", st.Written))
			}
			return nil
		}, func(error, int) {})
		if err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
	}
	return nil
}

// run executes all passes. syncer may be nil to leave scopes untouched.
func (m *migration) run(ctx context.Context, store keyCreator, syncer scopeSyncer, dryRun bool) (*stats, error) {
	slog.Info("pass 1: building prefix filters", slog.Int("files", len(m.files)))
	scans, err := m.scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "scan exports")
	}

	st := &stats{}
	for _, s := range scans {
		st.Records += s.records
		st.Invalid += s.invalid
	}

	slog.Info("pass 2: counting candidate duplicates")
	dups, err := m.duplicates(ctx, scans)
	if err != nil {
		return nil, errors.Wrap(err, "find duplicates")
	}
	slog.Info("duplicate prefixes found", slog.Int("count", len(dups)))

	if dryRun {
		for _, n := range dups {
			st.Duplicates += uint64(n)
		}
		return st, nil
	}

	if syncer != nil {
		if err := syncScopes(ctx, syncer, scans); err != nil {
			return nil, err
		}
	}

	slog.Info("pass 3: writing keys")
	if err := m.write(ctx, store, dups, st); err != nil {
		return nil, err
	}
	return st, nil
}
