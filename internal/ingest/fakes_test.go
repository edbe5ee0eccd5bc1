package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// memStore is an in-memory Store. The target table keeps rows keyed by id
// and staging tables are tracked by name so tests can assert they are gone.
type memStore struct {
	mu sync.Mutex

	schema  Schema
	target  map[int64]Record
	staging map[string][]Record

	created []string
	dropped []string
	merges  []MergeStatement

	schemaErr error
	createErr error
	insertErr error
	rowErrs   func(records []Record) []RowError
	mergeErr  error
	dropErr   error
	onMerge   func(ctx context.Context) error
}

func newMemStore() *memStore {
	return &memStore{
		schema: Schema{Columns: []Column{
			{Name: "id", Type: "bigint"},
			{Name: "name", Type: "text", Nullable: true},
			{Name: "value", Type: "bigint"},
		}},
		target:  map[int64]Record{},
		staging: map[string][]Record{},
	}
}

func (s *memStore) TableSchema(ctx context.Context, table TableRef) (Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemaErr != nil {
		return Schema{}, s.schemaErr
	}
	return s.schema, nil
}

func (s *memStore) CreateStagingTable(ctx context.Context, table TableRef, schema Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.staging[table.Table] = nil
	s.created = append(s.created, table.Table)
	return nil
}

func (s *memStore) BulkInsert(ctx context.Context, table TableRef, columns []string, records []Record) ([]RowError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	if _, ok := s.staging[table.Table]; !ok {
		return nil, fmt.Errorf("insert into %s: %w", table, ErrTableNotFound)
	}
	if s.rowErrs != nil {
		if rejected := s.rowErrs(records); len(rejected) > 0 {
			return rejected, nil
		}
	}
	s.staging[table.Table] = append(s.staging[table.Table], records...)
	return nil, nil
}

func (s *memStore) RunMerge(ctx context.Context, stmt MergeStatement) (MergeResult, error) {
	if s.onMerge != nil {
		if err := s.onMerge(ctx); err != nil {
			return MergeResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges = append(s.merges, stmt)
	if s.mergeErr != nil {
		return MergeResult{}, s.mergeErr
	}
	rows, ok := s.staging[stmt.Staging.Table]
	if !ok {
		return MergeResult{}, fmt.Errorf("merge from %s: %w", stmt.Staging, ErrTableNotFound)
	}

	seen := map[int64]bool{}
	for _, r := range rows {
		if seen[r.ID] {
			return MergeResult{}, ErrDuplicateKeys
		}
		seen[r.ID] = true
	}
	for _, r := range rows {
		s.target[r.ID] = r
	}
	return MergeResult{RowsAffected: int64(len(rows))}, nil
}

func (s *memStore) DropTable(ctx context.Context, table TableRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, table.Table)
	if s.dropErr != nil {
		return s.dropErr
	}
	if _, ok := s.staging[table.Table]; !ok {
		return ErrTableNotFound
	}
	delete(s.staging, table.Table)
	return nil
}

// liveStaging returns the staging tables that still exist.
func (s *memStore) liveStaging() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.staging))
	for n := range s.staging {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// dropCount returns how often each staging table was dropped.
func (s *memStore) dropCount() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, n := range s.dropped {
		counts[n]++
	}
	return counts
}

func (s *memStore) snapshot() map[int64]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]Record, len(s.target))
	for k, v := range s.target {
		out[k] = v
	}
	return out
}

type fakeCreds struct {
	token BearerToken
	err   error
	calls int
}

func (c *fakeCreds) Token(ctx context.Context) (BearerToken, error) {
	c.calls++
	if c.err != nil {
		return BearerToken{}, c.err
	}
	return c.token, nil
}

// memSource serves files of one or more commits from memory.
type memSource struct {
	mu sync.Mutex

	openErr  error
	listErr  error
	fetchErr map[string]error

	// commits maps commit ref to changed path to content.
	commits map[string]map[string][]byte
	order   map[string][]string

	fetched []string
	token   BearerToken
}

func newMemSource() *memSource {
	return &memSource{
		fetchErr: map[string]error{},
		commits:  map[string]map[string][]byte{},
		order:    map[string][]string{},
	}
}

func (s *memSource) add(commit, path, content string) *memSource {
	if s.commits[commit] == nil {
		s.commits[commit] = map[string][]byte{}
	}
	s.commits[commit][path] = []byte(content)
	s.order[commit] = append(s.order[commit], path)
	return s
}

func (s *memSource) Open(ctx context.Context, token BearerToken) (SourceReader, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.token = token
	return s, nil
}

func (s *memSource) ListChangedFiles(ctx context.Context, commitRef string) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	files, ok := s.order[commitRef]
	if !ok {
		return nil, errors.New("unknown commit " + commitRef)
	}
	return append([]string(nil), files...), nil
}

func (s *memSource) FetchFileContent(ctx context.Context, path, commitRef string) ([]byte, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, path)
	s.mu.Unlock()

	if err := s.fetchErr[path]; err != nil {
		return nil, err
	}
	content, ok := s.commits[commitRef][path]
	if !ok {
		return nil, fmt.Errorf("%s not in %s", path, commitRef)
	}
	return content, nil
}

func testTarget() TableRef {
	return TableRef{Project: "analytics", Dataset: "public", Table: "metrics"}
}

func newTestOrchestrator(source *memSource, store *memStore) *Orchestrator {
	return NewOrchestrator(
		Options{Target: testTarget()},
		&fakeCreds{token: BearerToken{Value: "tok"}},
		source,
		store,
	)
}
