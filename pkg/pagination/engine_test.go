package pagination

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"bookpager/pkg/domain"
	"bookpager/pkg/store"
	"bookpager/pkg/upstream"
)

type fakeFetcher struct {
	books   []domain.Book
	total   int
	batch   int
	sizes   map[int]int
	err     error
	offsets []int
}

func newFakeFetcher(n int) *fakeFetcher {
	books := make([]domain.Book, n)
	for i := range books {
		books[i] = domain.Book{VolumeID: fmt.Sprintf("v%d", i), Title: fmt.Sprintf("Book %d", i)}
	}
	return &fakeFetcher{books: books, total: n, batch: 5}
}

func (f *fakeFetcher) Fetch(_ context.Context, _ domain.QuerySpec, offset int) (upstream.Batch, error) {
	f.offsets = append(f.offsets, offset)
	if f.err != nil {
		return upstream.Batch{}, f.err
	}
	size := f.batch
	if n, ok := f.sizes[offset]; ok {
		size = n
	}
	end := min(offset+size, len(f.books))
	if offset >= end {
		return upstream.Batch{TotalResults: f.total}, nil
	}
	items := append([]domain.Book(nil), f.books[offset:end]...)
	return upstream.Batch{Items: items, TotalResults: f.total}, nil
}

var dune = domain.QuerySpec{UserInput: "dune", QueryString: "dune"}

func newTestEngine(t *testing.T, fetcher upstream.Fetcher) (*Engine, *store.MemoryStore) {
	t.Helper()
	results := store.NewMemoryStore()
	engine, err := New(results, fetcher, 5)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, results
}

func orders(items []domain.Book) []int {
	out := make([]int, len(items))
	for i, item := range items {
		out[i] = item.Order
	}
	return out
}

func assertWindow(t *testing.T, page Page, want ...int) {
	t.Helper()
	got := orders(page.Items)
	if len(want) == 0 {
		want = []int{}
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("window orders = %v, want %v", got, want)
	}
}

func assertCursor(t *testing.T, results store.ResultStore, key domain.QueryKey, start, total, stored int) {
	t.Helper()
	ctx := context.Background()
	c, err := results.GetCursor(ctx, key)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if c.StartIndex != start || c.TotalResults != total || c.ResultsStored != stored || c.PageSize != 5 {
		t.Fatalf("cursor = %+v, want start=%d total=%d stored=%d", c, start, total, stored)
	}
	if n, err := results.CountCursors(ctx, key); err != nil || n != 1 {
		t.Fatalf("cursor rows = %d, %v; want 1", n, err)
	}
}

func TestEngineWalksTwelveResults(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(12)
	engine, results := newTestEngine(t, fetcher)

	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Status != StatusOK || page.Key.QueryID != "query-1" {
		t.Fatalf("unexpected search page %+v", page)
	}
	assertWindow(t, page, 0, 1, 2, 3, 4)
	assertCursor(t, results, page.Key, 0, 12, 5)
	key := page.Key

	page, err = engine.More(ctx, key)
	if err != nil {
		t.Fatalf("more: %v", err)
	}
	if page.Status != StatusOK {
		t.Fatalf("expected ok, got %s", page.Status)
	}
	assertWindow(t, page, 5, 6, 7, 8, 9)
	assertCursor(t, results, key, 5, 12, 10)

	page, err = engine.More(ctx, key)
	if err != nil {
		t.Fatalf("more: %v", err)
	}
	assertWindow(t, page, 10, 11)
	assertCursor(t, results, key, 10, 12, 12)

	page, err = engine.More(ctx, key)
	if err != nil {
		t.Fatalf("more: %v", err)
	}
	if page.Status != StatusNoMoreResults {
		t.Fatalf("expected no more results, got %s", page.Status)
	}
	assertWindow(t, page, 10, 11)
	assertCursor(t, results, key, 10, 12, 12)

	if !reflect.DeepEqual(fetcher.offsets, []int{0, 5, 10}) {
		t.Fatalf("fetch offsets = %v", fetcher.offsets)
	}
}

func TestEnginePreviousAtFirstPage(t *testing.T) {
	ctx := context.Background()
	engine, results := newTestEngine(t, newFakeFetcher(12))
	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	page, err = engine.Previous(ctx, page.Key)
	if err != nil {
		t.Fatalf("previous: %v", err)
	}
	if page.Status != StatusFirstPage {
		t.Fatalf("expected first page, got %s", page.Status)
	}
	if page.Cursor.StartIndex != 0 {
		t.Fatalf("expected clamped start 0, got %d", page.Cursor.StartIndex)
	}
	assertWindow(t, page, 0, 1, 2, 3, 4)
	assertCursor(t, results, page.Key, 0, 12, 5)
}

func TestEnginePreviousReusesCachedWindow(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(12)
	engine, results := newTestEngine(t, fetcher)
	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	key := page.Key
	if _, err := engine.More(ctx, key); err != nil {
		t.Fatalf("more: %v", err)
	}

	page, err = engine.Previous(ctx, key)
	if err != nil {
		t.Fatalf("previous: %v", err)
	}
	if page.Status != StatusOK {
		t.Fatalf("expected ok, got %s", page.Status)
	}
	assertWindow(t, page, 0, 1, 2, 3, 4)
	assertCursor(t, results, key, 0, 12, 10)

	page, err = engine.More(ctx, key)
	if err != nil {
		t.Fatalf("more: %v", err)
	}
	assertWindow(t, page, 5, 6, 7, 8, 9)
	assertCursor(t, results, key, 5, 12, 10)
	if len(fetcher.offsets) != 2 {
		t.Fatalf("expected cached window to skip fetch, offsets = %v", fetcher.offsets)
	}
}

func TestEngineMoreServesTailFromCache(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(7)
	fetcher.batch = 10
	engine, results := newTestEngine(t, fetcher)
	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	page, err = engine.More(ctx, page.Key)
	if err != nil {
		t.Fatalf("more: %v", err)
	}
	assertWindow(t, page, 5, 6)
	assertCursor(t, results, page.Key, 5, 7, 7)
	if len(fetcher.offsets) != 1 {
		t.Fatalf("expected no refetch once every result is stored, offsets = %v", fetcher.offsets)
	}
}

func TestEngineMoreUnderfilledPage(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(12)
	fetcher.sizes = map[int]int{5: 2}
	engine, results := newTestEngine(t, fetcher)
	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	key := page.Key

	page, err = engine.More(ctx, key)
	if err != nil {
		t.Fatalf("more: %v", err)
	}
	if page.Status != StatusOK {
		t.Fatalf("expected ok, got %s", page.Status)
	}
	assertWindow(t, page, 5, 6)
	assertCursor(t, results, key, 5, 12, 7)

	page, err = engine.More(ctx, key)
	if err != nil {
		t.Fatalf("more: %v", err)
	}
	assertWindow(t, page, 10, 11)
	assertCursor(t, results, key, 10, 12, 12)
	if !reflect.DeepEqual(fetcher.offsets, []int{0, 5, 10}) {
		t.Fatalf("fetch offsets = %v", fetcher.offsets)
	}
}

func TestEngineMoreEmptyBatchLeavesCursor(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(12)
	fetcher.sizes = map[int]int{5: 0}
	engine, results := newTestEngine(t, fetcher)
	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	page, err = engine.More(ctx, page.Key)
	if err != nil {
		t.Fatalf("more: %v", err)
	}
	if page.Status != StatusNoMoreResults {
		t.Fatalf("expected no more results, got %s", page.Status)
	}
	assertWindow(t, page, 0, 1, 2, 3, 4)
	assertCursor(t, results, page.Key, 0, 12, 5)
}

func TestEngineSearchNoResults(t *testing.T) {
	ctx := context.Background()
	engine, results := newTestEngine(t, newFakeFetcher(0))

	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Status != StatusNoResults {
		t.Fatalf("expected no results, got %s", page.Status)
	}
	if page.Key.QueryID != "" {
		t.Fatalf("expected no query id, got %q", page.Key.QueryID)
	}
	if n, err := results.CountQueries(ctx, "sess"); err != nil || n != 0 {
		t.Fatalf("count = %d, %v; want 0", n, err)
	}
}

func TestEngineSearchRejectsEmptyInput(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeFetcher(3))
	if _, err := engine.Search(context.Background(), "sess", domain.QuerySpec{}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestEngineQueryIDsIncrease(t *testing.T) {
	ctx := context.Background()
	engine, results := newTestEngine(t, newFakeFetcher(12))

	var last domain.QueryKey
	for want := 1; want <= 3; want++ {
		page, err := engine.Search(ctx, "sess", dune)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if page.Key.QueryID != domain.NewQueryID(want) {
			t.Fatalf("query id = %q, want %q", page.Key.QueryID, domain.NewQueryID(want))
		}
		last = page.Key
	}
	if _, err := engine.More(ctx, last); err != nil {
		t.Fatalf("more: %v", err)
	}
	if _, err := engine.Previous(ctx, last); err != nil {
		t.Fatalf("previous: %v", err)
	}
	if _, err := engine.Results(ctx, last); err != nil {
		t.Fatalf("results: %v", err)
	}
	if _, err := engine.Describe(ctx, last, 0); err != nil {
		t.Fatalf("describe: %v", err)
	}
	if n, err := results.CountQueries(ctx, "sess"); err != nil || n != 3 {
		t.Fatalf("count = %d, %v; want 3", n, err)
	}
}

func TestEngineResultsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeFetcher(12))
	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if _, err := engine.More(ctx, page.Key); err != nil {
		t.Fatalf("more: %v", err)
	}

	first, err := engine.Results(ctx, page.Key)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	second, err := engine.Results(ctx, page.Key)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ:\n%+v\n%+v", first, second)
	}
	assertWindow(t, first, 5, 6, 7, 8, 9)
}

func TestEngineDescribe(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeFetcher(12))
	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	key := page.Key

	page, err = engine.Describe(ctx, key, 2)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if page.Item == nil || page.Item.Order != 2 || page.Item.Title != "Book 2" {
		t.Fatalf("unexpected item %+v", page.Item)
	}

	for _, ordinal := range []int{-1, 5, 40} {
		if _, err := engine.Describe(ctx, key, ordinal); !errors.Is(err, ErrNotFound) {
			t.Fatalf("describe %d: expected ErrNotFound, got %v", ordinal, err)
		}
	}

	if _, err := engine.More(ctx, key); err != nil {
		t.Fatalf("more: %v", err)
	}
	page, err = engine.Describe(ctx, key, 1)
	if err != nil {
		t.Fatalf("describe after more: %v", err)
	}
	if page.Item.Order != 6 {
		t.Fatalf("expected order relative to window, got %d", page.Item.Order)
	}
}

func TestEngineMissingQuery(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeFetcher(12))
	key := domain.QueryKey{SessionID: "sess", QueryID: "query-9"}
	if _, err := engine.More(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("more: expected ErrNotFound, got %v", err)
	}
	if _, err := engine.Results(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("results: expected ErrNotFound, got %v", err)
	}
}

func TestEngineUpstreamErrors(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(12)
	engine, results := newTestEngine(t, fetcher)
	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	fetcher.err = errors.New("connection reset")
	if _, err := engine.More(ctx, page.Key); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	assertCursor(t, results, page.Key, 0, 12, 5)

	if _, err := engine.Search(ctx, "sess", dune); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream from search, got %v", err)
	}
	if n, _ := results.CountQueries(ctx, "sess"); n != 1 {
		t.Fatalf("failed search must not allocate a query, count = %d", n)
	}
}

type failingCursorStore struct {
	*store.MemoryStore
}

func (failingCursorStore) PutCursor(context.Context, domain.QueryKey, domain.Cursor) error {
	return errors.New("disk full")
}

func TestEngineStorageErrors(t *testing.T) {
	ctx := context.Background()
	results := failingCursorStore{MemoryStore: store.NewMemoryStore()}
	engine, err := New(results, newFakeFetcher(12), 5)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	page, err := engine.Search(ctx, "sess", dune)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	_, err = engine.More(ctx, page.Key)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("storage failure must not read as not found: %v", err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(nil, newFakeFetcher(1), 5); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := New(store.NewMemoryStore(), nil, 5); err == nil {
		t.Fatalf("expected error for nil fetcher")
	}
	engine, err := New(store.NewMemoryStore(), newFakeFetcher(1), 0)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if engine.PageSize() != DefaultPageSize {
		t.Fatalf("expected default page size, got %d", engine.PageSize())
	}
}

// purgeOnWriteStore drops the query right before the first result or
// cursor write after it is armed, like a sweep landing mid-transition.
type purgeOnWriteStore struct {
	*store.MemoryStore
	armed bool
}

func (s *purgeOnWriteStore) purge(ctx context.Context, key domain.QueryKey) {
	if s.armed {
		s.armed = false
		_ = s.MemoryStore.DeleteAll(ctx, key)
	}
}

func (s *purgeOnWriteStore) PutResults(ctx context.Context, key domain.QueryKey, start int, items []domain.Book) error {
	s.purge(ctx, key)
	return s.MemoryStore.PutResults(ctx, key, start, items)
}

func (s *purgeOnWriteStore) PutCursor(ctx context.Context, key domain.QueryKey, cursor domain.Cursor) error {
	s.purge(ctx, key)
	return s.MemoryStore.PutCursor(ctx, key, cursor)
}

func TestEngineDropsQueryPurgedMidTransition(t *testing.T) {
	ctx := context.Background()
	more := func(e *Engine, key domain.QueryKey) (Page, error) { return e.More(ctx, key) }
	previous := func(e *Engine, key domain.QueryKey) (Page, error) { return e.Previous(ctx, key) }
	cases := []struct {
		name  string
		setup []func(*Engine, domain.QueryKey) (Page, error)
		step  func(*Engine, domain.QueryKey) (Page, error)
	}{
		{name: "more fetch", step: more},
		{name: "more cached", setup: []func(*Engine, domain.QueryKey) (Page, error){more, previous}, step: more},
		{name: "previous", setup: []func(*Engine, domain.QueryKey) (Page, error){more}, step: previous},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results := &purgeOnWriteStore{MemoryStore: store.NewMemoryStore()}
			engine, err := New(results, newFakeFetcher(12), 5)
			if err != nil {
				t.Fatalf("new engine: %v", err)
			}
			page, err := engine.Search(ctx, "sess", dune)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			key := page.Key
			for _, setup := range tc.setup {
				if _, err := setup(engine, key); err != nil {
					t.Fatalf("setup: %v", err)
				}
			}

			results.armed = true
			if _, err := tc.step(engine, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if n, err := results.CountCursors(ctx, key); err != nil || n != 0 {
				t.Fatalf("orphaned cursor left behind: %d, %v", n, err)
			}
			items, err := results.ListItems(ctx, key, 0, 20)
			if err != nil || len(items) != 0 {
				t.Fatalf("orphaned items left behind: %v, %v", items, err)
			}
		})
	}
}
