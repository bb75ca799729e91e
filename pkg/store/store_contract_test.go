package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bookpager/pkg/domain"
)

func sampleBooks(n int, prefix string) []domain.Book {
	books := make([]domain.Book, 0, n)
	for i := 0; i < n; i++ {
		books = append(books, domain.Book{
			VolumeID: fmt.Sprintf("%s-%d", prefix, i),
			Title:    fmt.Sprintf("%s %d", prefix, i),
			Authors:  []string{"Author " + prefix},
		})
	}
	return books
}

func sampleSnapshot(n, total int) Snapshot {
	return Snapshot{
		Spec:   domain.QuerySpec{UserInput: "dune", QueryString: "dune"},
		Items:  sampleBooks(n, "first"),
		Cursor: domain.Cursor{StartIndex: 0, TotalResults: total, ResultsStored: n, PageSize: 5},
	}
}

// runResultStoreContract exercises behaviour every ResultStore backend must share.
func runResultStoreContract(t *testing.T, newStore func(t *testing.T) ResultStore) {
	ctx := context.Background()

	t.Run("CreateQueryAssignsSequentialIDs", func(t *testing.T) {
		s := newStore(t)
		if n, err := s.CountQueries(ctx, "sess-a"); err != nil || n != 0 {
			t.Fatalf("count before create = %d, %v; want 0", n, err)
		}
		for want := 1; want <= 3; want++ {
			id, err := s.CreateQuery(ctx, "sess-a", sampleSnapshot(5, 12))
			if err != nil {
				t.Fatalf("create query: %v", err)
			}
			if id != domain.NewQueryID(want) {
				t.Fatalf("query id = %q, want %q", id, domain.NewQueryID(want))
			}
		}
		other, err := s.CreateQuery(ctx, "sess-b", sampleSnapshot(1, 1))
		if err != nil {
			t.Fatalf("create query other session: %v", err)
		}
		if other != "query-1" {
			t.Fatalf("other session query id = %q, want query-1", other)
		}
		if n, err := s.CountQueries(ctx, "sess-a"); err != nil || n != 3 {
			t.Fatalf("count = %d, %v; want 3", n, err)
		}
	})

	t.Run("CreateQueryPersistsSnapshot", func(t *testing.T) {
		s := newStore(t)
		id, err := s.CreateQuery(ctx, "sess", sampleSnapshot(5, 12))
		if err != nil {
			t.Fatalf("create query: %v", err)
		}
		key := domain.QueryKey{SessionID: "sess", QueryID: id}
		spec, err := s.GetQuerySpec(ctx, key)
		if err != nil {
			t.Fatalf("get spec: %v", err)
		}
		if spec.QueryString != "dune" {
			t.Fatalf("spec query string = %q", spec.QueryString)
		}
		c, err := s.GetCursor(ctx, key)
		if err != nil {
			t.Fatalf("get cursor: %v", err)
		}
		if c.StartIndex != 0 || c.TotalResults != 12 || c.ResultsStored != 5 || c.PageSize != 5 {
			t.Fatalf("unexpected cursor: %+v", c)
		}
		if c.UpdatedAt.IsZero() {
			t.Fatalf("cursor timestamp not stamped")
		}
		total, err := s.GetCursorField(ctx, key, domain.FieldTotalResults)
		if err != nil || total != 12 {
			t.Fatalf("totalResults field = %d, %v", total, err)
		}
		if _, err := s.GetCursorField(ctx, key, "bogus"); err == nil {
			t.Fatalf("expected error for unknown cursor field")
		}
		items, err := s.ListItems(ctx, key, 0, 10)
		if err != nil {
			t.Fatalf("list items: %v", err)
		}
		if len(items) != 5 {
			t.Fatalf("items = %d, want 5", len(items))
		}
		for i, item := range items {
			if item.Order != i {
				t.Fatalf("item %d has order %d", i, item.Order)
			}
		}
	})

	t.Run("PutResultsAppendsWithoutOverwriting", func(t *testing.T) {
		s := newStore(t)
		key := domain.QueryKey{SessionID: "sess", QueryID: "query-1"}
		if err := s.PutResults(ctx, key, 0, sampleBooks(5, "a")); err != nil {
			t.Fatalf("put first batch: %v", err)
		}
		if err := s.PutResults(ctx, key, 3, sampleBooks(4, "b")); err != nil {
			t.Fatalf("put overlapping batch: %v", err)
		}
		items, err := s.ListItems(ctx, key, 0, 100)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 7 {
			t.Fatalf("items = %d, want 7", len(items))
		}
		if items[3].Title != "a 3" || items[4].Title != "a 4" {
			t.Fatalf("existing orders overwritten: %q %q", items[3].Title, items[4].Title)
		}
		if items[5].Title != "b 2" || items[5].Order != 5 {
			t.Fatalf("unexpected appended item: %+v", items[5])
		}
	})

	t.Run("ListItemsWindow", func(t *testing.T) {
		s := newStore(t)
		key := domain.QueryKey{SessionID: "sess", QueryID: "query-1"}
		if err := s.PutResults(ctx, key, 0, sampleBooks(12, "w")); err != nil {
			t.Fatalf("put: %v", err)
		}
		page, err := s.ListItems(ctx, key, 5, 5)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) != 5 || page[0].Order != 5 || page[4].Order != 9 {
			t.Fatalf("unexpected middle window: %+v", page)
		}
		tail, err := s.ListItems(ctx, key, 10, 5)
		if err != nil {
			t.Fatalf("list tail: %v", err)
		}
		if len(tail) != 2 || tail[0].Order != 10 || tail[1].Order != 11 {
			t.Fatalf("unexpected tail window: %+v", tail)
		}
		none, err := s.ListItems(ctx, key, 20, 5)
		if err != nil || len(none) != 0 {
			t.Fatalf("expected empty window past end, got %d, %v", len(none), err)
		}
	})

	t.Run("GetItemByOrder", func(t *testing.T) {
		s := newStore(t)
		key := domain.QueryKey{SessionID: "sess", QueryID: "query-1"}
		if err := s.PutResults(ctx, key, 0, sampleBooks(3, "g")); err != nil {
			t.Fatalf("put: %v", err)
		}
		book, err := s.GetItemByOrder(ctx, key, 2)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if book.Title != "g 2" || book.Order != 2 {
			t.Fatalf("unexpected item: %+v", book)
		}
		if _, err := s.GetItemByOrder(ctx, key, 3); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetItemByOrder(ctx, domain.QueryKey{SessionID: "other", QueryID: "query-1"}, 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for other session, got %v", err)
		}
	})

	t.Run("PutCursorKeepsSingleRecord", func(t *testing.T) {
		s := newStore(t)
		key := domain.QueryKey{SessionID: "sess", QueryID: "query-1"}
		for i := 0; i < 3; i++ {
			if err := s.PutCursor(ctx, key, domain.Cursor{StartIndex: i * 5, TotalResults: 20, ResultsStored: 15, PageSize: 5}); err != nil {
				t.Fatalf("put cursor: %v", err)
			}
		}
		n, err := s.CountCursors(ctx, key)
		if err != nil || n != 1 {
			t.Fatalf("cursor count = %d, %v; want 1", n, err)
		}
		start, err := s.GetCursorField(ctx, key, domain.FieldStartIndex)
		if err != nil || start != 10 {
			t.Fatalf("startIndex = %d, %v; want 10", start, err)
		}
		if err := s.DeleteCursor(ctx, key); err != nil {
			t.Fatalf("delete cursor: %v", err)
		}
		if _, err := s.GetCursor(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if n, _ := s.CountCursors(ctx, key); n != 0 {
			t.Fatalf("cursor count after delete = %d", n)
		}
	})

	t.Run("MissingRecords", func(t *testing.T) {
		s := newStore(t)
		key := domain.QueryKey{SessionID: "nobody", QueryID: "query-1"}
		if _, err := s.GetQuerySpec(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("spec: expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetCursor(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("cursor: expected ErrNotFound, got %v", err)
		}
		items, err := s.ListItems(ctx, key, 0, 5)
		if err != nil || len(items) != 0 {
			t.Fatalf("items: got %d, %v", len(items), err)
		}
	})

	t.Run("DeleteAllKeepsQueryCounter", func(t *testing.T) {
		s := newStore(t)
		id, err := s.CreateQuery(ctx, "sess", sampleSnapshot(5, 5))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		key := domain.QueryKey{SessionID: "sess", QueryID: id}
		if err := s.DeleteAll(ctx, key); err != nil {
			t.Fatalf("delete all: %v", err)
		}
		if _, err := s.GetQuerySpec(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("spec survived delete: %v", err)
		}
		if _, err := s.GetCursor(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("cursor survived delete: %v", err)
		}
		if items, _ := s.ListItems(ctx, key, 0, 10); len(items) != 0 {
			t.Fatalf("items survived delete: %d", len(items))
		}
		next, err := s.CreateQuery(ctx, "sess", sampleSnapshot(1, 1))
		if err != nil {
			t.Fatalf("create after delete: %v", err)
		}
		if next != "query-2" {
			t.Fatalf("query id after delete = %q, want query-2", next)
		}
	})

	t.Run("DeleteSession", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 2; i++ {
			if _, err := s.CreateQuery(ctx, "gone", sampleSnapshot(2, 2)); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		kept, err := s.CreateQuery(ctx, "kept", sampleSnapshot(2, 2))
		if err != nil {
			t.Fatalf("create kept: %v", err)
		}
		if err := s.DeleteSession(ctx, "gone"); err != nil {
			t.Fatalf("delete session: %v", err)
		}
		if n, _ := s.CountQueries(ctx, "gone"); n != 0 {
			t.Fatalf("query count after session delete = %d", n)
		}
		if _, err := s.GetCursor(ctx, domain.QueryKey{SessionID: "gone", QueryID: "query-1"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("cursor survived session delete: %v", err)
		}
		if _, err := s.GetCursor(ctx, domain.QueryKey{SessionID: "kept", QueryID: kept}); err != nil {
			t.Fatalf("other session affected: %v", err)
		}
	})

	t.Run("PurgeBefore", func(t *testing.T) {
		s := newStore(t)
		id, err := s.CreateQuery(ctx, "sess", sampleSnapshot(2, 2))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		key := domain.QueryKey{SessionID: "sess", QueryID: id}
		n, err := s.PurgeBefore(ctx, time.Now().Add(-time.Hour))
		if err != nil || n != 0 {
			t.Fatalf("purge with old cutoff = %d, %v; want 0", n, err)
		}
		if _, err := s.GetCursor(ctx, key); err != nil {
			t.Fatalf("fresh query purged: %v", err)
		}
		n, err = s.PurgeBefore(ctx, time.Now().Add(time.Hour))
		if err != nil || n != 1 {
			t.Fatalf("purge with future cutoff = %d, %v; want 1", n, err)
		}
		if _, err := s.GetQuerySpec(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("stale query survived purge: %v", err)
		}
	})

	t.Run("SeparatorCharactersStayIsolated", func(t *testing.T) {
		s := newStore(t)
		owner := domain.QueryKey{SessionID: "alice:x", QueryID: "query-1"}
		id, err := s.CreateQuery(ctx, owner.SessionID, Snapshot{
			Spec:   domain.QuerySpec{UserInput: "private", QueryString: "private"},
			Items:  []domain.Book{{Title: "alice private"}},
			Cursor: domain.Cursor{TotalResults: 1, ResultsStored: 1, PageSize: 5},
		})
		if err != nil || id != owner.QueryID {
			t.Fatalf("create = %q, %v", id, err)
		}
		for _, other := range []domain.QueryKey{
			{SessionID: "alice", QueryID: "x:query-1"},
			{SessionID: "alice", QueryID: "x/query-1"},
			{SessionID: "alice:x\nquery-1", QueryID: "query-1"},
		} {
			if _, err := s.GetCursor(ctx, other); !errors.Is(err, ErrNotFound) {
				t.Fatalf("cursor of %v visible through %v: %v", owner, other, err)
			}
			if _, err := s.GetQuerySpec(ctx, other); !errors.Is(err, ErrNotFound) {
				t.Fatalf("spec of %v visible through %v: %v", owner, other, err)
			}
			items, err := s.ListItems(ctx, other, 0, 5)
			if err != nil || len(items) != 0 {
				t.Fatalf("items through %v = %v, %v", other, items, err)
			}
		}
		if n, err := s.CountQueries(ctx, "alice"); err != nil || n != 0 {
			t.Fatalf("count for alice = %d, %v; want 0", n, err)
		}
		if n, err := s.PurgeBefore(ctx, time.Now().Add(time.Hour)); err != nil || n != 1 {
			t.Fatalf("purge = %d, %v; want 1", n, err)
		}
		if _, err := s.GetCursor(ctx, owner); !errors.Is(err, ErrNotFound) {
			t.Fatalf("purge missed escaped key: %v", err)
		}
	})
}
