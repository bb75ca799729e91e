// Package pagination walks a stored result window over an offset-based
// upstream search, fetching more batches only when the cache runs short.
package pagination

import (
	"context"
	"errors"
	"fmt"

	"bookpager/pkg/bookquery"
	"bookpager/pkg/domain"
	"bookpager/pkg/store"
	"bookpager/pkg/upstream"
)

const DefaultPageSize = 5

var (
	ErrEmptyInput = bookquery.ErrEmptyInput
	ErrUpstream   = upstream.ErrUpstream
	ErrNotFound   = store.ErrNotFound
	ErrStorage    = errors.New("storage failure")
)

type Status string

const (
	StatusOK            Status = "ok"
	StatusNoResults     Status = "no_results"
	StatusNoMoreResults Status = "no_more_results"
	StatusFirstPage     Status = "first_page"
)

// Page is the outcome of one transition. Items holds the rendered window;
// Item is set only by Describe.
type Page struct {
	Key    domain.QueryKey
	Status Status
	Items  []domain.Book
	Item   *domain.Book
	Cursor domain.Cursor
}

// Engine is the pagination state machine. It holds no per-query state of
// its own; callers serialize transitions on the same query key.
type Engine struct {
	store    store.ResultStore
	fetcher  upstream.Fetcher
	pageSize int
}

// New constructs an engine. A non-positive pageSize falls back to
// DefaultPageSize.
func New(results store.ResultStore, fetcher upstream.Fetcher, pageSize int) (*Engine, error) {
	if results == nil {
		return nil, errors.New("result store required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Engine{store: results, fetcher: fetcher, pageSize: pageSize}, nil
}

// PageSize reports the window size applied to new queries.
func (e *Engine) PageSize() int {
	return e.pageSize
}

// Search fetches the first batch for spec and, when it is non-empty,
// records it as a new query of the session.
func (e *Engine) Search(ctx context.Context, sessionID string, spec domain.QuerySpec) (Page, error) {
	if spec.UserInput == "" {
		return Page{}, ErrEmptyInput
	}
	batch, err := e.fetch(ctx, spec, 0)
	if err != nil {
		return Page{}, err
	}
	if len(batch.Items) == 0 {
		return Page{Key: domain.QueryKey{SessionID: sessionID}, Status: StatusNoResults}, nil
	}
	cursor := domain.Cursor{
		StartIndex:    0,
		TotalResults:  batch.TotalResults,
		ResultsStored: len(batch.Items),
		PageSize:      e.pageSize,
	}
	if cursor.TotalResults < cursor.ResultsStored {
		cursor.TotalResults = cursor.ResultsStored
	}
	queryID, err := e.store.CreateQuery(ctx, sessionID, store.Snapshot{Spec: spec, Items: batch.Items, Cursor: cursor})
	if err != nil {
		return Page{}, storageErr("create query", err)
	}
	key := domain.QueryKey{SessionID: sessionID, QueryID: queryID}
	return e.render(ctx, key, cursor, StatusOK)
}

// More advances the window by one page, fetching from upstream when the
// next window is not fully cached. It fetches at most once per call.
func (e *Engine) More(ctx context.Context, key domain.QueryKey) (Page, error) {
	cursor, err := e.cursor(ctx, key)
	if err != nil {
		return Page{}, err
	}
	size := e.sizeOf(cursor)
	next := cursor.StartIndex + size
	if next >= cursor.TotalResults {
		return e.render(ctx, key, cursor, StatusNoMoreResults)
	}
	if next+size <= cursor.ResultsStored || cursor.ResultsStored >= cursor.TotalResults {
		cursor.StartIndex = next
		if err := e.commit(ctx, key, cursor); err != nil {
			return Page{}, err
		}
		return e.render(ctx, key, cursor, StatusOK)
	}

	spec, err := e.store.GetQuerySpec(ctx, key)
	if err != nil {
		return Page{}, storageErr("load query spec", err)
	}
	batch, err := e.fetch(ctx, spec, next)
	if err != nil {
		return Page{}, err
	}
	if len(batch.Items) == 0 {
		return e.render(ctx, key, cursor, StatusNoMoreResults)
	}
	if err := e.store.PutResults(ctx, key, next, batch.Items); err != nil {
		return Page{}, storageErr("store results", err)
	}
	cursor.StartIndex = next
	cursor.ResultsStored = max(cursor.ResultsStored, next+len(batch.Items))
	if err := e.commit(ctx, key, cursor); err != nil {
		return Page{}, err
	}
	return e.render(ctx, key, cursor, StatusOK)
}

// Previous moves the window back one page. Stepping back past the first
// page renders offset zero and leaves the stored cursor alone.
func (e *Engine) Previous(ctx context.Context, key domain.QueryKey) (Page, error) {
	cursor, err := e.cursor(ctx, key)
	if err != nil {
		return Page{}, err
	}
	prev := cursor.StartIndex - e.sizeOf(cursor)
	if prev < 0 {
		cursor.StartIndex = 0
		return e.render(ctx, key, cursor, StatusFirstPage)
	}
	cursor.StartIndex = prev
	if err := e.commit(ctx, key, cursor); err != nil {
		return Page{}, err
	}
	return e.render(ctx, key, cursor, StatusOK)
}

// Results re-renders the current window.
func (e *Engine) Results(ctx context.Context, key domain.QueryKey) (Page, error) {
	cursor, err := e.cursor(ctx, key)
	if err != nil {
		return Page{}, err
	}
	return e.render(ctx, key, cursor, StatusOK)
}

// Describe returns the stored item at ordinal within the current window.
func (e *Engine) Describe(ctx context.Context, key domain.QueryKey, ordinal int) (Page, error) {
	if ordinal < 0 {
		return Page{}, fmt.Errorf("ordinal %d: %w", ordinal, ErrNotFound)
	}
	cursor, err := e.cursor(ctx, key)
	if err != nil {
		return Page{}, err
	}
	order := cursor.StartIndex + ordinal
	if order >= cursor.ResultsStored {
		return Page{}, fmt.Errorf("item %d: %w", order, ErrNotFound)
	}
	book, err := e.store.GetItemByOrder(ctx, key, order)
	if err != nil {
		return Page{}, storageErr(fmt.Sprintf("load item %d", order), err)
	}
	return Page{Key: key, Status: StatusOK, Item: &book, Cursor: cursor}, nil
}

func (e *Engine) render(ctx context.Context, key domain.QueryKey, cursor domain.Cursor, status Status) (Page, error) {
	items, err := e.store.ListItems(ctx, key, cursor.StartIndex, e.sizeOf(cursor))
	if err != nil {
		return Page{}, storageErr("list items", err)
	}
	return Page{Key: key, Status: status, Items: items, Cursor: cursor}, nil
}

func (e *Engine) cursor(ctx context.Context, key domain.QueryKey) (domain.Cursor, error) {
	cursor, err := e.store.GetCursor(ctx, key)
	if err != nil {
		return domain.Cursor{}, storageErr("load cursor", err)
	}
	return cursor, nil
}

func (e *Engine) putCursor(ctx context.Context, key domain.QueryKey, cursor domain.Cursor) error {
	if err := e.store.PutCursor(ctx, key, cursor); err != nil {
		return storageErr("store cursor", err)
	}
	return nil
}

// commit writes cursor and then confirms the query still has a spec. A
// purge or delete that ran between loading and writing the cursor leaves
// orphaned items and a cursor behind; those are dropped and the transition
// reports ErrNotFound.
func (e *Engine) commit(ctx context.Context, key domain.QueryKey, cursor domain.Cursor) error {
	if err := e.putCursor(ctx, key, cursor); err != nil {
		return err
	}
	_, err := e.store.GetQuerySpec(ctx, key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return storageErr("load query spec", err)
	}
	if err := e.store.DeleteAll(ctx, key); err != nil {
		return storageErr("drop orphaned query", err)
	}
	return fmt.Errorf("query %s removed during update: %w", key, ErrNotFound)
}

func (e *Engine) fetch(ctx context.Context, spec domain.QuerySpec, offset int) (upstream.Batch, error) {
	batch, err := e.fetcher.Fetch(ctx, spec, offset)
	if err != nil {
		if errors.Is(err, ErrUpstream) {
			return upstream.Batch{}, fmt.Errorf("fetch offset %d: %w", offset, err)
		}
		return upstream.Batch{}, fmt.Errorf("fetch offset %d: %w: %v", offset, ErrUpstream, err)
	}
	return batch, nil
}

// sizeOf returns the page size recorded with the query.
func (e *Engine) sizeOf(cursor domain.Cursor) int {
	if cursor.PageSize > 0 {
		return cursor.PageSize
	}
	return e.pageSize
}

func storageErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorage, err)
}
