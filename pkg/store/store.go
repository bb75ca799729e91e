package store

import (
	"context"
	"errors"
	"time"

	"bookpager/pkg/domain"
)

// ErrNotFound indicates the requested query spec, cursor, or item does not exist.
var ErrNotFound = errors.New("record not found")

// Snapshot is the full state written when a search creates a new query.
type Snapshot struct {
	Spec   domain.QuerySpec
	Items  []domain.Book
	Cursor domain.Cursor
}

// ResultStore persists query specs, result batches, and cursors scoped by
// session and query.
type ResultStore interface {
	// queries
	CreateQuery(ctx context.Context, sessionID string, snap Snapshot) (domain.QueryID, error)
	CountQueries(ctx context.Context, sessionID string) (int, error)
	PutQuerySpec(ctx context.Context, key domain.QueryKey, spec domain.QuerySpec) error
	GetQuerySpec(ctx context.Context, key domain.QueryKey) (domain.QuerySpec, error)

	// results
	PutResults(ctx context.Context, key domain.QueryKey, startOffset int, items []domain.Book) error
	ListItems(ctx context.Context, key domain.QueryKey, fromOrder, limit int) ([]domain.Book, error)
	GetItemByOrder(ctx context.Context, key domain.QueryKey, order int) (domain.Book, error)

	// cursors
	PutCursor(ctx context.Context, key domain.QueryKey, cursor domain.Cursor) error
	GetCursor(ctx context.Context, key domain.QueryKey) (domain.Cursor, error)
	GetCursorField(ctx context.Context, key domain.QueryKey, field domain.CursorField) (int, error)
	CountCursors(ctx context.Context, key domain.QueryKey) (int, error)
	DeleteCursor(ctx context.Context, key domain.QueryKey) error

	// cleanup
	DeleteAll(ctx context.Context, key domain.QueryKey) error
	DeleteSession(ctx context.Context, sessionID string) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// orderItems stamps each item with its absolute order.
func orderItems(startOffset int, items []domain.Book) []domain.Book {
	out := make([]domain.Book, len(items))
	for i, item := range items {
		item.Order = startOffset + i
		out[i] = item
	}
	return out
}

func cursorField(c domain.Cursor, err error, field domain.CursorField) (int, error) {
	if err != nil {
		return 0, err
	}
	return c.Field(field)
}
