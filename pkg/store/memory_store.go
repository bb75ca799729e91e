package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"bookpager/pkg/domain"
)

type memoryItem struct {
	book      domain.Book
	createdAt time.Time
}

type memoryQuery struct {
	spec      *domain.QuerySpec
	items     map[int]memoryItem
	cursor    *domain.Cursor
	createdAt time.Time
}

type memorySession struct {
	queryCount int
	queries    map[domain.QueryID]*memoryQuery
}

// MemoryStore keeps session state in-process. Intended for tests and single
// instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	now      func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateQuery allocates the next query ID and stores spec, first batch, and cursor.
func (m *MemoryStore) CreateQuery(_ context.Context, sessionID string, snap Snapshot) (domain.QueryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessionLocked(sessionID)
	sess.queryCount++
	id := domain.NewQueryID(sess.queryCount)
	now := m.now()
	spec := snap.Spec
	cursor := snap.Cursor
	cursor.UpdatedAt = now
	q := &memoryQuery{
		spec:      &spec,
		items:     make(map[int]memoryItem, len(snap.Items)),
		cursor:    &cursor,
		createdAt: now,
	}
	for _, item := range orderItems(0, snap.Items) {
		q.items[item.Order] = memoryItem{book: cloneBook(item), createdAt: now}
	}
	sess.queries[id] = q
	return id, nil
}

// CountQueries returns how many query IDs the session has allocated.
func (m *MemoryStore) CountQueries(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	return sess.queryCount, nil
}

// PutQuerySpec stores or replaces the spec of a query.
func (m *MemoryStore) PutQuerySpec(_ context.Context, key domain.QueryKey, spec domain.QuerySpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queryLocked(key)
	q.spec = &spec
	return nil
}

// GetQuerySpec returns the stored spec of a query.
func (m *MemoryStore) GetQuerySpec(_ context.Context, key domain.QueryKey) (domain.QuerySpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.lookupLocked(key)
	if !ok || q.spec == nil {
		return domain.QuerySpec{}, ErrNotFound
	}
	return *q.spec, nil
}

// PutResults appends items starting at startOffset. Existing orders are kept.
func (m *MemoryStore) PutResults(_ context.Context, key domain.QueryKey, startOffset int, items []domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queryLocked(key)
	now := m.now()
	for _, item := range orderItems(startOffset, items) {
		if _, exists := q.items[item.Order]; exists {
			continue
		}
		q.items[item.Order] = memoryItem{book: cloneBook(item), createdAt: now}
	}
	return nil
}

// ListItems returns up to limit items with order >= fromOrder, ascending.
func (m *MemoryStore) ListItems(_ context.Context, key domain.QueryKey, fromOrder, limit int) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.lookupLocked(key)
	if !ok || limit <= 0 {
		return []domain.Book{}, nil
	}
	orders := make([]int, 0, len(q.items))
	for order := range q.items {
		if order >= fromOrder {
			orders = append(orders, order)
		}
	}
	sort.Ints(orders)
	if len(orders) > limit {
		orders = orders[:limit]
	}
	res := make([]domain.Book, 0, len(orders))
	for _, order := range orders {
		res = append(res, cloneBook(q.items[order].book))
	}
	return res, nil
}

// GetItemByOrder returns the item stored at order.
func (m *MemoryStore) GetItemByOrder(_ context.Context, key domain.QueryKey, order int) (domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.lookupLocked(key)
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	item, ok := q.items[order]
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	return cloneBook(item.book), nil
}

// PutCursor replaces the cursor of a query in one step.
func (m *MemoryStore) PutCursor(_ context.Context, key domain.QueryKey, cursor domain.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queryLocked(key)
	cursor.UpdatedAt = m.now()
	q.cursor = &cursor
	return nil
}

// GetCursor returns the cursor of a query.
func (m *MemoryStore) GetCursor(_ context.Context, key domain.QueryKey) (domain.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.lookupLocked(key)
	if !ok || q.cursor == nil {
		return domain.Cursor{}, ErrNotFound
	}
	return *q.cursor, nil
}

// GetCursorField returns a single cursor value.
func (m *MemoryStore) GetCursorField(ctx context.Context, key domain.QueryKey, field domain.CursorField) (int, error) {
	c, err := m.GetCursor(ctx, key)
	return cursorField(c, err, field)
}

// CountCursors reports how many cursor records exist for key (0 or 1).
func (m *MemoryStore) CountCursors(_ context.Context, key domain.QueryKey) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.lookupLocked(key)
	if !ok || q.cursor == nil {
		return 0, nil
	}
	return 1, nil
}

// DeleteCursor removes the cursor of a query.
func (m *MemoryStore) DeleteCursor(_ context.Context, key domain.QueryKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.lookupLocked(key); ok {
		q.cursor = nil
	}
	return nil
}

// DeleteAll drops spec, items, and cursor of a query.
func (m *MemoryStore) DeleteAll(_ context.Context, key domain.QueryKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[key.SessionID]; ok {
		delete(sess.queries, key.QueryID)
	}
	return nil
}

// DeleteSession drops every record of a session, including its query counter.
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// PurgeBefore drops queries whose cursor was last written before cutoff.
func (m *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for _, sess := range m.sessions {
		for id, q := range sess.queries {
			last := q.createdAt
			if q.cursor != nil {
				last = q.cursor.UpdatedAt
			}
			if last.Before(cutoff) {
				delete(sess.queries, id)
				purged++
			}
		}
	}
	return purged, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// cloneBook detaches the slice fields so stored items never alias caller memory.
func cloneBook(b domain.Book) domain.Book {
	b.Authors = slices.Clone(b.Authors)
	b.Categories = slices.Clone(b.Categories)
	return b
}

func (m *MemoryStore) sessionLocked(sessionID string) *memorySession {
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &memorySession{queries: make(map[domain.QueryID]*memoryQuery)}
		m.sessions[sessionID] = sess
	}
	return sess
}

func (m *MemoryStore) queryLocked(key domain.QueryKey) *memoryQuery {
	sess := m.sessionLocked(key.SessionID)
	q, ok := sess.queries[key.QueryID]
	if !ok {
		q = &memoryQuery{items: make(map[int]memoryItem), createdAt: m.now()}
		sess.queries[key.QueryID] = q
	}
	return q
}

func (m *MemoryStore) lookupLocked(key domain.QueryKey) (*memoryQuery, bool) {
	sess, ok := m.sessions[key.SessionID]
	if !ok {
		return nil, false
	}
	q, ok := sess.queries[key.QueryID]
	return q, ok
}
