package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookpager/pkg/domain"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type GormStoreOptions struct {
	Driver        string
	SlowThreshold time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithDriver selects the SQL dialect: postgres (default) or sqlite.
func WithDriver(driver string) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Driver = driver
	}
}

// WithSlowThreshold sets the duration above which queries are logged as slow.
func WithSlowThreshold(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.SlowThreshold = d
	}
}

// GormStore implements ResultStore using GORM over Postgres or SQLite.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{Driver: DriverPostgres, SlowThreshold: time.Second}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", opts.Driver)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&SessionModel{}, &QueryModel{}, &ItemModel{}, &CursorModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// CreateQuery allocates the next query ID and writes spec, items, and cursor
// in one transaction.
func (s *GormStore) CreateQuery(ctx context.Context, sessionID string, snap Snapshot) (domain.QueryID, error) {
	var id domain.QueryID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&SessionModel{ID: sessionID, CreatedAt: now, UpdatedAt: now}).Error; err != nil {
			return fmt.Errorf("ensure session: %w", err)
		}
		if err := tx.Model(&SessionModel{}).
			Where("id = ?", sessionID).
			Updates(map[string]any{
				"query_count": gorm.Expr("query_count + ?", 1),
				"updated_at":  now,
			}).Error; err != nil {
			return fmt.Errorf("increment query count: %w", err)
		}
		var sess SessionModel
		if err := tx.First(&sess, "id = ?", sessionID).Error; err != nil {
			return fmt.Errorf("read query count: %w", err)
		}
		id = domain.NewQueryID(sess.QueryCount)
		key := domain.QueryKey{SessionID: sessionID, QueryID: id}

		if err := putQuerySpec(tx, key, snap.Spec, now); err != nil {
			return err
		}
		if err := putResults(tx, key, 0, snap.Items, now); err != nil {
			return err
		}
		return putCursor(tx, key, snap.Cursor, now)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CountQueries returns how many query IDs the session has allocated.
func (s *GormStore) CountQueries(ctx context.Context, sessionID string) (int, error) {
	var sess SessionModel
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return sess.QueryCount, nil
}

// PutQuerySpec stores or replaces the spec of a query.
func (s *GormStore) PutQuerySpec(ctx context.Context, key domain.QueryKey, spec domain.QuerySpec) error {
	return putQuerySpec(s.db.WithContext(ctx), key, spec, s.now())
}

// GetQuerySpec returns the stored spec of a query.
func (s *GormStore) GetQuerySpec(ctx context.Context, key domain.QueryKey) (domain.QuerySpec, error) {
	var model QueryModel
	if err := s.db.WithContext(ctx).
		First(&model, "session_id = ? AND query_id = ?", key.SessionID, string(key.QueryID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.QuerySpec{}, ErrNotFound
		}
		return domain.QuerySpec{}, err
	}
	var spec domain.QuerySpec
	if err := json.Unmarshal(model.Spec, &spec); err != nil {
		return domain.QuerySpec{}, fmt.Errorf("decode query spec: %w", err)
	}
	return spec, nil
}

// PutResults appends items starting at startOffset. Existing orders are kept.
func (s *GormStore) PutResults(ctx context.Context, key domain.QueryKey, startOffset int, items []domain.Book) error {
	return putResults(s.db.WithContext(ctx), key, startOffset, items, s.now())
}

// ListItems returns up to limit items with order >= fromOrder, ascending.
func (s *GormStore) ListItems(ctx context.Context, key domain.QueryKey, fromOrder, limit int) ([]domain.Book, error) {
	if limit <= 0 {
		return []domain.Book{}, nil
	}
	var models []ItemModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ? AND query_id = ? AND item_order >= ?", key.SessionID, string(key.QueryID), fromOrder).
		Order("item_order ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		book, err := bookFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, book)
	}
	return res, nil
}

// GetItemByOrder returns the item stored at order.
func (s *GormStore) GetItemByOrder(ctx context.Context, key domain.QueryKey, order int) (domain.Book, error) {
	var model ItemModel
	if err := s.db.WithContext(ctx).
		First(&model, "session_id = ? AND query_id = ? AND item_order = ?", key.SessionID, string(key.QueryID), order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, ErrNotFound
		}
		return domain.Book{}, err
	}
	return bookFromModel(model)
}

// PutCursor upserts the single cursor row of a query.
func (s *GormStore) PutCursor(ctx context.Context, key domain.QueryKey, cursor domain.Cursor) error {
	return putCursor(s.db.WithContext(ctx), key, cursor, s.now())
}

// GetCursor returns the cursor of a query.
func (s *GormStore) GetCursor(ctx context.Context, key domain.QueryKey) (domain.Cursor, error) {
	var model CursorModel
	if err := s.db.WithContext(ctx).
		First(&model, "session_id = ? AND query_id = ?", key.SessionID, string(key.QueryID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Cursor{}, ErrNotFound
		}
		return domain.Cursor{}, err
	}
	return cursorFromModel(model), nil
}

// GetCursorField returns a single cursor value.
func (s *GormStore) GetCursorField(ctx context.Context, key domain.QueryKey, field domain.CursorField) (int, error) {
	c, err := s.GetCursor(ctx, key)
	return cursorField(c, err, field)
}

// CountCursors reports how many cursor rows exist for key.
func (s *GormStore) CountCursors(ctx context.Context, key domain.QueryKey) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&CursorModel{}).
		Where("session_id = ? AND query_id = ?", key.SessionID, string(key.QueryID)).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeleteCursor removes the cursor row of a query.
func (s *GormStore) DeleteCursor(ctx context.Context, key domain.QueryKey) error {
	return s.db.WithContext(ctx).
		Delete(&CursorModel{}, "session_id = ? AND query_id = ?", key.SessionID, string(key.QueryID)).Error
}

// DeleteAll drops spec, items, and cursor of a query.
func (s *GormStore) DeleteAll(ctx context.Context, key domain.QueryKey) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteQuery(tx, "session_id = ? AND query_id = ?", key.SessionID, string(key.QueryID))
	})
}

// DeleteSession drops every record of a session, including its query counter.
func (s *GormStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteQuery(tx, "session_id = ?", sessionID); err != nil {
			return err
		}
		return tx.Delete(&SessionModel{}, "id = ?", sessionID).Error
	})
}

// PurgeBefore drops queries whose cursor was last written before cutoff.
func (s *GormStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []CursorModel
	if err := s.db.WithContext(ctx).
		Select("session_id", "query_id").
		Where("updated_at < ?", cutoff.UTC()).
		Find(&stale).Error; err != nil {
		return 0, err
	}
	for i, c := range stale {
		if err := s.DeleteAll(ctx, domain.QueryKey{SessionID: c.SessionID, QueryID: domain.QueryID(c.QueryID)}); err != nil {
			return i, fmt.Errorf("purge %s/%s: %w", c.SessionID, c.QueryID, err)
		}
	}
	return len(stale), nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func putQuerySpec(tx *gorm.DB, key domain.QueryKey, spec domain.QuerySpec, now time.Time) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode query spec: %w", err)
	}
	model := QueryModel{
		SessionID: key.SessionID,
		QueryID:   string(key.QueryID),
		Spec:      data,
		CreatedAt: now,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "query_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"spec", "created_at"}),
	}).Create(&model).Error; err != nil {
		return fmt.Errorf("save query spec: %w", err)
	}
	return nil
}

func putResults(tx *gorm.DB, key domain.QueryKey, startOffset int, items []domain.Book, now time.Time) error {
	if len(items) == 0 {
		return nil
	}
	models := make([]ItemModel, 0, len(items))
	for _, item := range orderItems(startOffset, items) {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode item: %w", err)
		}
		models = append(models, ItemModel{
			SessionID: key.SessionID,
			QueryID:   string(key.QueryID),
			Order:     item.Order,
			Title:     item.Title,
			Payload:   payload,
			CreatedAt: now,
		})
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models).Error; err != nil {
		return fmt.Errorf("save items: %w", err)
	}
	return nil
}

func putCursor(tx *gorm.DB, key domain.QueryKey, cursor domain.Cursor, now time.Time) error {
	model := CursorModel{
		SessionID:     key.SessionID,
		QueryID:       string(key.QueryID),
		StartIndex:    cursor.StartIndex,
		TotalResults:  cursor.TotalResults,
		ResultsStored: cursor.ResultsStored,
		PageSize:      cursor.PageSize,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "query_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"start_index", "total_results", "results_stored", "page_size", "updated_at"}),
	}).Create(&model).Error; err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func deleteQuery(tx *gorm.DB, cond string, args ...any) error {
	if err := tx.Delete(&ItemModel{}, append([]any{cond}, args...)...).Error; err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	if err := tx.Delete(&CursorModel{}, append([]any{cond}, args...)...).Error; err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	if err := tx.Delete(&QueryModel{}, append([]any{cond}, args...)...).Error; err != nil {
		return fmt.Errorf("delete query spec: %w", err)
	}
	return nil
}

func bookFromModel(m ItemModel) (domain.Book, error) {
	var book domain.Book
	if err := json.Unmarshal(m.Payload, &book); err != nil {
		return domain.Book{}, fmt.Errorf("decode item %d: %w", m.Order, err)
	}
	book.Order = m.Order
	return book, nil
}

func cursorFromModel(m CursorModel) domain.Cursor {
	return domain.Cursor{
		StartIndex:    m.StartIndex,
		TotalResults:  m.TotalResults,
		ResultsStored: m.ResultsStored,
		PageSize:      m.PageSize,
		UpdatedAt:     m.UpdatedAt,
	}
}
