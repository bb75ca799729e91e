package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookpager/pkg/domain"
)

// RedisStore keeps session state in Redis.
//
// Per query it writes a spec string, an items hash (order -> JSON), an order
// index sorted set, and a cursor hash. A global sorted set scored by cursor
// write time drives PurgeBefore.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore builds a Redis-backed result store.
func NewRedisStore(addr, password, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookpager"
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateQuery allocates the next query ID with INCR and writes spec, items,
// and cursor in one MULTI block. A failed write leaves a gap in the sequence.
func (s *RedisStore) CreateQuery(ctx context.Context, sessionID string, snap Snapshot) (domain.QueryID, error) {
	n, err := s.client.Incr(ctx, s.countKey(sessionID)).Result()
	if err != nil {
		return "", fmt.Errorf("allocate query id: %w", err)
	}
	id := domain.NewQueryID(int(n))
	key := domain.QueryKey{SessionID: sessionID, QueryID: id}
	specData, err := json.Marshal(snap.Spec)
	if err != nil {
		return "", fmt.Errorf("encode query spec: %w", err)
	}
	items, err := encodeItems(0, snap.Items)
	if err != nil {
		return "", err
	}
	now := s.now()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.specKey(key), specData, 0)
	pipe.SAdd(ctx, s.queriesKey(sessionID), string(id))
	s.queueItems(ctx, pipe, key, items)
	s.queueCursor(ctx, pipe, key, snap.Cursor, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("save query: %w", err)
	}
	return id, nil
}

// CountQueries returns how many query IDs the session has allocated.
func (s *RedisStore) CountQueries(ctx context.Context, sessionID string) (int, error) {
	n, err := s.client.Get(ctx, s.countKey(sessionID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PutQuerySpec stores or replaces the spec of a query.
func (s *RedisStore) PutQuerySpec(ctx context.Context, key domain.QueryKey, spec domain.QuerySpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode query spec: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.specKey(key), data, 0)
	pipe.SAdd(ctx, s.queriesKey(key.SessionID), string(key.QueryID))
	_, err = pipe.Exec(ctx)
	return err
}

// GetQuerySpec returns the stored spec of a query.
func (s *RedisStore) GetQuerySpec(ctx context.Context, key domain.QueryKey) (domain.QuerySpec, error) {
	data, err := s.client.Get(ctx, s.specKey(key)).Bytes()
	if err == redis.Nil {
		return domain.QuerySpec{}, ErrNotFound
	}
	if err != nil {
		return domain.QuerySpec{}, err
	}
	var spec domain.QuerySpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return domain.QuerySpec{}, fmt.Errorf("decode query spec: %w", err)
	}
	return spec, nil
}

// PutResults appends items starting at startOffset. Existing orders are kept.
func (s *RedisStore) PutResults(ctx context.Context, key domain.QueryKey, startOffset int, items []domain.Book) error {
	if len(items) == 0 {
		return nil
	}
	encoded, err := encodeItems(startOffset, items)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.queriesKey(key.SessionID), string(key.QueryID))
	s.queueItems(ctx, pipe, key, encoded)
	_, err = pipe.Exec(ctx)
	return err
}

// ListItems returns up to limit items with order >= fromOrder, ascending.
func (s *RedisStore) ListItems(ctx context.Context, key domain.QueryKey, fromOrder, limit int) ([]domain.Book, error) {
	if limit <= 0 {
		return []domain.Book{}, nil
	}
	orders, err := s.client.ZRangeByScore(ctx, s.indexKey(key), &redis.ZRangeBy{
		Min:   strconv.Itoa(fromOrder),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return []domain.Book{}, nil
	}
	payloads, err := s.client.HMGet(ctx, s.itemsKey(key), orders...).Result()
	if err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(payloads))
	for i, raw := range payloads {
		data, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("item %s missing from %s", orders[i], key)
		}
		book, err := decodeItem(data)
		if err != nil {
			return nil, err
		}
		res = append(res, book)
	}
	return res, nil
}

// GetItemByOrder returns the item stored at order.
func (s *RedisStore) GetItemByOrder(ctx context.Context, key domain.QueryKey, order int) (domain.Book, error) {
	data, err := s.client.HGet(ctx, s.itemsKey(key), strconv.Itoa(order)).Result()
	if err == redis.Nil {
		return domain.Book{}, ErrNotFound
	}
	if err != nil {
		return domain.Book{}, err
	}
	return decodeItem(data)
}

// PutCursor replaces the cursor hash of a query in one MULTI block.
func (s *RedisStore) PutCursor(ctx context.Context, key domain.QueryKey, cursor domain.Cursor) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.queriesKey(key.SessionID), string(key.QueryID))
	s.queueCursor(ctx, pipe, key, cursor, s.now())
	_, err := pipe.Exec(ctx)
	return err
}

// GetCursor returns the cursor of a query.
func (s *RedisStore) GetCursor(ctx context.Context, key domain.QueryKey) (domain.Cursor, error) {
	fields, err := s.client.HGetAll(ctx, s.cursorKey(key)).Result()
	if err != nil {
		return domain.Cursor{}, err
	}
	if len(fields) == 0 {
		return domain.Cursor{}, ErrNotFound
	}
	var c domain.Cursor
	for name, dst := range map[domain.CursorField]*int{
		domain.FieldStartIndex:    &c.StartIndex,
		domain.FieldTotalResults:  &c.TotalResults,
		domain.FieldResultsStored: &c.ResultsStored,
		domain.FieldPageSize:      &c.PageSize,
	} {
		v, err := strconv.Atoi(fields[string(name)])
		if err != nil {
			return domain.Cursor{}, fmt.Errorf("decode cursor field %s: %w", name, err)
		}
		*dst = v
	}
	if ms, err := strconv.ParseInt(fields["updatedAt"], 10, 64); err == nil {
		c.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return c, nil
}

// GetCursorField returns a single cursor value.
func (s *RedisStore) GetCursorField(ctx context.Context, key domain.QueryKey, field domain.CursorField) (int, error) {
	c, err := s.GetCursor(ctx, key)
	return cursorField(c, err, field)
}

// CountCursors reports how many cursor records exist for key (0 or 1).
func (s *RedisStore) CountCursors(ctx context.Context, key domain.QueryKey) (int, error) {
	n, err := s.client.Exists(ctx, s.cursorKey(key)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeleteCursor removes the cursor of a query.
func (s *RedisStore) DeleteCursor(ctx context.Context, key domain.QueryKey) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.cursorKey(key))
	pipe.ZRem(ctx, s.updatesKey(), updateMember(key))
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteAll drops spec, items, and cursor of a query.
func (s *RedisStore) DeleteAll(ctx context.Context, key domain.QueryKey) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.specKey(key), s.itemsKey(key), s.indexKey(key), s.cursorKey(key))
	pipe.SRem(ctx, s.queriesKey(key.SessionID), string(key.QueryID))
	pipe.ZRem(ctx, s.updatesKey(), updateMember(key))
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteSession drops every record of a session, including its query counter.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	ids, err := s.client.SMembers(ctx, s.queriesKey(sessionID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for _, id := range ids {
		if err := s.DeleteAll(ctx, domain.QueryKey{SessionID: sessionID, QueryID: domain.QueryID(id)}); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, s.queriesKey(sessionID), s.countKey(sessionID)).Err()
}

// PurgeBefore drops queries whose cursor was last written before cutoff.
func (s *RedisStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.updatesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	for i, member := range members {
		key, ok := parseUpdateMember(member)
		if !ok {
			continue
		}
		if err := s.DeleteAll(ctx, key); err != nil {
			return i, fmt.Errorf("purge %s: %w", key, err)
		}
	}
	return len(members), nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type encodedItem struct {
	order   int
	payload string
}

func encodeItems(startOffset int, items []domain.Book) ([]encodedItem, error) {
	out := make([]encodedItem, 0, len(items))
	for _, item := range orderItems(startOffset, items) {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode item: %w", err)
		}
		out = append(out, encodedItem{order: item.Order, payload: string(data)})
	}
	return out, nil
}

func decodeItem(data string) (domain.Book, error) {
	var book domain.Book
	if err := json.Unmarshal([]byte(data), &book); err != nil {
		return domain.Book{}, fmt.Errorf("decode item: %w", err)
	}
	return book, nil
}

func (s *RedisStore) queueItems(ctx context.Context, pipe redis.Pipeliner, key domain.QueryKey, items []encodedItem) {
	for _, item := range items {
		field := strconv.Itoa(item.order)
		pipe.HSetNX(ctx, s.itemsKey(key), field, item.payload)
		pipe.ZAddNX(ctx, s.indexKey(key), redis.Z{Score: float64(item.order), Member: field})
	}
}

func (s *RedisStore) queueCursor(ctx context.Context, pipe redis.Pipeliner, key domain.QueryKey, c domain.Cursor, now time.Time) {
	pipe.HSet(ctx, s.cursorKey(key), map[string]any{
		string(domain.FieldStartIndex):    c.StartIndex,
		string(domain.FieldTotalResults):  c.TotalResults,
		string(domain.FieldResultsStored): c.ResultsStored,
		string(domain.FieldPageSize):      c.PageSize,
		"updatedAt":                       now.UnixMilli(),
	})
	pipe.ZAdd(ctx, s.updatesKey(), redis.Z{Score: float64(now.UnixMilli()), Member: updateMember(key)})
}

// keyPart escapes one component of a Redis key. ':' and '\n' are always
// encoded, so distinct (session, query) pairs never share a key.
func keyPart(v string) string {
	return url.QueryEscape(v)
}

func updateMember(key domain.QueryKey) string {
	return keyPart(key.SessionID) + "\n" + keyPart(string(key.QueryID))
}

func parseUpdateMember(member string) (domain.QueryKey, bool) {
	sessionPart, queryPart, ok := strings.Cut(member, "\n")
	if !ok {
		return domain.QueryKey{}, false
	}
	sessionID, err := url.QueryUnescape(sessionPart)
	if err != nil {
		return domain.QueryKey{}, false
	}
	queryID, err := url.QueryUnescape(queryPart)
	if err != nil {
		return domain.QueryKey{}, false
	}
	return domain.QueryKey{SessionID: sessionID, QueryID: domain.QueryID(queryID)}, true
}

func (s *RedisStore) countKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:count", s.prefix, keyPart(sessionID))
}

func (s *RedisStore) queriesKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:queries", s.prefix, keyPart(sessionID))
}

func (s *RedisStore) queryKey(key domain.QueryKey, suffix string) string {
	return fmt.Sprintf("%s:query:%s:%s:%s", s.prefix, keyPart(key.SessionID), keyPart(string(key.QueryID)), suffix)
}

func (s *RedisStore) specKey(key domain.QueryKey) string {
	return s.queryKey(key, "spec")
}

func (s *RedisStore) itemsKey(key domain.QueryKey) string {
	return s.queryKey(key, "items")
}

func (s *RedisStore) indexKey(key domain.QueryKey) string {
	return s.queryKey(key, "index")
}

func (s *RedisStore) cursorKey(key domain.QueryKey) string {
	return s.queryKey(key, "cursor")
}

func (s *RedisStore) updatesKey() string {
	return s.prefix + ":cursor_updates"
}
