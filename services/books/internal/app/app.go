package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bookpager/internal/keylock"
	"bookpager/internal/util"
	"bookpager/pkg/bookquery"
	"bookpager/pkg/domain"
	"bookpager/pkg/pagination"
	"bookpager/pkg/store"
	"bookpager/pkg/upstream"
)

// Config holds runtime configuration for the session controller.
type Config struct {
	Store       store.ResultStore
	Fetcher     upstream.Fetcher
	Locker      keylock.Locker
	PageSize    int
	Retention   time.Duration
	LockTimeout time.Duration
}

// App maps dialog intents onto pagination transitions and renders the
// user-facing reply.
type App struct {
	store       store.ResultStore
	engine      *pagination.Engine
	locker      keylock.Locker
	retention   time.Duration
	lockTimeout time.Duration
	now         func() time.Time
}

// New constructs the application. A missing locker falls back to an
// in-process one.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("result store required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	engine, err := pagination.New(cfg.Store, cfg.Fetcher, cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("init pagination: %w", err)
	}
	locker := cfg.Locker
	if locker == nil {
		locker = keylock.NewMemoryLocker()
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &App{
		store:       cfg.Store,
		engine:      engine,
		locker:      locker,
		retention:   cfg.Retention,
		lockTimeout: lockTimeout,
		now:         time.Now,
	}, nil
}

// Request is one intent delivered by the dialog layer.
type Request struct {
	Intent    string           `json:"intent"`
	SessionID string           `json:"sessionId"`
	QueryID   string           `json:"queryId,omitempty"`
	Text      string           `json:"text"`
	Params    bookquery.Params `json:"parameters,omitempty"`
}

// Response is the reply for one intent. Display holds the serialized page
// or single book; Code is stable for programmatic callers.
type Response struct {
	SessionID   string          `json:"sessionId"`
	QueryID     string          `json:"queryId,omitempty"`
	Fulfillment string          `json:"fulfillment"`
	Display     json.RawMessage `json:"display,omitempty"`
	Code        string          `json:"code"`
}

const (
	CodeOK            = "OK"
	CodeNoResults     = "NO_RESULTS"
	CodeNoMoreResults = "NO_MORE_RESULTS"
	CodeFirstPage     = "FIRST_PAGE"
	CodeEmptyInput    = "EMPTY_INPUT"
	CodeUpstreamError = "UPSTREAM_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeStorageError  = "STORAGE_ERROR"
	CodeUnknownIntent = "UNKNOWN_INTENT"
	CodeNoQuery       = "NO_QUERY"
)

const (
	msgFound         = "Here's what I found."
	msgNoResults     = "I couldn't find any results. Can you try again?"
	msgNextPage      = "Here's the next page of results."
	msgNoMore        = "I'm sorry, there are no more results."
	msgPreviousPage  = "Here's the previous page of results."
	msgFirstPage     = "This is the first page of results."
	msgResults       = "Here are the results."
	msgEmptyInput    = "What books would you like me to search for?"
	msgUpstream      = "I'm having trouble reaching the book search service. Please try again."
	msgNotFound      = "I couldn't find that item."
	msgStorage       = "Something went wrong. Please try again."
	msgUnknownIntent = "Sorry, I can't help with that yet."
	msgNoQuery       = "Please search for some books first."
)

// Handle runs one intent. Failures are folded into the response.
func (a *App) Handle(ctx context.Context, req Request) Response {
	intent := normalizeIntent(req.Intent)
	resp := Response{
		SessionID: strings.TrimSpace(req.SessionID),
		QueryID:   strings.TrimSpace(req.QueryID),
	}
	if resp.SessionID == "" {
		resp.SessionID = util.NewID()
	}
	logger := util.LoggerFromContext(ctx).With("session_id", resp.SessionID, "intent", string(intent))

	switch intent {
	case domain.IntentSearch, domain.IntentLibrary:
		return a.search(ctx, logger, resp, req, intent == domain.IntentLibrary)
	case domain.IntentMore, domain.IntentPrevious, domain.IntentResults, domain.IntentDescription, domain.IntentPreview:
	default:
		resp.Fulfillment = msgUnknownIntent
		resp.Code = CodeUnknownIntent
		return resp
	}

	key, err := a.resolveKey(ctx, resp.SessionID, resp.QueryID)
	if err != nil {
		return a.fail(logger, resp, err)
	}
	if key.QueryID == "" {
		resp.Fulfillment = msgNoQuery
		resp.Code = CodeNoQuery
		return resp
	}
	resp.QueryID = key.QueryID.String()
	logger = logger.With("query_id", resp.QueryID)

	switch intent {
	case domain.IntentMore, domain.IntentPrevious:
		return a.step(ctx, logger, resp, key, intent)
	case domain.IntentResults:
		page, err := a.engine.Results(ctx, key)
		if err != nil {
			return a.fail(logger, resp, err)
		}
		return a.renderPage(logger, resp, page, msgResults)
	default:
		return a.describe(ctx, logger, resp, key, intent, req.Params)
	}
}

func (a *App) search(ctx context.Context, logger *slog.Logger, resp Response, req Request, library bool) Response {
	build := bookquery.Build
	if library {
		build = bookquery.BuildLibrary
	}
	spec, err := build(req.Text, req.Params)
	if err != nil {
		return a.fail(logger, resp, err)
	}

	unlock, err := a.lock(ctx, sessionLock(resp.SessionID))
	if err != nil {
		return a.fail(logger, resp, err)
	}
	defer unlock()

	page, err := a.engine.Search(ctx, resp.SessionID, spec)
	if err != nil {
		return a.fail(logger, resp, err)
	}
	if page.Status == pagination.StatusNoResults {
		resp.QueryID = ""
		resp.Fulfillment = msgNoResults
		resp.Code = CodeNoResults
		return resp
	}
	resp.QueryID = page.Key.QueryID.String()
	logger.Debug("search stored", "query_id", resp.QueryID, "total_results", page.Cursor.TotalResults)
	return a.renderPage(logger, resp, page, msgFound)
}

func (a *App) step(ctx context.Context, logger *slog.Logger, resp Response, key domain.QueryKey, intent domain.Intent) Response {
	unlock, err := a.lock(ctx, queryLock(key))
	if err != nil {
		return a.fail(logger, resp, err)
	}
	defer unlock()

	var page pagination.Page
	if intent == domain.IntentMore {
		page, err = a.engine.More(ctx, key)
	} else {
		page, err = a.engine.Previous(ctx, key)
	}
	if err != nil {
		return a.fail(logger, resp, err)
	}
	switch page.Status {
	case pagination.StatusNoMoreResults:
		resp.Code = CodeNoMoreResults
		return a.renderPage(logger, resp, page, msgNoMore)
	case pagination.StatusFirstPage:
		resp.Code = CodeFirstPage
		return a.renderPage(logger, resp, page, msgFirstPage)
	}
	if intent == domain.IntentMore {
		return a.renderPage(logger, resp, page, msgNextPage)
	}
	return a.renderPage(logger, resp, page, msgPreviousPage)
}

func (a *App) describe(ctx context.Context, logger *slog.Logger, resp Response, key domain.QueryKey, intent domain.Intent, params bookquery.Params) Response {
	ordinal, ok := ordinalParam(params)
	if !ok {
		return a.fail(logger, resp, fmt.Errorf("number parameter: %w", pagination.ErrNotFound))
	}
	page, err := a.engine.Describe(ctx, key, ordinal)
	if err != nil {
		return a.fail(logger, resp, err)
	}
	display, err := json.Marshal(page.Item)
	if err != nil {
		return a.fail(logger, resp, err)
	}
	resp.Display = display
	resp.Code = CodeOK
	if intent == domain.IntentPreview {
		resp.Fulfillment = "Here's a preview of " + page.Item.Title + "."
	} else {
		resp.Fulfillment = "Here's a description for " + page.Item.Title + "."
	}
	return resp
}

func (a *App) renderPage(logger *slog.Logger, resp Response, page pagination.Page, msg string) Response {
	items := page.Items
	if items == nil {
		items = []domain.Book{}
	}
	display, err := json.Marshal(items)
	if err != nil {
		return a.fail(logger, resp, err)
	}
	resp.Display = display
	resp.Fulfillment = msg
	if resp.Code == "" {
		resp.Code = CodeOK
	}
	return resp
}

// resolveKey returns the key for queryID, or for the newest query of the
// session when queryID is empty. An empty QueryID means the session has no
// queries yet.
func (a *App) resolveKey(ctx context.Context, sessionID, queryID string) (domain.QueryKey, error) {
	key := domain.QueryKey{SessionID: sessionID, QueryID: domain.QueryID(queryID)}
	if queryID != "" {
		if _, ok := key.QueryID.Number(); !ok {
			return key, fmt.Errorf("query id %q: %w", queryID, pagination.ErrNotFound)
		}
		return key, nil
	}
	n, err := a.store.CountQueries(ctx, sessionID)
	if err != nil {
		return key, fmt.Errorf("count queries: %w: %v", pagination.ErrStorage, err)
	}
	if n > 0 {
		key.QueryID = domain.NewQueryID(n)
	}
	return key, nil
}

// Lock keys escape their parts so no session or query ID can name another
// session's lock.
func sessionLock(sessionID string) string {
	return "session:" + url.QueryEscape(sessionID)
}

func queryLock(key domain.QueryKey) string {
	return "query:" + url.QueryEscape(key.SessionID) + "/" + url.QueryEscape(string(key.QueryID))
}

func (a *App) lock(ctx context.Context, key string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, a.lockTimeout)
	defer cancel()
	unlock, err := a.locker.Lock(lockCtx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pagination.ErrStorage, err)
	}
	return unlock, nil
}

func (a *App) fail(logger *slog.Logger, resp Response, err error) Response {
	resp.Display = nil
	switch {
	case errors.Is(err, pagination.ErrEmptyInput):
		resp.Fulfillment = msgEmptyInput
		resp.Code = CodeEmptyInput
	case errors.Is(err, pagination.ErrNotFound):
		resp.Fulfillment = msgNotFound
		resp.Code = CodeNotFound
	case errors.Is(err, pagination.ErrUpstream):
		logger.Warn("upstream search failed", "err", err)
		resp.Fulfillment = msgUpstream
		resp.Code = CodeUpstreamError
	default:
		logger.Error("request failed", "err", err)
		resp.Fulfillment = msgStorage
		resp.Code = CodeStorageError
	}
	return resp
}

func normalizeIntent(name string) domain.Intent {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "books.")
	return domain.Intent(name)
}

// ordinalParam reads the "number" parameter, which arrives as a JSON
// number, an int from Go callers, or a numeric string.
func ordinalParam(params bookquery.Params) (int, bool) {
	switch v := params["number"].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}
