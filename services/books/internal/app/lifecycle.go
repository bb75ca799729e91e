package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bookpager/pkg/domain"
	"bookpager/pkg/pagination"
)

// DeleteQuery drops the spec, items and cursor of one query. The session's
// query counter is left alone so IDs are never reused.
func (a *App) DeleteQuery(ctx context.Context, key domain.QueryKey) error {
	unlock, err := a.lock(ctx, queryLock(key))
	if err != nil {
		return err
	}
	defer unlock()
	if err := a.store.DeleteAll(ctx, key); err != nil {
		return fmt.Errorf("delete query %s: %w: %v", key, pagination.ErrStorage, err)
	}
	return nil
}

// DeleteSession drops every record of a session, including its counter.
// It holds the session lock and every query lock of the session, so no
// search or page transition is in flight while records are removed.
func (a *App) DeleteSession(ctx context.Context, sessionID string) error {
	unlock, err := a.lock(ctx, sessionLock(sessionID))
	if err != nil {
		return err
	}
	defer unlock()
	n, err := a.store.CountQueries(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("count queries: %w: %v", pagination.ErrStorage, err)
	}
	for i := 1; i <= n; i++ {
		unlockQuery, err := a.lock(ctx, queryLock(domain.QueryKey{SessionID: sessionID, QueryID: domain.NewQueryID(i)}))
		if err != nil {
			return err
		}
		defer unlockQuery()
	}
	if err := a.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w: %v", sessionID, pagination.ErrStorage, err)
	}
	return nil
}

// Sweep evicts queries whose cursor has not moved within the retention
// window. It is a no-op when retention is disabled. Sweep takes no query
// locks; a page transition that races a purge drops its leftovers and
// reports NOT_FOUND.
func (a *App) Sweep(ctx context.Context, now time.Time) (int, error) {
	if a.retention <= 0 {
		return 0, nil
	}
	n, err := a.store.PurgeBefore(ctx, now.Add(-a.retention))
	if err != nil {
		return n, fmt.Errorf("purge: %w: %v", pagination.ErrStorage, err)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done. Sweep failures
// are logged and retried on the next tick.
func (a *App) RunSweeper(ctx context.Context, interval time.Duration) error {
	if a.retention <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := a.Sweep(ctx, a.now())
			if err != nil {
				slog.Error("retention sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("retention sweep", "purged_queries", n)
			}
		}
	}
}
