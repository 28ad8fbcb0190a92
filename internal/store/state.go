package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/seekarr/seekarr/internal/timeutil"
)

// ItemOnCooldown reports whether a search was already triggered for item_key
// within the last retryHours. Unparseable stored timestamps count as expired.
func (s *Store) ItemOnCooldown(ctx context.Context, appType string, instanceID int, itemKey string, retryHours int) (bool, error) {
	var lastActionAt string
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_action_at FROM item_action WHERE app_type = ? AND instance_id = ? AND item_key = ?`,
		appType, instanceID, itemKey,
	).Scan(&lastActionAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	last, ok := timeutil.Parse(lastActionAt)
	if !ok {
		return false, nil
	}
	return time.Now().UTC().Before(last.Add(time.Duration(retryHours) * time.Hour)), nil
}

// MarkItemAction upserts the last-action timestamp for an item.
func (s *Store) MarkItemAction(ctx context.Context, appType string, instanceID int, itemKey, title string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO item_action(app_type, instance_id, item_key, last_action_at, title)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(app_type, instance_id, item_key) DO UPDATE SET
		     last_action_at=excluded.last_action_at,
		     title=excluded.title`,
		appType, instanceID, itemKey, timeutil.NowUTC(), title,
	)
	return err
}

// RecordSearchEvent appends a trigger timestamp to the rolling rate log.
func (s *Store) RecordSearchEvent(ctx context.Context, appType string, instanceID int) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO search_event(app_type, instance_id, occurred_at) VALUES(?, ?, ?)`,
		appType, instanceID, timeutil.NowUTC(),
	)
	return err
}

// CountSearchEventsSince counts triggers at or after since for one instance.
func (s *Store) CountSearchEventsSince(ctx context.Context, appType string, instanceID int, since time.Time) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM search_event
		 WHERE app_type = ? AND instance_id = ? AND occurred_at >= ?`,
		appType, instanceID, timeutil.FormatUTC(since),
	).Scan(&count)
	return count, err
}

// PruneSearchEvents deletes rate-log rows older than olderThan. The rolling
// window only ever looks back rate_window_minutes, so pruning is bookkeeping.
func (s *Store) PruneSearchEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM search_event WHERE occurred_at < ?`,
		timeutil.FormatUTC(olderThan),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// NextSyncTime returns the stored next due time, or ok=false when none is set.
func (s *Store) NextSyncTime(ctx context.Context, appType string, instanceID int) (string, bool, error) {
	var next sql.NullString
	err := s.conn.QueryRowContext(ctx,
		`SELECT next_sync_time FROM sync_status WHERE app_type = ? AND instance_id = ?`,
		appType, instanceID,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !next.Valid || next.String == "" {
		return "", false, nil
	}
	return next.String, true, nil
}

// UpsertSyncStatus stores both the last and next sync instants.
func (s *Store) UpsertSyncStatus(ctx context.Context, appType string, instanceID int, lastSync, nextSync string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sync_status(app_type, instance_id, last_sync_time, next_sync_time)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(app_type, instance_id) DO UPDATE SET
		     last_sync_time=excluded.last_sync_time,
		     next_sync_time=excluded.next_sync_time`,
		appType, instanceID, lastSync, nextSync,
	)
	return err
}

// SetNextSyncTime overwrites only the next due time.
func (s *Store) SetNextSyncTime(ctx context.Context, appType string, instanceID int, nextSync string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sync_status(app_type, instance_id, next_sync_time)
		 VALUES(?, ?, ?)
		 ON CONFLICT(app_type, instance_id) DO UPDATE SET
		     next_sync_time=excluded.next_sync_time`,
		appType, instanceID, nextSync,
	)
	return err
}

// SyncStatus is one row of per-instance due-time bookkeeping.
type SyncStatus struct {
	AppType      string `json:"app_type"`
	InstanceID   int    `json:"instance_id"`
	LastSyncTime string `json:"last_sync_time"`
	NextSyncTime string `json:"next_sync_time"`
}

// SyncStatuses lists due-time bookkeeping for all known instances.
func (s *Store) SyncStatuses(ctx context.Context) ([]SyncStatus, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT app_type, instance_id, COALESCE(last_sync_time, ''), COALESCE(next_sync_time, '')
		 FROM sync_status
		 ORDER BY app_type, instance_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncStatus
	for rows.Next() {
		var st SyncStatus
		if err := rows.Scan(&st.AppType, &st.InstanceID, &st.LastSyncTime, &st.NextSyncTime); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetSchedulerHeartbeat records that a scheduler loop is alive.
func (s *Store) SetSchedulerHeartbeat(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO scheduler_heartbeat(id, updated_at) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at`,
		timeutil.NowUTC(),
	)
	return err
}

// SchedulerHeartbeat returns the last heartbeat instant, or ok=false.
func (s *Store) SchedulerHeartbeat(ctx context.Context) (string, bool, error) {
	var updatedAt string
	err := s.conn.QueryRowContext(ctx,
		`SELECT updated_at FROM scheduler_heartbeat WHERE id = 1`,
	).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return updatedAt, updatedAt != "", nil
}
