package store

import (
	"context"
	"encoding/json"

	"github.com/seekarr/seekarr/internal/timeutil"
)

// StartRun opens a cycle_run row in the "running" state and returns its id.
func (s *Store) StartRun(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO cycle_run(started_at, status) VALUES(?, ?)`,
		timeutil.NowUTC(), "running",
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishRun closes a cycle_run row with its final status and stats.
func (s *Store) FinishRun(ctx context.Context, runID int64, status string, stats any) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`UPDATE cycle_run SET finished_at = ?, status = ?, stats_json = ? WHERE id = ?`,
		timeutil.NowUTC(), status, string(statsJSON), runID,
	)
	return err
}

// RecordInstanceRun appends per-instance statistics for one cycle.
func (s *Store) RecordInstanceRun(ctx context.Context, cycleRunID int64, appType string, instanceID int, instanceName, startedAt, finishedAt, status string, stats any) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO instance_run(cycle_run_id, app_type, instance_id, instance_name, started_at, finished_at, status, stats_json)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		cycleRunID, appType, instanceID, instanceName, startedAt, finishedAt, status, string(statsJSON),
	)
	return err
}

// RecordSearchAction appends a human-readable trigger history row.
func (s *Store) RecordSearchAction(ctx context.Context, appType string, instanceID int, instanceName, itemKey, title string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO search_action(app_type, instance_id, instance_name, item_key, title, occurred_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		appType, instanceID, instanceName, itemKey, title, timeutil.NowUTC(),
	)
	return err
}

// CountSearchActionsForItem counts history rows for a single item key.
func (s *Store) CountSearchActionsForItem(ctx context.Context, appType string, instanceID int, itemKey string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM search_action WHERE app_type = ? AND instance_id = ? AND item_key = ?`,
		appType, instanceID, itemKey,
	).Scan(&count)
	return count, err
}

// SearchAction is one row of trigger history.
type SearchAction struct {
	ID           int64  `json:"id"`
	AppType      string `json:"app_type"`
	InstanceID   int    `json:"instance_id"`
	InstanceName string `json:"instance_name"`
	ItemKey      string `json:"item_key"`
	Title        string `json:"title"`
	OccurredAt   string `json:"occurred_at"`
}

// RecentSearchActions lists the newest trigger history rows for one instance.
func (s *Store) RecentSearchActions(ctx context.Context, appType string, instanceID, limit int) ([]SearchAction, error) {
	return s.searchActions(ctx,
		`SELECT id, app_type, instance_id, COALESCE(instance_name, ''), COALESCE(item_key, ''), title, occurred_at
		 FROM search_action
		 WHERE app_type = ? AND instance_id = ?
		 ORDER BY id DESC LIMIT ?`,
		appType, instanceID, clampLimit(limit))
}

// RecentSearchActionsGlobal lists the newest trigger history rows overall.
func (s *Store) RecentSearchActionsGlobal(ctx context.Context, limit int) ([]SearchAction, error) {
	return s.searchActions(ctx,
		`SELECT id, app_type, instance_id, COALESCE(instance_name, ''), COALESCE(item_key, ''), title, occurred_at
		 FROM search_action
		 ORDER BY id DESC LIMIT ?`,
		clampLimit(limit))
}

func (s *Store) searchActions(ctx context.Context, query string, args ...any) ([]SearchAction, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchAction
	for rows.Next() {
		var a SearchAction
		if err := rows.Scan(&a.ID, &a.AppType, &a.InstanceID, &a.InstanceName, &a.ItemKey, &a.Title, &a.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CycleRun is one row of cycle history.
type CycleRun struct {
	ID         int64          `json:"id"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at"`
	Status     string         `json:"status"`
	Stats      map[string]any `json:"stats"`
}

// RecentRuns lists the newest cycle_run rows.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]CycleRun, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, started_at, COALESCE(finished_at, ''), status, COALESCE(stats_json, '{}')
		 FROM cycle_run
		 ORDER BY id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleRun
	for rows.Next() {
		var r CycleRun
		var statsJSON string
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &statsJSON); err != nil {
			return nil, err
		}
		r.Stats = decodeStats(statsJSON)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InstanceRun is one row of per-instance run history.
type InstanceRun struct {
	ID           int64          `json:"id"`
	CycleRunID   int64          `json:"cycle_run_id"`
	AppType      string         `json:"app_type"`
	InstanceID   int            `json:"instance_id"`
	InstanceName string         `json:"instance_name"`
	StartedAt    string         `json:"started_at"`
	FinishedAt   string         `json:"finished_at"`
	Status       string         `json:"status"`
	Stats        map[string]any `json:"stats"`
}

// RecentInstanceRuns lists the newest instance_run rows for one instance.
func (s *Store) RecentInstanceRuns(ctx context.Context, appType string, instanceID, limit int) ([]InstanceRun, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, cycle_run_id, app_type, instance_id, COALESCE(instance_name, ''),
		        started_at, COALESCE(finished_at, ''), status, COALESCE(stats_json, '{}')
		 FROM instance_run
		 WHERE app_type = ? AND instance_id = ?
		 ORDER BY id DESC LIMIT ?`,
		appType, instanceID, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstanceRun
	for rows.Next() {
		var r InstanceRun
		var statsJSON string
		if err := rows.Scan(&r.ID, &r.CycleRunID, &r.AppType, &r.InstanceID, &r.InstanceName,
			&r.StartedAt, &r.FinishedAt, &r.Status, &statsJSON); err != nil {
			return nil, err
		}
		r.Stats = decodeStats(statsJSON)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastInstanceRun returns the most recent instance_run row, or nil.
func (s *Store) LastInstanceRun(ctx context.Context, appType string, instanceID int) (*InstanceRun, error) {
	runs, err := s.RecentInstanceRuns(ctx, appType, instanceID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// PruneRunHistory keeps the newest keep rows of cycle and instance history.
func (s *Store) PruneRunHistory(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM cycle_run WHERE id NOT IN (SELECT id FROM cycle_run ORDER BY id DESC LIMIT ?)`,
		keep,
	); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM instance_run WHERE id NOT IN (SELECT id FROM instance_run ORDER BY id DESC LIMIT ?)`,
		keep,
	)
	return err
}

func decodeStats(raw string) map[string]any {
	stats := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		return map[string]any{}
	}
	return stats
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	return limit
}
