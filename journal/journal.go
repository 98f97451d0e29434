package journal

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hazyhaar/domdrive/drive"
)

// Journal records run history. All Record methods are best-effort: a
// write failure is logged and swallowed so it can never interrupt the
// run being recorded.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger}
}

// RunRecord is one row of run history.
type RunRecord struct {
	RunID         string     `json:"run_id"`
	CommandType   string     `json:"command_type"`
	Status        string     `json:"status"`
	TotalSteps    int        `json:"total_steps"`
	ExecutedSteps int        `json:"executed_steps"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// RecordStart opens a run row in the starting state.
func (j *Journal) RecordStart(ctx context.Context, runID, commandType string, totalSteps int) {
	err := execRetry(ctx, j.db, `
		INSERT INTO runs (run_id, command_type, status, total_steps)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			command_type = excluded.command_type,
			status       = excluded.status,
			total_steps  = excluded.total_steps`,
		runID, commandType, string(drive.StatusStarting), totalSteps)
	if err != nil {
		j.logger.Warn("journal: record start failed", "run_id", runID, "error", err)
	}
}

// RecordUpdate mirrors a progress publication into the run row. Wired
// as a poller callback.
func (j *Journal) RecordUpdate(ctx context.Context, st drive.RunState) {
	err := execRetry(ctx, j.db, `
		UPDATE runs SET status = ?, executed_steps = ?, total_steps = ?
		WHERE run_id = ?`,
		string(st.Status), st.ExecutedSteps, st.TotalSteps, st.RunID)
	if err != nil {
		j.logger.Warn("journal: record update failed", "run_id", st.RunID, "error", err)
	}
}

// RecordEnd closes the run row with its terminal outcome and per-step
// results.
func (j *Journal) RecordEnd(ctx context.Context, res drive.Result) {
	status := drive.StatusDone
	switch {
	case res.Cancelled:
		status = drive.StatusCancelled
	case !res.OK:
		status = drive.StatusError
	}
	err := execRetry(ctx, j.db, `
		UPDATE runs SET status = ?, executed_steps = ?, error = ?, ended_at = CURRENT_TIMESTAMP
		WHERE run_id = ?`,
		string(status), res.ExecutedSteps, res.Error, res.RunID)
	if err != nil {
		j.logger.Warn("journal: record end failed", "run_id", res.RunID, "error", err)
	}

	for _, s := range res.Steps {
		err := execRetry(ctx, j.db, `
			INSERT INTO run_steps (run_id, step_index, step_type, executed, skipped, reason, matched_by)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, s.Index, string(s.Type), boolInt(s.Executed), boolInt(s.Skipped), s.Reason, s.MatchedBy)
		if err != nil {
			j.logger.Warn("journal: record step failed",
				"run_id", res.RunID, "step", s.Index, "error", err)
			return
		}
	}
}

// RecentRuns returns the latest runs, newest first.
func (j *Journal) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, command_type, status, total_steps, executed_steps, error, started_at, ended_at
		FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var ended sql.NullTime
		if err := rows.Scan(&r.RunID, &r.CommandType, &r.Status, &r.TotalSteps,
			&r.ExecutedSteps, &r.Error, &r.StartedAt, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Steps returns the recorded step outcomes of one run in order.
func (j *Journal) Steps(ctx context.Context, runID string) ([]drive.StepResult, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT step_index, step_type, executed, skipped, reason, matched_by
		FROM run_steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []drive.StepResult
	for rows.Next() {
		var s drive.StepResult
		var executed, skipped int
		var typ string
		if err := rows.Scan(&s.Index, &typ, &executed, &skipped, &s.Reason, &s.MatchedBy); err != nil {
			return nil, err
		}
		s.Type = drive.ActionType(typ)
		s.Executed = executed != 0
		s.Skipped = skipped != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
