package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/cubesched/internal/logging"
	"github.com/me/cubesched/internal/scheduler"
	"github.com/me/cubesched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: writes serialize anyway, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.Component(logger, "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.RunRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	state := run.State
	if state == "" {
		state = model.RunStateRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, state, axis, expected, output_dir, manifest_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, string(state), run.Axis, run.Expected, run.OutputDir, run.ManifestPath,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ReopenRun marks a finished run as running again for a resume.
func (s *SQLiteStore) ReopenRun(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "reopen", "table", "runs", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state=?, completed_at=NULL WHERE id=?`,
		string(model.RunStateRunning), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

const runColumns = `id, name, state, axis, expected, output_dir, manifest_path, report, created_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*model.RunRecord, error) {
	var run model.RunRecord
	var state, reportJSON, createdAt string
	var completedAt *string
	if err := row.Scan(&run.ID, &run.Name, &state, &run.Axis, &run.Expected, &run.OutputDir,
		&run.ManifestPath, &reportJSON, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	run.State = model.RunState(state)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if completedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *completedAt)
		run.CompletedAt = &t
	}
	if reportJSON != "" {
		var report model.RunReport
		if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
		run.Report = &report
	}
	return &run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs newest first. limit <= 0 means no limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*model.RunRecord, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", limit)

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, state model.RunState, report *model.RunReport) error {
	s.logger.Debug("sql", "op", "finish", "table", "runs", "id", id, "state", state)

	if !state.IsTerminal() {
		return fmt.Errorf("finish run %s: %s is not a terminal state", id, state)
	}
	var reportJSON string
	if report != nil {
		data, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		reportJSON = string(data)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state=?, report=?, completed_at=? WHERE id=?`,
		string(state), reportJSON, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// --- Units ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertUnit(ctx context.Context, db execer, u *model.UnitRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO units (run_id, unit_id, kind, channel_index, profile_id, state, attempts,
		   worker, category, detail, output_path, weight_path, container, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, unit_id) DO UPDATE SET
		   kind=excluded.kind, channel_index=excluded.channel_index, profile_id=excluded.profile_id,
		   state=excluded.state, attempts=excluded.attempts, worker=excluded.worker,
		   category=excluded.category, detail=excluded.detail, output_path=excluded.output_path,
		   weight_path=excluded.weight_path, container=excluded.container, updated_at=excluded.updated_at`,
		u.RunID, u.UnitID, string(u.Kind), u.ChannelIndex, u.ProfileID, string(u.State), u.Attempts,
		u.Worker, string(u.Category), u.Detail, u.OutputPath, u.WeightPath, u.Container,
		updatedAt(u).Format(time.RFC3339Nano),
	)
	return err
}

func updatedAt(u *model.UnitRecord) time.Time {
	if u.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return u.UpdatedAt.UTC()
}

// UpsertUnit inserts u or replaces the stored record. Resubmitting a unit
// starts its life over, so no transition check applies.
func (s *SQLiteStore) UpsertUnit(ctx context.Context, u *model.UnitRecord) error {
	s.logger.Debug("sql", "op", "upsert", "table", "units", "run_id", u.RunID, "unit_id", u.UnitID)
	return upsertUnit(ctx, s.db, u)
}

func currentState(ctx context.Context, db queryer, runID, unitID string) (model.UnitState, error) {
	var state string
	err := db.QueryRowContext(ctx,
		`SELECT state FROM units WHERE run_id = ? AND unit_id = ?`, runID, unitID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("unit %s not found in run %s", unitID, runID)
	}
	return model.UnitState(state), err
}

func updateUnitState(ctx context.Context, tx *sql.Tx, u *model.UnitRecord) error {
	from, err := currentState(ctx, tx, u.RunID, u.UnitID)
	if err != nil {
		return err
	}
	if !from.CanTransitionTo(u.State) {
		return &model.InvalidTransitionError{
			Entity: "WorkUnit",
			ID:     u.UnitID,
			From:   string(from),
			To:     string(u.State),
		}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE units SET state=?, attempts=?, worker=?, category=?, detail=?, updated_at=?
		 WHERE run_id=? AND unit_id=?`,
		string(u.State), u.Attempts, u.Worker, string(u.Category), u.Detail,
		updatedAt(u).Format(time.RFC3339Nano), u.RunID, u.UnitID)
	return err
}

// UpdateUnitState moves a stored unit to u.State, rejecting transitions the
// unit lifecycle does not allow.
func (s *SQLiteStore) UpdateUnitState(ctx context.Context, u *model.UnitRecord) error {
	s.logger.Debug("sql", "op", "update_state", "table", "units", "unit_id", u.UnitID, "state", u.State)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := updateUnitState(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

const unitColumns = `run_id, unit_id, kind, channel_index, profile_id, state, attempts, worker,
	category, detail, output_path, weight_path, container, updated_at`

func scanUnit(row interface{ Scan(...any) error }) (*model.UnitRecord, error) {
	var u model.UnitRecord
	var kind, state, category, updated string
	if err := row.Scan(&u.RunID, &u.UnitID, &kind, &u.ChannelIndex, &u.ProfileID, &state, &u.Attempts,
		&u.Worker, &category, &u.Detail, &u.OutputPath, &u.WeightPath, &u.Container, &updated); err != nil {
		return nil, err
	}
	u.Kind = model.WorkUnitKind(kind)
	u.State = model.UnitState(state)
	u.Category = model.FailureCategory(category)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &u, nil
}

func (s *SQLiteStore) GetUnit(ctx context.Context, runID, unitID string) (*model.UnitRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "units", "run_id", runID, "unit_id", unitID)

	u, err := scanUnit(s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM units WHERE run_id = ? AND unit_id = ?`, runID, unitID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ListUnits returns the units of a run ordered by kind then channel.
func (s *SQLiteStore) ListUnits(ctx context.Context, runID string) ([]*model.UnitRecord, error) {
	s.logger.Debug("sql", "op", "list", "table", "units", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM units WHERE run_id = ? ORDER BY kind, channel_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []*model.UnitRecord
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// ListEvents returns the transition history of one unit, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID, unitID string) ([]*model.UnitEvent, error) {
	s.logger.Debug("sql", "op", "list", "table", "unit_events", "run_id", runID, "unit_id", unitID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, unit_id, from_state, to_state, attempt, worker, category, detail, at
		 FROM unit_events WHERE run_id = ? AND unit_id = ? ORDER BY id`, runID, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.UnitEvent
	for rows.Next() {
		var ev model.UnitEvent
		var from, to, category, at string
		if err := rows.Scan(&ev.RunID, &ev.UnitID, &from, &to, &ev.Attempt, &ev.Worker,
			&category, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.From = model.UnitState(from)
		ev.To = model.UnitState(to)
		ev.Category = model.FailureCategory(category)
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// RecordTransition persists a scheduler transition and appends it to the
// unit's history. A transition with no From state (re)creates the unit.
func (s *SQLiteStore) RecordTransition(ctx context.Context, tr scheduler.Transition) error {
	s.logger.Debug("sql", "op", "transition", "unit_id", tr.Unit.ID, "from", tr.From, "to", tr.To)

	rec := &model.UnitRecord{
		RunID:        tr.RunID,
		UnitID:       tr.Unit.ID,
		Kind:         tr.Unit.Kind,
		ChannelIndex: tr.Unit.ChannelIndex,
		ProfileID:    tr.Unit.ProfileID,
		State:        tr.To,
		Attempts:     tr.Attempt,
		Worker:       tr.Worker,
		Category:     tr.Category,
		Detail:       tr.Detail,
		OutputPath:   tr.Unit.OutputPath,
		WeightPath:   tr.Unit.WeightPath,
		Container:    tr.Unit.Container,
		UpdatedAt:    tr.At,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if tr.From == "" {
		err = upsertUnit(ctx, tx, rec)
	} else {
		err = updateUnitState(ctx, tx, rec)
	}
	if err != nil {
		return fmt.Errorf("record %s → %s for %s: %w", tr.From, tr.To, tr.Unit.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO unit_events (run_id, unit_id, from_state, to_state, attempt, worker, category, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.RunID, tr.Unit.ID, string(tr.From), string(tr.To), tr.Attempt, tr.Worker,
		string(tr.Category), tr.Detail, updatedAt(rec).Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

var _ Store = (*SQLiteStore)(nil)
