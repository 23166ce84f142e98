package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/labsweep/internal/sweep"
	"github.com/banshee-data/labsweep/internal/timeutil"
)

// ErrUnknownRun is returned for a run id that has no record.
var ErrUnknownRun = errors.New("unknown sweep run")

// Recorder stores sweep runs and their points. It implements sweep.Recorder.
type Recorder struct {
	db    *DB
	clock timeutil.Clock
}

// NewRecorder creates a Recorder over db. A nil clock uses the real clock.
func NewRecorder(db *DB, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{db: db, clock: clock}
}

// RunRecord is a row of sweep_runs.
type RunRecord struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Swept       string       `json:"swept"`
	Lower       float64      `json:"lower"`
	Upper       float64      `json:"upper"`
	Steps       int          `json:"steps"`
	Delay       string       `json:"delay"`
	Description string       `json:"description"`
	Status      sweep.Status `json:"status"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
}

func (r *Recorder) Begin(name string, def *sweep.Definition) (sweep.DataHandle, error) {
	h := sweep.DataHandle{ID: uuid.New().String(), Name: name}
	swept := ""
	if def.Swept != nil {
		swept = def.Swept.FullName()
	}
	_, err := r.db.Exec(`
		INSERT INTO sweep_runs (
			run_id, name, swept, lower_limit, upper_limit, steps, delay_ms,
			description, status, started_unix_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, name, swept, def.Lower, def.Upper, def.Steps, def.Delay.Milliseconds(),
		def.String(), string(sweep.StatusRunning), r.clock.Now().UnixNano(),
	)
	if err != nil {
		return sweep.DataHandle{}, fmt.Errorf("failed to insert sweep run %s: %w", name, err)
	}
	return h, nil
}

func (r *Recorder) Record(h sweep.DataHandle, p sweep.Point) error {
	setpoints, err := json.Marshal(p.Setpoints)
	if err != nil {
		return fmt.Errorf("failed to encode setpoints: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO sweep_points (run_id, seq, param, value, setpoints_json, recorded_unix_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, p.Seq, p.Param, p.Value, string(setpoints), p.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert point %d of %s: %w", p.Seq, h.Name, err)
	}
	return nil
}

func (r *Recorder) Finish(h sweep.DataHandle, status sweep.Status, runErr error) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := r.db.Exec(`
		UPDATE sweep_runs SET status = ?, error = ?, finished_unix_ns = ?
		WHERE run_id = ?`,
		string(status), msg, r.clock.Now().UnixNano(), h.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish sweep run %s: %w", h.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish %s: %w: %s", h.Name, ErrUnknownRun, h.ID)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (r *Recorder) Runs(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT run_id, name, swept, lower_limit, upper_limit, steps, delay_ms,
			description, status, error, started_unix_ns, finished_unix_ns
		FROM sweep_runs ORDER BY started_unix_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Run returns the record for id.
func (r *Recorder) Run(id string) (RunRecord, error) {
	row := r.db.QueryRow(`
		SELECT run_id, name, swept, lower_limit, upper_limit, steps, delay_ms,
			description, status, error, started_unix_ns, finished_unix_ns
		FROM sweep_runs WHERE run_id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (RunRecord, error) {
	var (
		rec      RunRecord
		status   string
		delayMs  int64
		errText  sql.NullString
		started  int64
		finished sql.NullInt64
	)
	if err := s.Scan(&rec.ID, &rec.Name, &rec.Swept, &rec.Lower, &rec.Upper, &rec.Steps, &delayMs,
		&rec.Description, &status, &errText, &started, &finished); err != nil {
		return RunRecord{}, err
	}
	rec.Status = sweep.Status(status)
	rec.Delay = (time.Duration(delayMs) * time.Millisecond).String()
	rec.Error = errText.String
	rec.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		rec.FinishedAt = &t
	}
	return rec, nil
}

// Points returns the points of run id in recording order.
func (r *Recorder) Points(id string) ([]sweep.Point, error) {
	rows, err := r.db.Query(`
		SELECT seq, param, value, setpoints_json, recorded_unix_ns
		FROM sweep_points WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sweep.Point
	for rows.Next() {
		var (
			p         sweep.Point
			setpoints string
			at        int64
		)
		if err := rows.Scan(&p.Seq, &p.Param, &p.Value, &setpoints, &at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(setpoints), &p.Setpoints); err != nil {
			return nil, fmt.Errorf("failed to decode setpoints of point %d: %w", p.Seq, err)
		}
		p.At = time.Unix(0, at).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and its points.
func (r *Recorder) DeleteRun(id string) error {
	res, err := r.db.Exec(`DELETE FROM sweep_runs WHERE run_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sweep run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return nil
}
