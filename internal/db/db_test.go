package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/tsweb"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/sweep"
	"github.com/banshee-data/labsweep/internal/timeutil"
	"github.com/banshee-data/labsweep/internal/worker"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "sweeps.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_AppliesMigrations(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion(Migrations())
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("version = %d dirty = %v, want 2 false", version, dirty)
	}

	for _, table := range []string{"sweep_runs", "sweep_points"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)

	if err := db.MigrateDown(Migrations()); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	version, _, err := db.MigrateVersion(Migrations())
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("version after down = %d, want 1", version)
	}

	if err := db.MigrateUp(Migrations()); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	// already at the latest version
	if err := db.MigrateUp(Migrations()); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}
}

func TestNewDB_InMemory(t *testing.T) {
	db, err := NewDB(":memory:")
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, ":memory:", db.Path())

	rec := NewRecorder(db, nil)
	runs, err := rec.Runs(10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRecorder_SweepRoundTrip(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := NewRecorder(db, clock)

	sched := worker.NewScheduler(worker.WithPoolSize(1), worker.WithClock(clock))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	}()
	runner := sweep.NewRunner(sched, nil, rec, sweep.WithClock(clock))

	dev := instrument.NewDummy("dev")
	dac1, err := dev.Parameter("dac1")
	require.NoError(t, err)
	dac2, err := dev.Parameter("dac2")
	require.NoError(t, err)
	require.NoError(t, dev.Poke("dac2", 3.25))

	run, err := runner.Run(sweep.New(dac1, 0, 10, 3, 100*time.Millisecond, sweep.Read{Param: dac2}), "loop1")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))

	got, err := rec.Run(run.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, "loop1", got.Name)
	assert.Equal(t, "dev_dac1", got.Swept)
	assert.Equal(t, 3, got.Steps)
	assert.Equal(t, "100ms", got.Delay)
	assert.Equal(t, "[0, 10, 3, 0.1].dev_dac2", got.Description)
	assert.Equal(t, sweep.StatusComplete, got.Status)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.After(got.StartedAt))

	points, err := rec.Points(run.Data.ID)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 3, points[2].Seq)
	assert.Equal(t, "dev_dac2", points[2].Param)
	assert.Equal(t, 3.25, points[2].Value)
	assert.Equal(t, []sweep.Setpoint{{Param: "dev_dac1", Value: 10}}, points[2].Setpoints)

	runs, err := rec.Runs(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.Data.ID, runs[0].ID)
}

func TestRecorder_FailedRunKeepsError(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, nil)
	dev := instrument.NewDummy("dev")
	dac1, _ := dev.Parameter("dac1")

	h, err := rec.Begin("broken", sweep.New(dac1, 0, 1, 2, 0))
	require.NoError(t, err)
	require.NoError(t, rec.Record(h, sweep.Point{Seq: 1, Param: "dev_dac1", Value: 1, At: time.Now()}))
	require.NoError(t, rec.Finish(h, sweep.StatusError, errors.New("dev_dac1: bus timeout")))

	got, err := rec.Run(h.ID)
	require.NoError(t, err)
	assert.Equal(t, sweep.StatusError, got.Status)
	assert.Equal(t, "dev_dac1: bus timeout", got.Error)
}

func TestRecorder_UnknownRun(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, nil)

	err := rec.Finish(sweep.DataHandle{ID: "missing", Name: "ghost"}, sweep.StatusComplete, nil)
	assert.ErrorIs(t, err, ErrUnknownRun)

	_, err = rec.Run("missing")
	assert.ErrorIs(t, err, ErrUnknownRun)

	assert.ErrorIs(t, rec.DeleteRun("missing"), ErrUnknownRun)

	// points must belong to a run
	err = rec.Record(sweep.DataHandle{ID: "missing"}, sweep.Point{Seq: 1, Param: "x", At: time.Now()})
	assert.Error(t, err)
}

func TestRecorder_DeleteRunCascades(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, nil)
	dev := instrument.NewDummy("dev")
	dac1, _ := dev.Parameter("dac1")

	h, err := rec.Begin("doomed", sweep.New(dac1, 0, 1, 2, 0))
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		require.NoError(t, rec.Record(h, sweep.Point{Seq: i, Param: "dev_dac1", At: time.Now()}))
	}

	require.NoError(t, rec.DeleteRun(h.ID))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sweep_points WHERE run_id = ?`, h.ID).Scan(&n))
	assert.Zero(t, n)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	debug := tsweb.Debugger(mux)
	require.NoError(t, db.AttachAdminRoutes(debug))

	req := httptest.NewRequest(http.MethodGet, "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "tailsql")

	req = httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Body.String(), "SQLite format 3"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "backup-")
}
