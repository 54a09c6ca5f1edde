package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/comfyrun/comfyrun/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRecordStartStopRoundtrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	rec := store.Record{Name: "comfyui", PID: 1111, StartedAt: started}
	if err := db.RecordStart(ctx, rec); err != nil {
		t.Fatalf("record start: %v", err)
	}

	got, err := db.GetByName(ctx, "comfyui", 0)
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].PID != 1111 || !got[0].Running || got[0].StoppedAt.Valid {
		t.Fatalf("unexpected record: %+v", got[0])
	}

	stopped := started.Add(time.Second)
	if err := db.RecordStop(ctx, rec.Key(), stopped, errors.New("signal: terminated")); err != nil {
		t.Fatalf("record stop: %v", err)
	}
	got, err = db.GetByName(ctx, "comfyui", 0)
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got[0].Running || !got[0].StoppedAt.Valid {
		t.Fatalf("stop not recorded: %+v", got[0])
	}
	if !got[0].ExitErr.Valid || got[0].ExitErr.String != "signal: terminated" {
		t.Fatalf("exit err not recorded: %+v", got[0].ExitErr)
	}
}

func TestRecordStartIdempotentPerRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec := store.Record{Name: "worker", PID: 5, StartedAt: time.Now().UTC()}
	if err := db.RecordStart(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.PID = 6 // same run key, new observation
	if err := db.RecordStart(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetByName(ctx, "worker", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PID != 6 {
		t.Fatalf("upsert by uniq failed: %+v", got)
	}
}

func TestGetRunning(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := store.Record{Name: "comfyui", PID: 1, StartedAt: time.Now().UTC()}
	b := store.Record{Name: "worker", PID: 2, StartedAt: time.Now().UTC().Add(time.Millisecond)}
	for _, r := range []store.Record{a, b} {
		if err := db.RecordStart(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.RecordStop(ctx, a.Key(), time.Now().UTC(), nil); err != nil {
		t.Fatal(err)
	}
	running, err := db.GetRunning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].Name != "worker" {
		t.Fatalf("expected only worker running, got %+v", running)
	}
}

func TestJobRecordRoundtrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ok := store.JobRecord{PromptID: "p1", Outcome: "ok", DurationMS: 4200}
	if err := db.RecordJob(ctx, ok); err != nil {
		t.Fatalf("record job: %v", err)
	}
	failed := store.JobRecord{
		Outcome:    "timeout",
		Error:      sql.NullString{String: "workflow p2 not finished after 5m0s", Valid: true},
		DurationMS: 300000,
		CreatedAt:  time.Now().UTC().Add(time.Second),
	}
	if err := db.RecordJob(ctx, failed); err != nil {
		t.Fatalf("record job: %v", err)
	}

	jobs, err := db.RecentJobs(ctx, 0)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Outcome != "timeout" || !jobs[0].Error.Valid {
		t.Fatalf("newest job first expected, got %+v", jobs[0])
	}
	if jobs[1].PromptID != "p1" || jobs[1].Outcome != "ok" || jobs[1].Error.Valid {
		t.Fatalf("unexpected job record: %+v", jobs[1])
	}
}

func TestRecentJobsLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := store.JobRecord{PromptID: "p", Outcome: "ok", CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second)}
		if err := db.RecordJob(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	jobs, err := db.RecentJobs(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
}

func TestPurgeOlderThan(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec := store.Record{Name: "old", PID: 1, StartedAt: time.Now().UTC().Add(-time.Hour)}
	if err := db.RecordStart(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordStop(ctx, rec.Key(), time.Now().UTC().Add(-time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	// stopped rows older than the cutoff go away, running rows stay
	live := store.Record{Name: "live", PID: 2, StartedAt: time.Now().UTC()}
	if err := db.RecordStart(ctx, live); err != nil {
		t.Fatal(err)
	}
	n, err := db.PurgeOlderThan(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	running, err := db.GetRunning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].Name != "live" {
		t.Fatalf("live row should survive purge: %+v", running)
	}
}
