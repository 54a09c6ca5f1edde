package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/comfyrun/comfyrun/internal/process"
)

// Record is one persisted observation of a supervised service. Uniq
// identifies a single run of a service (name plus start time), so restarts
// produce new rows while updates to a run overwrite in place.
type Record struct {
	ID        int64
	Name      string
	PID       int
	Running   bool
	Restarts  int
	StartedAt time.Time
	StoppedAt sql.NullTime
	ExitErr   sql.NullString
	Uniq      string
	UpdatedAt time.Time
}

// Key returns the unique identity of this run.
func (r Record) Key() string {
	return fmt.Sprintf("%s@%d", r.Name, r.StartedAt.UTC().UnixNano())
}

// FromStatus converts a live service status into a Record.
func FromStatus(st process.Status) Record {
	rec := Record{
		Name:      st.Name,
		PID:       st.PID,
		Running:   st.Running,
		Restarts:  st.Restarts,
		StartedAt: st.StartedAt,
	}
	if !st.StoppedAt.IsZero() {
		rec.StoppedAt = sql.NullTime{Time: st.StoppedAt, Valid: true}
	}
	if st.ExitErr != nil {
		rec.ExitErr = sql.NullString{String: st.ExitErr.Error(), Valid: true}
	}
	rec.Uniq = rec.Key()
	return rec
}

// JobRecord is one processed generation job.
type JobRecord struct {
	ID         int64
	PromptID   string
	Outcome    string
	Error      sql.NullString
	DurationMS int64
	CreatedAt  time.Time
}

// Store persists service run state so a restarted supervisor can see what
// ran before it and operators can inspect run history.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordStart(ctx context.Context, rec Record) error
	RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitErr error) error
	GetByName(ctx context.Context, name string, limit int) ([]Record, error)
	GetRunning(ctx context.Context) ([]Record, error)
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	RecordJob(ctx context.Context, rec JobRecord) error
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	Close() error
}
