package sim

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ranware/macsched/internal/persistence/sqlite"
	"github.com/ranware/macsched/internal/sched"
)

const traceSchemaVersion = 1

const traceSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	seed        INTEGER NOT NULL,
	started_ms  INTEGER NOT NULL,
	finished_ms INTEGER,
	ttis        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tti_totals (
	run_id    TEXT    NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	tick      INTEGER NOT NULL,
	carrier   INTEGER NOT NULL,
	dl_grants INTEGER NOT NULL,
	ul_grants INTEGER NOT NULL,
	dl_bytes  INTEGER NOT NULL,
	ul_bytes  INTEGER NOT NULL,
	retx      INTEGER NOT NULL,
	PRIMARY KEY (run_id, tick, carrier)
);
`

// TraceStore persists per-TTI scheduling totals for offline analysis: one
// row per tick and carrier, tied to a run row carrying the seed and time
// range. Rows key on the running tick index, not the wrapped TTI, so long
// runs stay unique past the numbering wrap.
type TraceStore struct {
	db *sql.DB
}

// NewTraceStore opens or creates the trace database at path and brings
// the schema up to date.
func NewTraceStore(path string) (*TraceStore, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &TraceStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *TraceStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("sim: read schema version: %w", err)
	}
	if version >= traceSchemaVersion {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sim: begin migration: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, traceSchema); err != nil {
		return fmt.Errorf("sim: apply schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", traceSchemaVersion)); err != nil {
		return fmt.Errorf("sim: set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sim: commit migration: %w", err)
	}
	return nil
}

// BeginRun registers a run before its first tick.
func (s *TraceStore) BeginRun(ctx context.Context, id string, seed int64, started time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (id, seed, started_ms) VALUES (?, ?, ?)",
		id, seed, started.UnixMilli())
	if err != nil {
		return fmt.Errorf("sim: begin run: %w", err)
	}
	return nil
}

// RecordTTI folds one result into per-carrier totals and appends them.
func (s *TraceStore) RecordTTI(ctx context.Context, runID string, tick uint64, res *sched.TTIResult) error {
	if len(res.Carriers) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("INSERT INTO tti_totals (run_id, tick, carrier, dl_grants, ul_grants, dl_bytes, ul_bytes, retx) VALUES ")
	for i, cr := range res.Carriers {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		var dlGrants, ulGrants, dlBytes, ulBytes, retx int64
		for _, a := range cr.DL {
			dlGrants++
			dlBytes += int64(a.TBS)
			if a.IsRetx() {
				retx++
			}
		}
		for _, a := range cr.UL {
			ulGrants++
			ulBytes += int64(a.TBS)
			if a.IsRetx() {
				retx++
			}
		}
		args = append(args, runID, int64(tick), int64(cr.Carrier), dlGrants, ulGrants, dlBytes, ulBytes, retx)
	}
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("sim: record tick %d: %w", tick, err)
	}
	return nil
}

// FinishRun seals a run row with its final tick count and end time.
func (s *TraceStore) FinishRun(ctx context.Context, runID string, ticks uint64, finished time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_ms = ?, ttis = ? WHERE id = ?",
		finished.UnixMilli(), int64(ticks), runID)
	if err != nil {
		return fmt.Errorf("sim: finish run: %w", err)
	}
	return nil
}

// RunTotals aggregates everything recorded for one run.
type RunTotals struct {
	Rows    uint64
	Grants  uint64
	DLBytes uint64
	ULBytes uint64
	Retx    uint64
}

// Totals sums one run's recorded rows.
func (s *TraceStore) Totals(ctx context.Context, runID string) (RunTotals, error) {
	var t RunTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(dl_grants + ul_grants), 0),
		       COALESCE(SUM(dl_bytes), 0),
		       COALESCE(SUM(ul_bytes), 0),
		       COALESCE(SUM(retx), 0)
		FROM tti_totals WHERE run_id = ?`, runID).
		Scan(&t.Rows, &t.Grants, &t.DLBytes, &t.ULBytes, &t.Retx)
	if err != nil {
		return RunTotals{}, fmt.Errorf("sim: run totals: %w", err)
	}
	return t, nil
}

func (s *TraceStore) Close() error {
	return s.db.Close()
}
