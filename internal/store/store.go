// Package store handles SQLite persistence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"

	_ "modernc.org/sqlite" // SQLite driver.
)

// Timestamps are stored in UTC with fixed-width fractions so text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	settingMmPerPulse    = "mm_per_pulse"
	settingAutoCalibrate = "auto_calibrate"
)

// Store wraps SQLite access for calibration and print history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The monitor writes from several goroutines; one connection serializes them.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		if cerr := db.Close(); cerr != nil {
			// Best-effort close on migration failure.
			_ = cerr
		}
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS prints (
			id INTEGER PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			end_status INTEGER NOT NULL,
			filename TEXT NOT NULL,
			layer INTEGER NOT NULL,
			total_layer INTEGER NOT NULL,
			progress INTEGER NOT NULL,
			expected_mm REAL NOT NULL,
			actual_mm REAL NOT NULL,
			pulses INTEGER NOT NULL,
			mm_per_pulse REAL NOT NULL,
			jams INTEGER NOT NULL,
			pauses INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			pass_ratio REAL NOT NULL,
			deficit_mm REAL NOT NULL,
			hard_pct REAL NOT NULL,
			soft_pct REAL NOT NULL,
			pulses INTEGER NOT NULL,
			expected_mm REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS flow_samples (
			at TEXT NOT NULL,
			expected_mm REAL NOT NULL,
			actual_mm REAL NOT NULL,
			expected_rate REAL NOT NULL,
			actual_rate REAL NOT NULL,
			pass_ratio REAL NOT NULL,
			hard_pct REAL NOT NULL,
			soft_pct REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_prints_ended_at ON prints(ended_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);`,
		`CREATE INDEX IF NOT EXISTS idx_flow_samples_at ON flow_samples(at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadCalibration returns the persisted calibration. ok is false when none was saved.
func (s *Store) LoadCalibration(ctx context.Context) (cal model.Calibration, ok bool, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM settings WHERE key IN (?, ?)`,
		settingMmPerPulse, settingAutoCalibrate)
	if err != nil {
		return model.Calibration{}, false, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	for rows.Next() {
		var key, value, updatedAt string
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return model.Calibration{}, false, err
		}
		at, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return model.Calibration{}, false, err
		}
		if at.After(cal.UpdatedAt) {
			cal.UpdatedAt = at
		}
		switch key {
		case settingMmPerPulse:
			mm, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return model.Calibration{}, false, fmt.Errorf("failed to parse %s: %w", key, err)
			}
			cal.MmPerPulse = mm
			ok = true
		case settingAutoCalibrate:
			auto, err := strconv.ParseBool(value)
			if err != nil {
				return model.Calibration{}, false, fmt.Errorf("failed to parse %s: %w", key, err)
			}
			cal.AutoCalibrate = auto
			ok = true
		}
	}
	if err := rows.Err(); err != nil {
		return model.Calibration{}, false, err
	}
	return cal, ok, nil
}

// SaveCalibration persists mm/pulse and the auto-calibration flag.
func (s *Store) SaveCalibration(ctx context.Context, cal model.Calibration) (err error) {
	if cal.MmPerPulse <= 0 {
		return errors.New("mm per pulse must be > 0")
	}
	updatedAt := cal.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				// Best-effort rollback.
				_ = rerr
			}
		}
	}()

	values := map[string]string{
		settingMmPerPulse:    strconv.FormatFloat(cal.MmPerPulse, 'f', -1, 64),
		settingAutoCalibrate: strconv.FormatBool(cal.AutoCalibrate),
	}
	for key, value := range values {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, formatTime(updatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ResetCalibration removes the persisted calibration so configured values apply again.
func (s *Store) ResetCalibration(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key IN (?, ?)`, settingMmPerPulse, settingAutoCalibrate)
	return err
}

// InsertPrint stores a finished print summary.
func (s *Store) InsertPrint(ctx context.Context, p model.PrintRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prints (started_at, ended_at, end_status, filename, layer, total_layer, progress, expected_mm, actual_mm, pulses, mm_per_pulse, jams, pauses)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(p.StartedAt),
		formatTime(p.EndedAt),
		int(p.EndStatus),
		p.Filename,
		p.Layer,
		p.TotalLayer,
		p.Progress,
		p.ExpectedMm,
		p.ActualMm,
		int64(p.Pulses),
		p.MmPerPulse,
		p.Jams,
		p.Pauses,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertEvent stores one session event.
func (s *Store) InsertEvent(ctx context.Context, e model.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (at, kind, detail, pass_ratio, deficit_mm, hard_pct, soft_pct, pulses, expected_mm)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(e.At),
		string(e.Kind),
		e.Detail,
		e.PassRatio,
		e.DeficitMm,
		e.HardPct,
		e.SoftPct,
		int64(e.Pulses),
		e.ExpectedMm,
	)
	return err
}

// InsertFlowPoints stores a batch of flow samples in one transaction.
func (s *Store) InsertFlowPoints(ctx context.Context, points []model.FlowPoint) (err error) {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				// Best-effort rollback.
				_ = rerr
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO flow_samples (at, expected_mm, actual_mm, expected_rate, actual_rate, pass_ratio, hard_pct, soft_pct)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stmt.Close(); cerr != nil {
			// Best-effort statement close.
			_ = cerr
		}
	}()
	for _, p := range points {
		if _, err = stmt.ExecContext(ctx,
			formatTime(p.At), p.ExpectedMm, p.ActualMm,
			p.ExpectedRate, p.ActualRate, p.PassRatio, p.HardPct, p.SoftPct); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PruneFlowPoints deletes flow samples older than before.
func (s *Store) PruneFlowPoints(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flow_samples WHERE at < ?`, formatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListPrints returns print summaries in end-time order, filtered by f.
func (s *Store) ListPrints(ctx context.Context, f model.HistoryFilter) ([]model.PrintRecord, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.Since != nil {
		clauses = append(clauses, "ended_at >= ?")
		args = append(args, formatTime(*f.Since))
	}
	query := fmt.Sprintf(`SELECT id, started_at, ended_at, end_status, filename, layer, total_layer, progress,
		expected_mm, actual_mm, pulses, mm_per_pulse, jams, pauses
		FROM prints
		WHERE %s
		ORDER BY ended_at DESC`, strings.Join(clauses, " AND "))
	if f.Last > 0 {
		query += " LIMIT ?"
		args = append(args, f.Last)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var prints []model.PrintRecord
	for rows.Next() {
		var (
			p                  model.PrintRecord
			startedAt, endedAt string
			endStatus          int
			pulses             int64
		)
		if err := rows.Scan(&p.ID, &startedAt, &endedAt, &endStatus, &p.Filename, &p.Layer, &p.TotalLayer, &p.Progress,
			&p.ExpectedMm, &p.ActualMm, &pulses, &p.MmPerPulse, &p.Jams, &p.Pauses); err != nil {
			return nil, err
		}
		if p.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, err
		}
		if p.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt); err != nil {
			return nil, err
		}
		p.EndStatus = model.PrintStatus(endStatus)
		p.Pulses = uint64(pulses)
		prints = append(prints, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first, matching plot order.
	for i, j := 0, len(prints)-1; i < j; i, j = i+1, j-1 {
		prints[i], prints[j] = prints[j], prints[i]
	}
	return prints, nil
}

// LastPrint returns the most recently finished print.
func (s *Store) LastPrint(ctx context.Context) (model.PrintRecord, bool, error) {
	prints, err := s.ListPrints(ctx, model.HistoryFilter{Last: 1})
	if err != nil || len(prints) == 0 {
		return model.PrintRecord{}, false, err
	}
	return prints[0], true, nil
}

// ListEvents returns events with from <= at <= to in time order.
func (s *Store) ListEvents(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, detail, pass_ratio, deficit_mm, hard_pct, soft_pct, pulses, expected_mm
		 FROM events
		 WHERE at >= ? AND at <= ?
		 ORDER BY at ASC, id ASC`,
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var events []model.Event
	for rows.Next() {
		var (
			e      model.Event
			at     string
			kind   string
			pulses int64
		)
		if err := rows.Scan(&at, &kind, &e.Detail, &e.PassRatio, &e.DeficitMm, &e.HardPct, &e.SoftPct, &pulses, &e.ExpectedMm); err != nil {
			return nil, err
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kind)
		e.Pulses = uint64(pulses)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ListFlowPoints returns flow samples with from <= at <= to in time order.
func (s *Store) ListFlowPoints(ctx context.Context, from, to time.Time) ([]model.FlowPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, expected_mm, actual_mm, expected_rate, actual_rate, pass_ratio, hard_pct, soft_pct
		 FROM flow_samples
		 WHERE at >= ? AND at <= ?
		 ORDER BY at ASC`,
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var points []model.FlowPoint
	for rows.Next() {
		var p model.FlowPoint
		var at string
		if err := rows.Scan(&at, &p.ExpectedMm, &p.ActualMm, &p.ExpectedRate, &p.ActualRate, &p.PassRatio, &p.HardPct, &p.SoftPct); err != nil {
			return nil, err
		}
		if p.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
