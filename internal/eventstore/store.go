package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voicereport/internal/config"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var ErrNotFound = errors.New("report not found")

// Event represents a recorded timeline entry of one interaction.
type Event struct {
	ID            int64
	InteractionID string
	Type          string
	Payload       []byte
	CreatedAt     time.Time
}

// Report is one entry of the report history.
type Report struct {
	ID            string    `json:"id"`
	InteractionID string    `json:"interactionId"`
	Source        string    `json:"source"`
	Command       string    `json:"command"`
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	ReportURL     string    `json:"reportUrl,omitempty"`
	DownloadURL   string    `json:"downloadUrl,omitempty"`
	RecordCount   int       `json:"recordCount"`
	Result        []byte    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store wraps the SQLite report history and interaction timeline. The
// ephemeral retention mode keeps everything in memory for the process
// lifetime.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))

	var dsn string
	if cfg.RetentionMode == "ephemeral" {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	} else {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.RetentionMode == "ephemeral" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && cfg.RetentionMode != "ephemeral" {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS interactions (
    interaction_id TEXT PRIMARY KEY,
    source TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    interaction_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(interaction_id) REFERENCES interactions(interaction_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_interaction_created ON events(interaction_id, created_at);
CREATE TABLE IF NOT EXISTS reports (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    report_id TEXT NOT NULL UNIQUE,
    interaction_id TEXT,
    source TEXT,
    command TEXT,
    success INTEGER NOT NULL,
    message TEXT,
    report_url TEXT,
    download_url TEXT,
    record_count INTEGER NOT NULL DEFAULT 0,
    result BLOB,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.db != nil && s.db.PingContext(ctx) == nil
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	ts, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// AppendInteraction ensures an interaction row exists.
func (s *Store) AppendInteraction(ctx context.Context, interactionID, source string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions(interaction_id, source, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(interaction_id) DO UPDATE SET source=COALESCE(NULLIF(excluded.source, ''), interactions.source)`,
		interactionID, source, s.now())
	return err
}

// AppendEvent writes a timeline entry. The interaction row must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(interaction_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.InteractionID, evt.Type, evt.Payload, created)
	return err
}

// ListInteractionEvents retrieves up to limit events for an interaction ordered ascending by time.
func (s *Store) ListInteractionEvents(ctx context.Context, interactionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, interaction_id, event_type, payload, created_at
		 FROM events WHERE interaction_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, interactionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.InteractionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveReport appends a report to the history and returns it with its ID and
// creation time filled in.
func (s *Store) SaveReport(ctx context.Context, r Report) (Report, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports(report_id, interaction_id, source, command, success, message, report_url, download_url, record_count, result, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.InteractionID, r.Source, r.Command, r.Success, r.Message, r.ReportURL, r.DownloadURL, r.RecordCount, r.Result,
		r.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}
	return r, nil
}

const reportColumns = `report_id, interaction_id, source, command, success, message, report_url, download_url, record_count, result, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (Report, error) {
	var (
		r           Report
		interaction sql.NullString
		created     string
	)
	if err := row.Scan(&r.ID, &interaction, &r.Source, &r.Command, &r.Success, &r.Message, &r.ReportURL, &r.DownloadURL, &r.RecordCount, &r.Result, &created); err != nil {
		return Report{}, err
	}
	r.InteractionID = interaction.String
	r.CreatedAt = parseTime(created)
	return r, nil
}

// ListReports returns up to limit reports, newest first.
func (s *Store) ListReports(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM reports ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// GetReport looks up one report by ID.
func (s *Store) GetReport(ctx context.Context, id string) (Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE report_id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	return r, err
}

// Prune applies configured retention (called on startup and on a schedule).
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 && s.cfg.RetentionMode == "persistent" {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM reports WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM interactions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxReports > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM reports WHERE seq IN (
			SELECT seq FROM reports ORDER BY seq DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxReports)
		if err != nil {
			return err
		}
		// Timelines outlive their reports otherwise. The newest interactions
		// stay even without a report so a live one keeps its rows.
		_, err = tx.ExecContext(ctx, `DELETE FROM interactions
			WHERE interaction_id NOT IN (SELECT interaction_id FROM reports WHERE interaction_id IS NOT NULL)
			AND rowid NOT IN (SELECT rowid FROM interactions ORDER BY rowid DESC LIMIT ?)`, s.cfg.MaxReports)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
