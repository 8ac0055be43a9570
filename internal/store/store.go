// Package store persists run reports in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/report"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no report has the requested ID.
var ErrNotFound = errors.New("report not found")

// Record is the listing view of a stored report.
type Record struct {
	ID             string             `db:"id" json:"id"`
	ConversationID string             `db:"conversation_id" json:"conversation_id"`
	Status         report.Status      `db:"status" json:"status"`
	Termination    report.Termination `db:"termination" json:"termination"`
	Summary        string             `db:"summary" json:"summary"`
	Iterations     int                `db:"iterations" json:"iterations"`
	ToolCalls      int                `db:"tool_calls" json:"tool_calls"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
}

// ToolTotal aggregates one tool's calls across all stored reports.
type ToolTotal struct {
	Name        string  `json:"name"`
	Runs        int     `json:"runs"`
	Calls       int     `json:"calls"`
	Failures    int     `json:"failures"`
	FailureRate float64 `json:"failure_rate"`
}

// Store handles SQLite operations for report history.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Debug("store: opened %s", path)
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		summary TEXT,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS report_tools (
		report_id TEXT NOT NULL,
		name TEXT NOT NULL,
		calls INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (report_id, name),
		FOREIGN KEY (report_id) REFERENCES reports(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
	CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create initial schema: %w", err)
	}

	// Columns added after the first release are derived from Record.
	return s.autoMigrateTable("reports", &Record{})
}

// autoMigrateTable adds missing columns to a table based on struct tags
func (s *Store) autoMigrateTable(tableName string, model interface{}) error {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	existing := make(map[string]bool)
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			cid       int
			name      string
			dtype     string
			notnull   int
			dfltValue interface{}
			pk        int
		)
		if err := rows.Scan(&cid, &name, &dtype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[strings.ToLower(name)] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		column := strings.Split(tag, ",")[0]
		if existing[strings.ToLower(column)] {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", tableName, column, sqliteType(field.Type))
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to add column %s: %w", column, err)
		}
	}
	return nil
}

// sqliteType returns the SQLite column type for a Go type
func sqliteType(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "TEXT"
	case reflect.Int, reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8,
		reflect.Uint, reflect.Uint64, reflect.Uint32, reflect.Uint16, reflect.Uint8:
		return "INTEGER NOT NULL DEFAULT 0"
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Float64, reflect.Float32:
		return "REAL"
	default:
		if t.PkgPath() == "time" && t.Name() == "Time" {
			return "DATETIME"
		}
		return "TEXT"
	}
}

// Report operations

// Save stores r, replacing a report with the same ID.
func (s *Store) Save(r *report.Report) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("report must have an ID")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	created := r.FinishedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	toolCalls := 0
	for _, stat := range r.ToolStats {
		toolCalls += stat.Calls
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO reports (id, conversation_id, status, termination, summary, iterations, tool_calls, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ConversationID, string(r.Status), string(r.Termination), r.Summary, r.Iterations, toolCalls, string(payload), created.UTC()); err != nil {
		return fmt.Errorf("failed to save report %s: %w", r.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM report_tools WHERE report_id = ?`, r.ID); err != nil {
		return err
	}
	for _, stat := range r.ToolStats {
		if _, err := tx.Exec(`
			INSERT INTO report_tools (report_id, name, calls, failures) VALUES (?, ?, ?, ?)
		`, r.ID, stat.Name, stat.Calls, stat.Failures); err != nil {
			return fmt.Errorf("failed to save tool stats of %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Get loads the full report with the given ID.
func (s *Store) Get(id string) (*report.Report, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM reports WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var r report.Report
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", id, err)
	}
	return &r, nil
}

// List returns up to limit reports, newest first. An empty status lists
// every status; a non-positive limit lists everything.
func (s *Store) List(limit int, status report.Status) ([]Record, error) {
	query := `
		SELECT id, conversation_id, status, termination, summary, iterations, tool_calls, created_at
		FROM reports`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec         Record
			status      string
			termination sql.NullString
			summary     sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &status, &termination, &summary,
			&rec.Iterations, &rec.ToolCalls, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Status = report.Status(status)
		rec.Termination = report.Termination(termination.String)
		rec.Summary = summary.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes the report with the given ID.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ToolTotals aggregates tool usage over every stored report, most used first.
func (s *Store) ToolTotals() ([]ToolTotal, error) {
	rows, err := s.db.Query(`
		SELECT
			name,
			COUNT(DISTINCT report_id) AS runs,
			COALESCE(SUM(calls), 0) AS calls,
			COALESCE(SUM(failures), 0) AS failures
		FROM report_tools
		GROUP BY name
		ORDER BY calls DESC, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []ToolTotal
	for rows.Next() {
		var t ToolTotal
		if err := rows.Scan(&t.Name, &t.Runs, &t.Calls, &t.Failures); err != nil {
			return nil, err
		}
		if t.Calls > 0 {
			t.FailureRate = float64(t.Failures) / float64(t.Calls) * 100
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
