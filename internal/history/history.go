package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/regselect/regselect/internal/agent"
)

// ErrNotFound is returned when a session id is unknown
var ErrNotFound = errors.New("session not found")

const emailListKey = "email_list"

// Record is one finished matching session
type Record struct {
	ID             string      `json:"id"`
	State          agent.State `json:"state"`
	Requested      int         `json:"requested"`
	Matched        int         `json:"matched"`
	CurrentPage    int         `json:"current_page"`
	TotalPages     int         `json:"total_pages"`
	PagesProcessed int         `json:"pages_processed"`
	Error          string      `json:"error,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at"`
	MatchedEmails  []string    `json:"matched_emails,omitempty"`
}

// Summary converts a stored session back into the agent's summary shape.
// Targets are not stored.
func (r Record) Summary() agent.Summary {
	return agent.Summary{
		ID:             r.ID,
		State:          r.State,
		Requested:      r.Requested,
		Matched:        r.Matched,
		MatchedEmails:  r.MatchedEmails,
		CurrentPage:    r.CurrentPage,
		TotalPages:     r.TotalPages,
		PagesProcessed: r.PagesProcessed,
		Error:          r.Error,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

type Store struct {
	db *sql.DB
}

// scanRecord handles nullable columns when scanning a row
func scanRecord(scanner interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var state string
	var errStr sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := scanner.Scan(&r.ID, &state, &r.Requested, &r.Matched, &r.CurrentPage, &r.TotalPages,
		&r.PagesProcessed, &errStr, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	r.State = agent.State(state)
	r.Error = errStr.String
	r.StartedAt = startedAt.Time
	r.FinishedAt = finishedAt.Time
	return &r, nil
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		requested INTEGER NOT NULL,
		matched INTEGER NOT NULL,
		current_page INTEGER NOT NULL,
		total_pages INTEGER NOT NULL,
		pages_processed INTEGER NOT NULL,
		error TEXT,
		started_at DATETIME,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);

	-- Emails selected by a session, in selection order
	CREATE TABLE IF NOT EXISTS session_matches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		email TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sm_session_id ON session_matches(session_id);
	`

	_, err := s.db.Exec(query)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// GetEmailList returns the saved list text, or "" when nothing was saved
func (s *Store) GetEmailList() (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, emailListKey).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load email list: %w", err)
	}
	return value, nil
}

// SaveEmailList stores the list text verbatim
func (s *Store) SaveEmailList(text string) error {
	_, err := s.db.Exec(`
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		emailListKey, text, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save email list: %w", err)
	}
	return nil
}

func (s *Store) ClearEmailList() error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, emailListKey); err != nil {
		return fmt.Errorf("failed to clear email list: %w", err)
	}
	return nil
}

// AddSession records a finished session and its matches
func (s *Store) AddSession(sum agent.Summary) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
	INSERT INTO sessions (id, state, requested, matched, current_page, total_pages, pages_processed, error, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, string(sum.State), sum.Requested, sum.Matched, sum.CurrentPage, sum.TotalPages,
		sum.PagesProcessed, sum.Error, sum.StartedAt, sum.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	for _, email := range sum.MatchedEmails {
		if _, err := tx.Exec(`INSERT INTO session_matches (session_id, email) VALUES (?, ?)`, sum.ID, email); err != nil {
			return fmt.Errorf("failed to insert match: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

const sessionColumns = `id, state, requested, matched, current_page, total_pages, pages_processed, error, started_at, finished_at`

// GetSession returns one session with its matched emails
func (s *Store) GetSession(id string) (*Record, error) {
	record, err := scanRecord(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	record.MatchedEmails, err = s.GetSessionMatches(id)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) GetSessionMatches(id string) ([]string, error) {
	rows, err := s.db.Query(`SELECT email FROM session_matches WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// GetRecentSessions returns the newest sessions first, without their matches
func (s *Store) GetRecentSessions(limit int) ([]Record, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// GetStats returns session counts by outcome and the total of matched emails
func (s *Store) GetStats() (total, completed, matched int, err error) {
	query := `SELECT COUNT(*), SUM(CASE WHEN state='completed' THEN 1 ELSE 0 END), SUM(matched) FROM sessions`

	var completedNull, matchedNull sql.NullInt64
	err = s.db.QueryRow(query).Scan(&total, &completedNull, &matchedNull)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to get stats: %w", err)
	}
	return total, int(completedNull.Int64), int(matchedNull.Int64), nil
}

// DeleteSessions removes every recorded session and its matches
func (s *Store) DeleteSessions() (int64, error) {
	if _, err := s.db.Exec(`DELETE FROM session_matches`); err != nil {
		return 0, fmt.Errorf("failed to delete matches: %w", err)
	}
	result, err := s.db.Exec(`DELETE FROM sessions`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return result.RowsAffected()
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "regselect_history.db"
	}
	return filepath.Join(home, ".regselect", "history.db")
}
