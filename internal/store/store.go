package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the remote data store on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		class_name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		created_at DATETIME NOT NULL,
		UNIQUE(name, class_name)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		region TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		max_score REAL NOT NULL DEFAULT 0,
		total_questions INTEGER NOT NULL DEFAULT 0,
		duration_sec INTEGER NOT NULL DEFAULT 0,
		submitted_at DATETIME NOT NULL,
		FOREIGN KEY (student_id) REFERENCES students(id)
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_student_submitted ON attempts(student_id, submitted_at);

	CREATE TABLE IF NOT EXISTS attempt_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		question_id TEXT NOT NULL,
		user_answer TEXT NOT NULL DEFAULT '',
		is_correct INTEGER NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		max_score REAL NOT NULL DEFAULT 0,
		grading TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (attempt_id) REFERENCES attempts(id)
	);

	CREATE TABLE IF NOT EXISTS mistakes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		region TEXT NOT NULL,
		snapshot TEXT NOT NULL DEFAULT '',
		missed_at DATETIME NOT NULL,
		UNIQUE(student_id, question_id)
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (student_id) REFERENCES students(id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
