package trace

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cjeanneret/MagRail/internal/debug"
)

// commitEvery bounds how many records sit in an open transaction.
const commitEvery = 500

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT    NOT NULL,
	target_deg REAL    NOT NULL,
	started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	session_id     INTEGER NOT NULL REFERENCES sessions(id),
	elapsed_us     INTEGER NOT NULL,
	cumulative_deg REAL    NOT NULL,
	heading_deg    REAL    NOT NULL,
	error_deg      REAL    NOT NULL,
	speed          REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS records_session ON records(session_id);
`

// Store is a SQLite database holding one row per control session and
// its records.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the trace database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	// Sessions are written one at a time; a single connection keeps
	// transactions simple with SQLite's locking.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create trace schema: %w", err)
	}
	debug.Verbose("Trace database opened: %s", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewSession starts a session row and returns a sink writing into it.
func (s *Store) NewSession(kind string, targetDeg float64) (*SQLiteSink, error) {
	res, err := s.db.Exec(`INSERT INTO sessions (kind, target_deg, started_at) VALUES (?, ?, ?)`,
		kind, targetDeg, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	sink := &SQLiteSink{db: s.db, session: id}
	if err := sink.begin(); err != nil {
		return nil, err
	}
	return sink, nil
}

// SessionRecords returns the records of one session in insertion order.
func (s *Store) SessionRecords(session int64) ([]Record, error) {
	rows, err := s.db.Query(`SELECT elapsed_us, cumulative_deg, heading_deg, error_deg, speed
		FROM records WHERE session_id = ? ORDER BY rowid`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var us int64
		if err := rows.Scan(&us, &r.Cumulative, &r.Heading, &r.Error, &r.Speed); err != nil {
			return nil, err
		}
		r.Elapsed = time.Duration(us) * time.Microsecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// SQLiteSink appends records of one session. Not safe for concurrent use.
type SQLiteSink struct {
	db      *sql.DB
	session int64
	tx      *sql.Tx
	stmt    *sql.Stmt
	pending int
	closed  bool
}

// Session returns the session id.
func (s *SQLiteSink) Session() int64 {
	return s.session
}

func (s *SQLiteSink) begin() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin trace tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO records
		(session_id, elapsed_us, cumulative_deg, heading_deg, error_deg, speed)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare trace insert: %w", err)
	}
	s.tx, s.stmt, s.pending = tx, stmt, 0
	return nil
}

func (s *SQLiteSink) commit() error {
	s.stmt.Close()
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit trace tx: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Append(r Record) error {
	if s.closed {
		return ErrClosed
	}
	_, err := s.stmt.Exec(s.session, r.Elapsed.Microseconds(), r.Cumulative, r.Heading, r.Error, r.Speed)
	if err != nil {
		return fmt.Errorf("insert trace record: %w", err)
	}
	s.pending++
	if s.pending >= commitEvery {
		if err := s.commit(); err != nil {
			return err
		}
		return s.begin()
	}
	return nil
}

// Close commits the pending records. The Store stays open.
func (s *SQLiteSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.commit()
}
