// Package ledger indexes finished runs in a SQLite database, so the results of
// a device can be found again without walking the export folders.
package ledger

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/fetlab/fetbench/sensing"
	"github.com/fetlab/fetbench/stability"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id         TEXT PRIMARY KEY,
	device         TEXT NOT NULL,
	test_type      TEXT NOT NULL,
	verdict        TEXT NOT NULL,
	steps          INTEGER NOT NULL DEFAULT 0,
	final_response REAL,
	directory      TEXT,
	created_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS conditions (
	run_id    TEXT NOT NULL REFERENCES runs(run_id),
	seq       INTEGER NOT NULL,
	label     TEXT NOT NULL,
	mean      REAL,
	std       REAL,
	corrected REAL,
	directory TEXT,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_runs_device ON runs(device, created_at);
`

// Verdicts of sensing runs, which have no stability verdict
const (
	Running  = "running"
	Complete = "complete"
)

// Run is one row of the runs table
type Run struct {
	RunID         string
	Device        string
	TestType      string
	Verdict       string
	Steps         int
	FinalResponse float64
	Directory     string
	CreatedAt     time.Time
}

// Condition is one sensing result of a run
type Condition struct {
	RunID     string
	Seq       int
	Label     string
	Mean      float64
	Std       float64
	Corrected float64
	Directory string
}

// Ledger wraps the database
type Ledger struct {
	db  *sql.DB
	Now func() time.Time
}

// Open opens or creates the database at path
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// one writer, and an in-memory database lives per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) insertRun(r Run) error {
	_, err := l.db.Exec(`
		INSERT INTO runs (run_id, device, test_type, verdict, steps, final_response, directory, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Device, r.TestType, r.Verdict, r.Steps, r.FinalResponse, r.Directory, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: insert run: %w", err)
	}
	return nil
}

// RecordStability stores the outcome of a stability run and returns its id
func (l *Ledger) RecordStability(device, testType string, res stability.Result) (string, error) {
	r := Run{
		RunID:     uuid.New().String(),
		Device:    device,
		TestType:  testType,
		Verdict:   res.Verdict.String(),
		Steps:     res.Step,
		Directory: res.Directory,
		CreatedAt: l.now(),
	}
	if n := len(res.Responses); n > 0 && !math.IsNaN(res.Responses[n-1]) {
		r.FinalResponse = res.Responses[n-1]
	}
	return r.RunID, l.insertRun(r)
}

// StartSensing opens a sensing run, to which conditions are added as they
// complete
func (l *Ledger) StartSensing(device, testType string) (string, error) {
	r := Run{
		RunID:     uuid.New().String(),
		Device:    device,
		TestType:  testType,
		Verdict:   Running,
		CreatedAt: l.now(),
	}
	return r.RunID, l.insertRun(r)
}

// RecordCondition adds the seq'th condition of a sensing run
func (l *Ledger) RecordCondition(runID string, seq int, c sensing.ConcentrationResult) error {
	_, err := l.db.Exec(`
		INSERT INTO conditions (run_id, seq, label, mean, std, corrected, directory)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, c.Label, c.Mean, c.Std, c.Corrected, c.Directory)
	if err != nil {
		return fmt.Errorf("ledger: insert condition %s: %w", c.Label, err)
	}
	_, err = l.db.Exec(`
		UPDATE runs SET steps = steps + 1, final_response = ?, directory = ? WHERE run_id = ?`,
		c.Corrected, c.Directory, runID)
	if err != nil {
		return fmt.Errorf("ledger: update run: %w", err)
	}
	return nil
}

// FinishSensing marks a sensing run complete
func (l *Ledger) FinishSensing(runID string) error {
	res, err := l.db.Exec(`UPDATE runs SET verdict = ? WHERE run_id = ?`, Complete, runID)
	if err != nil {
		return fmt.Errorf("ledger: finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("ledger: no run %s", runID)
	}
	return nil
}

// Runs returns up to limit runs, newest first.  An empty device matches all.
func (l *Ledger) Runs(device string, limit int) ([]Run, error) {
	rows, err := l.db.Query(`
		SELECT run_id, device, test_type, verdict, steps, final_response, directory, created_at
		FROM runs
		WHERE ? = '' OR device = ?
		ORDER BY created_at DESC
		LIMIT ?`, device, device, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var final sql.NullFloat64
		var dir sql.NullString
		var created int64
		if err := rows.Scan(&r.RunID, &r.Device, &r.TestType, &r.Verdict, &r.Steps, &final, &dir, &created); err != nil {
			return nil, err
		}
		r.FinalResponse = final.Float64
		r.Directory = dir.String
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Conditions returns the conditions of a run in order
func (l *Ledger) Conditions(runID string) ([]Condition, error) {
	rows, err := l.db.Query(`
		SELECT run_id, seq, label, mean, std, corrected, directory
		FROM conditions
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query conditions: %w", err)
	}
	defer rows.Close()

	var out []Condition
	for rows.Next() {
		var c Condition
		var dir sql.NullString
		if err := rows.Scan(&c.RunID, &c.Seq, &c.Label, &c.Mean, &c.Std, &c.Corrected, &dir); err != nil {
			return nil, err
		}
		c.Directory = dir.String
		out = append(out, c)
	}
	return out, rows.Err()
}
