// Package ledger keeps a SQLite record of every run a campaign executed, so
// seed sharing and row alignment across variants can be audited afterwards.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)

	"perfharness/pkg/benchtypes"
)

// ErrLedgerClosed is returned when the ledger is used after Close.
var ErrLedgerClosed = errors.New("ledger is closed")

// Ledger is an append-only run log.
type Ledger struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const createRuns = `
CREATE TABLE IF NOT EXISTS runs (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  campaign_id    TEXT NOT NULL,
  experiment     TEXT NOT NULL,
  instance       INTEGER NOT NULL,
  repetition     INTEGER NOT NULL,
  variant        TEXT NOT NULL,
  variant_index  INTEGER NOT NULL,
  seed           INTEGER NOT NULL,
  problem_digest TEXT,
  status         TEXT NOT NULL,
  duration_ms    INTEGER,
  appended       INTEGER NOT NULL,
  detail         TEXT,
  recorded_at    TEXT NOT NULL
);`
	const createIndex = `CREATE INDEX IF NOT EXISTS runs_group ON runs (campaign_id, experiment, repetition, instance);`

	for _, stmt := range []string{createRuns, createIndex} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record logs one run. appended tells whether a row reached the result store.
func (l *Ledger) Record(campaignID string, desc benchtypes.RunDescriptor, outcome benchtypes.RunOutcome, appended bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}

	_, err := l.db.Exec(`INSERT INTO runs
  (campaign_id, experiment, instance, repetition, variant, variant_index, seed,
   problem_digest, status, duration_ms, appended, detail, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		campaignID, desc.Experiment, desc.Instance, desc.Repetition, desc.Variant.Name, desc.VariantIndex, desc.Seed,
		outcome.ProblemDigest, outcome.Status.String(), outcome.DurationMillis(), appended, outcome.Detail,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Issue is a (campaign, experiment, repetition, instance) group whose
// variants disagree.
type Issue struct {
	CampaignID string
	Experiment string
	Repetition int
	Instance   int
	Reason     string
}

func (i Issue) String() string {
	return fmt.Sprintf("campaign %s %s rep %d inst %d: %s", i.CampaignID, i.Experiment, i.Repetition, i.Instance, i.Reason)
}

type groupKey struct {
	campaign   string
	experiment string
	repetition int
	instance   int
}

type group struct {
	seeds    map[int64]bool
	digests  map[string]bool
	appended map[string]int
}

// Verify checks every group of experiment, or of all experiments when
// experiment is empty. A group is flagged when its variants ran with
// different seeds, saw different problem files, or reached the store a
// different number of times.
func (l *Ledger) Verify(experiment string) ([]Issue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}

	rows, err := l.db.Query(`SELECT campaign_id, experiment, repetition, instance, variant, seed,
  COALESCE(problem_digest, ''), appended
FROM runs WHERE ? = '' OR experiment = ?
ORDER BY id`, experiment, experiment)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	groups := make(map[groupKey]*group)
	var order []groupKey
	for rows.Next() {
		var (
			key      groupKey
			variant  string
			seed     int64
			digest   string
			appended bool
		)
		if err := rows.Scan(&key.campaign, &key.experiment, &key.repetition, &key.instance,
			&variant, &seed, &digest, &appended); err != nil {
			return nil, fmt.Errorf("failed to read ledger: %w", err)
		}
		g, ok := groups[key]
		if !ok {
			g = &group{seeds: map[int64]bool{}, digests: map[string]bool{}, appended: map[string]int{}}
			groups[key] = g
			order = append(order, key)
		}
		g.seeds[seed] = true
		if digest != "" {
			g.digests[digest] = true
		}
		if _, seen := g.appended[variant]; !seen {
			g.appended[variant] = 0
		}
		if appended {
			g.appended[variant]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	var issues []Issue
	for _, key := range order {
		g := groups[key]
		issue := Issue{CampaignID: key.campaign, Experiment: key.experiment, Repetition: key.repetition, Instance: key.instance}
		if len(g.seeds) > 1 {
			issue.Reason = fmt.Sprintf("%d different seeds", len(g.seeds))
			issues = append(issues, issue)
		}
		if len(g.digests) > 1 {
			issue.Reason = fmt.Sprintf("%d different problem files", len(g.digests))
			issues = append(issues, issue)
		}
		if reason := unequalCounts(g.appended); reason != "" {
			issue.Reason = reason
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

func unequalCounts(counts map[string]int) string {
	distinct := map[int]bool{}
	for _, n := range counts {
		distinct[n] = true
	}
	if len(distinct) <= 1 {
		return ""
	}
	variants := make([]string, 0, len(counts))
	for v := range counts {
		variants = append(variants, v)
	}
	sort.Strings(variants)
	reason := "unequal stored rows:"
	for _, v := range variants {
		reason += fmt.Sprintf(" %s=%d", v, counts[v])
	}
	return reason
}

// Close releases the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
