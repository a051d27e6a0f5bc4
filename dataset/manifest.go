package dataset

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var manifestPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Entry is one manifest row.
type Entry struct {
	Key       Key
	FlowPath  string
	LabelPath string
	DX        float64
	DY        float64
	Rotation  float64
	Valid     bool
	Outcome   string
	Survivors int
	RunID     string
}

// Manifest indexes every persisted sample so the loader can pair tensors
// with labels by key instead of by directory listing order.
type Manifest struct {
	db *sql.DB
}

// OpenManifest opens (or creates) the manifest database at path.
func OpenManifest(path string) (*Manifest, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %s", path)
	}
	// one connection serializes writers from concurrent video workers
	db.SetMaxOpenConns(1)

	for _, pragma := range manifestPragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "executing %q", pragma)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying manifest schema")
	}
	return &Manifest{db: db}, nil
}

// Close releases the database.
func (m *Manifest) Close() error {
	return m.db.Close()
}

// BeginRun records a new labeling run and returns its identifier.
func (m *Manifest) BeginRun(ctx context.Context, configJSON string) (string, error) {
	id := uuid.NewString()
	if _, err := m.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, config_json) VALUES (?, ?)`, id, configJSON); err != nil {
		return "", errors.Wrap(err, "recording run")
	}
	return id, nil
}

// Put inserts or replaces the row for e.Key.
func (m *Manifest) Put(ctx context.Context, e Entry) error {
	var runID interface{}
	if e.RunID != "" {
		runID = e.RunID
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO samples (
			video, frame, split, flow_path, label_path,
			dx, dy, rotation, valid, outcome, survivors, run_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key.Video, e.Key.Frame, string(e.Key.Split), e.FlowPath, e.LabelPath,
		e.DX, e.DY, e.Rotation, e.Valid, e.Outcome, e.Survivors, runID,
	)
	return errors.Wrapf(err, "recording %s", e.Key)
}

// List returns the entries of a split ordered by video then frame. An empty
// split returns every entry.
func (m *Manifest) List(ctx context.Context, split Split) ([]Entry, error) {
	query := `SELECT video, frame, split, flow_path, label_path,
			dx, dy, rotation, valid, outcome, survivors, COALESCE(run_id, '')
		FROM samples`
	var args []interface{}
	if split != "" {
		query += ` WHERE split = ?`
		args = append(args, string(split))
	}
	query += ` ORDER BY split, video, frame`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing samples")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var sp string
		if err := rows.Scan(&e.Key.Video, &e.Key.Frame, &sp, &e.FlowPath, &e.LabelPath,
			&e.DX, &e.DY, &e.Rotation, &e.Valid, &e.Outcome, &e.Survivors, &e.RunID); err != nil {
			return nil, errors.Wrap(err, "scanning sample")
		}
		e.Key.Split = Split(sp)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterating samples")
}

// OutcomeCounts returns how many samples of split ended in each outcome.
func (m *Manifest) OutcomeCounts(ctx context.Context, split Split) (map[string]int, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM samples WHERE split = ? GROUP BY outcome`, string(split))
	if err != nil {
		return nil, errors.Wrap(err, "counting outcomes")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, errors.Wrap(err, "scanning outcome count")
		}
		counts[outcome] = n
	}
	return counts, errors.Wrap(rows.Err(), "iterating outcome counts")
}
