package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/pipeline"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"

	roaring "github.com/RoaringBitmap/roaring"
	_ "github.com/tursodatabase/go-libsql"
)

// Store is a libsql database holding examples and run reports
type Store struct {
	db *sql.DB
}

// OpenStore connects to a local file:... DSN or a remote libsql URL. The
// auth token is only used for remote URLs.
func OpenStore(dsn, authToken string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	if strings.HasPrefix(dsn, "file:") {
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory: %w", err)
		}
		db, err = sql.Open("libsql", dsn)
	} else {
		db, err = sql.Open("libsql", withAuthToken(dsn, authToken))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create database connector: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

func withAuthToken(dsn, token string) string {
	if token == "" {
		return dsn
	}
	if u, err := url.Parse(dsn); err == nil {
		q := u.Query()
		q.Set("authToken", token)
		u.RawQuery = q.Encode()
		return u.String()
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&authToken=" + url.QueryEscape(token)
	}
	return dsn + "?authToken=" + url.QueryEscape(token)
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS examples (
		run_id TEXT NOT NULL,
		split TEXT NOT NULL,
		dataset TEXT NOT NULL,
		idx INTEGER NOT NULL,
		length INTEGER NOT NULL,
		input_ids TEXT NOT NULL,
		labels TEXT NOT NULL,
		attention_mask TEXT NOT NULL,
		PRIMARY KEY (run_id, dataset, idx)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create examples table: %w", err)
	}

	_, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY UNIQUE,
		started TEXT NOT NULL,
		finished TEXT NOT NULL,
		processed INTEGER NOT NULL,
		emitted INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		report TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	_, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS skips (
		run_id TEXT NOT NULL,
		dataset TEXT NOT NULL,
		bitmap BLOB NOT NULL,
		PRIMARY KEY (run_id, dataset)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create skips table: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error { return s.db.Close() }

// Sink returns a sink writing examples of runID into the named split
func (s *Store) Sink(runID, split string) *LibSQL {
	return &LibSQL{store: s, runID: runID, split: split}
}

// LibSQL writes examples into a Store. Closing it leaves the Store open.
type LibSQL struct {
	store *Store
	runID string
	split string
}

func (l *LibSQL) Write(ctx context.Context, ex types.MaterializedExample) error {
	ids, err := json.Marshal(ex.InputIDs)
	if err != nil {
		return err
	}
	labels, err := json.Marshal(ex.Labels)
	if err != nil {
		return err
	}
	mask, err := json.Marshal(ex.AttentionMask)
	if err != nil {
		return err
	}
	length := 0
	for _, m := range ex.AttentionMask {
		length += m
	}

	_, err = l.store.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO examples (run_id, split, dataset, idx, length, input_ids, labels, attention_mask)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.runID, l.split, ex.Dataset, ex.Index, length, string(ids), string(labels), string(mask))
	if err != nil {
		return fmt.Errorf("failed to insert example %s/%d: %w", ex.Dataset, ex.Index, err)
	}
	return nil
}

func (l *LibSQL) Close() error { return nil }

// Examples loads the examples of a run and split ordered by dataset and index
func (s *Store) Examples(ctx context.Context, runID, split string) ([]types.MaterializedExample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dataset, idx, input_ids, labels, attention_mask FROM examples
		WHERE run_id = ? AND split = ? ORDER BY dataset, idx`, runID, split)
	if err != nil {
		return nil, fmt.Errorf("failed to query examples: %w", err)
	}
	defer rows.Close()

	var out []types.MaterializedExample
	for rows.Next() {
		var (
			ex                  types.MaterializedExample
			ids, labels, masked string
		)
		if err := rows.Scan(&ex.Dataset, &ex.Index, &ids, &labels, &masked); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &ex.InputIDs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(labels), &ex.Labels); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(masked), &ex.AttentionMask); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// SaveReport persists a finished run report together with the serialized
// skip bitmaps of each dataset
func (s *Store) SaveReport(ctx context.Context, r *pipeline.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	processed, emitted, skipped := r.Totals()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, started, finished, processed, emitted, skipped, report)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID.String(), r.Started.UTC().Format(time.RFC3339Nano), r.Finished.UTC().Format(time.RFC3339Nano),
		processed, emitted, skipped, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, id := range r.Order {
		d, ok := r.Dataset(id)
		if !ok || d.SkippedIdx == nil {
			continue
		}
		bm, err := d.SkippedIdx.ToBytes()
		if err != nil {
			return fmt.Errorf("failed to encode skips for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO skips (run_id, dataset, bitmap) VALUES (?, ?, ?)`,
			r.RunID.String(), id, bm); err != nil {
			return fmt.Errorf("failed to insert skips for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// RunSummary is one row of the runs table
type RunSummary struct {
	ID        string
	Started   time.Time
	Finished  time.Time
	Processed int
	Emitted   int
	Skipped   int
}

// Run loads the summary of a saved run
func (s *Store) Run(ctx context.Context, runID string) (RunSummary, error) {
	var (
		rs                RunSummary
		started, finished string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started, finished, processed, emitted, skipped FROM runs WHERE id = ?`, runID).
		Scan(&rs.ID, &started, &finished, &rs.Processed, &rs.Emitted, &rs.Skipped)
	if err != nil {
		return rs, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if rs.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return rs, err
	}
	if rs.Finished, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return rs, err
	}
	return rs, nil
}

// Skips loads the skipped record indices of a dataset in a run
func (s *Store) Skips(ctx context.Context, runID, dataset string) (*roaring.Bitmap, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT bitmap FROM skips WHERE run_id = ? AND dataset = ?`, runID, dataset).Scan(&b)
	if err != nil {
		return nil, fmt.Errorf("failed to load skips: %w", err)
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("failed to decode skips: %w", err)
	}
	return bm, nil
}
