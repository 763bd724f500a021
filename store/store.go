// Package store is the persisted key-value state shared by all adscope
// contexts. It is the single source of truth: the coordinator is the only
// writer of capture and analysis keys, the popup the only writer of settings.
//
// Keys follow the fixed layout:
//
//	capture_<unix-ms>  one capture record (JSON), key doubles as capture ID
//	captureCount       running number of completed captures
//	lastAnalysis       most recent analysis result (JSON)
//	latestCapture      most recent capture record (JSON)
//	latestAnalysis     alias of lastAnalysis kept for popup reattachment
//	autoAnalyze        "true"/"false"
//	captureFormat      "png"/"jpeg"
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adscope/adscope/dbopen"
	"github.com/adscope/adscope/record"
)

// Schema is the kv table definition, passed to dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Well-known keys.
const (
	KeyCaptureCount   = "captureCount"
	KeyLastAnalysis   = "lastAnalysis"
	KeyLatestCapture  = "latestCapture"
	KeyLatestAnalysis = "latestAnalysis"
	KeyAutoAnalyze    = "autoAnalyze"
	KeyCaptureFormat  = "captureFormat"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store wraps the SQLite kv table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store over an already-opened database. The kv schema must
// have been applied (dbopen.WithSchema(store.Schema)).
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens the database at path with the kv schema applied.
func Open(path string, opts ...Option) (*Store, *sql.DB, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	return New(db, opts...), db, nil
}

// Get returns the raw value for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return v, nil
}

// Set writes the raw value for key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys starting with prefix, unordered.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("store: keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw))
}

// PutCapture persists a capture record under its own ID and refreshes
// latestCapture.
func (s *Store) PutCapture(ctx context.Context, c *record.Capture) error {
	if c.CaptureID == "" {
		return errors.New("store: capture has no ID")
	}
	if err := s.setJSON(ctx, c.CaptureID, c); err != nil {
		return err
	}
	return s.setJSON(ctx, KeyLatestCapture, c)
}

// Capture loads one capture record by ID.
func (s *Store) Capture(ctx context.Context, id string) (*record.Capture, error) {
	var c record.Capture
	if err := s.getJSON(ctx, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LatestCapture returns the most recently stored capture, or ErrNotFound.
func (s *Store) LatestCapture(ctx context.Context) (*record.Capture, error) {
	var c record.Capture
	if err := s.getJSON(ctx, KeyLatestCapture, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutAnalysis records an analysis result as both lastAnalysis and
// latestAnalysis so reattaching popups find it under either key.
func (s *Store) PutAnalysis(ctx context.Context, a *record.Analysis) error {
	if err := s.setJSON(ctx, KeyLastAnalysis, a); err != nil {
		return err
	}
	return s.setJSON(ctx, KeyLatestAnalysis, a)
}

// LatestAnalysis returns the most recent analysis result, or ErrNotFound.
func (s *Store) LatestAnalysis(ctx context.Context) (*record.Analysis, error) {
	var a record.Analysis
	if err := s.getJSON(ctx, KeyLatestAnalysis, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// IncrementCaptureCount bumps the running capture counter and returns the
// new value. A missing or corrupt counter restarts from zero.
func (s *Store) IncrementCaptureCount(ctx context.Context) (int, error) {
	raw, err := s.Get(ctx, KeyCaptureCount)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	n, _ := strconv.Atoi(raw)
	n++
	if err := s.Set(ctx, KeyCaptureCount, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	return n, nil
}

// CaptureCount reads the running capture counter. Missing means zero.
func (s *Store) CaptureCount(ctx context.Context) (int, error) {
	raw, err := s.Get(ctx, KeyCaptureCount)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(raw)
	return n, nil
}

// Settings loads the user settings, defaulting missing keys.
func (s *Store) Settings(ctx context.Context) (record.Settings, error) {
	set := record.DefaultSettings()

	raw, err := s.Get(ctx, KeyAutoAnalyze)
	switch {
	case err == nil:
		set.AutoAnalyze = raw == "true"
	case !errors.Is(err, ErrNotFound):
		return set, err
	}

	raw, err = s.Get(ctx, KeyCaptureFormat)
	switch {
	case err == nil && (raw == record.FormatPNG || raw == record.FormatJPEG):
		set.CaptureFormat = raw
	case err != nil && !errors.Is(err, ErrNotFound):
		return set, err
	}

	return set, nil
}

// SetSettings writes the user settings.
func (s *Store) SetSettings(ctx context.Context, set record.Settings) error {
	if err := s.Set(ctx, KeyAutoAnalyze, strconv.FormatBool(set.AutoAnalyze)); err != nil {
		return err
	}
	return s.Set(ctx, KeyCaptureFormat, set.CaptureFormat)
}

// CaptureKeys returns all capture record keys sorted by embedded timestamp
// descending (newest first). Keys with an unparsable timestamp sort last.
func (s *Store) CaptureKeys(ctx context.Context) ([]string, error) {
	keys, err := s.Keys(ctx, record.CaptureKeyPrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool {
		return captureTimestamp(keys[i]) > captureTimestamp(keys[j])
	})
	return keys, nil
}

func captureTimestamp(key string) int64 {
	ts, err := strconv.ParseInt(strings.TrimPrefix(key, record.CaptureKeyPrefix), 10, 64)
	if err != nil {
		return -1
	}
	return ts
}

// EvictOldCaptures removes capture records beyond the keep newest, oldest
// first. Returns the number of evicted records.
func (s *Store) EvictOldCaptures(ctx context.Context, keep int) (int, error) {
	keys, err := s.CaptureKeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) <= keep {
		return 0, nil
	}

	victims := keys[keep:]
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, k := range victims {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
				return fmt.Errorf("store: evict %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("store: evicted old captures", "count", len(victims), "kept", keep)
	return len(victims), nil
}
