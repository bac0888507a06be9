// Package monitoring - records.go persists dispatch records.
//
// DESIGN: Recorder writes one DispatchRecord per completed dispatch to two
// optional sinks:
//   - JSONL file: one JSON object per line, appended immediately
//   - SQLite database: queryable history via modernc.org/sqlite
//
// Both sinks are best-effort. A write failure is logged and never fails the
// request that produced the record.
package monitoring

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const createDispatchesTable = `
CREATE TABLE IF NOT EXISTS dispatches (
	request_id        TEXT NOT NULL,
	timestamp         TEXT NOT NULL,
	method            TEXT NOT NULL,
	path              TEXT NOT NULL,
	client_ip         TEXT NOT NULL,
	identity          TEXT NOT NULL,
	target_key        TEXT,
	provider          TEXT,
	model             TEXT,
	outcome           TEXT NOT NULL,
	error_kind        TEXT,
	breaker_state     TEXT,
	request_body_size INTEGER NOT NULL,
	content_deltas    INTEGER NOT NULL,
	tool_call_deltas  INTEGER NOT NULL,
	input_tokens      INTEGER,
	output_tokens     INTEGER,
	estimated_input_tokens INTEGER,
	first_event_ms    INTEGER,
	total_latency_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatches_timestamp ON dispatches(timestamp);
CREATE INDEX IF NOT EXISTS idx_dispatches_target ON dispatches(target_key);
`

// Recorder persists dispatch records to the configured sinks.
type Recorder struct {
	logPath string
	db      *sql.DB
	count   int
	mu      sync.Mutex
}

// NewRecorder creates a recorder. Either sink may be disabled by an empty path.
func NewRecorder(cfg RecordConfig) (*Recorder, error) {
	r := &Recorder{logPath: cfg.LogPath}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
			return nil, err
		}
	}

	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0750); err != nil {
			return nil, err
		}
		db, err := sql.Open("sqlite", cfg.DBPath)
		if err != nil {
			return nil, err
		}
		// SQLite handles one writer at a time.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(createDispatchesTable); err != nil {
			db.Close()
			return nil, err
		}
		r.db = db
	}

	return r, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// Record persists a dispatch record to all enabled sinks.
func (r *Recorder) Record(rec *DispatchRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.logPath != "" {
		if err := appendJSONL(r.logPath, rec); err != nil {
			log.Error().Err(err).Str("path", r.logPath).Msg("records: failed to append dispatch record")
		}
	}

	if r.db != nil {
		_, err := r.db.Exec(`INSERT INTO dispatches (
			request_id, timestamp, method, path, client_ip, identity,
			target_key, provider, model, outcome, error_kind, breaker_state,
			request_body_size, content_deltas, tool_call_deltas,
			input_tokens, output_tokens, estimated_input_tokens,
			first_event_ms, total_latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RequestID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Method, rec.Path,
			rec.ClientIP, rec.Identity, rec.TargetKey, rec.Provider, rec.Model,
			rec.Outcome, rec.ErrorKind, rec.BreakerState,
			rec.RequestBodySize, rec.ContentDeltas, rec.ToolCallDeltas,
			rec.InputTokens, rec.OutputTokens, rec.EstimatedInTokens,
			rec.FirstEventMs, rec.TotalLatencyMs)
		if err != nil {
			log.Error().Err(err).Msg("records: failed to insert dispatch record")
		}
	}

	r.count++
}

// Count returns the number of records persisted so far.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close flushes and closes the sinks.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count > 0 {
		log.Info().Int("records", r.count).Msg("records: session complete")
	}
	if r.db != nil {
		err := r.db.Close()
		r.db = nil
		return err
	}
	return nil
}
