// Package checkpoint persists per-job synthesis progress so interrupted jobs
// can resume. Each checkpoint directory holds a SQLite state database and one
// WAV artifact per completed chunk.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/chunker"
	_ "modernc.org/sqlite"
)

const stateFile = "state.db"

// Config lists every option that changes generated or exported audio bytes.
// Two runs may share a checkpoint only if their configs are identical.
type Config struct {
	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed"`
	LangCode     string  `json:"lang_code"`
	Backend      string  `json:"backend"`
	Device       string  `json:"device"`
	ChunkChars   int     `json:"chunk_chars"`
	SplitPattern string  `json:"split_pattern"`
	Format       string  `json:"format"`
	Bitrate      string  `json:"bitrate"`
	Normalize    bool    `json:"normalize"`
}

// Normalized returns the config as it is fingerprinted. Device only affects
// output for the pytorch backend; other backends record "auto".
func (c Config) Normalized() Config {
	if c.Backend != "pytorch" {
		c.Device = "auto"
	}
	return c
}

// Fingerprint is a hex SHA-256 digest of the normalized config.
func (c Config) Fingerprint() string {
	data, _ := json.Marshal(c.Normalized())
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// State is the aggregate checkpoint record of one job.
type State struct {
	DocumentHash      string
	Config            Config
	ConfigFingerprint string
	TotalChunks       int
	Completed         map[int]bool
	ChapterStarts     []chunker.ChapterStart
	UpdatedAt         time.Time
}

// NewState starts an empty record for a fresh job.
func NewState(documentHash string, cfg Config, totalChunks int, starts []chunker.ChapterStart) *State {
	return &State{
		DocumentHash:      documentHash,
		Config:            cfg.Normalized(),
		ConfigFingerprint: cfg.Fingerprint(),
		TotalChunks:       totalChunks,
		Completed:         make(map[int]bool),
		ChapterStarts:     append([]chunker.ChapterStart(nil), starts...),
	}
}

func (s *State) IsCompleted(index int) bool { return s.Completed[index] }

func (s *State) MarkCompleted(index int) {
	if s.Completed == nil {
		s.Completed = make(map[int]bool)
	}
	s.Completed[index] = true
}

func (s *State) Unmark(index int) { delete(s.Completed, index) }

// CompletedIndices returns the completed chunk indices in ascending order.
func (s *State) CompletedIndices() []int {
	out := make([]int, 0, len(s.Completed))
	for idx, ok := range s.Completed {
		if ok {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// Inspection reasons.
const (
	ReasonNotFound       = "not_found"
	ReasonHashMismatch   = "hash_mismatch"
	ReasonConfigMismatch = "config_mismatch"
	ReasonChunkMismatch  = "chunk_mismatch"
)

// Inspection summarizes whether an existing checkpoint can be resumed.
type Inspection struct {
	Exists           bool   `json:"exists"`
	ResumeCompatible bool   `json:"resume_compatible"`
	Reason           string `json:"reason,omitempty"`
	TotalChunks      int    `json:"total_chunks"`
	CompletedChunks  int    `json:"completed_chunks"`
	MissingArtifacts []int  `json:"missing_audio_chunks"`
}

// Store manages checkpoint directories. Database handles are opened lazily
// per directory and cached until Close or Cleanup.
type Store struct {
	root  string
	log   *slog.Logger
	clock func() time.Time

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// New returns a store. An empty root places each checkpoint next to its
// output file.
func New(root string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{root: root, log: log, clock: time.Now, dbs: make(map[string]*sql.DB)}
}

// Dir returns the checkpoint directory for an output path.
func (s *Store) Dir(outputPath string) string {
	base := "." + filepath.Base(outputPath) + ".checkpoint"
	if s.root != "" {
		return filepath.Join(s.root, base)
	}
	return filepath.Join(filepath.Dir(outputPath), base)
}

func (s *Store) open(ctx context.Context, dir string, create bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[dir]; ok {
		return db, nil
	}

	path := filepath.Join(dir, stateFile)
	if !create {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s.dbs[dir] = db
	return db, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	ddl := `
CREATE TABLE IF NOT EXISTS checkpoint (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    document_hash TEXT NOT NULL,
    config_fingerprint TEXT NOT NULL,
    config_json TEXT NOT NULL,
    total_chunks INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS completed_chunks (
    chunk_index INTEGER PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS chapter_starts (
    position INTEGER PRIMARY KEY,
    chunk_index INTEGER NOT NULL,
    title TEXT NOT NULL
);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// Load reads the checkpoint state in dir. It returns nil without error when
// no checkpoint exists.
func (s *Store) Load(ctx context.Context, dir string) (*State, error) {
	db, err := s.open(ctx, dir, false)
	if err != nil || db == nil {
		return nil, err
	}

	var (
		state     State
		cfgJSON   string
		updatedAt int64
	)
	row := db.QueryRowContext(ctx,
		`SELECT document_hash, config_fingerprint, config_json, total_chunks, updated_at FROM checkpoint WHERE id = 1`)
	if err := row.Scan(&state.DocumentHash, &state.ConfigFingerprint, &cfgJSON, &state.TotalChunks, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &state.Config); err != nil {
		return nil, fmt.Errorf("decode checkpoint config: %w", err)
	}
	state.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	state.Completed = make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT chunk_index FROM completed_chunks ORDER BY chunk_index`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return nil, err
		}
		state.Completed[idx] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `SELECT chunk_index, title FROM chapter_starts ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var cs chunker.ChapterStart
		if err := rows.Scan(&cs.Index, &cs.Title); err != nil {
			return nil, err
		}
		state.ChapterStarts = append(state.ChapterStarts, cs)
	}
	return &state, rows.Err()
}

// Save replaces the checkpoint state in dir atomically.
func (s *Store) Save(ctx context.Context, dir string, state *State) (err error) {
	db, err := s.open(ctx, dir, true)
	if err != nil {
		return err
	}
	cfg := state.Config.Normalized()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := s.clock().UTC()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoint(id, document_hash, config_fingerprint, config_json, total_chunks, updated_at)
		 VALUES(1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document_hash=excluded.document_hash,
		   config_fingerprint=excluded.config_fingerprint, config_json=excluded.config_json,
		   total_chunks=excluded.total_chunks, updated_at=excluded.updated_at`,
		state.DocumentHash, cfg.Fingerprint(), string(cfgJSON), state.TotalChunks, now.UnixMilli()); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM completed_chunks`); err != nil {
		return err
	}
	for _, idx := range state.CompletedIndices() {
		if _, err = tx.ExecContext(ctx, `INSERT INTO completed_chunks(chunk_index) VALUES(?)`, idx); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM chapter_starts`); err != nil {
		return err
	}
	for pos, cs := range state.ChapterStarts {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO chapter_starts(position, chunk_index, title) VALUES(?, ?, ?)`, pos, cs.Index, cs.Title); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	state.ConfigFingerprint = cfg.Fingerprint()
	state.UpdatedAt = now
	return nil
}

// Verify reports whether the checkpoint in dir was written for the same
// document and config.
func (s *Store) Verify(ctx context.Context, dir, inputPath string, cfg Config) (bool, error) {
	state, err := s.Load(ctx, dir)
	if err != nil || state == nil {
		return false, err
	}
	hash, err := DocumentHash(inputPath)
	if err != nil {
		return false, err
	}
	return state.DocumentHash == hash && state.ConfigFingerprint == cfg.Fingerprint(), nil
}

// Inspect compares the checkpoint in dir to the job about to run. A
// compatible checkpoint also lists completed chunks whose artifacts are gone.
func (s *Store) Inspect(ctx context.Context, dir, inputPath string, cfg Config, expectedTotal int) (Inspection, error) {
	state, err := s.Load(ctx, dir)
	if err != nil {
		return Inspection{}, err
	}
	if state == nil {
		return Inspection{Reason: ReasonNotFound}, nil
	}
	insp := Inspection{
		Exists:          true,
		TotalChunks:     state.TotalChunks,
		CompletedChunks: len(state.CompletedIndices()),
	}
	hash, err := DocumentHash(inputPath)
	if err != nil {
		return Inspection{}, err
	}
	switch {
	case state.DocumentHash != hash:
		insp.Reason = ReasonHashMismatch
		return insp, nil
	case state.ConfigFingerprint != cfg.Fingerprint():
		insp.Reason = ReasonConfigMismatch
		return insp, nil
	case expectedTotal > 0 && state.TotalChunks != expectedTotal:
		insp.Reason = ReasonChunkMismatch
		return insp, nil
	}
	insp.ResumeCompatible = true
	for _, idx := range state.CompletedIndices() {
		if _, err := os.Stat(artifactPath(dir, idx)); errors.Is(err, os.ErrNotExist) {
			insp.MissingArtifacts = append(insp.MissingArtifacts, idx)
		}
	}
	return insp, nil
}

// Cleanup closes any cached handle and removes the checkpoint directory.
func (s *Store) Cleanup(dir string) error {
	s.mu.Lock()
	if db, ok := s.dbs[dir]; ok {
		db.Close()
		delete(s.dbs, dir)
	}
	s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}
	s.log.Debug("checkpoint removed", slog.String("dir", dir))
	return nil
}

// Close releases cached database handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for dir, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.dbs, dir)
	}
	return errors.Join(errs...)
}

// DocumentHash is the hex SHA-256 of the file at path.
func DocumentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Describe renders a one-line summary used by the inspection commands.
func (i Inspection) Describe() string {
	if !i.Exists {
		return "no checkpoint"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d chunks completed", i.CompletedChunks, i.TotalChunks)
	if !i.ResumeCompatible {
		fmt.Fprintf(&b, ", not resumable (%s)", i.Reason)
	} else if n := len(i.MissingArtifacts); n > 0 {
		fmt.Fprintf(&b, ", %d artifact(s) missing", n)
	}
	return b.String()
}
