// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ RunStore      = (*SQLite)(nil)
	_ StepStore     = (*SQLite)(nil)
	_ ArtifactStore = (*SQLite)(nil)
	_ CacheStore    = (*SQLite)(nil)
	_ Store         = (*SQLite)(nil)
)

// SQLite is the single-node storage backend.
type SQLite struct {
	db *sql.DB
}

// SQLiteConfig contains connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLite opens (and migrates) a SQLite store.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; one connection avoids lock thrash.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLite{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLite) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_payload TEXT,
			status TEXT NOT NULL,
			base_run_id TEXT,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			skill_id TEXT NOT NULL,
			skill_version TEXT NOT NULL,
			input_fingerprint TEXT,
			attempt INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			output_artifact_ids TEXT,
			error TEXT,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			ended_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_fingerprint ON run_steps(tenant_id, skill_id, skill_version, input_fingerprint)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			type TEXT NOT NULL,
			uri TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			filename TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (tenant_id, content_hash, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_hash ON artifacts(tenant_id, content_hash)`,
		`CREATE TABLE IF NOT EXISTS step_cache (
			tenant_id TEXT NOT NULL,
			skill_id TEXT NOT NULL,
			skill_version TEXT NOT NULL,
			input_fingerprint TEXT NOT NULL,
			result_json TEXT NOT NULL,
			artifact_ids TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, skill_id, skill_version, input_fingerprint)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// --- runs ---

// CreateRun inserts a new run row.
func (s *SQLite) CreateRun(ctx context.Context, run *Run) error {
	payloadJSON, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger payload: %w", err)
	}
	errJSON, err := marshalError(run.Error)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, workflow_name, workflow_version, trigger_type,
			trigger_payload, status, base_run_id, error, started_at, completed_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.WorkflowName, run.WorkflowVersion, run.TriggerType,
		string(payloadJSON), run.Status, nullable(run.BaseRunID), errJSON,
		timePtr(run.StartedAt), timePtr(run.CompletedAt),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by tenant and id.
func (s *SQLite) GetRun(ctx context.Context, tenantID, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, workflow_name, workflow_version, trigger_type,
			trigger_payload, status, base_run_id, error, started_at, completed_at,
			created_at, updated_at
		FROM runs WHERE id = ? AND tenant_id = ?`, runID, tenantID)
	return scanRun(row)
}

// TransitionRun performs the CAS status write for a run.
func (s *SQLite) TransitionRun(ctx context.Context, tenantID, runID string, from, to RunStatus, errRec *ErrorRecord) error {
	if !LegalRunTransition(from, to) {
		return &enginerrors.InternalError{
			Op:      "TransitionRun",
			Message: fmt.Sprintf("illegal run transition %s -> %s for run %s", from, to, runID),
		}
	}

	errJSON, err := marshalError(errRec)
	if err != nil {
		return err
	}

	now := formatTime(time.Now().UTC())
	var res sql.Result
	switch {
	case to == RunRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status = ?`,
			to, now, now, runID, tenantID, from)
	case to.Terminal():
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = COALESCE(?, error), completed_at = ?, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status = ?`,
			to, errJSON, now, now, runID, tenantID, from)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = COALESCE(?, error), updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status = ?`,
			to, errJSON, now, runID, tenantID, from)
	}
	if err != nil {
		return fmt.Errorf("failed to transition run: %w", err)
	}
	return checkAffected(res)
}

// ListRuns lists a tenant's runs, newest first.
func (s *SQLite) ListRuns(ctx context.Context, tenantID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, workflow_name, workflow_version, trigger_type,
			trigger_payload, status, base_run_id, error, started_at, completed_at,
			created_at, updated_at
		FROM runs WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- steps ---

// CreateSteps inserts planned steps, ignoring rows that already exist.
func (s *SQLite) CreateSteps(ctx context.Context, steps []*RunStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, step := range steps {
		artJSON, err := json.Marshal(step.OutputArtifactIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal artifact ids: %w", err)
		}
		if step.CreatedAt.IsZero() {
			step.CreatedAt = now
		}
		step.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO run_steps (id, run_id, tenant_id, step_id, skill_id,
				skill_version, input_fingerprint, attempt, status, output_artifact_ids,
				error, cache_hit, started_at, ended_at, duration_ms, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, NULL, NULL, 0, ?, ?)`,
			step.ID, step.RunID, step.TenantID, step.StepID, step.SkillID,
			step.SkillVersion, nullable(step.InputFingerprint), step.Attempt, step.Status,
			string(artJSON), formatTime(step.CreatedAt), formatTime(step.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert step %s: %w", step.StepID, err)
		}
	}
	return tx.Commit()
}

// GetStep retrieves one step.
func (s *SQLite) GetStep(ctx context.Context, tenantID, runID, stepID string) (*RunStep, error) {
	row := s.db.QueryRowContext(ctx, stepSelect+` WHERE run_id = ? AND step_id = ? AND tenant_id = ?`,
		runID, stepID, tenantID)
	return scanStep(row)
}

// ListSteps returns a run's steps in creation order.
func (s *SQLite) ListSteps(ctx context.Context, tenantID, runID string, status StepStatus) ([]*RunStep, error) {
	query := stepSelect + ` WHERE run_id = ? AND tenant_id = ?`
	args := []any{runID, tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, step_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*RunStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// TransitionStep performs the CAS status write for a step.
func (s *SQLite) TransitionStep(ctx context.Context, tenantID, runID, stepID string, from, to StepStatus, update *StepUpdate) error {
	if !LegalStepTransition(from, to) {
		return &enginerrors.InternalError{
			Op:      "TransitionStep",
			Message: fmt.Sprintf("illegal step transition %s -> %s for step %s/%s", from, to, runID, stepID),
		}
	}

	set, args, err := buildStepUpdate(to, update)
	if err != nil {
		return err
	}
	args = append(args, runID, stepID, tenantID, from)

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_steps SET `+set+` WHERE run_id = ? AND step_id = ? AND tenant_id = ? AND status = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to transition step: %w", err)
	}
	return checkAffected(res)
}

// CompleteStepWithArtifacts commits artifacts, completion and the cache
// insert atomically.
func (s *SQLite) CompleteStepWithArtifacts(ctx context.Context, tenantID, runID, stepID string, update *StepUpdate, artifacts []*Artifact, cache *CacheEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Insert (or reuse) artifact rows, collecting the effective ids.
	ids := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		id, err := insertArtifactTx(ctx, tx, a)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	if update == nil {
		update = &StepUpdate{}
	}
	update.OutputArtifactIDs = ids

	set, args, err := buildStepUpdate(StepCompleted, update)
	if err != nil {
		return err
	}
	args = append(args, runID, stepID, tenantID, StepRunning, StepPending)

	res, err := tx.ExecContext(ctx,
		`UPDATE run_steps SET `+set+` WHERE run_id = ? AND step_id = ? AND tenant_id = ? AND status IN (?, ?)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to complete step: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return err
	}

	if cache != nil {
		cache.ArtifactIDs = ids
		if err := putCacheEntryTx(ctx, tx, cache); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RunAggregates recomputes the step status histogram in one read.
func (s *SQLite) RunAggregates(ctx context.Context, tenantID, runID string) (*StepsSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM run_steps
		WHERE run_id = ? AND tenant_id = ? GROUP BY status`, runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate steps: %w", err)
	}
	defer rows.Close()

	summary := &StepsSummary{}
	for rows.Next() {
		var status StepStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		summary.Total += count
		switch status {
		case StepPending:
			summary.Pending = count
		case StepRunning:
			summary.Running = count
		case StepCompleted:
			summary.Completed = count
		case StepSkipped:
			summary.Skipped = count
		case StepFailed:
			summary.Failed = count
		}
	}
	return summary, rows.Err()
}

// --- artifacts ---

// InsertArtifact inserts a row with content-hash dedup.
func (s *SQLite) InsertArtifact(ctx context.Context, artifact *Artifact) (*Artifact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := insertArtifactTx(ctx, tx, artifact)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if id == artifact.ID {
		return artifact, nil
	}
	return s.GetArtifact(ctx, artifact.TenantID, id)
}

// insertArtifactTx inserts an artifact inside tx, returning the id of
// the effective row (the existing one on dedup).
func insertArtifactTx(ctx context.Context, tx *sql.Tx, a *Artifact) (string, error) {
	var existing string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM artifacts WHERE tenant_id = ? AND content_hash = ? AND type = ?`,
		a.TenantID, a.ContentHash, a.Type).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to check artifact dedup: %w", err)
	}

	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (id, tenant_id, run_id, step_id, type, uri, content_hash,
			size_bytes, filename, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.RunID, a.StepID, a.Type, a.URI, a.ContentHash,
		a.SizeBytes, nullable(a.Filename), string(metaJSON), formatTime(a.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("failed to insert artifact: %w", err)
	}
	return a.ID, nil
}

// GetArtifact retrieves an artifact by tenant and id.
func (s *SQLite) GetArtifact(ctx context.Context, tenantID, artifactID string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, run_id, step_id, type, uri, content_hash, size_bytes,
			filename, metadata, created_at
		FROM artifacts WHERE id = ? AND tenant_id = ?`, artifactID, tenantID)
	return scanArtifact(row)
}

// ListArtifacts returns a run's artifacts.
func (s *SQLite) ListArtifacts(ctx context.Context, tenantID, runID, stepID string) ([]*Artifact, error) {
	query := `
		SELECT id, tenant_id, run_id, step_id, type, uri, content_hash, size_bytes,
			filename, metadata, created_at
		FROM artifacts WHERE run_id = ? AND tenant_id = ?`
	args := []any{runID, tenantID}
	if stepID != "" {
		query += ` AND step_id = ?`
		args = append(args, stepID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ArtifactExists reports whether the artifact id resolves.
func (s *SQLite) ArtifactExists(ctx context.Context, tenantID, artifactID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM artifacts WHERE id = ? AND tenant_id = ?`, artifactID, tenantID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- step cache ---

// GetCacheEntry retrieves a cache entry by its full key.
func (s *SQLite) GetCacheEntry(ctx context.Context, tenantID, skillID, skillVersion, fingerprint string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, skill_id, skill_version, input_fingerprint, result_json,
			artifact_ids, created_at
		FROM step_cache
		WHERE tenant_id = ? AND skill_id = ? AND skill_version = ? AND input_fingerprint = ?`,
		tenantID, skillID, skillVersion, fingerprint)

	entry := &CacheEntry{}
	var artJSON, createdAt string
	err := row.Scan(&entry.TenantID, &entry.SkillID, &entry.SkillVersion,
		&entry.InputFingerprint, &entry.ResultJSON, &artJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(artJSON), &entry.ArtifactIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache artifact ids: %w", err)
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return entry, nil
}

// PutCacheEntry inserts an entry; duplicates are ignored.
func (s *SQLite) PutCacheEntry(ctx context.Context, entry *CacheEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := putCacheEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func putCacheEntryTx(ctx context.Context, tx *sql.Tx, entry *CacheEntry) error {
	artJSON, err := json.Marshal(entry.ArtifactIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal cache artifact ids: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO step_cache (tenant_id, skill_id, skill_version,
			input_fingerprint, result_json, artifact_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.TenantID, entry.SkillID, entry.SkillVersion, entry.InputFingerprint,
		string(entry.ResultJSON), string(artJSON), formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntriesForArtifact removes entries referencing the artifact.
func (s *SQLite) DeleteCacheEntriesForArtifact(ctx context.Context, tenantID, artifactID string) error {
	// artifact_ids is a JSON array of strings; a quoted containment
	// match is sufficient for uuid values.
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM step_cache
		WHERE tenant_id = ? AND artifact_ids LIKE ?`,
		tenantID, `%"`+artifactID+`"%`)
	if err != nil {
		return fmt.Errorf("failed to invalidate cache entries: %w", err)
	}
	return nil
}

// --- scan helpers ---

const stepSelect = `
	SELECT id, run_id, tenant_id, step_id, skill_id, skill_version, input_fingerprint,
		attempt, status, output_artifact_ids, error, cache_hit, started_at, ended_at,
		duration_ms, created_at, updated_at
	FROM run_steps`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var payloadJSON string
	var baseRunID, errJSON, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&run.ID, &run.TenantID, &run.WorkflowName, &run.WorkflowVersion,
		&run.TriggerType, &payloadJSON, &run.Status, &baseRunID, &errJSON,
		&startedAt, &completedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &enginerrors.NotFoundError{Resource: "run"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if payloadJSON != "" && payloadJSON != "null" {
		if err := json.Unmarshal([]byte(payloadJSON), &run.TriggerPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger payload: %w", err)
		}
	}
	run.BaseRunID = baseRunID.String
	if run.Error, err = unmarshalError(errJSON); err != nil {
		return nil, err
	}
	run.StartedAt = parseTimePtr(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return run, nil
}

func scanStep(row rowScanner) (*RunStep, error) {
	step := &RunStep{}
	var fingerprint, artJSON, errJSON, startedAt, endedAt sql.NullString
	var cacheHit int
	var createdAt, updatedAt string

	err := row.Scan(&step.ID, &step.RunID, &step.TenantID, &step.StepID, &step.SkillID,
		&step.SkillVersion, &fingerprint, &step.Attempt, &step.Status, &artJSON,
		&errJSON, &cacheHit, &startedAt, &endedAt, &step.DurationMS, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &enginerrors.NotFoundError{Resource: "step"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	step.InputFingerprint = fingerprint.String
	if artJSON.Valid && artJSON.String != "" && artJSON.String != "null" {
		if err := json.Unmarshal([]byte(artJSON.String), &step.OutputArtifactIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact ids: %w", err)
		}
	}
	if step.Error, err = unmarshalError(errJSON); err != nil {
		return nil, err
	}
	step.CacheHit = cacheHit != 0
	step.StartedAt = parseTimePtr(startedAt)
	step.EndedAt = parseTimePtr(endedAt)
	step.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	step.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return step, nil
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	a := &Artifact{}
	var filename, metaJSON sql.NullString
	var createdAt string

	err := row.Scan(&a.ID, &a.TenantID, &a.RunID, &a.StepID, &a.Type, &a.URI,
		&a.ContentHash, &a.SizeBytes, &filename, &metaJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &enginerrors.NotFoundError{Resource: "artifact"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}

	a.Filename = filename.String
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact metadata: %w", err)
		}
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return a, nil
}

// buildStepUpdate renders the SET clause for a step transition.
func buildStepUpdate(to StepStatus, update *StepUpdate) (string, []any, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, formatTime(time.Now().UTC())}

	if update == nil {
		return strings.Join(sets, ", "), args, nil
	}
	if update.Attempt != nil {
		sets = append(sets, "attempt = ?")
		args = append(args, *update.Attempt)
	}
	if update.InputFingerprint != nil {
		sets = append(sets, "input_fingerprint = ?")
		args = append(args, *update.InputFingerprint)
	}
	if update.CacheHit != nil {
		v := 0
		if *update.CacheHit {
			v = 1
		}
		sets = append(sets, "cache_hit = ?")
		args = append(args, v)
	}
	if update.OutputArtifactIDs != nil {
		artJSON, err := json.Marshal(update.OutputArtifactIDs)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal artifact ids: %w", err)
		}
		sets = append(sets, "output_artifact_ids = ?")
		args = append(args, string(artJSON))
	}
	if update.Error != nil {
		errJSON, err := marshalError(update.Error)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "error = ?")
		args = append(args, errJSON)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(*update.StartedAt))
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, formatTime(*update.EndedAt))
	}
	if update.DurationMS != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMS)
	}
	return strings.Join(sets, ", "), args, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func marshalError(rec *ErrorRecord) (sql.NullString, error) {
	if rec == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal error record: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalError(s sql.NullString) (*ErrorRecord, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	rec := &ErrorRecord{}
	if err := json.Unmarshal([]byte(s.String), rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error record: %w", err)
	}
	return rec, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
