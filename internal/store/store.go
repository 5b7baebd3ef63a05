// Package store is the Postgres persistence layer: features, sessions,
// tasks, tool-call audit, and both memory tiers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/archon-ai/archon/internal/orchestrator"
	"github.com/archon-ai/archon/internal/planner"
	"github.com/archon-ai/archon/internal/tools"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = fmt.Errorf("not found")

type Store struct {
	DB *sql.DB
}

// New connects using DATABASE_URL or the POSTGRES_* variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Feature operations
func (s *Store) CreateFeature(ctx context.Context, f planner.Feature) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO features (id, project_id, title, description, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, f.ID, f.ProjectID, f.Title, f.Description, f.Status, f.CreatedAt, f.UpdatedAt)
	return err
}

func (s *Store) GetFeature(ctx context.Context, id string) (planner.Feature, error) {
	var f planner.Feature
	err := s.DB.QueryRowContext(ctx, `
SELECT id, project_id, title, description, status, created_at, updated_at
FROM features WHERE id=$1
`, id).Scan(&f.ID, &f.ProjectID, &f.Title, &f.Description, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return planner.Feature{}, ErrNotFound
	}
	return f, err
}

func (s *Store) ListFeatures(ctx context.Context, projectID string) ([]planner.Feature, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, project_id, title, description, status, created_at, updated_at
FROM features
WHERE ($1 = '' OR project_id = $1)
ORDER BY created_at DESC
`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []planner.Feature
	for rows.Next() {
		var f planner.Feature
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Title, &f.Description, &f.Status, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) UpdateFeatureStatus(ctx context.Context, id string, status planner.FeatureStatus) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE features SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	return err
}

// Session operations
func (s *Store) InsertSession(ctx context.Context, rec orchestrator.Session) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_sessions (id, feature_id, project_id, state, checkpoint, error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, rec.ID, rec.FeatureID, rec.ProjectID, rec.State, nullIfEmpty(rec.Checkpoint), nullIfEmpty(rec.Error), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s *Store) UpdateSession(ctx context.Context, rec orchestrator.Session) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE agent_sessions SET state=$2, checkpoint=$3, error=$4, updated_at=$5 WHERE id=$1
`, rec.ID, rec.State, nullIfEmpty(rec.Checkpoint), nullIfEmpty(rec.Error), rec.UpdatedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (orchestrator.Session, error) {
	var (
		rec        orchestrator.Session
		checkpoint sql.NullString
		errMsg     sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, feature_id, project_id, state, checkpoint, error, created_at, updated_at
FROM agent_sessions WHERE id=$1
`, id).Scan(&rec.ID, &rec.FeatureID, &rec.ProjectID, &rec.State, &checkpoint, &errMsg, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return orchestrator.Session{}, ErrNotFound
	}
	rec.Checkpoint = checkpoint.String
	rec.Error = errMsg.String
	return rec, err
}

// HasActiveSession reports whether a non-terminal session exists for the
// feature.
func (s *Store) HasActiveSession(ctx context.Context, featureID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT count(*) FROM agent_sessions
WHERE feature_id=$1 AND state NOT IN ('completed','failed','cancelled')
`, featureID).Scan(&n)
	return n > 0, err
}

// Task operations
func (s *Store) InsertTasks(ctx context.Context, sessionID string, tasks []*planner.Task) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO tasks (id, session_id, description, tool, args, depends_on, ordinal, status, retries, memorable, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range tasks {
		args, err := json.Marshal(t.Args)
		if err != nil {
			return err
		}
		deps, err := json.Marshal(t.DependsOn)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, t.ID, sessionID, t.Description, t.Tool, args, deps, t.Ordinal, t.Status, t.Retries, t.Memorable, t.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveTaskStates persists the mutable fields of every task after an
// executor step.
func (s *Store) SaveTaskStates(ctx context.Context, sessionID string, tasks []*planner.Task) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
UPDATE tasks SET status=$3, result=$4, retries=$5 WHERE id=$1 AND session_id=$2
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range tasks {
		var result []byte
		if t.Result != nil {
			if result, err = json.Marshal(t.Result); err != nil {
				return err
			}
		}
		if _, err := stmt.ExecContext(ctx, t.ID, sessionID, t.Status, result, t.Retries); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListTasks(ctx context.Context, sessionID string) ([]planner.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, description, tool, args, depends_on, ordinal, status, result, retries, memorable, created_at
FROM tasks WHERE session_id=$1 ORDER BY ordinal
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []planner.Task
	for rows.Next() {
		var (
			t          planner.Task
			argsBytes  []byte
			depsBytes  []byte
			resultNull []byte
		)
		if err := rows.Scan(&t.ID, &t.Description, &t.Tool, &argsBytes, &depsBytes, &t.Ordinal, &t.Status, &resultNull, &t.Retries, &t.Memorable, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(argsBytes) > 0 {
			_ = json.Unmarshal(argsBytes, &t.Args)
		}
		if len(depsBytes) > 0 {
			_ = json.Unmarshal(depsBytes, &t.DependsOn)
		}
		if len(resultNull) > 0 {
			_ = json.Unmarshal(resultNull, &t.Result)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordToolCall appends one invocation attempt to the audit log.
func (s *Store) RecordToolCall(ctx context.Context, rec tools.CallRecord) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return err
	}
	var result []byte
	if rec.Result != nil {
		if result, err = json.Marshal(rec.Result); err != nil {
			return err
		}
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO tool_calls (id, session_id, task_id, tool, args, result, error, attempt, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, rec.ID, nullIfEmpty(rec.SessionID), nullIfEmpty(rec.TaskID), rec.Tool, args, result, nullIfEmpty(rec.Error), rec.Attempt, rec.StartedAt, rec.FinishedAt)
	return err
}

func (s *Store) ListToolCalls(ctx context.Context, taskID string) ([]tools.CallRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, task_id, tool, args, result, error, attempt, started_at, finished_at
FROM tool_calls WHERE task_id=$1 ORDER BY started_at
`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tools.CallRecord
	for rows.Next() {
		var (
			rec         tools.CallRecord
			sessionID   sql.NullString
			taskIDNull  sql.NullString
			errNull     sql.NullString
			argsBytes   []byte
			resultBytes []byte
		)
		if err := rows.Scan(&rec.ID, &sessionID, &taskIDNull, &rec.Tool, &argsBytes, &resultBytes, &errNull, &rec.Attempt, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.SessionID = sessionID.String
		rec.TaskID = taskIDNull.String
		rec.Error = errNull.String
		if len(argsBytes) > 0 {
			_ = json.Unmarshal(argsBytes, &rec.Args)
		}
		if len(resultBytes) > 0 {
			_ = json.Unmarshal(resultBytes, &rec.Result)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
