package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/captain/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists request traces and the dynamic registration snapshot.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// withForeignKeys turns on foreign key enforcement for every pooled
// connection. A PRAGMA only reaches the connection that runs it.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			request_id TEXT PRIMARY KEY,
			request_type TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			request_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			capability TEXT NOT NULL,
			correlation_id TEXT,
			agent_id TEXT,
			status TEXT NOT NULL,
			payload TEXT,
			error TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (request_id, idx),
			FOREIGN KEY (request_id) REFERENCES requests(request_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			address TEXT NOT NULL,
			capabilities TEXT NOT NULL,
			protocol_version TEXT NOT NULL,
			registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}

	if err := s.ensureColumn("agents", "priority", `ALTER TABLE agents ADD COLUMN priority INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := s.ensureColumn("agents", "source", `ALTER TABLE agents ADD COLUMN source TEXT NOT NULL DEFAULT 'dynamic'`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveTrace records a handled request and its invocation outcomes.
func (s *SQLiteStore) SaveTrace(ctx context.Context, trace *domain.RequestTrace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO requests (request_id, request_type, status, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		trace.RequestID, trace.RequestType, string(trace.Status), nullString(trace.Error), trace.CreatedAt, trace.CompletedAt); err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM invocations WHERE request_id = ?`, trace.RequestID); err != nil {
		return fmt.Errorf("failed to clear invocations: %w", err)
	}

	for _, r := range trace.Results {
		var errData []byte
		if r.Error != nil {
			errData, _ = json.Marshal(r.Error)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO invocations (request_id, idx, capability, correlation_id, agent_id, status, payload, error, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			trace.RequestID, r.Index, r.Capability, nullString(r.CorrelationID), nullString(r.AgentID),
			string(r.Status), nullStringBytes(r.Payload), nullStringBytes(errData), r.DurationMs); err != nil {
			return fmt.Errorf("failed to insert invocation %d: %w", r.Index, err)
		}
	}
	return tx.Commit()
}

// GetTrace retrieves a request trace by ID.
func (s *SQLiteStore) GetTrace(ctx context.Context, requestID string) (*domain.RequestTrace, error) {
	var trace domain.RequestTrace
	var status string
	var errText sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, request_type, status, error, created_at, completed_at FROM requests WHERE request_id = ?`,
		requestID).Scan(&trace.RequestID, &trace.RequestType, &status, &errText, &trace.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	trace.Status = domain.CompositeStatus(status)
	trace.Error = errText.String
	if completedAt.Valid {
		trace.CompletedAt = completedAt.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, capability, correlation_id, agent_id, status, payload, error, duration_ms
		 FROM invocations WHERE request_id = ? ORDER BY idx`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trace.Results = []domain.ResultEntry{}
	for rows.Next() {
		var r domain.ResultEntry
		var correlationID, agentID, payload, errData sql.NullString
		var rStatus string
		if err := rows.Scan(&r.Index, &r.Capability, &correlationID, &agentID, &rStatus, &payload, &errData, &r.DurationMs); err != nil {
			return nil, err
		}
		r.CorrelationID = correlationID.String
		r.AgentID = agentID.String
		r.Status = domain.ResultStatus(rStatus)
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		if errData.Valid {
			var detail domain.ErrorDetail
			if err := json.Unmarshal([]byte(errData.String), &detail); err == nil {
				r.Error = &detail
			}
		}
		trace.Results = append(trace.Results, r)
	}
	return &trace, rows.Err()
}

// PruneTraces deletes traces created before the cutoff and returns how many were removed.
func (s *SQLiteStore) PruneTraces(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveAgent registers or updates an agent in the snapshot.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *domain.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (agent_id, name, address, capabilities, protocol_version, priority, source, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Address, string(caps), agent.ProtocolVersion, agent.Priority, string(agent.Source), agent.RegisteredAt)
	return err
}

// DeleteAgent removes an agent from the snapshot. Missing agents are ignored.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	return err
}

// ListAgents lists all agents in the snapshot in registration order.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, name, address, capabilities, protocol_version, priority, source, registered_at
		 FROM agents ORDER BY registered_at, agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var agent domain.Agent
		var caps, source string
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Address, &caps, &agent.ProtocolVersion, &agent.Priority, &source, &agent.RegisteredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("agent %s has corrupt capabilities: %w", agent.ID, err)
		}
		agent.Source = domain.AgentSource(source)
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
