package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// CommandStore persists commands.
type CommandStore struct {
	db *sql.DB
}

// NewCommandStore constructs a store.
func NewCommandStore(db *sql.DB) *CommandStore {
	return &CommandStore{db: db}
}

const commandColumns = `command_id, tenant_id, project_id, target, payload::text, status, issued_by,
	(extract(epoch FROM issued_at) * 1000)::bigint AS issued_at_ms`

// CreateCommand inserts the command.
func (s *CommandStore) CreateCommand(ctx context.Context, tctx domain.TenantContext, cmd storage.Command) (storage.Command, error) {
	if s == nil || s.db == nil {
		return storage.Command{}, errors.New("command store: nil db")
	}
	if cmd.TenantID != tctx.TenantID {
		return storage.Command{}, auth.ErrTenantMismatch
	}
	if err := auth.EnsureProjectScope(tctx, cmd.ProjectID); err != nil {
		return storage.Command{}, err
	}
	payload := cmd.Payload
	if payload == "" {
		payload = "{}"
	}
	if !json.Valid([]byte(payload)) {
		return storage.Command{}, errors.New("command store: invalid payload")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO commands (
	command_id, tenant_id, project_id, target, payload, status, issued_by, issued_at
) VALUES (
	$1, $2, $3, $4, $5::jsonb, $6, $7, to_timestamp($8::double precision / 1000)
)`, cmd.CommandID, cmd.TenantID, cmd.ProjectID, cmd.Target, payload, cmd.Status, cmd.IssuedBy, cmd.IssuedAtMs)
	if err != nil {
		return storage.Command{}, err
	}
	cmd.Payload = payload
	return cmd, nil
}

// GetCommand fetches a command within the tenant/project scope.
func (s *CommandStore) GetCommand(ctx context.Context, tctx domain.TenantContext, projectID, commandID string) (*storage.Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE tenant_id = $1 AND project_id = $2 AND command_id = $3
LIMIT 1`, tctx.TenantID, projectID, commandID)
	return scanCommand(row)
}

// TransitionStatus performs the conditional update guarding against lost
// updates between the command service, receipt listener, and reaper.
func (s *CommandStore) TransitionStatus(ctx context.Context, tctx domain.TenantContext, projectID, commandID string, fromAny []string, to string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("command store: nil db")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return false, err
	}
	if len(fromAny) == 0 {
		return false, errors.New("command store: empty transition source set")
	}
	result, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = $1
WHERE tenant_id = $2 AND project_id = $3 AND command_id = $4 AND status = ANY($5)`,
		to, tctx.TenantID, projectID, commandID, fromAny)
	if err != nil {
		return false, err
	}
	count, _ := result.RowsAffected()
	return count > 0, nil
}

// ListAcceptedBefore returns accepted commands older than the cutoff,
// across all tenants. Reserved for the timeout reaper.
func (s *CommandStore) ListAcceptedBefore(ctx context.Context, cutoffMs int64, limit int) ([]storage.Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE status = $1 AND issued_at < to_timestamp($2::double precision / 1000)
ORDER BY issued_at ASC
LIMIT $3`, storage.CommandStatusAccepted, cutoffMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

// ListCommands returns the project's commands newest first.
func (s *CommandStore) ListCommands(ctx context.Context, tctx domain.TenantContext, projectID string, limit int) ([]storage.Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE tenant_id = $1 AND project_id = $2
ORDER BY issued_at DESC
LIMIT $3`, tctx.TenantID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*storage.Command, error) {
	var cmd storage.Command
	if err := row.Scan(
		&cmd.CommandID,
		&cmd.TenantID,
		&cmd.ProjectID,
		&cmd.Target,
		&cmd.Payload,
		&cmd.Status,
		&cmd.IssuedBy,
		&cmd.IssuedAtMs,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cmd, nil
}

func scanCommands(rows *sql.Rows) ([]storage.Command, error) {
	var result []storage.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
