package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// CommandStore keeps commands in a map keyed by command id.
type CommandStore struct {
	mu       sync.Mutex
	commands map[string]storage.Command
}

// NewCommandStore constructs an empty store.
func NewCommandStore() *CommandStore {
	return &CommandStore{commands: make(map[string]storage.Command)}
}

// CreateCommand inserts the command.
func (s *CommandStore) CreateCommand(_ context.Context, tctx domain.TenantContext, cmd storage.Command) (storage.Command, error) {
	if cmd.TenantID != tctx.TenantID {
		return storage.Command{}, auth.ErrTenantMismatch
	}
	if err := auth.EnsureProjectScope(tctx, cmd.ProjectID); err != nil {
		return storage.Command{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd.CommandID] = cmd
	return cmd, nil
}

// GetCommand returns the command or nil. The tenant predicate is enforced:
// a command of another tenant is invisible.
func (s *CommandStore) GetCommand(_ context.Context, tctx domain.TenantContext, projectID, commandID string) (*storage.Command, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[commandID]
	if !ok || cmd.TenantID != tctx.TenantID || cmd.ProjectID != projectID {
		return nil, nil
	}
	copied := cmd
	return &copied, nil
}

// TransitionStatus performs a conditional status update.
func (s *CommandStore) TransitionStatus(_ context.Context, tctx domain.TenantContext, projectID, commandID string, fromAny []string, to string) (bool, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[commandID]
	if !ok || cmd.TenantID != tctx.TenantID || cmd.ProjectID != projectID {
		return false, nil
	}
	for _, from := range fromAny {
		if cmd.Status == from {
			cmd.Status = to
			s.commands[commandID] = cmd
			return true, nil
		}
	}
	return false, nil
}

// ListAcceptedBefore returns accepted commands issued before the cutoff,
// across all tenants.
func (s *CommandStore) ListAcceptedBefore(_ context.Context, cutoffMs int64, limit int) ([]storage.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []storage.Command
	for _, cmd := range s.commands {
		if cmd.Status == storage.CommandStatusAccepted && cmd.IssuedAtMs < cutoffMs {
			result = append(result, cmd)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].IssuedAtMs < result[j].IssuedAtMs })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListCommands returns the project's commands newest first.
func (s *CommandStore) ListCommands(_ context.Context, tctx domain.TenantContext, projectID string, limit int) ([]storage.Command, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []storage.Command
	for _, cmd := range s.commands {
		if cmd.TenantID == tctx.TenantID && cmd.ProjectID == projectID {
			result = append(result, cmd)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].IssuedAtMs > result[j].IssuedAtMs })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
