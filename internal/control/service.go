// Package control implements the outbound command lifecycle: issuance with
// retried dispatch, asynchronous receipt reconciliation, and the timeout
// reaper. The command row in storage is the source of truth; in-memory
// handles are throwaway.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/observability/metrics"
	"github.com/zw834675966/ems/internal/storage"
)

// ErrDispatchFailed is surfaced to the HTTP caller when publishing
// exhausted its retries. The command row is marked failed.
var ErrDispatchFailed = errors.New("control: dispatch failed")

// Request is a command issue request.
type Request struct {
	ProjectID  string
	Target     string
	Payload    json.RawMessage
	IssuedAtMs int64
}

// Dispatch carries everything the dispatcher needs to publish a command.
type Dispatch struct {
	CommandID  string
	TenantID   string
	ProjectID  string
	Target     string
	Payload    string
	IssuedAtMs int64
}

// Dispatcher publishes a command frame to the transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Dispatch) error
}

// ServiceConfig tunes dispatch retries.
type ServiceConfig struct {
	DispatchMaxRetries int
	DispatchBackoff    time.Duration
}

// Service issues commands.
type Service struct {
	commands   storage.CommandStore
	audits     storage.AuditStore
	dispatcher Dispatcher
	cfg        ServiceConfig
	logger     *log.Logger
	now        func() time.Time
	newID      func() string
}

// NewService constructs a command service.
func NewService(commands storage.CommandStore, audits storage.AuditStore, dispatcher Dispatcher, cfg ServiceConfig, logger *log.Logger) (*Service, error) {
	if commands == nil {
		return nil, errors.New("control: nil command store")
	}
	if audits == nil {
		return nil, errors.New("control: nil audit store")
	}
	if dispatcher == nil {
		return nil, errors.New("control: nil dispatcher")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.DispatchMaxRetries < 0 {
		cfg.DispatchMaxRetries = 0
	}
	return &Service{
		commands:   commands,
		audits:     audits,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// SetClock overrides the time source. Test helper.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetIDGenerator overrides command id generation. Test helper.
func (s *Service) SetIDGenerator(newID func() string) { s.newID = newID }

// Issue persists the command, dispatches it with retry, transitions the
// status, and records the issuance in audit. Concurrent calls are
// independent.
func (s *Service) Issue(ctx context.Context, tctx domain.TenantContext, req Request) (storage.Command, error) {
	metrics.IncCommandsIssued()
	startedAt := s.now()

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return storage.Command{}, errors.New("control: invalid payload")
	}
	issuedAtMs := req.IssuedAtMs
	if issuedAtMs == 0 {
		issuedAtMs = startedAt.UnixMilli()
	}

	cmd := storage.Command{
		CommandID:  s.newID(),
		TenantID:   tctx.TenantID,
		ProjectID:  req.ProjectID,
		Target:     req.Target,
		Payload:    string(payload),
		Status:     storage.CommandStatusIssued,
		IssuedBy:   tctx.UserID,
		IssuedAtMs: issuedAtMs,
	}
	cmd, err := s.commands.CreateCommand(ctx, tctx, cmd)
	if err != nil {
		return storage.Command{}, err
	}
	s.logger.Printf("control: command %s created for %s/%s target=%s", cmd.CommandID, cmd.TenantID, cmd.ProjectID, cmd.Target)

	dispatchErr := s.dispatchWithRetry(ctx, Dispatch{
		CommandID:  cmd.CommandID,
		TenantID:   cmd.TenantID,
		ProjectID:  cmd.ProjectID,
		Target:     cmd.Target,
		Payload:    cmd.Payload,
		IssuedAtMs: cmd.IssuedAtMs,
	})

	status := storage.CommandStatusAccepted
	result := "accepted"
	detail := ""
	if dispatchErr != nil {
		metrics.IncDispatchFailures()
		status = storage.CommandStatusFailed
		result = "failed"
		detail = dispatchErr.Error()
	} else {
		metrics.IncDispatchSuccesses()
	}

	if _, err := s.commands.TransitionStatus(ctx, tctx, cmd.ProjectID, cmd.CommandID,
		[]string{storage.CommandStatusIssued}, status); err != nil {
		s.logger.Printf("control: command %s status update failed: %v", cmd.CommandID, err)
	} else {
		cmd.Status = status
	}

	audit := storage.AuditRecord{
		AuditID:   s.newID(),
		TenantID:  tctx.TenantID,
		ProjectID: cmd.ProjectID,
		Actor:     tctx.UserID,
		Action:    storage.AuditActionCommandIssue,
		Resource:  "command:" + cmd.CommandID,
		Result:    result,
		Detail:    detail,
		TsMs:      cmd.IssuedAtMs,
	}
	if err := s.audits.Append(ctx, tctx, audit); err != nil {
		s.logger.Printf("control: audit append failed for %s: %v", cmd.CommandID, err)
	}

	metrics.ObserveCommandIssueLatency(float64(s.now().Sub(startedAt).Milliseconds()))

	if dispatchErr != nil {
		return cmd, errors.Join(ErrDispatchFailed, dispatchErr)
	}
	return cmd, nil
}

// dispatchWithRetry is a small attempt/delay/give-up state machine with
// exponential backoff and a hard attempts ceiling.
func (s *Service) dispatchWithRetry(ctx context.Context, dispatch Dispatch) error {
	attempt := 0
	delay := s.cfg.DispatchBackoff
	for {
		err := s.dispatcher.Dispatch(ctx, dispatch)
		if err == nil {
			return nil
		}
		attempt++
		if attempt > s.cfg.DispatchMaxRetries {
			return err
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}
}
