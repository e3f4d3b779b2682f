package control

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// ReaperConfig tunes the timeout sweep.
type ReaperConfig struct {
	// ReceiptTimeout is how long after its issue time a command may stay
	// accepted before it is declared timed out.
	ReceiptTimeout time.Duration
	// Interval is the sweep cadence. Zero means 30s.
	Interval time.Duration
	// BatchLimit bounds commands per sweep. Zero means 100.
	BatchLimit int
}

// Reaper periodically transitions commands stuck in accepted past the
// receipt deadline to timeout. Sweeps are idempotent: the conditional
// transition makes a second pass over the same command a no-op.
type Reaper struct {
	commands storage.CommandStore
	audits   storage.AuditStore
	cfg      ReaperConfig
	logger   *log.Logger
	now      func() time.Time
}

// NewReaper constructs a reaper.
func NewReaper(commands storage.CommandStore, audits storage.AuditStore, cfg ReaperConfig, logger *log.Logger) (*Reaper, error) {
	if commands == nil || audits == nil {
		return nil, errors.New("control: nil store")
	}
	if cfg.ReceiptTimeout <= 0 {
		return nil, errors.New("control: receipt timeout required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reaper{commands: commands, audits: audits, cfg: cfg, logger: logger, now: time.Now}, nil
}

// SetClock overrides the time source. Test helper.
func (r *Reaper) SetClock(now func() time.Time) { r.now = now }

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				r.logger.Printf("control: reap sweep failed: %v", err)
			}
		}
	}
}

// ReapOnce performs a single sweep and returns how many commands timed out.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	cutoffMs := r.now().Add(-r.cfg.ReceiptTimeout).UnixMilli()
	stuck, err := r.commands.ListAcceptedBefore(ctx, cutoffMs, r.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, cmd := range stuck {
		tctx := domain.SystemContext(cmd.TenantID, cmd.ProjectID)
		transitioned, err := r.commands.TransitionStatus(ctx, tctx, cmd.ProjectID, cmd.CommandID,
			[]string{storage.CommandStatusAccepted}, storage.CommandStatusTimeout)
		if err != nil {
			r.logger.Printf("control: timeout transition failed for %s: %v", cmd.CommandID, err)
			continue
		}
		if !transitioned {
			continue
		}
		reaped++

		audit := storage.AuditRecord{
			AuditID:   uuid.NewString(),
			TenantID:  cmd.TenantID,
			ProjectID: cmd.ProjectID,
			Actor:     "system",
			Action:    storage.AuditActionCommandTimeout,
			Resource:  "command:" + cmd.CommandID,
			Result:    storage.CommandStatusTimeout,
			TsMs:      r.now().UnixMilli(),
		}
		if err := r.audits.Append(ctx, tctx, audit); err != nil {
			r.logger.Printf("control: timeout audit failed for %s: %v", cmd.CommandID, err)
		}
		r.logger.Printf("control: command %s timed out after %s", cmd.CommandID, r.cfg.ReceiptTimeout)
	}
	return reaped, nil
}
