package control

import (
	"context"
	"testing"
	"time"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
	"github.com/zw834675966/ems/internal/storage/memory"
)

func newTestReaper(t *testing.T, commands *memory.CommandStore, audits *memory.AuditStore, timeout time.Duration) *Reaper {
	t.Helper()
	reaper, err := NewReaper(commands, audits, ReaperConfig{ReceiptTimeout: timeout}, discardLogger(t))
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	return reaper
}

func seedCommandAt(t *testing.T, commands *memory.CommandStore, id, status string, issuedAtMs int64) {
	t.Helper()
	tctx := domain.SystemContext("tenant-1", "project-1")
	_, err := commands.CreateCommand(context.Background(), tctx, storage.Command{
		CommandID:  id,
		TenantID:   "tenant-1",
		ProjectID:  "project-1",
		Target:     "demo-target",
		Payload:    "{}",
		Status:     status,
		IssuedBy:   "user-1",
		IssuedAtMs: issuedAtMs,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestReaperTimesOutStuckCommands(t *testing.T) {
	commands := memory.NewCommandStore()
	audits := memory.NewAuditStore()
	reaper := newTestReaper(t, commands, audits, time.Minute)

	base := int64(1_700_000_000_000)
	now := time.UnixMilli(base + 120_000)
	reaper.SetClock(func() time.Time { return now })

	seedCommandAt(t, commands, "cmd-old", storage.CommandStatusAccepted, base)
	seedCommandAt(t, commands, "cmd-fresh", storage.CommandStatusAccepted, base+90_000)
	seedCommandAt(t, commands, "cmd-done", storage.CommandStatusSuccess, base)

	reaped, err := reaper.ReapOnce(context.Background())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped, got %d", reaped)
	}

	tctx := domain.SystemContext("tenant-1", "project-1")
	old, _ := commands.GetCommand(context.Background(), tctx, "project-1", "cmd-old")
	if old.Status != storage.CommandStatusTimeout {
		t.Fatalf("cmd-old: %q", old.Status)
	}
	fresh, _ := commands.GetCommand(context.Background(), tctx, "project-1", "cmd-fresh")
	if fresh.Status != storage.CommandStatusAccepted {
		t.Fatalf("cmd-fresh must be untouched: %q", fresh.Status)
	}
	done, _ := commands.GetCommand(context.Background(), tctx, "project-1", "cmd-done")
	if done.Status != storage.CommandStatusSuccess {
		t.Fatalf("terminal command must be untouched: %q", done.Status)
	}

	records, _ := audits.List(context.Background(), tctx, "project-1", 0)
	if len(records) != 1 || records[0].Action != storage.AuditActionCommandTimeout {
		t.Fatalf("audit: %+v", records)
	}
}

func TestReaperIsIdempotent(t *testing.T) {
	commands := memory.NewCommandStore()
	audits := memory.NewAuditStore()
	reaper := newTestReaper(t, commands, audits, time.Minute)

	base := int64(1_700_000_000_000)
	reaper.SetClock(func() time.Time { return time.UnixMilli(base + 120_000) })
	seedCommandAt(t, commands, "cmd-1", storage.CommandStatusAccepted, base)

	for i := 0; i < 2; i++ {
		if _, err := reaper.ReapOnce(context.Background()); err != nil {
			t.Fatalf("reap %d: %v", i, err)
		}
	}

	tctx := domain.SystemContext("tenant-1", "project-1")
	records, _ := audits.List(context.Background(), tctx, "project-1", 0)
	if len(records) != 1 {
		t.Fatalf("second sweep must be a no-op, got %d audits", len(records))
	}
}

func TestReaperLateReceiptDoesNotResurrect(t *testing.T) {
	commands := memory.NewCommandStore()
	audits := memory.NewAuditStore()
	reaper := newTestReaper(t, commands, audits, time.Minute)

	base := int64(1_700_000_000_000)
	reaper.SetClock(func() time.Time { return time.UnixMilli(base + 120_000) })
	seedCommandAt(t, commands, "cmd-1", storage.CommandStatusAccepted, base)

	if _, err := reaper.ReapOnce(context.Background()); err != nil {
		t.Fatalf("reap: %v", err)
	}

	listener, err := NewReceiptListener(commands, memory.NewReceiptStore(), audits, ReceiptListenerConfig{
		ReceiptPrefix: "ems/receipts",
	}, discardLogger(t))
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	handle(listener, "ems/receipts/tenant-1/project-1/cmd-1", `"success"`)

	tctx := domain.SystemContext("tenant-1", "project-1")
	cmd, _ := commands.GetCommand(context.Background(), tctx, "project-1", "cmd-1")
	if cmd.Status != storage.CommandStatusTimeout {
		t.Fatalf("late receipt resurrected the command: %q", cmd.Status)
	}
}
