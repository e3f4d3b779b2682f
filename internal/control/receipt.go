package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zw834675966/ems/internal/broker"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/observability/metrics"
	"github.com/zw834675966/ems/internal/storage"
)

// ReceiptListenerConfig selects the receipt subscription.
type ReceiptListenerConfig struct {
	ReceiptPrefix string
	QoS           byte
}

// ReceiptListener subscribes to receipt topics, persists each receipt, and
// reconciles the command status. Processing is pure side effect; there is
// no caller to report to.
type ReceiptListener struct {
	commands storage.CommandStore
	receipts storage.CommandReceiptStore
	audits   storage.AuditStore
	cfg      ReceiptListenerConfig
	logger   *log.Logger
	now      func() time.Time

	dropped atomic.Int64
}

// NewReceiptListener constructs a listener.
func NewReceiptListener(commands storage.CommandStore, receipts storage.CommandReceiptStore, audits storage.AuditStore, cfg ReceiptListenerConfig, logger *log.Logger) (*ReceiptListener, error) {
	if commands == nil || receipts == nil || audits == nil {
		return nil, errors.New("control: nil store")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ReceiptListener{
		commands: commands,
		receipts: receipts,
		audits:   audits,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source. Test helper.
func (l *ReceiptListener) SetClock(now func() time.Time) { l.now = now }

// Dropped returns how many receipt messages were discarded. Test helper.
func (l *ReceiptListener) Dropped() int64 { return l.dropped.Load() }

// Start subscribes to the receipt wildcard.
func (l *ReceiptListener) Start(client broker.Client) error {
	filter := broker.SubscribeFilter(l.cfg.ReceiptPrefix)
	return client.Subscribe(filter, l.cfg.QoS, func(topic string, payload []byte, receivedAtMs int64) {
		l.handleMessage(context.Background(), topic, payload, receivedAtMs)
	})
}

// handleMessage processes one receipt frame. Every failure path drops the
// frame with a counter; the subscription must survive anything.
func (l *ReceiptListener) handleMessage(ctx context.Context, topic string, payload []byte, receivedAtMs int64) {
	scope, err := broker.ParseReceipt(l.cfg.ReceiptPrefix, topic)
	if err != nil {
		l.dropped.Add(1)
		l.logger.Printf("control: receipt topic skipped %q: %v", topic, err)
		return
	}

	parsed, err := parseReceiptPayload(payload)
	if err != nil {
		l.dropped.Add(1)
		l.logger.Printf("control: receipt payload invalid on %q: %v", topic, err)
		return
	}

	status, message := normalizeStatus(parsed.Status)
	if message == "" {
		message = parsed.Message
	}
	tsMs := parsed.TsMs
	if tsMs == 0 {
		tsMs = receivedAtMs
	}
	if tsMs == 0 {
		tsMs = l.now().UnixMilli()
	}

	tctx := domain.SystemContext(scope.TenantID, scope.ProjectID)

	// Correlation is by command id, but the topic's tenant and project must
	// match the stored command.
	cmd, err := l.commands.GetCommand(ctx, tctx, scope.ProjectID, scope.CommandID)
	if err != nil {
		l.dropped.Add(1)
		l.logger.Printf("control: command lookup failed for %s: %v", scope.CommandID, err)
		return
	}
	if cmd == nil || cmd.TenantID != scope.TenantID || cmd.ProjectID != scope.ProjectID {
		l.dropped.Add(1)
		l.logger.Printf("control: receipt for unknown or mismatched command %s on %q", scope.CommandID, topic)
		return
	}

	receipt := storage.CommandReceipt{
		ReceiptID: stableReceiptID(scope.TenantID, scope.ProjectID, scope.CommandID, tsMs, status, message),
		TenantID:  scope.TenantID,
		ProjectID: scope.ProjectID,
		CommandID: scope.CommandID,
		TsMs:      tsMs,
		Status:    status,
		Message:   message,
	}
	written, err := l.receipts.CreateReceipt(ctx, tctx, receipt)
	if err != nil {
		l.dropped.Add(1)
		l.logger.Printf("control: receipt write failed for %s: %v", scope.CommandID, err)
		return
	}
	if !written.Inserted {
		l.logger.Printf("control: duplicate receipt ignored for %s", scope.CommandID)
		return
	}
	metrics.IncReceiptsProcessed()

	// Terminal states are never overwritten; an accepted receipt on an
	// accepted command is a same-state no-op transition.
	transitioned, err := l.commands.TransitionStatus(ctx, tctx, scope.ProjectID, scope.CommandID,
		[]string{storage.CommandStatusIssued, storage.CommandStatusAccepted}, status)
	if err != nil {
		l.logger.Printf("control: status reconcile failed for %s: %v", scope.CommandID, err)
	}

	audit := storage.AuditRecord{
		AuditID:   stableAuditIDForReceipt(receipt.ReceiptID),
		TenantID:  scope.TenantID,
		ProjectID: scope.ProjectID,
		Actor:     "system",
		Action:    storage.AuditActionCommandReceipt,
		Resource:  "command:" + scope.CommandID,
		Result:    status,
		Detail:    message,
		TsMs:      tsMs,
	}
	if err := l.audits.Append(ctx, tctx, audit); err != nil {
		l.logger.Printf("control: receipt audit failed for %s: %v", scope.CommandID, err)
	}
	l.logger.Printf("control: receipt %s for command %s status=%s transitioned=%t", receipt.ReceiptID, scope.CommandID, status, transitioned)
}

// receiptPayload covers the structured wire shapes devices publish.
type receiptPayload struct {
	Status    string `json:"status"`
	Result    string `json:"result"`
	State     string `json:"state"`
	Message   string `json:"message"`
	Msg       string `json:"msg"`
	Detail    string `json:"detail"`
	TsMsCamel *int64 `json:"tsMs"`
	TsMsSnake *int64 `json:"ts_ms"`
	Ts        *int64 `json:"ts"`
	Timestamp *int64 `json:"timestamp"`
}

type parsedReceipt struct {
	Status  string
	Message string
	TsMs    int64
}

// parseReceiptPayload accepts the enumerated shapes: a JSON object, a JSON
// string, or a bare status word.
func parseReceiptPayload(payload []byte) (parsedReceipt, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return parsedReceipt{}, errors.New("empty payload")
	}

	// Plain-text status for device compatibility.
	if !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "\"") {
		return parsedReceipt{Status: text}, nil
	}

	if strings.HasPrefix(text, "\"") {
		var status string
		if err := json.Unmarshal([]byte(text), &status); err != nil {
			return parsedReceipt{}, err
		}
		status = strings.TrimSpace(status)
		if status == "" {
			return parsedReceipt{}, errors.New("empty status")
		}
		return parsedReceipt{Status: status}, nil
	}

	var receipt receiptPayload
	if err := json.Unmarshal([]byte(text), &receipt); err != nil {
		return parsedReceipt{}, err
	}
	status := firstNonEmpty(receipt.Status, receipt.Result, receipt.State)
	if strings.TrimSpace(status) == "" {
		return parsedReceipt{}, errors.New("missing status")
	}
	var tsMs int64
	for _, candidate := range []*int64{receipt.TsMsCamel, receipt.TsMsSnake, receipt.Ts, receipt.Timestamp} {
		if candidate != nil {
			tsMs = *candidate
			break
		}
	}
	return parsedReceipt{
		Status:  status,
		Message: firstNonEmpty(receipt.Message, receipt.Msg, receipt.Detail),
		TsMs:    tsMs,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// normalizeStatus folds the wire status into the command lexicon. Unknown
// statuses become failed with the original preserved as the message.
func normalizeStatus(raw string) (status, message string) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch normalized {
	case storage.CommandStatusAccepted, storage.CommandStatusSuccess,
		storage.CommandStatusFailed, storage.CommandStatusTimeout:
		return normalized, ""
	}
	return storage.CommandStatusFailed, raw
}

// stableReceiptID derives a deterministic id so redelivered frames map to
// the same receipt row.
func stableReceiptID(tenantID, projectID, commandID string, tsMs int64, status, message string) string {
	name := strings.Join([]string{
		"receipt", tenantID, projectID, commandID,
		strconv.FormatInt(tsMs, 10), status, message,
	}, ":")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func stableAuditIDForReceipt(receiptID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("audit:receipt:"+receiptID)).String()
}
