package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
)

// Alert is one escalation-ladder emission: a debounce key crossed its
// allow/suppress gate and reached a given severity/channel set.
type Alert struct {
	Kind           domain.DebounceKind        `json:"kind"`
	DestinationID  string                     `json:"destinationId,omitempty"`
	OrganisationID string                     `json:"organisationId"`
	Severity       domain.EscalationSeverity  `json:"severity"`
	Level          int                        `json:"level"`
	Channels       []string                   `json:"channels"`
	Message        string                     `json:"message"`
	OccurredAt     time.Time                  `json:"occurredAt"`
}

// Notifier dispatches an Alert through one channel family. Paging, chat,
// and phone vendors stay external: every concrete implementation here is
// either a logging stand-in (Console) or a single generic webhook call
// (Webhook) — the core never depends on a specific paging SDK.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// ConsoleNotifier logs alerts through core.Logger, used in development and
// as an always-on fallback so alerts are never silently dropped even with
// no webhook configured.
type ConsoleNotifier struct {
	logger core.Logger
}

func NewConsoleNotifier(logger core.Logger) *ConsoleNotifier {
	return &ConsoleNotifier{logger: core.WithComponentLogger(logger, "alerting/console")}
}

func (n *ConsoleNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.Warn("alert", map[string]interface{}{
		"kind":            string(alert.Kind),
		"destination_id":  alert.DestinationID,
		"organisation_id": alert.OrganisationID,
		"severity":        string(alert.Severity),
		"level":           alert.Level,
		"channels":        alert.Channels,
		"message":         alert.Message,
	})
	return nil
}

var _ Notifier = (*ConsoleNotifier)(nil)

// WebhookNotifier posts the alert as a JSON body to a single configured
// URL, standing in for whichever paging/chat integration an operator wires
// up downstream.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     core.Logger
}

func NewWebhookNotifier(url string, httpClient *http.Client, logger core.Logger) *WebhookNotifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, httpClient: httpClient, logger: core.WithComponentLogger(logger, "alerting/webhook")}
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	if n.url == "" {
		return nil
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("alerting: failed to marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerting: failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn("alert webhook delivery failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	defer resp.Body.Close()
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
