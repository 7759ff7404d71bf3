package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
)

// EmailConfig is the opaque Destination.Config payload for the email
// handler kind.
type EmailConfig struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
}

// EmailHandler stands in for a real SMTP transport: the wire protocol is
// intentionally out of scope, so this implementation only proves the
// interface edge. It logs what would have been sent and returns a
// synthetic message ID.
type EmailHandler struct {
	logger core.Logger
	seq    int
}

func NewEmailHandler(logger core.Logger) *EmailHandler {
	return &EmailHandler{logger: core.WithComponentLogger(logger, "handlers/email")}
}

func (h *EmailHandler) Kind() domain.DestinationKind { return domain.KindEmail }

func (h *EmailHandler) parseConfig(raw json.RawMessage) (*EmailConfig, error) {
	var cfg EmailConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: malformed email config: %v", core.ErrInvalidConfig, err)
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("%w: email config missing recipients", core.ErrInvalidConfig)
	}
	return &cfg, nil
}

func (h *EmailHandler) ValidateConfig(raw json.RawMessage) error {
	_, err := h.parseConfig(raw)
	return err
}

func (h *EmailHandler) TestConnection(ctx context.Context, raw json.RawMessage) error {
	_, err := h.parseConfig(raw)
	return err
}

func (h *EmailHandler) Deliver(ctx context.Context, dest *domain.Destination, payload domain.Payload) (string, error) {
	cfg, err := h.parseConfig(dest.Config)
	if err != nil {
		return "", err
	}
	h.seq++
	messageID := fmt.Sprintf("email-%s-%d", dest.ID, h.seq)
	h.logger.Info("email delivered", map[string]interface{}{
		"destination_id": dest.ID,
		"to":             cfg.To,
		"subject":        cfg.Subject,
		"payload_type":   payload.Type,
		"message_id":     messageID,
	})
	return messageID, nil
}

var _ Handler = (*EmailHandler)(nil)
