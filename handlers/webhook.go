package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
	"github.com/relaydeliver/engine/resilience"
	"github.com/relaydeliver/engine/store"
)

// WebhookConfig is the opaque Destination.Config payload for the webhook
// handler kind.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SignatureHeader is the header carrying the HMAC-SHA256 signature of the
// request body, hex-encoded, computed with the destination's current
// signing secret.
const SignatureHeader = "X-Delivery-Signature"

// WebhookHandler POSTs the payload body to a configured URL, signing it with
// the destination's rotated secret. Uses a plain *http.Client rather than
// reaching for a higher-level HTTP client library.
type WebhookHandler struct {
	httpClient *http.Client
	secrets    store.SecretStore
	logger     core.Logger
}

func NewWebhookHandler(httpClient *http.Client, secrets store.SecretStore, logger core.Logger) *WebhookHandler {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &WebhookHandler{
		httpClient: httpClient,
		secrets:    secrets,
		logger:     core.WithComponentLogger(logger, "handlers/webhook"),
	}
}

func (h *WebhookHandler) Kind() domain.DestinationKind { return domain.KindWebhook }

func (h *WebhookHandler) parseConfig(raw json.RawMessage) (*WebhookConfig, error) {
	var cfg WebhookConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook config: %v", core.ErrInvalidConfig, err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook config missing url", core.ErrInvalidConfig)
	}
	return &cfg, nil
}

func (h *WebhookHandler) ValidateConfig(raw json.RawMessage) error {
	_, err := h.parseConfig(raw)
	return err
}

func (h *WebhookHandler) TestConnection(ctx context.Context, raw json.RawMessage) error {
	cfg, err := h.parseConfig(raw)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to build test request: %v", core.ErrInvalidConfig, err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook unreachable: %v", core.ErrTransient, err)
	}
	defer resp.Body.Close()
	return resilience.ClassifyHTTPStatus(resp.StatusCode)
}

func (h *WebhookHandler) sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *WebhookHandler) Deliver(ctx context.Context, dest *domain.Destination, payload domain.Payload) (string, error) {
	cfg, err := h.parseConfig(dest.Config)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal payload: %v", core.ErrInvalidPayload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: failed to build request: %v", core.ErrInvalidConfig, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	if h.secrets != nil {
		secret, _, err := h.secrets.Get(ctx, dest.ID)
		if err == nil && secret != "" {
			req.Header.Set(SignatureHeader, h.sign(secret, body))
		}
	}

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Debug("webhook request failed", map[string]interface{}{
			"destination_id": dest.ID,
			"error":          err.Error(),
			"duration_ms":    time.Since(start).Milliseconds(),
		})
		return "", fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if err := resilience.ClassifyHTTPStatus(resp.StatusCode); err != nil {
		return "", fmt.Errorf("%w: webhook returned %d: %s", err, resp.StatusCode, string(respBody))
	}

	return resp.Header.Get("X-Request-Id"), nil
}

var _ Handler = (*WebhookHandler)(nil)
