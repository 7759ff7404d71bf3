package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
	"github.com/relaydeliver/engine/store"
)

// DownloadConfig is the opaque Destination.Config payload for the download
// handler kind.
type DownloadConfig struct {
	LinkTTLSeconds int    `json:"linkTtlSeconds,omitempty"`
	BasePath       string `json:"basePath,omitempty"`
}

const defaultLinkTTL = 24 * time.Hour

// DownloadHandler doesn't deliver a payload anywhere; it issues a signed
// link through the Store's download-link CRUD and reports that link as the
// crossSystemReference. Resolving the token does not consume it; it stays
// valid until its TTL expires. The link is stored alongside the other secret-bearing
// state this engine persists (webhook secrets, download links).
type DownloadHandler struct {
	links  store.LinkStore
	logger core.Logger
}

func NewDownloadHandler(links store.LinkStore, logger core.Logger) *DownloadHandler {
	return &DownloadHandler{links: links, logger: core.WithComponentLogger(logger, "handlers/download")}
}

func (h *DownloadHandler) Kind() domain.DestinationKind { return domain.KindDownload }

func (h *DownloadHandler) parseConfig(raw json.RawMessage) (*DownloadConfig, error) {
	if len(raw) == 0 {
		return &DownloadConfig{}, nil
	}
	var cfg DownloadConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: malformed download config: %v", core.ErrInvalidConfig, err)
	}
	return &cfg, nil
}

func (h *DownloadHandler) ValidateConfig(raw json.RawMessage) error {
	_, err := h.parseConfig(raw)
	return err
}

func (h *DownloadHandler) TestConnection(ctx context.Context, raw json.RawMessage) error {
	_, err := h.parseConfig(raw)
	return err
}

func (h *DownloadHandler) Deliver(ctx context.Context, dest *domain.Destination, payload domain.Payload) (string, error) {
	cfg, err := h.parseConfig(dest.Config)
	if err != nil {
		return "", err
	}

	ttl := defaultLinkTTL
	if cfg.LinkTTLSeconds > 0 {
		ttl = time.Duration(cfg.LinkTTLSeconds) * time.Second
	}

	token := uuid.NewString()
	if err := h.links.Put(ctx, token, dest.ID, ttl); err != nil {
		return "", fmt.Errorf("%w: failed to persist download link: %v", core.ErrTransient, err)
	}

	link := fmt.Sprintf("%s/%s", cfg.BasePath, token)
	h.logger.Debug("download link issued", map[string]interface{}{
		"destination_id": dest.ID,
		"ttl":            ttl.String(),
	})
	return link, nil
}

var _ Handler = (*DownloadHandler)(nil)
