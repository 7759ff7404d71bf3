package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
)

// StorageConfig is the opaque Destination.Config payload for the storage
// handler kind, shaped like an S3-style bucket/prefix pair.
type StorageConfig struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
}

// StorageHandler writes payloads under baseDir/bucket/prefix, standing in
// for an object-storage sink (S3, GCS), which keeps the real
// wire protocol out of scope.
type StorageHandler struct {
	baseDir string
	logger  core.Logger
}

func NewStorageHandler(baseDir string, logger core.Logger) *StorageHandler {
	return &StorageHandler{baseDir: baseDir, logger: core.WithComponentLogger(logger, "handlers/storage")}
}

func (h *StorageHandler) Kind() domain.DestinationKind { return domain.KindStorage }

func (h *StorageHandler) parseConfig(raw json.RawMessage) (*StorageConfig, error) {
	var cfg StorageConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: malformed storage config: %v", core.ErrInvalidConfig, err)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: storage config missing bucket", core.ErrInvalidConfig)
	}
	return &cfg, nil
}

func (h *StorageHandler) ValidateConfig(raw json.RawMessage) error {
	_, err := h.parseConfig(raw)
	return err
}

func (h *StorageHandler) TestConnection(ctx context.Context, raw json.RawMessage) error {
	cfg, err := h.parseConfig(raw)
	if err != nil {
		return err
	}
	dir := filepath.Join(h.baseDir, cfg.Bucket, cfg.Prefix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: cannot write to bucket path: %v", core.ErrTransient, err)
	}
	return nil
}

func (h *StorageHandler) Deliver(ctx context.Context, dest *domain.Destination, payload domain.Payload) (string, error) {
	cfg, err := h.parseConfig(dest.Config)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s-%d.json", dest.ID, time.Now().UnixNano())
	dir := filepath.Join(h.baseDir, cfg.Bucket, cfg.Prefix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: failed to create bucket path: %v", core.ErrTransient, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal payload: %v", core.ErrInvalidPayload, err)
	}

	fullPath := filepath.Join(dir, key)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: failed to write object: %v", core.ErrTransient, err)
	}

	location := fmt.Sprintf("%s/%s", cfg.Bucket, filepath.Join(cfg.Prefix, key))
	h.logger.Debug("storage object written", map[string]interface{}{
		"destination_id": dest.ID,
		"location":       location,
	})
	return location, nil
}

var _ Handler = (*StorageHandler)(nil)
