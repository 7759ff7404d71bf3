package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
)

// SFTPConfig is the opaque Destination.Config payload for the sftp handler
// kind.
type SFTPConfig struct {
	Host string `json:"host"`
	Path string `json:"path"`
}

// uploadedFile records what FakeSFTPHandler would have uploaded, for tests
// to assert against.
type uploadedFile struct {
	DestinationID string
	RemotePath    string
	Bytes         int
	UploadedAt    time.Time
}

// FakeSFTPHandler is an interface-only stand-in: no real SFTP client library
// is pulled in; the concrete SFTP wire protocol is intentionally out of scope.
// It records uploads in memory so tests can exercise the Handler contract
// end-to-end.
type FakeSFTPHandler struct {
	mu      sync.Mutex
	uploads []uploadedFile
	logger  core.Logger
}

func NewFakeSFTPHandler(logger core.Logger) *FakeSFTPHandler {
	return &FakeSFTPHandler{logger: core.WithComponentLogger(logger, "handlers/sftp")}
}

func (h *FakeSFTPHandler) Kind() domain.DestinationKind { return domain.KindSFTP }

func (h *FakeSFTPHandler) parseConfig(raw json.RawMessage) (*SFTPConfig, error) {
	var cfg SFTPConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: malformed sftp config: %v", core.ErrInvalidConfig, err)
	}
	if cfg.Host == "" || cfg.Path == "" {
		return nil, fmt.Errorf("%w: sftp config missing host or path", core.ErrInvalidConfig)
	}
	return &cfg, nil
}

func (h *FakeSFTPHandler) ValidateConfig(raw json.RawMessage) error {
	_, err := h.parseConfig(raw)
	return err
}

func (h *FakeSFTPHandler) TestConnection(ctx context.Context, raw json.RawMessage) error {
	_, err := h.parseConfig(raw)
	return err
}

func (h *FakeSFTPHandler) Deliver(ctx context.Context, dest *domain.Destination, payload domain.Payload) (string, error) {
	cfg, err := h.parseConfig(dest.Config)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal payload: %v", core.ErrInvalidPayload, err)
	}

	remotePath := fmt.Sprintf("%s/%s-%d.json", cfg.Path, dest.ID, time.Now().UnixNano())
	h.mu.Lock()
	h.uploads = append(h.uploads, uploadedFile{
		DestinationID: dest.ID,
		RemotePath:    remotePath,
		Bytes:         len(data),
		UploadedAt:    time.Now(),
	})
	h.mu.Unlock()

	h.logger.Debug("sftp upload recorded", map[string]interface{}{
		"destination_id": dest.ID,
		"host":           cfg.Host,
		"remote_path":    remotePath,
	})
	return fmt.Sprintf("sftp://%s%s", cfg.Host, remotePath), nil
}

// Uploads returns a snapshot of every recorded upload, for tests.
func (h *FakeSFTPHandler) Uploads() []uploadedFile {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uploadedFile, len(h.uploads))
	copy(out, h.uploads)
	return out
}

var _ Handler = (*FakeSFTPHandler)(nil)
