package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kierenj/beatbrain-mod/internal/protocol"
	"github.com/kierenj/beatbrain-mod/internal/util"
)

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 4 << 10

// Headers sent with every upload.
const (
	HeaderSessionID = "X-Session-Id"
	HeaderDigest    = "X-Telemetry-Digest"
)

// BulkConfig configures a Bulk uploader.
type BulkConfig struct {
	URL         string
	Timeout     time.Duration
	Compression string
	Client      *http.Client
}

// Bulk posts a complete session log in one request.
type Bulk struct {
	cfg    BulkConfig
	client *http.Client
}

// NewBulk returns a Bulk uploader. A nil Client uses one with cfg.Timeout.
func NewBulk(cfg BulkConfig) *Bulk {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Bulk{cfg: cfg, client: client}
}

// Send posts data as one body. It does not retry; any transport failure or
// non-2xx status is returned.
func (b *Bulk) Send(ctx context.Context, sessionID string, data []byte) error {
	body, encoding, err := compress(b.cfg.Compression, data)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build bulk request: %w", err)
	}
	req.Header.Set("Content-Type", protocol.ContentType)
	req.Header.Set(HeaderSessionID, sessionID)
	req.Header.Set(HeaderDigest, util.Digest(data))
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bulk upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("bulk upload rejected: %s: %s", resp.Status, bytes.TrimSpace(excerpt))
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	util.Stats.AddBulk(len(body))
	return nil
}
