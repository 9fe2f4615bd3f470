package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/happy-eyeballs/he-webtester/internal/ident"
	"github.com/happy-eyeballs/he-webtester/internal/logging"
	"github.com/happy-eyeballs/he-webtester/internal/transmit"
	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

const defaultUserAgent = "he-webtester/0.1.0"

// Config holds the static configuration for an uplink client.
type Config struct {
	CollectorURL string
	UserAgent    string
}

// Dependencies allow test overrides for HTTP client, clock, and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     log.Interface
}

// Client posts run batches to the results collector.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	now        func() time.Time
	logger     log.Interface
}

// NewClient builds an uplink client from configuration and dependencies.
func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.CollectorURL == "" {
		return nil, fmt.Errorf("collector URL is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		return nil, fmt.Errorf("HTTP client is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    cfg.CollectorURL,
		userAgent:  userAgent,
		now:        now,
		logger:     logging.OrDiscard(deps.Logger),
	}, nil
}

type uploadResponse struct {
	BatchID string `json:"batch_id"`
}

// Send implements transmit.Sink, posting runs as one JSON array to the
// results path of the variant.
func (c *Client) Send(ctx context.Context, variant ident.Variant, runs []types.RunResult) error {
	if len(runs) == 0 {
		return nil
	}

	payload, err := json.Marshal(runs)
	if err != nil {
		return fmt.Errorf("marshal runs: %w", err)
	}

	target := joinURL(c.baseURL, variant.ResultsPath())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build results request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	started := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send results: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("results upload failed: status %s", resp.Status)
	}

	var ack uploadResponse
	_ = json.Unmarshal(body, &ack)
	c.logger.WithFields(log.Fields{
		"path":     variant.ResultsPath(),
		"runs":     len(runs),
		"batch_id": ack.BatchID,
		"took":     c.now().Sub(started).Round(time.Millisecond),
	}).Info("results uploaded")
	return nil
}

func joinURL(base, path string) string {
	if base == "" {
		return path
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

var _ transmit.Sink = (*Client)(nil)
