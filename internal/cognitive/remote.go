package cognitive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/registry"
)

// RemoteConfig points at a reasoning core served over HTTP.
type RemoteConfig struct {
	Endpoint string        `json:"endpoint"`
	Timeout  time.Duration `json:"timeout"`
}

// RemoteCore is an HTTP client for a reasoning core. It implements Core,
// FeedbackReceiver and the training queue's trainer contract.
type RemoteCore struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewRemoteCore creates a RemoteCore. Training calls can be long, so the
// default timeout is generous; the queue bounds each job separately.
func NewRemoteCore(cfg RemoteConfig, logger *zap.Logger) *RemoteCore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &RemoteCore{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Structure fetches the core's L/H layer counts.
func (c *RemoteCore) Structure(ctx context.Context) (Structure, error) {
	var s Structure
	if err := c.do(ctx, http.MethodGet, "/api/structure", nil, &s); err != nil {
		return Structure{}, err
	}
	return s, nil
}

type activationResponse struct {
	Layer      string  `json:"layer"`
	Activation float64 `json:"activation"`
}

// Activation fetches the most recent activation for one layer.
func (c *RemoteCore) Activation(ctx context.Context, layer string) (float64, error) {
	var r activationResponse
	path := "/api/layers/" + url.PathEscape(layer) + "/activation"
	if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
		return 0, err
	}
	return r.Activation, nil
}

// Feedback pushes an adapter-side signal back to one layer.
func (c *RemoteCore) Feedback(ctx context.Context, layer string, signal float64) error {
	path := "/api/layers/" + url.PathEscape(layer) + "/feedback"
	return c.do(ctx, http.MethodPost, path, map[string]float64{"signal": signal}, nil)
}

type discoverRequest struct {
	AdapterID string  `json:"adapterId"`
	Weights   Weights `json:"weights"`
	Dataset   Dataset `json:"dataset"`
}

// DiscoverSkill trains adapter on dataset inside the core and returns the
// skill the core published, or the error node it stays bound to.
func (c *RemoteCore) DiscoverSkill(ctx context.Context, adapter Adapter, dataset Dataset) (*registry.DiscoveryResult, error) {
	req := discoverRequest{
		AdapterID: adapter.ID(),
		Weights:   adapter.ExportWeights(),
		Dataset:   dataset,
	}
	var res registry.DiscoveryResult
	if err := c.do(ctx, http.MethodPost, "/api/skills/discover", req, &res); err != nil {
		return nil, err
	}
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("core discover: %w", err)
	}
	c.logger.Debug("core training finished",
		zap.String("adapter", adapter.ID()),
		zap.String("dataset", dataset.ID),
		zap.Bool("skill_found", res.SkillFound))
	return &res, nil
}

func (c *RemoteCore) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("core: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("core: create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("core: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("core: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("core: decode %s: %w", path, err)
	}
	return nil
}
