// Package router invokes skills on the remote WASM execution router.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	invokePath = "/wasm/invoke"

	HeaderEngine       = "X-KNIRV-Engine"
	HeaderVersion      = "X-KNIRV-Version"
	HeaderStatus       = "X-KNIRV-Status"
	HeaderInvocationID = "X-KNIRV-Invocation-ID"
)

// DefaultMaxOutputBytes bounds a skill's output when Config leaves it unset.
const DefaultMaxOutputBytes = 16 << 20

// Config holds router connection settings.
type Config struct {
	Endpoint       string        `json:"endpoint"`
	Timeout        time.Duration `json:"timeout"`
	EngineVersion  string        `json:"engine_version"`
	MaxOutputBytes int64         `json:"max_output_bytes"`
}

// Client is the invocation client for one router.
type Client struct {
	cfg    Config
	client *http.Client
	tracer trace.Tracer
	logger *zap.Logger
}

// NewClient creates a router client. Zero values in cfg get defaults.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.EngineVersion == "" {
		cfg.EngineVersion = "1.0"
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		tracer: otel.Tracer("knirv/router"),
		logger: logger,
	}
}

// Invoke runs skillURI once. The result is never nil: on failure it carries
// Success=false and the same message as the returned *InvocationError.
// Invoke never retries; the spend token is consumed server-side.
func (c *Client) Invoke(ctx context.Context, skillURI string, token SpendToken, params map[string]any) (*InvocationResult, error) {
	ctx, span := c.tracer.Start(ctx, "router.invoke",
		trace.WithAttributes(attribute.String("skill.uri", skillURI)))
	defer span.End()

	res, err := c.invoke(ctx, skillURI, token, params)
	if err != nil {
		res.Success = false
		res.ErrorMessage = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "invoke")
		c.logger.Warn("skill invocation failed",
			zap.String("skill_uri", skillURI),
			zap.Error(err))
		return res, err
	}

	span.SetAttributes(
		attribute.String("invocation.id", res.InvocationID),
		attribute.Int64("memory_used", res.MemoryUsed))
	c.logger.Info("skill invoked",
		zap.String("skill_uri", skillURI),
		zap.String("invocation_id", res.InvocationID),
		zap.Duration("execution_time", res.ExecutionTime),
		zap.Bool("consensus", res.ConsensusReached))
	return res, nil
}

func (c *Client) invoke(ctx context.Context, skillURI string, token SpendToken, params map[string]any) (*InvocationResult, error) {
	endpoint := c.cfg.Endpoint + invokePath
	res := &InvocationResult{}
	fail := func(code int, status string, err error) (*InvocationResult, error) {
		return res, &InvocationError{SkillURI: skillURI, Endpoint: endpoint, StatusCode: code, Status: status, Err: err}
	}

	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(invokeRequest{SkillURI: skillURI, SpendToken: token, Parameters: params})
	if err != nil {
		return fail(0, "", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(0, "", fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderEngine, "wasm")
	httpReq.Header.Set(HeaderVersion, c.cfg.EngineVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fail(0, "", fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	res.InvocationID = resp.Header.Get(HeaderInvocationID)
	res.Status = resp.Header.Get(HeaderStatus)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxOutputBytes+1))
	if err != nil {
		return fail(resp.StatusCode, res.Status, fmt.Errorf("read response: %w", err))
	}
	if int64(len(respBody)) > c.cfg.MaxOutputBytes {
		return fail(resp.StatusCode, res.Status, fmt.Errorf("%w: over %d bytes", ErrOutputTooLarge, c.cfg.MaxOutputBytes))
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		return fail(resp.StatusCode, res.Status, fmt.Errorf("%w: %s", ErrInsufficientBudget, strings.TrimSpace(string(respBody))))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, res.Status, fmt.Errorf("router error: %s", strings.TrimSpace(string(respBody))))
	}
	if failedStatus(res.Status) {
		return fail(resp.StatusCode, res.Status, errors.New("router declared failure"))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/octet-stream" {
		res.Output = respBody
		res.Success = true
		return res, nil
	}

	var ir invokeResponse
	if err := json.Unmarshal(respBody, &ir); err != nil {
		return fail(resp.StatusCode, res.Status, fmt.Errorf("decode response: %w", err))
	}
	if ir.InvocationID != "" {
		res.InvocationID = ir.InvocationID
	}
	if ir.Status != "" {
		res.Status = ir.Status
	}
	res.ExecutionTime = time.Duration(ir.ExecutionTime * float64(time.Millisecond))
	res.MemoryUsed = ir.MemoryUsed
	res.ConsensusReached = ir.ConsensusReached
	res.Output = skillOutput(ir.SkillData)

	if failedStatus(ir.Status) {
		msg := ir.Error
		if msg == "" {
			msg = "router declared failure"
		}
		return fail(resp.StatusCode, ir.Status, errors.New(msg))
	}
	res.Success = true
	return res, nil
}
