// Package registry talks to the graph-indexed skill registry: it looks up a
// skill for a failure fingerprint and registers unresolved errors.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
)

const (
	queryPath  = "/api/error-clusters/query"
	submitPath = "/api/error-clusters/submit"
)

// Config holds registry connection settings.
type Config struct {
	Endpoint   string        `json:"endpoint"`
	Timeout    time.Duration `json:"timeout"`
	BountyBase float64       `json:"bounty_base"`
}

// DiscoveryError reports a transport or registry-declared failure.
type DiscoveryError struct {
	Op         string // "query" or "submit"
	Endpoint   string
	StatusCode int    // HTTP status, 0 if the request never completed
	Status     string // registry status field, if one was decoded
	Err        error
}

func (e *DiscoveryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "discovery %s failed: POST %s", e.Op, e.Endpoint)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, ": %s", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Client is the discovery client for one registry.
type Client struct {
	cfg    Config
	client *http.Client
	tracer trace.Tracer
	logger *zap.Logger
}

// NewClient creates a registry client. Zero values in cfg get defaults.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BountyBase == 0 {
		cfg.BountyBase = 10
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		tracer: otel.Tracer("knirv/registry"),
		logger: logger,
	}
}

// Discover looks up a skill for fp. When the registry has no match it
// registers a new error node and returns its ids. The call never retries and
// never re-submits; callers dedupe by fingerprint digest.
func (c *Client) Discover(ctx context.Context, fp fingerprint.Fingerprint, maxResults int, threshold float64) (*DiscoveryResult, error) {
	ctx, span := c.tracer.Start(ctx, "registry.discover",
		trace.WithAttributes(
			attribute.String("error.type", fp.Detail().Type),
			attribute.Float64("similarity_threshold", threshold),
		))
	defer span.End()

	errCtx, err := fp.JSON()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		return nil, err
	}

	qr, err := c.query(ctx, errCtx, maxResults, threshold)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query")
		return nil, err
	}

	match := Classify(qr.Status)
	span.SetAttributes(attribute.String("match", match.String()))

	switch match {
	case MatchExact, MatchPartial:
		if qr.SkillNodeResult == nil || qr.SkillNodeResult.SkillURI == "" {
			err := &DiscoveryError{
				Op: "query", Endpoint: c.cfg.Endpoint + queryPath, StatusCode: http.StatusOK,
				Status: string(qr.Status), Err: fmt.Errorf("malformed body: match without skill node"),
			}
			span.RecordError(err)
			return nil, err
		}
		if qr.SkillNodeResult.Confidence >= threshold {
			res := &DiscoveryResult{
				SkillFound:  true,
				SkillURI:    qr.SkillNodeResult.SkillURI,
				SkillNodeID: qr.SkillNodeResult.SkillNodeID,
				ClusterID:   qr.SkillNodeResult.ClusterID,
				Confidence:  qr.SkillNodeResult.Confidence,
			}
			c.logger.Info("skill discovered",
				zap.String("match", match.String()),
				zap.String("skill_uri", res.SkillURI),
				zap.Float64("confidence", res.Confidence))
			return res, nil
		}
		c.logger.Debug("skill below similarity threshold, registering error",
			zap.String("skill_uri", qr.SkillNodeResult.SkillURI),
			zap.Float64("confidence", qr.SkillNodeResult.Confidence),
			zap.Float64("threshold", threshold))
	case MatchNone:
	case MatchFailed:
		err := &DiscoveryError{
			Op: "query", Endpoint: c.cfg.Endpoint + queryPath, StatusCode: http.StatusOK,
			Status: string(qr.Status), Err: registryMessage(qr.ErrorMessage),
		}
		span.RecordError(err)
		return nil, err
	default:
		err := &DiscoveryError{
			Op: "query", Endpoint: c.cfg.Endpoint + queryPath, StatusCode: http.StatusOK,
			Status: string(qr.Status), Err: fmt.Errorf("unrecognized query status"),
		}
		span.RecordError(err)
		return nil, err
	}

	res, err := c.register(ctx, fp, errCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit")
		return nil, err
	}
	res.SimilarClusters = qr.SimilarClusters
	return res, nil
}

func (c *Client) register(ctx context.Context, fp fingerprint.Fingerprint, errCtx json.RawMessage) (*DiscoveryResult, error) {
	req := submitRequest{
		ErrorContext: errCtx,
		BountyAmount: BountyFor(c.cfg.BountyBase, fp.Severity()),
		Priority:     PriorityFor(fp.Severity()),
	}
	var sr submitResponse
	if err := c.post(ctx, "submit", submitPath, req, &sr); err != nil {
		return nil, err
	}

	endpoint := c.cfg.Endpoint + submitPath
	switch sr.Status {
	case SubmissionStatusSuccess, SubmissionStatusDuplicate:
		if sr.ErrorNodeID == "" {
			return nil, &DiscoveryError{
				Op: "submit", Endpoint: endpoint, StatusCode: http.StatusOK,
				Status: string(sr.Status), Err: fmt.Errorf("malformed body: missing errorNodeId"),
			}
		}
	case SubmissionStatusFailed, SubmissionStatusInvalid:
		return nil, &DiscoveryError{
			Op: "submit", Endpoint: endpoint, StatusCode: http.StatusOK,
			Status: string(sr.Status), Err: registryMessage(sr.ErrorMessage),
		}
	default:
		return nil, &DiscoveryError{
			Op: "submit", Endpoint: endpoint, StatusCode: http.StatusOK,
			Status: string(sr.Status), Err: fmt.Errorf("unrecognized submission status"),
		}
	}

	c.logger.Info("registered unresolved error",
		zap.String("status", string(sr.Status)),
		zap.String("error_node", sr.ErrorNodeID),
		zap.String("cluster", sr.ClusterID),
		zap.Float64("bounty", req.BountyAmount),
		zap.String("priority", string(req.Priority)))

	return &DiscoveryResult{
		SkillFound:  false,
		ErrorNodeID: sr.ErrorNodeID,
		ClusterID:   sr.ClusterID,
	}, nil
}

func (c *Client) query(ctx context.Context, errCtx json.RawMessage, maxResults int, threshold float64) (*queryResponse, error) {
	req := queryRequest{
		ErrorContext:        errCtx,
		MaxResults:          maxResults,
		SimilarityThreshold: threshold,
	}
	var qr queryResponse
	if err := c.post(ctx, "query", queryPath, req, &qr); err != nil {
		return nil, err
	}
	return &qr, nil
}

// post sends one JSON request and decodes a 2xx JSON response into out.
func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	endpoint := c.cfg.Endpoint + path

	body, err := json.Marshal(in)
	if err != nil {
		return &DiscoveryError{Op: op, Endpoint: endpoint, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &DiscoveryError{Op: op, Endpoint: endpoint, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &DiscoveryError{Op: op, Endpoint: endpoint, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &DiscoveryError{
			Op: op, Endpoint: endpoint, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("registry error: %s", strings.TrimSpace(string(respBody))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DiscoveryError{
			Op: op, Endpoint: endpoint, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}

func registryMessage(msg string) error {
	if msg == "" {
		msg = "no error message"
	}
	return fmt.Errorf("registry: %s", msg)
}
