package handlers

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
	"go.opentelemetry.io/otel/propagation"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/pkg/telemetry"
)

const maxResponseBytes = 8 << 20

// RemoteHandler forwards a job to a generation provider over HTTP. The params
// are POSTed as JSON to <baseURL>/<job-type> and the response body becomes
// the job result.
type RemoteHandler struct {
	jobType domain.JobType
	url     string
	token   string
	client  *http.Client
}

// NewRemoteHandler creates a RemoteHandler. client may be nil.
func NewRemoteHandler(jobType domain.JobType, baseURL, token string, client *http.Client) *RemoteHandler {
	if client == nil {
		// The processor's job timeout bounds each call through ctx.
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &RemoteHandler{
		jobType: jobType,
		url:     strings.TrimRight(baseURL, "/") + "/" + string(jobType),
		token:   token,
		client:  client,
	}
}

// RegisterRemote registers a RemoteHandler for every known job type.
func RegisterRemote(reg *Registry, baseURL, token string, client *http.Client) {
	for _, t := range domain.AllJobTypes {
		reg.Register(NewRemoteHandler(t, baseURL, token, client))
	}
}

func (h *RemoteHandler) JobType() domain.JobType { return h.jobType }

func (h *RemoteHandler) Handle(ctx context.Context, params domain.Params) (json.RawMessage, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "handler.remote")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.type", string(h.jobType)),
		attribute.String("provider.url", h.url),
	)

	body, err := json.Marshal(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode params failed")
		return nil, fmt.Errorf("encode %s params: %w", h.jobType, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("provider call to %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("provider returned status %d: %s", resp.StatusCode, snippet(data))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage(`null`), nil
	}
	if !json.Valid(data) {
		// Plain text bodies are kept as a JSON string.
		return json.Marshal(string(data))
	}
	return json.RawMessage(data), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
