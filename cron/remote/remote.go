// Package remote adapts an external HTTP cron service to setfarm.CronGateway.
//
// The service is expected to expose a small JSON API:
//
//	POST   /jobs           create a job, returns {"id": "..."}
//	GET    /jobs           list jobs, returns [{"id": "...", "name": "..."}]
//	DELETE /jobs/{id}      delete one job
//	DELETE /jobs?prefix=p  delete every job whose name starts with p
//
// All failures surface as KindUpstream errors. The engine treats the gateway
// as best-effort: the database stays authoritative and the medic re-ensures
// jobs, so a flaky cron service degrades wake-up latency, not correctness.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/setfarm/setfarm"
)

// DefaultTimeout bounds every request to the cron service.
const DefaultTimeout = 15 * time.Second

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithToken sets a bearer token sent on every request.
func WithToken(token string) GatewayOption {
	return func(g *Gateway) { g.token = token }
}

// WithHTTPClient overrides the HTTP client. Tests use it to point the
// gateway at an httptest server with custom transport settings.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.client = c }
}

// WithLogger sets a structured logger for the gateway.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// Gateway implements setfarm.CronGateway against a remote HTTP cron service.
type Gateway struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

var _ setfarm.CronGateway = (*Gateway)(nil)

// New creates a Gateway for the cron service at baseURL.
func New(baseURL string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

type jobRequest struct {
	Name       string `json:"name"`
	IntervalMS int64  `json:"interval_ms"`
	AnchorMS   int64  `json:"anchor_ms"`
	AgentID    string `json:"agent_id"`
	Payload    string `json:"payload"`
	Enabled    bool   `json:"enabled"`
}

type jobCreated struct {
	ID string `json:"id"`
}

type jobRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateJob schedules a wake-up job and returns the service-assigned id.
func (g *Gateway) CreateJob(ctx context.Context, job setfarm.CronJob) (string, error) {
	const op = "cron create job"
	body := jobRequest{
		Name:       job.Name,
		IntervalMS: job.IntervalMS,
		AnchorMS:   job.AnchorMS,
		AgentID:    job.AgentID,
		Payload:    job.Payload,
		Enabled:    job.Enabled,
	}
	resp, err := g.send(ctx, http.MethodPost, "/jobs", body)
	if err != nil {
		return "", setfarm.Wrap(setfarm.KindUpstream, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", g.httpErr(op, resp)
	}
	var created jobCreated
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", setfarm.E(setfarm.KindUpstream, op, "decode response: %v", err)
	}
	if g.logger != nil {
		g.logger.Debug("cron: job created", "name", job.Name, "id", created.ID)
	}
	return created.ID, nil
}

// ListJobs returns every job known to the service.
func (g *Gateway) ListJobs(ctx context.Context) ([]setfarm.CronJobRef, error) {
	const op = "cron list jobs"
	resp, err := g.send(ctx, http.MethodGet, "/jobs", nil)
	if err != nil {
		return nil, setfarm.Wrap(setfarm.KindUpstream, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, g.httpErr(op, resp)
	}
	var raw []jobRef
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, setfarm.E(setfarm.KindUpstream, op, "decode response: %v", err)
	}
	refs := make([]setfarm.CronJobRef, 0, len(raw))
	for _, j := range raw {
		refs = append(refs, setfarm.CronJobRef{ID: j.ID, Name: j.Name})
	}
	return refs, nil
}

// DeleteJob removes one job. Deleting an unknown job is a no-op.
func (g *Gateway) DeleteJob(ctx context.Context, id string) error {
	const op = "cron delete job"
	resp, err := g.send(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return setfarm.Wrap(setfarm.KindUpstream, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return g.httpErr(op, resp)
}

// DeleteJobsByPrefix removes every job whose name starts with prefix.
func (g *Gateway) DeleteJobsByPrefix(ctx context.Context, prefix string) error {
	const op = "cron delete jobs"
	resp, err := g.send(ctx, http.MethodDelete, "/jobs?prefix="+url.QueryEscape(prefix), nil)
	if err != nil {
		return setfarm.Wrap(setfarm.KindUpstream, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		if g.logger != nil {
			g.logger.Debug("cron: jobs deleted", "prefix", prefix)
		}
		return nil
	}
	return g.httpErr(op, resp)
}

// send marshals the optional body and issues the request with auth headers.
func (g *Gateway) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	return g.client.Do(req)
}

// httpErr reads the response body into a KindUpstream error.
func (g *Gateway) httpErr(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return setfarm.E(setfarm.KindUpstream, op, "cron service returned %d: %s",
		resp.StatusCode, strings.TrimSpace(string(body)))
}
