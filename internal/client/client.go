// Package client is the HTTP client the ntmd CLI uses to talk to a running daemon.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Dicklesworthstone/ntmd/internal/reconcile"
	"github.com/Dicklesworthstone/ntmd/internal/spawn"
	"github.com/Dicklesworthstone/ntmd/internal/status"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

const apiPrefix = "/api/v1"

// Client calls the ntmd REST API.
type Client struct {
	base string
	http *resty.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithHTTPClient swaps the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = resty.NewWithClient(hc).SetBaseURL(c.base)
	}
}

// New creates a client for the daemon at baseURL (e.g. http://127.0.0.1:7337).
func New(baseURL string, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	c := &Client{
		base: base,
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(60*time.Second).
			SetHeader("User-Agent", "ntmd-cli/1.0").
			SetHeader("Accept", "application/json"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the daemon address.
func (c *Client) BaseURL() string { return c.base }

// apiError is the daemon's failure envelope.
type apiError struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
	Reason     string `json:"reason"`
	Subject    string `json:"subject"`
	RetryAfter int    `json:"retry_after"`
}

func (e *apiError) toError(status int) error {
	msg := e.Error
	if msg == "" {
		msg = fmt.Sprintf("daemon returned HTTP %d", status)
	}
	return &terminal.Error{
		Kind:       kindFromCode(e.ErrorCode),
		Message:    msg,
		Reason:     terminal.SpawnReason(e.Reason),
		RetryAfter: time.Duration(e.RetryAfter) * time.Second,
	}
}

// kindFromCode reverses the server's error_code (the upper-cased kind).
func kindFromCode(code string) terminal.Kind {
	switch k := terminal.Kind(strings.ToLower(code)); k {
	case terminal.KindValidation, terminal.KindRateLimited, terminal.KindNotFound,
		terminal.KindConflict, terminal.KindSpawnFailure, terminal.KindExternalTool:
		return k
	}
	return terminal.KindInternal
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var apiErr apiError
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return terminal.ExternalToolError(c.base, fmt.Errorf("daemon unreachable: %w", err))
	}
	if resp.IsError() {
		return apiErr.toError(resp.StatusCode())
	}
	return nil
}

// Health is the /health payload.
type Health struct {
	Status    string `json:"status"`
	Recovered bool   `json:"recovered"`
	Sessions  int    `json:"sessions"`
	WSClients int    `json:"ws_clients"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type sessionResponse struct {
	Session terminal.Session `json:"session"`
}

// Spawn creates a session.
func (c *Client) Spawn(ctx context.Context, req spawn.Request) (*terminal.Session, error) {
	var out sessionResponse
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/terminals", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// ListResult is the list payload. Recovered is false when the daemon
// answered before startup recovery finished.
type ListResult struct {
	Sessions  []terminal.Session `json:"sessions"`
	Count     int                `json:"count"`
	Recovered bool               `json:"recovered"`
}

func (c *Client) List(ctx context.Context) (*ListResult, error) {
	var out ListResult
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/terminals", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, id string) (*terminal.Session, error) {
	var out sessionResponse
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/terminals/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// Close removes a session; force also kills its process or tmux session.
func (c *Client) Close(ctx context.Context, id string, force bool) error {
	q := url.Values{"force": {strconv.FormatBool(force)}}
	return c.do(ctx, http.MethodDelete, apiPrefix+"/terminals/"+url.PathEscape(id), q, nil, nil)
}

func (c *Client) SendInput(ctx context.Context, id, data string) error {
	return c.do(ctx, http.MethodPost, apiPrefix+"/terminals/"+url.PathEscape(id)+"/input", nil,
		map[string]string{"data": data}, nil)
}

func (c *Client) Resize(ctx context.Context, id string, cols, rows int) error {
	return c.do(ctx, http.MethodPost, apiPrefix+"/terminals/"+url.PathEscape(id)+"/resize", nil,
		map[string]int{"cols": cols, "rows": rows}, nil)
}

// Capture returns up to lines of recent output. A zero timeout uses the
// daemon's default.
func (c *Client) Capture(ctx context.Context, id string, lines int, timeout time.Duration) (string, error) {
	q := url.Values{}
	if lines > 0 {
		q.Set("lines", strconv.Itoa(lines))
	}
	if timeout > 0 {
		q.Set("timeout_ms", strconv.FormatInt(timeout.Milliseconds(), 10))
	}
	var out struct {
		Output string `json:"output"`
	}
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/terminals/"+url.PathEscape(id)+"/capture", q, nil, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

func (c *Client) Orphans(ctx context.Context) ([]string, error) {
	var out struct {
		Orphans []string `json:"orphans"`
	}
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/orphans", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Orphans, nil
}

func (c *Client) Reattach(ctx context.Context, name string) (*terminal.Session, error) {
	var out sessionResponse
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/orphans/"+url.PathEscape(name)+"/reattach", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

type namesRequest struct {
	Names     []string `json:"names"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
}

func (c *Client) ReattachMany(ctx context.Context, names []string) (*reconcile.BulkResult, error) {
	var out reconcile.BulkResult
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/orphans/reattach", nil, namesRequest{Names: names}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Kill(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, apiPrefix+"/external/"+url.PathEscape(name), nil, nil, nil)
}

// KillMany kills every name within timeout (zero uses the daemon default).
func (c *Client) KillMany(ctx context.Context, names []string, timeout time.Duration) (*reconcile.BulkResult, error) {
	var out reconcile.BulkResult
	body := namesRequest{Names: names, TimeoutMS: timeout.Milliseconds()}
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/external/kill", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status resolves the agent status for a working directory and optional
// session hint.
func (c *Client) Status(ctx context.Context, cwd, session string) (*status.Resolution, error) {
	q := url.Values{}
	if cwd != "" {
		q.Set("cwd", cwd)
	}
	if session != "" {
		q.Set("session", session)
	}
	var out status.Resolution
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/status", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cleanup(ctx context.Context) (*status.CleanupReport, error) {
	var out struct {
		Report status.CleanupReport `json:"report"`
	}
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/status/cleanup", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Report, nil
}
