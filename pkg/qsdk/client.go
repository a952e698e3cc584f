package qsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"
	"golang.org/x/oauth2"

	"github.com/quatton/runbookgen/pkg/qjob"
	"github.com/quatton/runbookgen/pkg/qsdk/qerr"
)

// Client talks to a runbookd server. It implements qjob.Gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ qjob.Gateway = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Token options wrap its
// transport, so apply this one first.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithToken authenticates every request with a static bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		if token == "" {
			return
		}
		base := c.http.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		hc := *c.http
		hc.Transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   base,
		}
		c.http = &hc
	}
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: u.String(),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, msg)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type submitRunRequest struct {
	ModelID string   `json:"model_id"`
	Files   []string `json:"files"`
}

func (c *Client) SubmitRun(ctx context.Context, modelID string, files []string) (*qjob.SubmitResponse, error) {
	var out qjob.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/runs", submitRunRequest{ModelID: modelID, Files: files}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetStatus(ctx context.Context, runID string) (*qjob.StatusResponse, error) {
	p, err := runPath(runID, "/status")
	if err != nil {
		return nil, err
	}
	var out qjob.StatusResponse
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MaterializeArtifact(ctx context.Context, runID string) error {
	p, err := runPath(runID, "/artifact")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, p, nil, nil)
}

func (c *Client) ReadArtifact(ctx context.Context, runID string) (*qjob.Artifact, error) {
	p, err := runPath(runID, "/artifact")
	if err != nil {
		return nil, err
	}
	var out qjob.Artifact
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun asks the server to stop a run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	p, err := runPath(runID, "")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, p, nil, nil)
}

// LatestArtifact returns the most recently materialized artifact of any run.
func (c *Client) LatestArtifact(ctx context.Context) (*qjob.Artifact, error) {
	var out qjob.Artifact
	if err := c.do(ctx, http.MethodGet, "/api/artifacts/latest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListArtifactVersions returns run ids with a materialized artifact, newest first.
func (c *Client) ListArtifactVersions(ctx context.Context) ([]string, error) {
	var out struct {
		Versions []string `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/artifacts", nil, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// Model is one entry of the server's model catalog.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var out struct {
		Models []Model `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/models", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

func runPath(runID, suffix string) (string, error) {
	if runID == "" {
		return "", errors.New("run id is required")
	}
	seg, err := runtime.StyleParamWithLocation("simple", false, "runId", runtime.ParamLocationPath, runID)
	if err != nil {
		return "", fmt.Errorf("encoding run id: %w", err)
	}
	return "/api/runs/" + seg + suffix, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeError reads an RFC 9457 problem body as written by huma.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &problem) == nil {
		apiErr.Title = problem.Title
		apiErr.Detail = problem.Detail
	} else {
		apiErr.Detail = strings.TrimSpace(string(raw))
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return qerr.New(qerr.CodeUnauthorized, apiErr)
	case http.StatusNotFound:
		return qerr.New(qerr.CodeNotFound, apiErr)
	}
	return apiErr
}
