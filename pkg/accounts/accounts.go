// Copyright © 2025 Tessera Systems

// Package accounts resolves workspace login info from the external accounts
// service. The transactor only needs one call, getWorkspaceInfo, issued as
// a JSON-RPC style POST with the caller's bearer token.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tessera-io/transactor/pkg/auth"
	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable signals that the accounts service kept failing after
	// all retries.
	ErrUnavailable = errors.New("accounts service unavailable")

	// ErrUnknownWorkspace signals that the accounts service has no record
	// of the workspace.
	ErrUnknownWorkspace = errors.New("unknown workspace")
)

const (
	defaultRetries = 5
	defaultBackoff = 100 * time.Millisecond
)

// Client talks to the accounts service. A client with an empty endpoint
// synthesizes workspace info from the token claims instead of calling out,
// which is how standalone deployments run.
type Client struct {
	endpoint string
	hc       *http.Client
	l        *zap.Logger
	retries  int
	backoff  time.Duration
}

// Option tunes the accounts client.
type Option func(*Client)

// WithLogger injects a logging facility.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.l = l
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithRetries tunes the retry count.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithBackoff tunes the step duration between attempts: attempt n waits
// n times this step.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// New builds an accounts client for the given endpoint, empty for
// standalone mode.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: 10 * time.Second},
		l:        zap.NewNop(),
		retries:  defaultRetries,
		backoff:  defaultBackoff,
	}
	for _, apply := range opts {
		apply(c)
	}
	return c
}

type rpcRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type infoResponse struct {
	Result *model.WorkspaceInfo `json:"result,omitempty"`
	Error  *rpcError            `json:"error,omitempty"`
}

// WorkspaceInfo resolves login info for the workspace named in the claims.
//
// Transient service failures are retried up to the configured attempt
// count with a stepped backoff, then surfaced as ErrUnavailable. Without a
// configured endpoint the info is synthesized from the claims.
func (c *Client) WorkspaceInfo(ctx context.Context, token string, claims *auth.Claims) (*model.WorkspaceInfo, error) {
	if c.endpoint == "" {
		return &model.WorkspaceInfo{
			Workspace:    claims.Workspace,
			WorkspaceURL: claims.Workspace.String(),
		}, nil
	}

	body, err := json.Marshal(rpcRequest{
		Method: "getWorkspaceInfo",
		Params: map[string]string{"workspace": claims.Workspace.String()},
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * c.backoff):
			}
		}
		info, retriable, rerr := c.fetchInfo(ctx, token, body)
		if rerr == nil {
			return info, nil
		}
		if !retriable {
			return nil, rerr
		}
		lastErr = rerr
		c.l.Warn("accounts service call failed",
			zap.Int("attempt", attempt),
			zap.String("workspace", claims.Workspace.String()),
			zap.Error(rerr),
		)
	}
	return nil, ErrUnavailable.Wrap(lastErr)
}

func (c *Client) fetchInfo(ctx context.Context, token string, body []byte) (info *model.WorkspaceInfo, retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrUnknownWorkspace
	case resp.StatusCode >= 500:
		return nil, true, errors.Newf("accounts service returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, errors.Newf("accounts service returned %d", resp.StatusCode)
	}

	var out infoResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, true, err
	}
	if out.Error != nil {
		return nil, false, ErrUnknownWorkspace.WrapMessage("%s", out.Error.Message)
	}
	if out.Result == nil {
		return nil, false, ErrUnknownWorkspace
	}
	return out.Result, false, nil
}
