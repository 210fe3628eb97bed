// Package engine contains clients for the external paged-result query engine.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"resultcache/internal/config"
	"resultcache/internal/domain"
)

// PrincipalHeader carries the acting principal to the remote engine.
const PrincipalHeader = "X-Query-Principal"

var _ domain.QueryEngine = (*RemoteEngine)(nil)

// RemoteEngine drives a remote paged query engine over HTTP. Each operation
// gets its own timeout: next/close may block for the entire page computation,
// while the control operations are short.
type RemoteEngine struct {
	baseURI string
	client  *http.Client
	cfg     config.RemoteEngineConfig
}

// NewRemoteEngine creates a client for the engine at cfg.BaseURI.
func NewRemoteEngine(cfg config.RemoteEngineConfig) *RemoteEngine {
	return &RemoteEngine{
		baseURI: strings.TrimRight(cfg.BaseURI, "/"),
		// Per-request deadlines come from the operation contexts, so the
		// client itself carries no timeout.
		client: &http.Client{},
		cfg:    cfg,
	}
}

type duplicateResponse struct {
	QueryID string `json:"queryId"`
}

type describeResponse struct {
	QueryID    string `json:"queryId"`
	LogicName  string `json:"logicName"`
	Query      string `json:"query"`
	Visibility string `json:"visibility"`
	State      string `json:"state"`
}

type nextResponse struct {
	Results []any    `json:"results"`
	Errors  []string `json:"errors,omitempty"`
}

// Duplicate asks the engine to start a fresh run of a defined query and
// returns the new running query id.
func (e *RemoteEngine) Duplicate(ctx context.Context, definedQueryID string, user domain.ContextPrincipal) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DuplicateTimeout)
	defer cancel()

	var resp duplicateResponse
	status, err := e.do(ctx, http.MethodPost, e.queryPath(definedQueryID, "duplicate"), user, &resp)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("duplicate query %s: engine returned %d", definedQueryID, status)
	}
	if resp.QueryID == "" {
		return "", fmt.Errorf("duplicate query %s: engine returned no query id", definedQueryID)
	}
	return resp.QueryID, nil
}

// Describe returns the engine's view of a running query.
func (e *RemoteEngine) Describe(ctx context.Context, runningQueryID string) (*domain.RunningQuery, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DuplicateTimeout)
	defer cancel()

	var resp describeResponse
	status, err := e.do(ctx, http.MethodGet, e.queryPath(runningQueryID, ""), domain.ContextPrincipal{}, &resp)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domain.ErrNotFound("running query %q not found", runningQueryID)
	default:
		return nil, fmt.Errorf("describe query %s: engine returned %d", runningQueryID, status)
	}

	return &domain.RunningQuery{
		QueryID:    resp.QueryID,
		LogicName:  resp.LogicName,
		Query:      resp.Query,
		Visibility: resp.Visibility,
		State:      domain.QueryState(resp.State),
	}, nil
}

// Next fetches the next page of raw results. A nil page with a nil error
// means results are exhausted and the engine has closed the query.
func (e *RemoteEngine) Next(ctx context.Context, runningQueryID string, user domain.ContextPrincipal) (*domain.EnginePage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.NextTimeout)
	defer cancel()

	var resp nextResponse
	status, err := e.do(ctx, http.MethodGet, e.queryPath(runningQueryID, "next"), user, &resp)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &domain.EnginePage{Results: resp.Results, Errors: resp.Errors}, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound:
		return nil, domain.ErrNotFound("running query %q not found", runningQueryID)
	default:
		return nil, fmt.Errorf("next page of query %s: engine returned %d", runningQueryID, status)
	}
}

// Cancel stops a running query, abandoning uncollected results.
func (e *RemoteEngine) Cancel(ctx context.Context, runningQueryID string, user domain.ContextPrincipal) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
	defer cancel()
	return e.control(ctx, http.MethodPut, e.queryPath(runningQueryID, "cancel"), user)
}

// Close releases a running query once the caller is done paging.
func (e *RemoteEngine) Close(ctx context.Context, runningQueryID string, user domain.ContextPrincipal) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CloseTimeout)
	defer cancel()
	return e.control(ctx, http.MethodPut, e.queryPath(runningQueryID, "close"), user)
}

// Remove deletes a query definition from the engine entirely.
func (e *RemoteEngine) Remove(ctx context.Context, runningQueryID string, user domain.ContextPrincipal) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RemoveTimeout)
	defer cancel()
	return e.control(ctx, http.MethodDelete, e.queryPath(runningQueryID, ""), user)
}

func (e *RemoteEngine) control(ctx context.Context, method, path string, user domain.ContextPrincipal) error {
	status, err := e.do(ctx, method, path, user, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return domain.ErrNotFound("running query not found: %s %s", method, path)
	default:
		return fmt.Errorf("%s %s: engine returned %d", method, path, status)
	}
}

// do issues one request and decodes a JSON body into out when out is non-nil
// and the response is 200. The HTTP status is always returned for the caller
// to interpret.
func (e *RemoteEngine) do(ctx context.Context, method, path string, user domain.ContextPrincipal, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, path, nil)
	if err != nil {
		return 0, fmt.Errorf("build engine request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if user.Name != "" {
		req.Header.Set(PrincipalHeader, user.Name)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode engine response: %w", err)
		}
		return resp.StatusCode, nil
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, nil
}

func (e *RemoteEngine) queryPath(id, action string) string {
	p := e.baseURI + "/v1/query/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}
