// Package fleetclient is a Go client for the fleetwatch REST API.
package fleetclient

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

	"github.com/tphummel/fleetwatch/internal/models"
)

// Client is an HTTP client for the fleetwatch REST API.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client targeting endpoint. token may be empty for the
// public routes and set later with SetToken.
func NewClient(endpoint, token string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

// SetToken replaces the admin token sent on gated routes.
func (c *Client) SetToken(token string) { c.token = token }

// APIError is a non-2xx response. It matches the models error for its kind
// with errors.Is.
type APIError struct {
	StatusCode int
	Kind       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fleetwatch API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("fleetwatch API returned status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Kind {
	case "not_found":
		return models.ErrNotFound
	case "conflict":
		return models.ErrConflict
	case "invalid_metrics":
		return models.ErrInvalidMetrics
	case "invalid_input":
		return models.ErrInvalidInput
	case "unauthorized":
		return models.ErrUnauthorized
	case "already_initialized":
		return models.ErrAlreadyInitialized
	case "service_unavailable":
		return models.ErrUnavailable
	}
	return nil
}

// CreatedClient is the createClient response: the new record plus its agent
// key and install commands.
type CreatedClient struct {
	models.ServerRecord
	AgentKey string            `json:"agent_key"`
	Install  map[string]string `json:"install"`
}

// Token is an issued admin token.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InstallCommand is a rendered bootstrap command.
type InstallCommand struct {
	Platform string `json:"platform"`
	Command  string `json:"command"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.httpClient.Do(req)
}

// call performs one request, decodes a wantStatus response into out (if
// non-nil) and turns anything else into an *APIError.
func (c *Client) call(ctx context.Context, method, path string, body any, wantStatus int, out any) error {
	return c.callWith(ctx, method, path, body, nil, wantStatus, out)
}

func (c *Client) callWith(ctx context.Context, method, path string, body any, header http.Header, wantStatus int, out any) error {
	resp, err := c.doRequest(ctx, method, path, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, apiErr) != nil {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func serverPath(id string, suffix ...string) string {
	p := "/api/servers/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// AuthStatus reports whether the admin password has been set.
func (c *Client) AuthStatus(ctx context.Context) (bool, error) {
	var out struct {
		Initialized bool `json:"initialized"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/auth/status", nil, http.StatusOK, &out); err != nil {
		return false, err
	}
	return out.Initialized, nil
}

// Initialize sets the admin password. The returned token is also kept on c.
func (c *Client) Initialize(ctx context.Context, password string) (*Token, error) {
	return c.tokenCall(ctx, "/api/auth/initialize", map[string]string{"password": password})
}

// Login exchanges the admin password for a token, which is also kept on c.
func (c *Client) Login(ctx context.Context, password string) (*Token, error) {
	return c.tokenCall(ctx, "/api/auth/login", map[string]string{"password": password})
}

// ResetPassword replaces the admin password. Every earlier token stops
// working; c switches to the fresh one.
func (c *Client) ResetPassword(ctx context.Context, newPassword string) (*Token, error) {
	return c.tokenCall(ctx, "/api/auth/reset-password", map[string]string{"newPassword": newPassword})
}

func (c *Client) tokenCall(ctx context.Context, path string, body any) (*Token, error) {
	var out Token
	if err := c.call(ctx, http.MethodPost, path, body, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

// Logout revokes the current token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.call(ctx, http.MethodPost, "/api/auth/logout", nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

// ListServers returns the fleet in display order.
func (c *Client) ListServers(ctx context.Context) ([]models.ServerRecord, error) {
	var out []models.ServerRecord
	return out, c.call(ctx, http.MethodGet, "/api/servers", nil, http.StatusOK, &out)
}

// GetServer fetches one record by id.
func (c *Client) GetServer(ctx context.Context, id string) (*models.ServerRecord, error) {
	var out models.ServerRecord
	if err := c.call(ctx, http.MethodGet, serverPath(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns fleet counts.
func (c *Client) Stats(ctx context.Context) (*models.FleetStats, error) {
	var out models.FleetStats
	if err := c.call(ctx, http.MethodGet, "/api/stats", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListClients returns the admin view of every registered name.
func (c *Client) ListClients(ctx context.Context) ([]models.Client, error) {
	var out []models.Client
	return out, c.call(ctx, http.MethodGet, "/api/clients", nil, http.StatusOK, &out)
}

// CreateClient registers name and returns the record with its agent key.
func (c *Client) CreateClient(ctx context.Context, name string) (*CreatedClient, error) {
	var out CreatedClient
	if err := c.call(ctx, http.MethodPost, "/api/clients", map[string]string{"name": name}, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteServer removes the record with id.
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, serverPath(id), nil, http.StatusNoContent, nil)
}

// SetOrder sets the display sort key of id.
func (c *Client) SetOrder(ctx context.Context, id string, orderIndex int64) error {
	return c.call(ctx, http.MethodPut, serverPath(id, "order"), map[string]int64{"order_index": orderIndex}, http.StatusOK, nil)
}

// SetMaintenance sets or clears the maintenance override of id.
func (c *Client) SetMaintenance(ctx context.Context, id string, on bool) (*models.ServerRecord, error) {
	status := models.StatusRunning
	if on {
		status = models.StatusMaintenance
	}
	var out models.ServerRecord
	if err := c.call(ctx, http.MethodPut, serverPath(id, "status"), map[string]models.Status{"status": status}, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InstallCommand fetches the bootstrap command of id for platform.
func (c *Client) InstallCommand(ctx context.Context, id, platform string) (*InstallCommand, error) {
	path := serverPath(id, "install")
	if platform != "" {
		path += "?platform=" + url.QueryEscape(platform)
	}
	var out InstallCommand
	if err := c.call(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportMetrics sends one telemetry snapshot for id as its agent would.
func (c *Client) ReportMetrics(ctx context.Context, id, agentKey string, t models.Telemetry) error {
	header := http.Header{"X-Agent-Key": []string{agentKey}}
	return c.callWith(ctx, http.MethodPost, serverPath(id, "metrics"), t, header, http.StatusOK, nil)
}
