// Package exchange is the HTTP client for the fleet management ("Exchange")
// API. The agent only needs two calls from it: reading an entity's current
// metrics and asking the fleet to perform an action on an entity.
//
// Endpoints:
//   - GET  {base}/orgs/{org}/services/{id}/metrics
//   - GET  {base}/orgs/{org}/nodes/{id}/metrics
//   - POST {base}/orgs/{org}/services/{id}/actions
//   - POST {base}/orgs/{org}/nodes/{id}/actions
package exchange

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

	"github.com/kubilitics/exchange-agent/internal/models"
)

const maxErrorBody = 4 << 10

// Config holds connection settings.
type Config struct {
	BaseURL string
	OrgID   string
	User    string
	Token   string
	// Timeout is the http.Client ceiling; callers bound each call with ctx.
	Timeout time.Duration
}

// Client talks to the fleet API.
type Client struct {
	baseURL    string
	orgID      string
	user       string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// ActionOutcome is the fleet API's answer to an action request.
type ActionOutcome struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type metricsResponse struct {
	Metrics map[string]interface{} `json:"metrics"`
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("exchange base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid exchange base URL: %w", err)
	}
	if cfg.OrgID == "" {
		return nil, fmt.Errorf("exchange org id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		orgID:      cfg.OrgID,
		user:       cfg.User,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(zap.String("component", "exchange-client")),
	}, nil
}

func (c *Client) entityURL(entity models.Entity, suffix string) string {
	collection := "services"
	if entity.Kind == models.KindNode {
		collection = "nodes"
	}
	return fmt.Sprintf("%s/orgs/%s/%s/%s/%s",
		c.baseURL, url.PathEscape(c.orgID), collection, url.PathEscape(entity.ID), suffix)
}

// FetchRawMetrics returns the entity's current metric readings.
func (c *Client) FetchRawMetrics(ctx context.Context, entity models.Entity) (map[string]interface{}, error) {
	var out metricsResponse
	if err := c.do(ctx, http.MethodGet, c.entityURL(entity, "metrics"), nil, &out); err != nil {
		return nil, err
	}
	if out.Metrics == nil {
		return nil, &APIError{StatusCode: http.StatusOK, Body: "response has no metrics"}
	}
	return out.Metrics, nil
}

// ExecuteAction asks the fleet to perform action on entity.
func (c *Client) ExecuteAction(ctx context.Context, entity models.Entity, action models.Action) (ActionOutcome, error) {
	var out ActionOutcome
	if err := c.do(ctx, http.MethodPost, c.entityURL(entity, "actions"), action, &out); err != nil {
		return ActionOutcome{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.orgID+"/"+c.user, c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("exchange request",
		zap.String("method", method),
		zap.String("url", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("failed to parse response: %v", err)}
	}
	return nil
}
