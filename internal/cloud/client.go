// Package cloud is the provisioning client for the machines REST API
// (served in development by cloudsim).
package cloud

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

	"github.com/devghori1264/mcpanel/internal/models"
	"go.uber.org/zap"
)

// APIError is a non-success response from the machines API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("machines api: %d %s", e.Status, e.Message)
}

// Client implements orchestrator.Provisioner over HTTP.
type Client struct {
	base     string
	apiToken string
	http     *http.Client
	poll     time.Duration
	log      *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPollInterval sets how often CreateInstance checks a booting machine.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.poll = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(baseURL, apiToken string, opts ...Option) *Client {
	c := &Client{
		base:     strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		http:     &http.Client{Timeout: 30 * time.Second},
		poll:     2 * time.Second,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateInstance creates the machine (or returns the one already created
// with spec.RequestToken) and waits until it is running.
func (c *Client) CreateInstance(ctx context.Context, spec models.InstanceSpec) (models.Instance, error) {
	if spec.RequestToken == "" {
		return models.Instance{}, errors.New("cloud: request token required")
	}
	var m models.Machine
	if err := c.do(ctx, http.MethodPost, "/v1/machines", spec, &m); err != nil {
		return models.Instance{}, err
	}
	c.log.Info("machine requested", zap.String("instance", m.ID), zap.String("status", m.Status))
	return c.waitRunning(ctx, m.Instance())
}

func (c *Client) waitRunning(ctx context.Context, inst models.Instance) (models.Instance, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		switch {
		case inst.Running():
			return inst, nil
		case inst.Status == models.MachineTerminated:
			return models.Instance{}, fmt.Errorf("cloud: machine %s terminated while booting", inst.ID)
		}
		select {
		case <-ctx.Done():
			return models.Instance{}, fmt.Errorf("cloud: waiting for machine %s: %w", inst.ID, ctx.Err())
		case <-ticker.C:
		}
		next, err := c.DescribeInstance(ctx, inst.ID)
		if err != nil {
			return models.Instance{}, err
		}
		inst = next
	}
}

func (c *Client) DescribeInstance(ctx context.Context, instanceID string) (models.Instance, error) {
	var m models.Machine
	if err := c.do(ctx, http.MethodGet, "/v1/machines/"+url.PathEscape(instanceID), nil, &m); err != nil {
		return models.Instance{}, err
	}
	return m.Instance(), nil
}

func (c *Client) FindInstance(ctx context.Context, requestToken string) (models.Instance, error) {
	var m models.Machine
	path := "/v1/machines?request_token=" + url.QueryEscape(requestToken)
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return models.Instance{}, err
	}
	return m.Instance(), nil
}

func (c *Client) DestroyInstance(ctx context.Context, instanceID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/machines/"+url.PathEscape(instanceID), nil, nil)
	if errors.Is(err, models.ErrInstanceNotFound) {
		return nil
	}
	if err == nil {
		c.log.Info("machine destroyed", zap.String("instance", instanceID))
	}
	return err
}

// Ping checks that the API answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		bs, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.ErrInstanceNotFound
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
