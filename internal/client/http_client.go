package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bloom-nucleus/synapse/internal/bridge"
	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/eventbus"
)

const maxErrorBody = 8 << 10

// ErrNotConnected is returned when the daemon reports that the bridge has
// no live host connection.
var ErrNotConnected = errors.New("bridge not connected")

// HTTPClient talks to the daemon control surface.
type HTTPClient struct {
	client  *http.Client
	baseURL string

	longOnce   sync.Once
	longClient *http.Client
}

// NewHTTPClient builds an HTTP client with optional custom transport.
func NewHTTPClient(baseURL string, transport http.RoundTripper) *HTTPClient {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed != "" && !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	client := &http.Client{Timeout: constants.ControlRequestTimeout}
	if transport != nil {
		client.Transport = transport
	}
	return &HTTPClient{client: client, baseURL: trimmed}
}

// BaseURL returns the base HTTP URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// CheckStatus asks the daemon whether the host handshake is confirmed.
func (c *HTTPClient) CheckStatus(ctx context.Context) (bridge.CheckResult, error) {
	var res bridge.CheckResult
	err := c.getJSON(ctx, "/v1/status/check", &res)
	return res, err
}

// Status returns the connection_update snapshot of the bridge.
func (c *HTTPClient) Status(ctx context.Context) (bridge.StatusSnapshot, error) {
	var snap bridge.StatusSnapshot
	err := c.getJSON(ctx, "/v1/status", &snap)
	return snap, err
}

// Version returns the daemon build version.
func (c *HTTPClient) Version(ctx context.Context) (string, error) {
	var payload struct {
		Version string `json:"version"`
	}
	err := c.getJSON(ctx, "/v1/version", &payload)
	return payload.Version, err
}

// ActuatorInfo describes a connected page-level actuator.
type ActuatorInfo struct {
	ID          string    `json:"id"`
	TabID       int       `json:"tab_id,omitempty"`
	URL         string    `json:"url,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Active      bool      `json:"active"`
}

// Actuators lists the actuators connected to the daemon.
func (c *HTTPClient) Actuators(ctx context.Context) ([]ActuatorInfo, error) {
	var payload struct {
		Actuators []ActuatorInfo `json:"actuators"`
	}
	err := c.getJSON(ctx, "/v1/actuators", &payload)
	return payload.Actuators, err
}

// PostEvent forwards a page event to the host without sender context.
func (c *HTTPClient) PostEvent(ctx context.Context, event json.RawMessage) error {
	return c.PostEventFrom(ctx, eventbus.PageSender{}, event)
}

// PostEventFrom forwards a page event carrying the given sender context.
func (c *HTTPClient) PostEventFrom(ctx context.Context, sender eventbus.PageSender, event json.RawMessage) error {
	q := url.Values{}
	if sender.ActuatorID != "" {
		q.Set("actuator_id", sender.ActuatorID)
	}
	if sender.TabID != 0 {
		q.Set("tab_id", strconv.Itoa(sender.TabID))
	}
	if sender.URL != "" {
		q.Set("url", sender.URL)
	}
	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(event))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusServiceUnavailable:
		return fmt.Errorf("post event: %w", ErrNotConnected)
	}
	return fmt.Errorf("post event: %w", readAPIError(resp))
}

// HostRequest issues a correlated request to the host through the daemon
// and returns the reply payload. timeout zero uses the daemon default.
func (c *HTTPClient) HostRequest(ctx context.Context, kind, target string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	body := map[string]any{"type": kind}
	if target != "" {
		body["target"] = target
	}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	if timeout > 0 {
		body["timeout"] = timeout.String()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/host/request", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	resp, err := c.hostClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("host request: %w", ErrNotConnected)
	default:
		return nil, fmt.Errorf("host request: %w", readAPIError(resp))
	}

	var reply struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode host reply: %w", err)
	}
	return reply.Payload, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, path, http.NoBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %w", path, readAPIError(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// hostClient drops the client timeout; host requests are bounded by the
// caller's context and the daemon's own request timeout.
func (c *HTTPClient) hostClient() *http.Client {
	c.longOnce.Do(func() {
		clone := *c.client
		clone.Timeout = 0
		c.longClient = &clone
	})
	return c.longClient
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) == 0 {
		return errors.New(resp.Status)
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if msg := strings.TrimSpace(payload.Error); msg != "" {
				return errors.New(msg)
			}
		}
		// Fall back to the raw payload when the server omits the "error" field.
	}
	return errors.New(trimmed)
}
