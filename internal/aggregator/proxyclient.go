package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// AgentError wraps a non-2xx response from an agent so the HTTP surface
// can surface it as a 502 with the agent's own body as detail.
type AgentError struct {
	StatusCode int
	Body       string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent returned status %d: %s", e.StatusCode, e.Body)
}

// ProxyClient calls a server's agent to read or drive its tunnel
// supervisor and service catalog.
type ProxyClient struct {
	client *http.Client
}

// NewProxyClient creates a ProxyClient with the given per-call timeout.
func NewProxyClient(timeout time.Duration) *ProxyClient {
	return &ProxyClient{client: &http.Client{Timeout: timeout}}
}

func (c *ProxyClient) do(ctx context.Context, method, url, token string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call agent: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AgentError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// ServiceCatalog fetches a server's agent's service catalog.
func (c *ProxyClient) ServiceCatalog(ctx context.Context, srv wire.Server) ([]wire.ServiceCatalogItem, error) {
	url := fmt.Sprintf("http://%s:%d/v1/services", srv.Host, srv.AgentPort)
	body, err := c.do(ctx, http.MethodGet, url, srv.Token, nil)
	if err != nil {
		return nil, err
	}
	var out []wire.ServiceCatalogItem
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode service catalog: %w", err)
	}
	return out, nil
}

// ProxyStatus fetches a server's agent's tunnel status.
func (c *ProxyClient) ProxyStatus(ctx context.Context, srv wire.Server) (*wire.TunnelStatus, error) {
	url := fmt.Sprintf("http://%s:%d/v1/proxy/status", srv.Host, srv.AgentPort)
	return c.decodeTunnelStatus(ctx, http.MethodGet, url, srv.Token, nil)
}

// ProxyStart asks a server's agent to start its tunnel, optionally with an
// overriding config.
func (c *ProxyClient) ProxyStart(ctx context.Context, srv wire.Server, cfg *wire.ProxyConfig) (*wire.TunnelStatus, error) {
	url := fmt.Sprintf("http://%s:%d/v1/proxy/start", srv.Host, srv.AgentPort)
	var payload any
	if cfg != nil {
		payload = map[string]any{"config": cfg}
	}
	return c.decodeTunnelStatus(ctx, http.MethodPost, url, srv.Token, payload)
}

// ProxyStop asks a server's agent to stop its tunnel.
func (c *ProxyClient) ProxyStop(ctx context.Context, srv wire.Server) (*wire.TunnelStatus, error) {
	url := fmt.Sprintf("http://%s:%d/v1/proxy/stop", srv.Host, srv.AgentPort)
	return c.decodeTunnelStatus(ctx, http.MethodPost, url, srv.Token, nil)
}

func (c *ProxyClient) decodeTunnelStatus(ctx context.Context, method, url, token string, payload any) (*wire.TunnelStatus, error) {
	body, err := c.do(ctx, method, url, token, payload)
	if err != nil {
		return nil, err
	}
	var status wire.TunnelStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode tunnel status: %w", err)
	}
	return &status, nil
}
