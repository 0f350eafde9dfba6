package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"grainrt/pkg/types"
)

// Internal routes served by every silo.
const (
	DirectoryPath = "/api/internal/directory"
	ProbePath     = "/api/internal/membership/probe"
	GossipPath    = "/api/internal/membership/gossip"
)

// ProbeRequest is the body of a liveness probe.
type ProbeRequest struct {
	From        types.SiloAddress `json:"from"`
	Target      types.SiloAddress `json:"target"`
	ProbeNumber int               `json:"probe_number"`
}

// GossipRequest tells a peer that the membership table reached Version.
type GossipRequest struct {
	From    types.SiloAddress `json:"from"`
	Version int64             `json:"version"`
}

// HTTPClient talks to other silos over their internal HTTP routes. It carries
// both directory messages and membership probes.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient создает клиент; timeout ограничивает каждый запрос сверх контекста
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func baseURL(target types.SiloAddress) string {
	return "http://" + target.Endpoint()
}

// Send implements Transport.
func (c *HTTPClient) Send(ctx context.Context, target types.SiloAddress, msg Message) (Reply, error) {
	body, err := Encode(msg)
	if err != nil {
		return Reply{}, err
	}

	resp, err := c.post(ctx, baseURL(target)+DirectoryPath, body)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return Reply{}, fmt.Errorf("%s failed with status %d: %s", msg.Kind(), resp.StatusCode, string(b))
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

// Probe implements membership.PeerClient.
func (c *HTTPClient) Probe(ctx context.Context, target, from types.SiloAddress, probeNumber int) error {
	body, err := json.Marshal(ProbeRequest{From: from, Target: target, ProbeNumber: probeNumber})
	if err != nil {
		return fmt.Errorf("encode probe: %w", err)
	}
	return c.postExpectOK(ctx, baseURL(target)+ProbePath, body)
}

// Gossip implements membership.PeerClient.
func (c *HTTPClient) Gossip(ctx context.Context, target, from types.SiloAddress, version int64) error {
	body, err := json.Marshal(GossipRequest{From: from, Version: version})
	if err != nil {
		return fmt.Errorf("encode gossip: %w", err)
	}
	return c.postExpectOK(ctx, baseURL(target)+GossipPath, body)
}

func (c *HTTPClient) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute POST request: %w", err)
	}
	return resp, nil
}

func (c *HTTPClient) postExpectOK(ctx context.Context, url string, body []byte) error {
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s failed with status %d: %s", url, resp.StatusCode, string(b))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
