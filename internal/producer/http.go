package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/atelier-ai/atelier/pkg/types"
)

// HTTPProducer talks to a generation backend over HTTP. Chat streams are
// SSE responses from StreamURL; permission decisions and media generations
// are plain POSTs.
type HTTPProducer struct {
	StreamURL   string
	GenerateURL string
	APIKey      string
	Client      *http.Client
}

// NewHTTPProducer creates an HTTPProducer for the configured endpoints.
func NewHTTPProducer(streamURL, generateURL, apiKey string) *HTTPProducer {
	return &HTTPProducer{
		StreamURL:   streamURL,
		GenerateURL: generateURL,
		APIKey:      apiKey,
		// No client timeout: stream connections are long-lived and are torn
		// down through context cancellation instead.
		Client: &http.Client{},
	}
}

// Open starts a chat completion stream.
func (p *HTTPProducer) Open(ctx context.Context, req ChatRequest) (Connection, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.StreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	p.authorize(httpReq)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	return &httpConnection{producer: p, sessionID: req.SessionID, body: resp.Body}, nil
}

// Generate runs one media generation call.
func (p *HTTPProducer) Generate(ctx context.Context, params GenerationParams) (ResultRef, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.GenerateURL, bytes.NewReader(params))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("generate: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out struct {
		ResultRef string `json:"resultRef"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("generate: decode response: %w", err)
	}
	if out.ResultRef == "" {
		return "", fmt.Errorf("generate: response missing resultRef")
	}
	return ResultRef(out.ResultRef), nil
}

func (p *HTTPProducer) authorize(req *http.Request) {
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
}

// httpConnection is one open SSE stream plus its permission side channel.
type httpConnection struct {
	producer  *HTTPProducer
	sessionID string
	body      io.ReadCloser
}

func (c *httpConnection) Events() io.Reader { return c.body }

func (c *httpConnection) Resolve(ctx context.Context, correlationID string, decision types.Decision) error {
	payload, err := json.Marshal(map[string]string{
		"sessionID":     c.sessionID,
		"correlationID": correlationID,
		"decision":      string(decision),
	})
	if err != nil {
		return err
	}

	url := c.producer.StreamURL + "/permission"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.producer.authorize(req)

	resp, err := c.producer.Client.Do(req)
	if err != nil {
		return fmt.Errorf("resolve permission: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resolve permission: status %d", resp.StatusCode)
	}
	return nil
}

func (c *httpConnection) Close() error { return c.body.Close() }
