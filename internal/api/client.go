// Package api is the HTTP/JSON client for the agent backend: decomposition,
// deep search, outbound calls and the generic agent.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	cflog "github.com/imkarma/cardflow/internal/log"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:8000"

// ErrCallRejected is returned when the backend answers an outbound call
// request with success=false.
var ErrCallRejected = errors.New("outbound call rejected")

// maxErrorBody caps the response body quoted in a StatusError.
const maxErrorBody = 200

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > maxErrorBody {
		n := maxErrorBody
		for n > 0 && !utf8.RuneStart(body[n]) {
			n--
		}
		body = body[:n] + "..."
	}
	if body == "" {
		return fmt.Sprintf("API returned status %d", e.Code)
	}
	return fmt.Sprintf("API returned status %d: %s", e.Code, body)
}

// Client talks to the agent backend.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		var hc http.Client
		if c.http != nil {
			hc = *c.http
		}
		hc.Timeout = d
		c.http = &hc
	}
}

// WithRateLimit paces outgoing requests. A non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
		logger:  cflog.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend address the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateNewCardFromPrompt asks the backend to decompose prompt into cards.
func (c *Client) CreateNewCardFromPrompt(ctx context.Context, prompt string, cardCtx CardContext) (*NewCardResponse, error) {
	var out NewCardResponse
	if err := c.post(ctx, "/chat/new-card", NewCardRequest{Prompt: prompt, Context: cardCtx}, &out); err != nil {
		return nil, fmt.Errorf("new card: %w", err)
	}
	return &out, nil
}

// PerformDeepSearch runs a web search for prompt.
func (c *Client) PerformDeepSearch(ctx context.Context, prompt string) (*DeepSearchResponse, error) {
	var out DeepSearchResponse
	if err := c.post(ctx, "/chat/deep-search", DeepSearchRequest{Prompt: prompt}, &out); err != nil {
		return nil, fmt.Errorf("deep search: %w", err)
	}
	return &out, nil
}

// TriggerOutboundCall places a phone call. A response with success=false is
// returned together with ErrCallRejected.
func (c *Client) TriggerOutboundCall(ctx context.Context, req OutboundCallRequest) (*OutboundCallResponse, error) {
	var out OutboundCallResponse
	if err := c.post(ctx, "/chat/outbound-call", req, &out); err != nil {
		return nil, fmt.Errorf("outbound call: %w", err)
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "no reason given"
		}
		return &out, fmt.Errorf("%w: %s", ErrCallRejected, msg)
	}
	return &out, nil
}

// TriggerAgent sends prompt to the generic agent.
func (c *Client) TriggerAgent(ctx context.Context, prompt string, agentCtx map[string]any) (*AgentResponse, error) {
	var out AgentResponse
	if err := c.post(ctx, "/chat/agent", AgentRequest{Prompt: prompt, Context: agentCtx}, &out); err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WithField("path", path).Debugf("error body: %s", respBody)
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
