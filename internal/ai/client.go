package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/metrics"
)

// ClientConfig holds tunable parameters for the upstream client.
type ClientConfig struct {
	BaseURL    string        // upstream service base URL
	Attempts   int           // total attempts per completion (default: 2)
	RetryDelay time.Duration // fixed delay between attempts (default: 2s)
	Timeout    time.Duration // per-attempt timeout (default: 30s)
}

// DefaultClientConfig returns the production retry policy.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:    baseURL,
		Attempts:   2,
		RetryDelay: 2 * time.Second,
		Timeout:    30 * time.Second,
	}
}

// Client issues completion requests over HTTP.
type Client struct {
	config ClientConfig
	http   *http.Client
	sleep  func(time.Duration)
	log    zerolog.Logger
}

// NewClient creates a Client with the given config.
func NewClient(config ClientConfig, log zerolog.Logger) *Client {
	if config.Attempts <= 0 {
		config.Attempts = 2
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 2 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		sleep:  time.Sleep,
		log:    log.With().Str("component", "ai").Logger(),
	}
}

// completionRequest is the upstream wire format.
type completionRequest struct {
	Message             string `json:"message"`
	ConversationHistory []Turn `json:"conversation_history"`
	SystemPrompt        string `json:"system_prompt"`
}

// completionResponse covers both upstream response shapes: a single reply
// string or an ordered list of segments.
type completionResponse struct {
	Success        bool     `json:"success"`
	Response       string   `json:"response"`
	Messages       []string `json:"messages"`
	IsMultiMessage bool     `json:"is_multi_message"`
}

// Complete sends the completion request, retrying on availability failures
// with a fixed delay. Only the final attempt's error is surfaced.
func (c *Client) Complete(ctx context.Context, systemPrompt string, history []Turn, userText string) (Reply, error) {
	body, err := json.Marshal(completionRequest{
		Message:             userText,
		ConversationHistory: history,
		SystemPrompt:        systemPrompt,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("ai: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.Attempts; attempt++ {
		if attempt > 1 {
			c.log.Warn().Int("attempt", attempt).Err(lastErr).Msg("retrying upstream completion")
			select {
			case <-ctx.Done():
				return Reply{}, &UpstreamError{Kind: KindUnavailable, Err: ctx.Err()}
			default:
			}
			c.sleep(c.config.RetryDelay)
		}

		reply, err := c.attempt(ctx, body)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		// Protocol errors are deterministic; retrying cannot help.
		if IsProtocolError(err) {
			break
		}
	}
	return Reply{}, lastErr
}

func (c *Client) attempt(ctx context.Context, body []byte) (Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/complete", bytes.NewReader(body))
	if err != nil {
		return Reply{}, &UpstreamError{Kind: KindUnavailable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Reply{}, &UpstreamError{Kind: KindUnavailable, Err: err}
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	metrics.UpstreamLatency.Observe(latency.Seconds())
	c.log.Debug().Int("status", resp.StatusCode).Dur("latency", latency).
		Msg("upstream completion attempt")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reply{}, &UpstreamError{
			Kind: KindUnavailable,
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Reply{}, &UpstreamError{Kind: KindUnavailable, Err: err}
	}

	var decoded completionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Reply{}, &UpstreamError{
			Kind: KindProtocolError,
			Err:  fmt.Errorf("malformed response body: %w", err),
		}
	}
	if !decoded.Success {
		return Reply{}, &UpstreamError{
			Kind: KindProtocolError,
			Err:  fmt.Errorf("upstream reported success=false"),
		}
	}

	// Segmented shape takes precedence; a one-element list is a single reply.
	if len(decoded.Messages) > 0 {
		return Reply{Segments: decoded.Messages}, nil
	}
	if decoded.Response != "" {
		return Reply{Segments: []string{decoded.Response}}, nil
	}
	return Reply{}, &UpstreamError{
		Kind: KindProtocolError,
		Err:  fmt.Errorf("response carries neither content field"),
	}
}
