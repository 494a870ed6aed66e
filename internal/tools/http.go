package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/support-desk/backend/internal/model/support"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures the commerce API collaborator.
type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// HTTPCollaborator posts tool arguments to the commerce API endpoint named in
// each definition and decodes the envelope it answers with.
type HTTPCollaborator struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHTTPCollaborator builds the collaborator. A zero RateLimit disables
// client-side throttling.
func NewHTTPCollaborator(cfg HTTPConfig, logger zerolog.Logger) *HTTPCollaborator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPCollaborator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Invoke implements Collaborator.
func (c *HTTPCollaborator) Invoke(ctx context.Context, def Definition, args json.RawMessage) (support.Envelope, error) {
	if c.baseURL == "" {
		return support.Fail("API_URL is not configured; tool calls are unavailable"), nil
	}
	if def.Endpoint == "" {
		return support.Fail(fmt.Sprintf("tool %s has no endpoint", def.Name)), nil
	}

	payload, env := preparePayload(def.Name, args)
	if env != nil {
		return *env, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return support.Envelope{}, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+def.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return support.Envelope{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return support.Fail(fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return support.Fail(fmt.Sprintf("read response: %v", err)), nil
	}
	c.logger.Debug().
		Str("tool", def.Name).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("commerce api call")

	return decodeEnvelope(resp.StatusCode, body), nil
}

func decodeEnvelope(status int, body []byte) support.Envelope {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		if status >= http.StatusBadRequest {
			return support.Fail(fmt.Sprintf("API returned status %d", status))
		}
		return support.Fail("invalid JSON response from API")
	}
	if _, ok := fields["success"]; !ok {
		if status >= http.StatusBadRequest {
			return support.Fail(fmt.Sprintf("API returned status %d", status))
		}
		return support.Fail("unexpected response format from API")
	}
	var env support.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return support.Fail("unexpected response format from API")
	}
	return env.Normalize()
}

// preparePayload applies per-tool argument fixes. A non-nil envelope short
// circuits the call.
func preparePayload(name string, args json.RawMessage) ([]byte, *support.Envelope) {
	switch name {
	case "shopify_get_customer_orders":
		var fields map[string]any
		if err := json.Unmarshal(args, &fields); err != nil {
			return args, nil
		}
		if after, ok := fields["after"]; !ok || after == nil || after == "" {
			fields["after"] = "null"
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return args, nil
		}
		return raw, nil
	case "shopify_add_tags":
		var fields struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(args, &fields); err != nil || len(fields.Tags) == 0 {
			env := support.Fail("tags must be a non-empty list")
			return nil, &env
		}
	}
	return args, nil
}
