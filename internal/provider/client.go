package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
)

// backoffSchedule is the retry envelope: {0.5, 1.0, 2.0, 4.0}s plus
// 50-250ms jitter, up to four attempts.
var backoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	4000 * time.Millisecond,
}

const maxAttempts = 4

// Client is the provider adapter: it converts normalized requests to the
// reference wire format, streams and parses server-sent events, and
// retries transient failures with backoff.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiVersion string
	log        *slog.Logger

	defaultModel string
}

// NewClient builds a Client. baseURL, apiKey, and apiVersion are sanitized
// (CR/LF stripped, trimmed) so a misconfigured header can't smuggle extra
// request lines.
func NewClient(httpClient *http.Client, baseURL, apiKey, apiVersion string, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    normalizeBaseURL(baseURL),
		apiKey:     sanitizeHeaderValue(apiKey),
		apiVersion: sanitizeHeaderValue(apiVersion),
		log:        log,
	}
}

func normalizeBaseURL(u string) string {
	return strings.TrimRight(u, "/") + "/"
}

func sanitizeHeaderValue(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	v = strings.ReplaceAll(v, "\n", "")
	return strings.TrimSpace(v)
}

// SetSessionDefaults updates the default model used when a request leaves
// ModelID empty.
func (c *Client) SetSessionDefaults(model string) {
	c.defaultModel = model
}

func (c *Client) setHeaders(req *http.Request, streaming bool) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.apiVersion)
	req.Header.Set("content-type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
}

func (c *Client) logRateLimitHeaders(resp *http.Response) {
	for k := range resp.Header {
		if strings.HasPrefix(strings.ToLower(k), "x-ratelimit-") {
			c.log.Debug("rate limit header", "header", k, "value", resp.Header.Get(k))
		}
	}
}

// doWithRetry sends a fresh request from buildReq on each attempt,
// retrying transport errors and 429/503 responses per the backoff
// schedule. On a 2xx it returns the response with its body unread; the
// caller closes it.
func (c *Client) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := buildReq()
		if err != nil {
			return nil, newError(KindOther, "building request", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.sleepBackoff(ctx, attempt, 0)
			continue
		}

		c.logRateLimitHeaders(resp)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		resp.Body.Close()

		switch {
		case resp.StatusCode == 401:
			return nil, newError(KindUnauthorized, "unauthorized", nil)
		case resp.StatusCode == 429 || resp.StatusCode == 503:
			lastErr = newError(KindTransient, fmt.Sprintf("status %d", resp.StatusCode), nil)
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			c.sleepBackoff(ctx, attempt, retryAfter)
			continue
		case resp.StatusCode >= 500:
			return nil, newError(KindServerError, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(body), 300)), nil)
		default:
			return nil, newError(KindOther, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(body), 300)), nil)
		}
	}
	return nil, newError(KindTransient, "exhausted retries", lastErr)
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int, retryAfter time.Duration) {
	d := retryAfter
	if d <= 0 {
		idx := attempt
		if idx >= len(backoffSchedule) {
			idx = len(backoffSchedule) - 1
		}
		jitter := time.Duration(50+rand.Intn(200)) * time.Millisecond
		d = backoffSchedule[idx] + jitter
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Send issues a non-streaming request and assembles a single Response by
// draining the same streaming state machine Stream uses: the reference
// provider always streams internally, and Send and Stream are two views
// of the same wire protocol.
func (c *Client) Send(ctx context.Context, req chatmodel.LLMRequest) (*chatmodel.Response, error) {
	it, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var resp chatmodel.Response
	for {
		chunk, err := it.Next()
		if err == ErrStreamDone {
			break
		}
		if err != nil {
			return nil, err
		}
		resp.Text += chunk.ContentDelta
		if chunk.ToolCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
		if chunk.IsComplete {
			resp.FinishReason = chunk.FinishReason
		}
	}
	return &resp, nil
}

// ErrStreamDone is returned by StreamIterator.Next once the stream has
// been fully consumed. It is distinct from io.EOF in the public API so
// callers don't need to import io just to check stream completion.
var ErrStreamDone = fmt.Errorf("provider stream complete")

// StreamIterator is the lazy chunk sequence Stream returns.
type StreamIterator struct {
	body   io.ReadCloser
	stream *eventStream
}

func (it *StreamIterator) Next() (*chatmodel.LLMStreamChunk, error) {
	chunk, err := it.stream.Next()
	if err == io.EOF {
		return nil, ErrStreamDone
	}
	return chunk, err
}

func (it *StreamIterator) Close() error {
	return it.body.Close()
}

func (c *Client) modelOrDefault(model string) string {
	if model != "" {
		return model
	}
	return c.defaultModel
}

// Stream opens a streaming request and returns a StreamIterator. The
// caller must Close it.
func (c *Client) Stream(ctx context.Context, req chatmodel.LLMRequest) (*StreamIterator, error) {
	req.ModelID = c.modelOrDefault(req.ModelID)
	wr := buildWireRequest(req, true)
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, newError(KindOther, "marshal request", err)
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"v1/messages", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		c.setHeaders(httpReq, true)
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}

	return &StreamIterator{body: resp.Body, stream: newEventStream(resp.Body, c.log)}, nil
}

// CountTokens POSTs to the reference count endpoint using the same retry
// envelope as Send/Stream.
func (c *Client) CountTokens(ctx context.Context, req chatmodel.LLMRequest) (int64, error) {
	wr := buildWireRequest(req, false)
	body, err := json.Marshal(wr)
	if err != nil {
		return 0, newError(KindOther, "marshal request", err)
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"v1/messages/count_tokens", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		c.setHeaders(httpReq, false)
		return httpReq, nil
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var payload struct {
		InputTokens int64 `json:"input_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, newError(KindProtocol, "decoding count_tokens response", err)
	}
	return payload.InputTokens, nil
}
