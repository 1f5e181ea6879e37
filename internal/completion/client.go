// Package completion streams chat completions from an OpenAI-compatible
// endpoint and relays the generated text to a chat channel in readable
// chunks.
package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/zulandar/parlor/internal/logging"
)

const (
	// DefaultTemperature is the sampling temperature sent with every request.
	DefaultTemperature = 0.7
	// DefaultReadTimeout is how long the endpoint may stay silent.
	DefaultReadTimeout = 30 * time.Second
	// keyCheckTimeout bounds the startup API key validation.
	keyCheckTimeout = 10 * time.Second
)

// ErrDelivery wraps failures to post a chunk to the channel. These are not
// upstream errors and are never retried.
var ErrDelivery = errors.New("completion: deliver chunk")

// Message is one entry of the conversation sent to the endpoint.
type Message struct {
	Role    string
	Content string
}

// Sink is the channel a reply is streamed into.
type Sink interface {
	// Send posts one chunk of text.
	Send(ctx context.Context, text string) error
	// Typing shows a composing indicator until the returned func is called.
	Typing(ctx context.Context) (stop func())
}

// Client talks to the completion endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float32
	referer     string
	title       string
	readTimeout time.Duration
	policy      RetryPolicy
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL           string // e.g. https://openrouter.ai/api/v1
	APIKey            string
	Model             string
	Temperature       float32       // defaults to DefaultTemperature
	ReadTimeout       time.Duration // defaults to DefaultReadTimeout
	Referer           string        // optional HTTP-Referer header
	Title             string        // optional X-Title header
	RequestsPerSecond float64       // 0 disables the limiter
	Retry             RetryPolicy   // zero value means DefaultRetryPolicy
	HTTPClient        *http.Client  // defaults to a client without overall timeout
	Logger            *slog.Logger
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("completion: base URL is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("completion: API key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("completion: model is required")
	}
	temp := opts.Temperature
	if temp == 0 {
		temp = DefaultTemperature
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	policy := opts.Retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	hc := opts.HTTPClient
	if hc == nil {
		// No Client.Timeout: a healthy stream can outlive any fixed bound.
		// Silence is caught by the per-read watchdog instead.
		hc = &http.Client{}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		temperature: temp,
		referer:     opts.Referer,
		title:       opts.Title,
		readTimeout: readTimeout,
		policy:      policy,
		httpClient:  hc,
		limiter:     limiter,
		logger:      logging.Component(opts.Logger, "completion"),
		sleep:       sleepCtx,
	}, nil
}

// ValidateKey checks the API key against the endpoint's auth-check path.
func (c *Client) ValidateKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, keyCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/key", nil)
	if err != nil {
		return fmt.Errorf("completion: build key check: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{Cause: fmt.Sprintf("API validation failed: %v", err), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UpstreamError{
			Cause:      fmt.Sprintf("Invalid API key (HTTP %d)", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Body:       truncateBody(data),
		}
	}
	return nil
}

// Stream sends the conversation to the endpoint with streaming enabled,
// delivers the reply to sink chunk by chunk, and returns the full reply
// text. Connect failures and read timeouts are retried per the client's
// RetryPolicy; any other failure, or running out of attempts, yields an
// *UpstreamError. A retry after a mid-stream stall skips the chunks the
// stalled attempt already delivered. Chunk delivery failures are returned
// wrapped in ErrDelivery.
func (c *Client) Stream(ctx context.Context, msgs []Message, sink Sink) (string, error) {
	body, err := json.Marshal(c.buildRequest(msgs))
	if err != nil {
		return "", fmt.Errorf("completion: marshal request: %w", err)
	}

	var (
		lastErr   error
		delivered int
	)
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		rs := &resumeSink{Sink: sink, skip: delivered}
		reply, err := c.attempt(ctx, body, rs)
		if err == nil {
			return reply, nil
		}
		delivered = max(delivered, rs.seen)
		if ctx.Err() != nil || errors.Is(err, ErrDelivery) || IsUpstream(err) {
			return "", err
		}
		if !c.policy.Retryable(err) {
			return "", &UpstreamError{Cause: fmt.Sprintf("Request failed: %v", err), Attempts: attempt, Err: err}
		}

		lastErr = err
		if attempt == c.policy.MaxAttempts {
			break
		}
		delay := c.policy.Delay(attempt)
		c.logger.Warn("completion attempt failed, retrying",
			"attempt", attempt, "max", c.policy.MaxAttempts, "delay", delay, "err", err)
		if err := c.sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	return "", &UpstreamError{
		Cause:    fmt.Sprintf("Connection failed after %d attempts: %v", c.policy.MaxAttempts, lastErr),
		Attempts: c.policy.MaxAttempts,
		Err:      lastErr,
	}
}

func (c *Client) buildRequest(msgs []Message) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Stream:      true,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return req
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}
}

// attempt performs one request and consumes its stream. A watchdog cancels
// the request if no bytes arrive within the read timeout.
func (c *Client) attempt(ctx context.Context, body []byte, sink Sink) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchdog := time.AfterFunc(c.readTimeout, func() { cancel(errReadTimeout) })
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("completion: build request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", withCause(reqCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		b := truncateBody(data)
		return "", &UpstreamError{
			Cause:      fmt.Sprintf("API Error %d: %s", resp.StatusCode, b),
			StatusCode: resp.StatusCode,
			Body:       b,
		}
	}
	watchdog.Reset(c.readTimeout)

	// The indicator stays up for the whole receive loop.
	stopTyping := sync.OnceFunc(sink.Typing(ctx))
	defer stopTyping()

	var chunker Chunker
	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			watchdog.Reset(c.readTimeout)
			token, ok, done := decodeLine(line)
			if done {
				break
			}
			if ok {
				if chunk, ready := chunker.Push(token); ready {
					if err := sink.Send(ctx, chunk); err != nil {
						return "", fmt.Errorf("%w: %w", ErrDelivery, err)
					}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", withCause(reqCtx, readErr)
		}
	}
	stopTyping()

	if chunk, ok := chunker.Flush(); ok {
		if err := sink.Send(ctx, chunk); err != nil {
			return "", fmt.Errorf("%w: %w", ErrDelivery, err)
		}
	}
	return chunker.Reply(), nil
}

// resumeSink drops the first skip chunks of a retried attempt, which were
// already delivered by an earlier attempt that stalled mid-stream.
type resumeSink struct {
	Sink
	skip int
	seen int
}

func (s *resumeSink) Send(ctx context.Context, text string) error {
	s.seen++
	if s.seen <= s.skip {
		return nil
	}
	return s.Sink.Send(ctx, text)
}

// withCause attaches errReadTimeout to err when the watchdog fired.
func withCause(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errReadTimeout) {
		return fmt.Errorf("%w: %w", errReadTimeout, err)
	}
	return err
}
