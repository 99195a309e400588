package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"metamorph/internal/config"
)

// ErrRequestFailed wraps any completion failure so the loop can apply
// its retry-then-halt policy without inspecting transport details.
var ErrRequestFailed = errors.New("model: request failed")

// ChatMessage is one entry of the ordered message list sent to the
// completion endpoint.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the full ordered context for one completion. OnDelta,
// when set, receives streamed text fragments as they arrive; the full
// text is still returned at the end.
type Request struct {
	Messages  []ChatMessage
	MaxTokens int
	OnDelta   func(string)
}

// Response is the completion text plus usage stats when the provider
// reports them.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Completer is the model completion contract the loop depends on.
// Cancel the context to abort an in-flight request.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Identifier() string
}

const (
	defaultTimeout = 90 * time.Second
	maxAttempts    = 3
	retryBackoff   = 700 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

func NewClient(cfg config.Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.Model.BaseURL), "/")
	if base == "" {
		return nil, errors.New("model: base URL is required")
	}
	base = strings.TrimSuffix(base, "/chat/completions")

	apiKey := cfg.APIKeyValue()
	if apiKey == "" {
		return nil, fmt.Errorf("model: missing API key (set %s or model.api_key)", cfg.Model.APIKeyEnv)
	}

	return &Client{
		baseURL:     base,
		apiKey:      apiKey,
		model:       cfg.Model.Name,
		temperature: cfg.Model.Temperature,
		maxTokens:   cfg.Model.MaxTokens,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (c *Client) Identifier() string { return c.model }

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, fmt.Errorf("%w: empty message list", ErrRequestFailed)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	body := map[string]any{
		"model":       c.model,
		"messages":    req.Messages,
		"temperature": c.temperature,
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	if req.OnDelta != nil {
		body["stream"] = true
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.completeOnce(ctx, raw, req.OnDelta)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || attempt == maxAttempts {
			break
		}

		backoff := retryBackoff * time.Duration(1<<(attempt-1))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("%w: %v", ErrRequestFailed, ctx.Err())
		case <-time.After(backoff):
		}
	}
	if errors.Is(lastErr, ErrRequestFailed) {
		return Response{}, lastErr
	}
	return Response{}, fmt.Errorf("%w: %v", ErrRequestFailed, lastErr)
}

func (c *Client) completeOnce(ctx context.Context, raw []byte, onDelta func(string)) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Response{}, fmt.Errorf("retryable status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if onDelta != nil {
		return readStream(resp.Body, onDelta)
	}
	return readCompletion(resp.Body)
}

func readCompletion(body io.Reader) (Response, error) {
	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return Response{}, err
	}
	if len(payload.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: no choices in response", ErrRequestFailed)
	}
	return Response{
		Text:             payload.Choices[0].Message.Content,
		PromptTokens:     payload.Usage.PromptTokens,
		CompletionTokens: payload.Usage.CompletionTokens,
	}, nil
}

// readStream consumes a server-sent-events response, forwarding each
// content delta and accumulating the full text.
func readStream(body io.Reader, onDelta func(string)) (Response, error) {
	var (
		full    strings.Builder
		usage   struct{ prompt, completion int }
		scanner = bufio.NewScanner(body)
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage.prompt = chunk.Usage.PromptTokens
			usage.completion = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onDelta(chunk.Choices[0].Delta.Content)
			full.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, err
	}
	return Response{
		Text:             full.String(),
		PromptTokens:     usage.prompt,
		CompletionTokens: usage.completion,
	}, nil
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRequestFailed) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return strings.Contains(err.Error(), "retryable status")
}
