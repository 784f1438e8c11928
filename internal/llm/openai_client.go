package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	routaerrors "routa/internal/errors"
	"routa/internal/httpclient"
	"routa/internal/logging"
)

// OpenAI API compatible client.
type openaiClient struct {
	model         string
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	logger        logging.Logger
	headers       map[string]string
	usageCallback UsageCallback
}

// NewOpenAIClient constructs a client speaking the OpenAI-compatible
// chat completions API.
func NewOpenAIClient(model string, config Config) Client {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	timeout := 120 * time.Second
	if config.Timeout > 0 {
		timeout = time.Duration(config.Timeout) * time.Second
	}
	logger := logging.NewComponentLogger("llm-openai")
	return &openaiClient{
		model:      model,
		apiKey:     config.APIKey,
		baseURL:    baseURL,
		httpClient: httpclient.New(timeout, logger),
		logger:     logger,
		headers:    config.Headers,
	}
}

func (c *openaiClient) Model() string { return c.model }

func (c *openaiClient) SetUsageCallback(callback UsageCallback) {
	c.usageCallback = callback
}

// Ping checks endpoint reachability with a GET against the models
// listing, which every OpenAI-compatible server exposes and which
// costs no tokens.
func (c *openaiClient) Ping(ctx context.Context) error {
	endpoint := c.baseURL + "/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return mapHTTPError(resp.StatusCode, body, resp.Header)
	}
	return nil
}

func (c *openaiClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, err := c.marshalRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.doPost(ctx, body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("completion failed: status=%d body=%s", resp.StatusCode, truncateForLog(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if oaiResp.Error != nil && oaiResp.Error.Message != "" {
		msg := oaiResp.Error.Message
		if oaiResp.Error.Type != "" {
			msg = fmt.Sprintf("%s: %s", oaiResp.Error.Type, oaiResp.Error.Message)
		}
		return nil, mapHTTPError(resp.StatusCode, []byte(msg), resp.Header)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, routaerrors.NewTransientError(errors.New("no choices in response"),
			"The model returned an empty response. Please retry.")
	}

	result := &CompletionResponse{
		Content:    oaiResp.Choices[0].Message.Content,
		Reasoning:  oaiResp.Choices[0].Message.ReasoningContent,
		StopReason: oaiResp.Choices[0].FinishReason,
		Usage: TokenUsage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}
	c.logger.Debug("completion done: stop=%s content=%d chars usage=%d+%d tokens",
		result.StopReason, len(result.Content), result.Usage.PromptTokens, result.Usage.CompletionTokens)
	if c.usageCallback != nil {
		c.usageCallback(result.Usage, c.model)
	}
	return result, nil
}

// StreamComplete streams incremental deltas while constructing the
// final aggregated response.
func (c *openaiClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	body, err := c.marshalRequest(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.doPost(ctx, body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}
		c.logger.Debug("stream request failed: status=%d body=%s", resp.StatusCode, truncateForLog(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	type streamChunk struct {
		Choices []struct {
			Delta struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}

	var content, reasoning strings.Builder
	usage := TokenUsage{}
	finishReason := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping undecodable stream chunk: %v", err)
			continue
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if text := choice.Delta.ReasoningContent; text != "" {
			reasoning.WriteString(text)
			if callbacks.OnReasoningDelta != nil {
				callbacks.OnReasoningDelta(ContentDelta{Delta: text})
			}
		}
		if text := choice.Delta.Content; text != "" {
			content.WriteString(text)
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(ContentDelta{Delta: text})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read response stream: %w", err)
	}
	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(ContentDelta{Final: true})
	}

	result := &CompletionResponse{
		Content:    content.String(),
		Reasoning:  reasoning.String(),
		StopReason: finishReason,
		Usage:      usage,
	}
	c.logger.Debug("stream done: stop=%s content=%d chars usage=%d+%d tokens",
		result.StopReason, len(result.Content), result.Usage.PromptTokens, result.Usage.CompletionTokens)
	if c.usageCallback != nil {
		c.usageCallback(result.Usage, c.model)
	}
	return result, nil
}

func (c *openaiClient) marshalRequest(req CompletionRequest, stream bool) ([]byte, error) {
	oaiReq := map[string]any{
		"model":    c.model,
		"messages": req.Messages,
		"stream":   stream,
	}
	if req.Temperature > 0 {
		oaiReq["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		oaiReq["max_tokens"] = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		oaiReq["stop"] = append([]string(nil), req.StopSequences...)
	}
	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (c *openaiClient) doPost(ctx context.Context, body []byte) (*http.Response, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	c.logger.Debug("POST %s model=%s bytes=%d", endpoint, c.model, len(body))
	return c.httpClient.Do(httpReq)
}

// wrapRequestError classifies transport failures. Context
// cancellation passes through untouched so callers can tell a user
// interrupt from a network fault.
func wrapRequestError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if routaerrors.IsTransient(err) || routaerrors.IsPermanent(err) {
		return err
	}
	return routaerrors.NewTransientError(err, routaerrors.FormatForModel(err))
}

// mapHTTPError converts a non-2xx response into a classified error.
// Retry-After is honored for rate limits.
func mapHTTPError(statusCode int, body []byte, header http.Header) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	base := fmt.Errorf("HTTP %d: %s", statusCode, detail)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return &routaerrors.TransientError{
			Err:        base,
			StatusCode: statusCode,
			RetryAfter: parseRetryAfter(header),
			Message:    "API rate limit reached. Retrying with backoff.",
		}
	case statusCode == http.StatusUnauthorized:
		return routaerrors.NewPermanentError(base, "Authentication failed. Check the API key configuration.")
	case statusCode == http.StatusForbidden:
		return routaerrors.NewPermanentError(base, "Permission denied for this model or endpoint.")
	case statusCode == http.StatusNotFound:
		return routaerrors.NewPermanentError(base, "Model or endpoint not found. Verify the model name.")
	case statusCode >= 500:
		return &routaerrors.TransientError{
			Err:        base,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("Upstream server error (%d). Retrying request.", statusCode),
		}
	case statusCode >= 400:
		return routaerrors.NewPermanentError(base, "Invalid request. Check the parameters.")
	default:
		return base
	}
}

func parseRetryAfter(header http.Header) int {
	if header == nil {
		return 0
	}
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return seconds
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return int(d.Seconds()) + 1
		}
	}
	return 0
}

func truncateForLog(body []byte) string {
	const limit = 1024
	s := string(body)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
