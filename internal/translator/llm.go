package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// lineSeparator delimits subtitle lines inside a single chat prompt so
// the model's reply can be split back into the same count.
const lineSeparator = "|@|"

// inlineBreak stands in for intra-cue newlines so they survive the round
// trip through the model.
const inlineBreak = "[BR]"

// LLMConfig configures an OpenAI-compatible chat backend (localai,
// openrouter, and most self-hosted gateways speak this dialect).
type LLMConfig struct {
	Name        string
	APIURL      string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	// Timeout is the per-request HTTP timeout in seconds.
	Timeout int
}

func (c LLMConfig) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return fmt.Errorf("llm api url is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("llm model is required")
	}
	return nil
}

// LLMTranslator translates through an OpenAI-compatible chat completions
// endpoint. Safe for concurrent use.
type LLMTranslator struct {
	config     LLMConfig
	httpClient *http.Client
}

func NewLLMTranslator(config LLMConfig) (*LLMTranslator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid llm configuration: %w", err)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15
	}
	if config.Name == "" {
		config.Name = "localai"
	}
	return &LLMTranslator{
		config: config,
		httpClient: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
	}, nil
}

func (t *LLMTranslator) Name() string { return t.config.Name }

func (t *LLMTranslator) TranslateLine(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	lines, err := t.complete(ctx, []string{text}, nil, nil, sourceLang, targetLang)
	if err != nil {
		return "", err
	}
	if len(lines) != 1 || strings.TrimSpace(lines[0]) == "" {
		return "", fmt.Errorf("%w: expected one line, got %d", ErrInvalidResponse, len(lines))
	}
	return lines[0], nil
}

func (t *LLMTranslator) TranslateBatch(ctx context.Context, req BatchRequest) ([]string, error) {
	return t.complete(ctx, req.Lines, req.ContextBefore, req.ContextAfter, req.SourceLanguage, req.TargetLanguage)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (t *LLMTranslator) complete(ctx context.Context, lines, before, after []string, sourceLang, targetLang string) ([]string, error) {
	encoded := make([]string, len(lines))
	for i, line := range lines {
		encoded[i] = strings.ReplaceAll(line, "\n", inlineBreak)
	}

	request := chatRequest{
		Model: t.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: t.systemPrompt(sourceLang, targetLang, before, after)},
			{Role: "user", Content: strings.Join(encoded, lineSeparator)},
		},
		MaxTokens:   t.config.MaxTokens,
		Temperature: t.config.Temperature,
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.APIURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ServiceError{Provider: t.Name(), Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServiceError{Provider: t.Name(), Cause: err}
	}

	if err := t.classifyStatus(resp, body); err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, &ServiceError{Provider: t.Name(), Cause: fmt.Errorf("%s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	out := strings.Split(content, lineSeparator)
	for i := range out {
		out[i] = strings.TrimSpace(strings.ReplaceAll(out[i], inlineBreak, "\n"))
	}
	return out, nil
}

func (t *LLMTranslator) classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Provider: t.Name(), RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &ServiceError{Provider: t.Name(), Cause: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))}
	default:
		return &NonRetryableError{Provider: t.Name(), Status: resp.StatusCode, Message: truncate(body, 200)}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(body []byte, max int) string {
	s := string(body)
	if len(s) > max {
		return s[:max]
	}
	return s
}

func (t *LLMTranslator) systemPrompt(sourceLang, targetLang string, before, after []string) string {
	var prompt strings.Builder

	prompt.WriteString("You are a professional subtitle translator. Translate subtitle lines from " + sourceLang + " to " + targetLang + ".\n\n")

	if len(before) > 0 {
		prompt.WriteString("=== PRECEDING CONTEXT (already translated, do NOT include in output) ===\n")
		prompt.WriteString(strings.Join(before, "\n"))
		prompt.WriteString("\n\n")
	}
	if len(after) > 0 {
		prompt.WriteString("=== FOLLOWING CONTEXT (do NOT include in output) ===\n")
		prompt.WriteString(strings.Join(after, "\n"))
		prompt.WriteString("\n\n")
	}

	prompt.WriteString("=== RULES ===\n")
	prompt.WriteString("1. The input lines are separated by " + lineSeparator + "; keep that separator in your output.\n")
	prompt.WriteString("2. Preserve " + inlineBreak + " inline break markers.\n")
	prompt.WriteString("3. The number of output lines must exactly match the number of input lines.\n")
	prompt.WriteString("4. Return ONLY the translated lines, no explanations or notes.\n")

	return prompt.String()
}
