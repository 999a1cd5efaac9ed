package server

import (
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
)

var (
	// ErrSafetyBlocked marks a generation the provider refused to complete.
	ErrSafetyBlocked = errors.New("generation blocked by safety filter")
	// ErrInvalidResponse marks model output that carried no usable JSON.
	ErrInvalidResponse = errors.New("model response contained no JSON object")
)

// GenerationOptions tune a single generation call. Zero values fall back
// to the client defaults.
type GenerationOptions struct {
	MaxOutputTokens int
	Temperature     float64
	TopP            float64
}

// LLMClient produces a JSON object from a free-form prompt.
type LLMClient interface {
	GenerateJSON(ctx context.Context, prompt string, opts GenerationOptions) (map[string]any, error)
}

const retryBackoffCap = 10 * time.Second

// GeminiClient calls the generateContent REST endpoint. One retry on
// 429/5xx, honoring Retry-After when present.
type GeminiClient struct {
	apiBase    string
	apiKey     string
	model      string
	httpClient *http.Client

	defaultMaxTokens int
	sleep            func(time.Duration)
}

func NewGeminiClient(apiBase, apiKey, model string, timeout time.Duration, defaultMaxTokens int) *GeminiClient {
	return &GeminiClient{
		apiBase:          strings.TrimRight(apiBase, "/"),
		apiKey:           apiKey,
		model:            model,
		httpClient:       &http.Client{Timeout: timeout},
		defaultMaxTokens: defaultMaxTokens,
		sleep:            time.Sleep,
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens int     `json:"maxOutputTokens"`
		Temperature     float64 `json:"temperature"`
		TopP            float64 `json:"topP"`
		CandidateCount  int     `json:"candidateCount"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *GeminiClient) GenerateJSON(ctx context.Context, prompt string, opts GenerationOptions) (map[string]any, error) {
	if g.apiKey == "" {
		return nil, errors.New("llm api key not configured")
	}

	payload := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	}
	payload.GenerationConfig.MaxOutputTokens = opts.MaxOutputTokens
	if payload.GenerationConfig.MaxOutputTokens <= 0 {
		payload.GenerationConfig.MaxOutputTokens = g.defaultMaxTokens
	}
	payload.GenerationConfig.Temperature = opts.Temperature
	payload.GenerationConfig.TopP = opts.TopP
	if payload.GenerationConfig.TopP <= 0 {
		payload.GenerationConfig.TopP = 0.95
	}
	payload.GenerationConfig.CandidateCount = 1

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode llm request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.apiBase, g.model, g.apiKey)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			if backoff > retryBackoffCap {
				backoff = retryBackoffCap
			}
			g.sleep(backoff)
		}

		text, retryable, retryAfter, callErr := g.call(ctx, url, body)
		if callErr == nil {
			return parseJSONObject(text)
		}
		lastErr = callErr
		if !retryable {
			return nil, callErr
		}
		if retryAfter > 0 {
			if retryAfter > retryBackoffCap {
				retryAfter = retryBackoffCap
			}
			g.sleep(retryAfter)
		}
	}
	return nil, lastErr
}

// call runs one generateContent request and returns the candidate text.
func (g *GeminiClient) call(ctx context.Context, url string, body []byte) (text string, retryable bool, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, 0, fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", true, 0, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", true, 0, fmt.Errorf("read llm response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("llm returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		var decoded geminiResponse
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error.Message != "" {
			return "", false, 0, fmt.Errorf("llm returned status %d: %s", resp.StatusCode, decoded.Error.Message)
		}
		return "", false, 0, fmt.Errorf("llm returned status %d", resp.StatusCode)
	}

	var decoded geminiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", false, 0, fmt.Errorf("decode llm response: %w", err)
	}
	if decoded.PromptFeedback.BlockReason != "" {
		return "", false, 0, fmt.Errorf("%w: %s", ErrSafetyBlocked, decoded.PromptFeedback.BlockReason)
	}
	if len(decoded.Candidates) == 0 {
		return "", false, 0, fmt.Errorf("%w: empty candidate list", ErrInvalidResponse)
	}
	candidate := decoded.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		return "", false, 0, fmt.Errorf("%w: candidate finished with SAFETY", ErrSafetyBlocked)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), false, 0, nil
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func parseJSONObject(text string) (map[string]any, error) {
	raw, ok := ExtractJSON(text)
	if !ok {
		return nil, fmt.Errorf("%w: %.120s", ErrInvalidResponse, text)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return obj, nil
}

// ExtractJSON pulls the JSON object out of model output that may wrap it
// in markdown code fences or surrounding prose. Returns the raw JSON
// text and whether anything parseable was found.
func ExtractJSON(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return trimmed, true
	}

	// Greedy span: first "{" through last "}".
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return "", false
	}
	span := trimmed[start : end+1]
	if !json.Valid([]byte(span)) {
		return "", false
	}
	return span, true
}

// MockLLMClient replays canned responses in order, then repeats the last
// one. Used by tests.
type MockLLMClient struct {
	Responses []map[string]any
	Errs      []error
	Calls     int
	Prompts   []string
}

func (m *MockLLMClient) GenerateJSON(_ context.Context, prompt string, _ GenerationOptions) (map[string]any, error) {
	idx := m.Calls
	m.Calls++
	m.Prompts = append(m.Prompts, prompt)
	if idx < len(m.Errs) && m.Errs[idx] != nil {
		return nil, m.Errs[idx]
	}
	if len(m.Responses) == 0 {
		return nil, ErrInvalidResponse
	}
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}
