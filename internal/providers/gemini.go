package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aigateway/backend/internal/config"
	"github.com/aigateway/backend/internal/core"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider talks to the Google Generative Language API.
type GeminiProvider struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	models     []string
	maxRetries int
	retryDelay time.Duration
	pricing    map[string]config.ModelPricing
	client     *http.Client
}

func NewGeminiProvider(cfg config.ProviderConfig) *GeminiProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := time.Duration(cfg.RetryDelay * float64(time.Second))
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &GeminiProvider{
		name:       "gemini",
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      cfg.DefaultModel,
		models:     cfg.Models,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		pricing:    cfg.Pricing,
		client:     &http.Client{},
	}
}

func (p *GeminiProvider) Name() string         { return p.name }
func (p *GeminiProvider) DefaultModel() string { return p.model }
func (p *GeminiProvider) Models() []string     { return p.models }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// convertMessages maps chat roles onto Gemini's user/model pair. System
// messages have no Gemini equivalent and are folded into the adjacent
// user content.
func convertMessages(messages []core.Message) []geminiContent {
	var contents []geminiContent
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if len(contents) > 0 {
				last := &contents[len(contents)-1]
				lastPart := &last.Parts[len(last.Parts)-1]
				lastPart.Text += "\n" + msg.Content
			} else {
				contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
			}
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}
	return contents
}

func (p *GeminiProvider) Complete(ctx context.Context, messages []core.Message, model string, opts CompletionOptions) (*core.Envelope, error) {
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(geminiRequest{
		Contents:         convertMessages(messages),
		GenerationConfig: generationConfig(opts),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, &TimeoutError{Provider: p.name}
				}
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * (1 << (attempt - 1))):
			}
		}

		envelope, retryable, err := p.doComplete(ctx, url, body, model)
		if err == nil {
			return envelope, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *GeminiProvider) doComplete(ctx context.Context, url string, body []byte, model string) (*core.Envelope, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, &TimeoutError{Provider: p.name}
		}
		return nil, true, fmt.Errorf("gemini: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("gemini: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		var parsed geminiResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, retryable, &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, false, fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, false, &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Message: "empty candidates"}
	}

	var completion strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		completion.WriteString(part.Text)
	}

	usage := core.TokenUsage{
		Prompt:     parsed.UsageMetadata.PromptTokenCount,
		Completion: parsed.UsageMetadata.CandidatesTokenCount,
	}
	usage.Total = usage.Prompt + usage.Completion

	return &core.Envelope{
		Completion:       completion.String(),
		PromptTokens:     usage.Prompt,
		CompletionTokens: usage.Completion,
		TotalTokens:      usage.Total,
		Model:            model,
		CostUSD:          p.Cost(model, usage),
		Provider:         p.name,
	}, false, nil
}

// Stream opens a streaming generation and forwards candidate text on the
// returned channel.
func (p *GeminiProvider) Stream(ctx context.Context, messages []core.Message, model string, opts CompletionOptions) (<-chan StreamChunk, error) {
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(geminiRequest{
		Contents:         convertMessages(messages),
		GenerationConfig: generationConfig(opts),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, model, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Provider: p.name}
		}
		return nil, fmt.Errorf("gemini: stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var parsed geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &parsed); err != nil {
				continue
			}
			if len(parsed.Candidates) == 0 {
				continue
			}
			for _, part := range parsed.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case out <- StreamChunk{Text: part.Text}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("gemini: stream read: %w", err)}
		}
	}()
	return out, nil
}

// Cost prices the usage with the per-1K-token rates configured for the
// model.
func (p *GeminiProvider) Cost(model string, usage core.TokenUsage) float64 {
	pricing := p.pricing[model]
	return float64(usage.Prompt)*pricing.Prompt/1000 + float64(usage.Completion)*pricing.Completion/1000
}

func generationConfig(opts CompletionOptions) *geminiGenerationConfig {
	if opts.MaxTokens == nil && opts.Temperature == nil {
		return nil
	}
	return &geminiGenerationConfig{MaxOutputTokens: opts.MaxTokens, Temperature: opts.Temperature}
}
