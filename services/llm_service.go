package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"position-api/config"
	"position-api/utils"
)

// ============================================================================
// LLM SERVICE - Extraction de mots-clés
// One chat-completions client covers both providers; the provider choice is
// configuration, not a class hierarchy.
// ============================================================================

// Sentinel keyword values. A keyword list carrying one of these markers is an
// upstream extraction failure leaking through as data; it must never be
// scanned as a literal search query.
const (
	KeywordsProcessingError = "Ошибка обработки ключевых слов"
	KeywordsFetchError      = "Ошибка получения ключевых слов"
)

// ContainsSentinel reports whether an extracted keyword list carries a
// failure marker instead of real keywords.
func ContainsSentinel(keywords []string) bool {
	for _, k := range keywords {
		if k == KeywordsProcessingError || k == KeywordsFetchError {
			return true
		}
	}
	return false
}

// KeywordExtractor produces ordered search keywords from raw product JSON.
type KeywordExtractor interface {
	ExtractKeywords(ctx context.Context, productJSON json.RawMessage, userID int64) ([]string, error)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ChatCompletionService implements KeywordExtractor against any
// OpenAI-compatible chat-completions endpoint.
type ChatCompletionService struct {
	provider      string
	apiKey        string
	model         string
	baseURL       string
	useProxy      bool
	keywordsCount int

	proxyService ProxyProvider
	httpClient   *http.Client
	retryCfg     utils.RetryConfig
}

func NewOpenRouterService(cfg *config.Config, proxyService ProxyProvider) *ChatCompletionService {
	return &ChatCompletionService{
		provider:      "openrouter",
		apiKey:        cfg.OpenRouterAPIKey,
		model:         cfg.OpenRouterModel,
		baseURL:       "https://openrouter.ai/api/v1/chat/completions",
		useProxy:      cfg.LLMUseProxy,
		keywordsCount: cfg.SearchKeywordsCount,
		proxyService:  proxyService,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		retryCfg:      llmRetryConfig(cfg),
	}
}

func NewDeepSeekService(cfg *config.Config, proxyService ProxyProvider) *ChatCompletionService {
	return &ChatCompletionService{
		provider:      "deepseek",
		apiKey:        cfg.DeepSeekAPIKey,
		model:         cfg.DeepSeekModel,
		baseURL:       "https://api.deepseek.com/v1/chat/completions",
		useProxy:      cfg.LLMUseProxy,
		keywordsCount: cfg.SearchKeywordsCount,
		proxyService:  proxyService,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		retryCfg:      llmRetryConfig(cfg),
	}
}

// NewKeywordExtractor selects the provider from configuration. Unknown
// providers fall back to OpenRouter.
func NewKeywordExtractor(cfg *config.Config, proxyService ProxyProvider) KeywordExtractor {
	switch cfg.LLMProvider {
	case "openrouter":
		return NewOpenRouterService(cfg, proxyService)
	case "deepseek":
		return NewDeepSeekService(cfg, proxyService)
	default:
		utils.SafeWarn("[LLM] Unknown provider %q, using OpenRouter as default", cfg.LLMProvider)
		return NewOpenRouterService(cfg, proxyService)
	}
}

func llmRetryConfig(cfg *config.Config) utils.RetryConfig {
	return utils.RetryConfig{
		MaxRetries:     cfg.LLMMaxRetries,
		InitialBackoff: cfg.LLMInitialBackoff,
		MaxBackoff:     cfg.LLMMaxBackoff,
		BackoffFactor:  cfg.LLMBackoffFactor,
		Jitter:         true,
	}
}

// ============================================================================
// EXTRACTION
// ============================================================================

// ExtractKeywords asks the configured model for the most relevant search
// keywords for a product. The call is retried per the configured backoff;
// once retries are exhausted the error propagates to the caller, which maps
// it to an analysis-failed outcome.
func (s *ChatCompletionService) ExtractKeywords(ctx context.Context, productJSON json.RawMessage, userID int64) ([]string, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("%s API key not configured", s.provider)
	}

	payload := s.buildPayload(productJSON)

	return utils.Retry(ctx, s.retryCfg, retryableTransport, func(ctx context.Context) ([]string, error) {
		response, err := s.executeRequest(ctx, payload, userID)
		if err != nil {
			return nil, err
		}
		return s.parseKeywords(response)
	})
}

func (s *ChatCompletionService) buildPayload(productJSON json.RawMessage) chatRequest {
	systemPrompt := fmt.Sprintf(`You are a product analyst that helps extract search keywords from product data.
Analyze the product data and identify the %d most relevant search keywords
that potential customers might use to find this product.

Rules:
1. Return exactly %d keywords
2. Keywords should be specific and relevant to the product
3. Include both generic and specific terms
4. Consider product name, description, and characteristics
5. Return ONLY a JSON array of strings, with no explanations`, s.keywordsCount, s.keywordsCount)

	userPrompt := fmt.Sprintf(`Here is the product data:

%s

Extract the %d most relevant search keywords for this product.
Return ONLY a JSON array of strings, with no explanation.`, string(productJSON), s.keywordsCount)

	return chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
}

func (s *ChatCompletionService) executeRequest(ctx context.Context, payload chatRequest, userID int64) (*chatResponse, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	client := s.httpClient
	if s.useProxy && s.proxyService != nil {
		if proxy := s.proxyService.GetProxy(userID); proxy != nil {
			if proxyURL, err := proxy.ProxyURL(); err == nil {
				client = &http.Client{
					Timeout:   15 * time.Second,
					Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
				}
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s API returned status %d: %s", s.provider, resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &chatResp, nil
}

func (s *ChatCompletionService) parseKeywords(response *chatResponse) ([]string, error) {
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("empty response from %s", s.provider)
	}

	content := response.Choices[0].Message.Content

	var keywords []string
	if err := json.Unmarshal([]byte(content), &keywords); err != nil {
		return nil, fmt.Errorf("keywords are not a JSON array: %w", err)
	}
	if len(keywords) == 0 {
		return nil, fmt.Errorf("model returned an empty keyword list")
	}

	if len(keywords) > s.keywordsCount {
		keywords = keywords[:s.keywordsCount]
	}
	utils.SafeInfo("[LLM] Extracted %d keywords via %s", len(keywords), s.provider)
	return keywords, nil
}
