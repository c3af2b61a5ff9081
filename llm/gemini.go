package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amitspk/blogwidget/common"
)

// Gemini finish reasons that indicate the response was withheld.
const (
	finishReasonStop       = "STOP"
	finishReasonMaxTokens  = "MAX_TOKENS"
	finishReasonSafety     = "SAFETY"
	finishReasonRecitation = "RECITATION"
)

// GeminiProvider calls the Gemini generateContent and embedContent
// endpoints over HTTP.
type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *logrus.Entry
}

// NewGeminiProvider builds a provider against the given API base URL.
func NewGeminiProvider(apiKey, baseURL string, timeout time.Duration) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  common.Logger.WithField("component", "llm"),
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []map[string]any        `json:"tools,omitempty"`
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
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate performs one generateContent call.
func (p *GeminiProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}},
		},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	if req.Grounding {
		body.Tools = []map[string]any{{"google_search": map[string]any{}}}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, req.Model, p.apiKey)

	var resp geminiResponse
	if err := p.post(ctx, url, &body, &resp); err != nil {
		return nil, err
	}

	if resp.PromptFeedback.BlockReason != "" {
		return nil, newError(KindBlocked, "prompt blocked: "+resp.PromptFeedback.BlockReason, nil)
	}
	if len(resp.Candidates) == 0 {
		return nil, newError(KindEmptyResponse, "no candidates returned", nil)
	}

	// STOP is the only successful finish; SAFETY, RECITATION, MAX_TOKENS
	// and OTHER all mean the output cannot be trusted.
	candidate := resp.Candidates[0]
	if candidate.FinishReason != "" && candidate.FinishReason != finishReasonStop {
		return nil, newError(KindBlocked, "generation stopped: "+candidate.FinishReason, nil)
	}

	var text string
	for _, part := range candidate.Content.Parts {
		text += part.Text
	}
	if text == "" {
		return nil, newError(KindEmptyResponse, "candidate has no text", nil)
	}

	return &GenerateResult{Text: text, FinishReason: candidate.FinishReason}, nil
}

type geminiEmbedRequest struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}

// Embed performs one embedContent call.
func (p *GeminiProvider) Embed(ctx context.Context, model, text string) ([]float64, error) {
	body := geminiEmbedRequest{
		Model:   "models/" + model,
		Content: geminiContent{Parts: []geminiPart{{Text: text}}},
	}
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", p.baseURL, model, p.apiKey)

	var resp geminiEmbedResponse
	if err := p.post(ctx, url, &body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, newError(KindEmptyResponse, "empty embedding", nil)
	}
	return resp.Embedding.Values, nil
}

func (p *GeminiProvider) post(ctx context.Context, url string, payload, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return newError(KindHTTP, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return newError(KindHTTP, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return newError(KindHTTP, "call provider", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return newError(KindHTTP, "read provider response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return newError(KindHTTP, fmt.Sprintf("provider returned %d: %s", resp.StatusCode, truncateForLog(data)), nil)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newError(KindParse, "decode provider response", err)
	}
	return nil
}

func truncateForLog(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
