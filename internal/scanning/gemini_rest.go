package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultGeminiBaseURL is the public Generative Language API root
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultGeminiModel is used when no model name is configured
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiREST implements Endpoint with plain generateContent calls, so upstream
// status codes reach the caller unchanged.
type GeminiREST struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGeminiREST creates a REST endpoint. timeout bounds each call; zero means no limit.
func NewGeminiREST(apiKey, modelName, baseURL string, timeout time.Duration) (*GeminiREST, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	return &GeminiREST{
		apiKey:  apiKey,
		model:   modelName,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature      float32 `json:"temperature"`
	TopP             float32 `json:"topP"`
	TopK             int32   `json:"topK"`
	MaxOutputTokens  int32   `json:"maxOutputTokens"`
	ResponseMIMEType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// newGeminiRequest maps a ModelRequest onto the generateContent wire format
func newGeminiRequest(req ModelRequest) geminiRequest {
	parts := []geminiPart{{Text: req.Instruction}}
	if req.Attachment != nil {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MIMEType: req.Attachment.MIMEType,
			Data:     req.Attachment.Base64(),
		}})
	}

	return geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      req.Config.Temperature,
			TopP:             req.Config.TopP,
			TopK:             req.Config.TopK,
			MaxOutputTokens:  req.Config.MaxOutputTokens,
			ResponseMIMEType: req.Config.ResponseFormat,
		},
	}
}

// Generate sends req to the generateContent method
func (g *GeminiREST) Generate(ctx context.Context, req ModelRequest) (string, error) {
	payload, err := json.Marshal(newGeminiRequest(req))
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling gemini API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			// A success status without a body, e.g. 204, carries no text
			return "", nil
		}
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Candidates) == 0 {
		return "", nil
	}

	var text strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}

// Close is a no-op for the HTTP client
func (g *GeminiREST) Close() error {
	return nil
}
