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

// Ollama implements the Endpoint interface using a local Ollama server
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama endpoint.
// Vision requests need a multimodal model such as llava or qwen2-vl; text
// requests work with any chat model.
func NewOllama(baseURL string, modelName string, timeout time.Duration) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava" // Default to llava, a popular vision model
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
	TopK        int32   `json:"top_k"`
	NumPredict  int32   `json:"num_predict"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// newOllamaRequest maps a ModelRequest onto Ollama's chat format
func newOllamaRequest(model string, req ModelRequest) ollamaChatRequest {
	user := ollamaMessage{Role: "user", Content: req.Instruction}
	if req.Attachment != nil {
		user.Images = []string{req.Attachment.Base64()}
	}

	chat := ollamaChatRequest{
		Model:  model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading receipts. Reply with a single JSON object and nothing else.",
			},
			user,
		},
		Options: ollamaOptions{
			Temperature: req.Config.Temperature,
			TopP:        req.Config.TopP,
			TopK:        req.Config.TopK,
			NumPredict:  req.Config.MaxOutputTokens,
		},
	}
	if req.Config.ResponseFormat == ResponseFormatJSON {
		chat.Format = "json"
	}
	return chat
}

// Generate sends req to Ollama's chat API
func (o *Ollama) Generate(ctx context.Context, req ModelRequest) (string, error) {
	jsonData, err := json.Marshal(newOllamaRequest(o.model, req))
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		if errors.Is(err, io.EOF) {
			// A success status without a body, e.g. 204, carries no text
			return "", nil
		}
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return chatResp.Message.Content, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
