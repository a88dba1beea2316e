package scanning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

// GeminiSDK implements Endpoint using the Google Gemini client library
type GeminiSDK struct {
	client    *genai.Client
	modelName string
	timeout   time.Duration
}

// NewGeminiSDK creates a new GeminiSDK endpoint
func NewGeminiSDK(apiKey string, modelName string, timeout time.Duration) (*GeminiSDK, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &GeminiSDK{
		client:    client,
		modelName: modelName,
		timeout:   timeout,
	}, nil
}

// Generate sends req through the client library
func (g *GeminiSDK) Generate(ctx context.Context, req ModelRequest) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	// A model value per call keeps generation settings out of shared state
	model := g.client.GenerativeModel(g.modelName)
	model.SetTemperature(req.Config.Temperature)
	model.SetTopP(req.Config.TopP)
	model.SetTopK(req.Config.TopK)
	model.SetMaxOutputTokens(req.Config.MaxOutputTokens)
	model.ResponseMIMEType = req.Config.ResponseFormat

	parts := []genai.Part{genai.Text(req.Instruction)}
	if req.Attachment != nil {
		parts = append(parts, genai.Blob{
			MIMEType: req.Attachment.MIMEType,
			Data:     req.Attachment.Data,
		})
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			// Blocked replies carry no text; the sanitizer turns that into defaults
			return "", nil
		}
		return "", sdkError(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	return responseText.String(), nil
}

// Close closes the Gemini client
func (g *GeminiSDK) Close() error {
	return g.client.Close()
}

// sdkError recovers the upstream status from a client library error
func sdkError(err error) error {
	ae, ok := apierror.FromError(err)
	if !ok {
		return fmt.Errorf("generating content: %w", err)
	}

	status := ae.HTTPCode()
	if status <= 0 {
		status = statusFromCode(ae.GRPCStatus().Code())
	}
	return &UpstreamError{StatusCode: status, Body: ae.Error()}
}

func statusFromCode(code codes.Code) int {
	switch code {
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}
