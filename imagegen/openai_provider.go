// openai_provider.go implements the OpenAIProvider molecule on top of the
// go-openai client.
//
// This molecule composes:
//   - atoms.go: endpoint classification (OpenAI vs Azure)
//   - canvas.go: reference sheets for multi-image edits
//   - downloader.go: fetching URL-form responses
//   - rejection.go: mapping refusals to user-facing messages
package imagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"thumbgen/core"
)

// Request is one generator call: a prompt plus the reference images it
// edits. Context names the operation in user-facing messages, e.g.
// "thumbnail variation 1".
type Request struct {
	Context string
	Prompt  string
	Images  []Image
}

// Provider is the external generator collaborator. Each call produces one
// image or fails; a *Rejection error carries a message for the user.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Image, error)
}

// API error codes that mean the request itself was refused.
const (
	codeContentPolicy     = "content_policy_violation"
	codeModerationBlocked = "moderation_blocked"
)

// OpenAIProvider implements Provider against the OpenAI Images API (or an
// Azure OpenAI deployment). Prompts without reference images go to the
// generations endpoint; everything else goes to edits.
//
// Thread Safety: OpenAIProvider is safe for concurrent use.
type OpenAIProvider struct {
	client     *openai.Client
	downloader *Downloader
	model      string
	size       string
}

// OpenAIProviderConfig holds configuration specific to the OpenAI provider.
type OpenAIProviderConfig struct {
	// APIKey is the OpenAI or Azure API key (required)
	APIKey string

	// BaseURL is the API endpoint (default: https://api.openai.com/v1)
	BaseURL string

	// Model is the image model or Azure deployment (default: gpt-image-1)
	Model string

	// Size is the requested output size, e.g. 1536x1024. Empty lets the
	// API choose.
	Size string

	// HTTPClient is used for API calls and result downloads (optional)
	HTTPClient *http.Client
}

// DefaultOpenAIProviderConfig returns the production defaults.
func DefaultOpenAIProviderConfig() OpenAIProviderConfig {
	return OpenAIProviderConfig{
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-image-1",
		Size:    "1536x1024",
	}
}

// NewOpenAIProvider creates a provider from the service configuration.
func NewOpenAIProvider(cfg *core.Config) (*OpenAIProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("imagegen: config cannot be nil")
	}
	return NewOpenAIProviderWithConfig(OpenAIProviderConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.ImageAPIURL,
		Model:      cfg.ImageModel,
		Size:       cfg.ImageSize,
		HTTPClient: core.GetHTTPClient(cfg, 0),
	})
}

// NewOpenAIProviderWithConfig creates a provider with explicit settings.
// Azure endpoints are detected from BaseURL and use Azure authentication.
//
// Example:
//
//	provider, err := NewOpenAIProviderWithConfig(OpenAIProviderConfig{
//	    APIKey: key,
//	    Model:  "gpt-image-1",
//	})
//	img, err := provider.Generate(ctx, Request{Context: "pro thumbnail", Prompt: p})
func NewOpenAIProviderWithConfig(pc OpenAIProviderConfig) (*OpenAIProvider, error) {
	if pc.APIKey == "" {
		return nil, fmt.Errorf("imagegen: OpenAI API key is required")
	}
	defaults := DefaultOpenAIProviderConfig()
	if pc.BaseURL == "" {
		pc.BaseURL = defaults.BaseURL
	}
	if pc.Model == "" {
		pc.Model = defaults.Model
	}

	var clientConfig openai.ClientConfig
	if IsAzureEndpoint(pc.BaseURL) {
		clientConfig = openai.DefaultAzureConfig(pc.APIKey, pc.BaseURL)
	} else {
		clientConfig = openai.DefaultConfig(pc.APIKey)
		clientConfig.BaseURL = strings.TrimRight(pc.BaseURL, "/")
	}
	if pc.HTTPClient != nil {
		clientConfig.HTTPClient = pc.HTTPClient
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientConfig),
		downloader: NewDownloader(pc.HTTPClient),
		model:      pc.Model,
		size:       pc.Size,
	}, nil
}

// Generate runs one image request. Reference images are flattened into a
// single PNG because the edits endpoint takes one image per call.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Image, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("imagegen: prompt cannot be empty")
	}

	var (
		resp openai.ImageResponse
		err  error
	)
	if len(req.Images) == 0 {
		resp, err = p.client.CreateImage(ctx, openai.ImageRequest{
			Prompt:         req.Prompt,
			Model:          p.model,
			N:              1,
			Size:           p.size,
			ResponseFormat: p.responseFormat(),
		})
	} else {
		resp, err = p.edit(ctx, req)
	}
	if err != nil {
		return nil, mapAPIError(err)
	}
	return p.decodeResponse(ctx, resp, req.Context)
}

func (p *OpenAIProvider) edit(ctx context.Context, req Request) (openai.ImageResponse, error) {
	sheet, err := ReferenceSheet(req.Images...)
	if err != nil {
		return openai.ImageResponse{}, err
	}

	f, err := os.CreateTemp("", "thumbgen-ref-*.png")
	if err != nil {
		return openai.ImageResponse{}, fmt.Errorf("imagegen: failed to stage reference image: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if _, err := f.Write(sheet.Data); err != nil {
		return openai.ImageResponse{}, fmt.Errorf("imagegen: failed to stage reference image: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return openai.ImageResponse{}, fmt.Errorf("imagegen: failed to stage reference image: %w", err)
	}

	return p.client.CreateEditImage(ctx, openai.ImageEditRequest{
		Image:          f,
		Prompt:         req.Prompt,
		Model:          p.model,
		N:              1,
		Size:           p.size,
		ResponseFormat: p.responseFormat(),
	})
}

// responseFormat asks DALL-E models for inline base64. GPT image models
// always answer with b64_json and reject the parameter.
func (p *OpenAIProvider) responseFormat() string {
	if strings.HasPrefix(p.model, "dall-e") {
		return openai.CreateImageResponseFormatB64JSON
	}
	return ""
}

func (p *OpenAIProvider) decodeResponse(ctx context.Context, resp openai.ImageResponse, opContext string) (*Image, error) {
	if len(resp.Data) == 0 {
		return nil, NoImage(opContext, "")
	}
	item := resp.Data[0]

	switch {
	case item.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("imagegen: invalid base64 image data: %w", err)
		}
		img := NewImage(data, "")
		return &img, nil
	case item.URL != "":
		img, err := p.downloader.Download(ctx, item.URL)
		if err != nil {
			return nil, err
		}
		return &img, nil
	default:
		return nil, NoImage(opContext, item.RevisedPrompt)
	}
}

// mapAPIError turns refusals into Rejections and wraps everything else.
func mapAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code, _ := apiErr.Code.(string)
		switch code {
		case codeContentPolicy:
			return BlockedPrompt(code)
		case codeModerationBlocked:
			return FinishReason("SAFETY")
		}
	}
	return fmt.Errorf("imagegen: OpenAI image request failed: %w", err)
}

// Model returns the configured image model name.
func (p *OpenAIProvider) Model() string {
	return p.model
}

// Ensure OpenAIProvider implements Provider interface at compile time.
var _ Provider = (*OpenAIProvider)(nil)
