// generator.go implements the Generator organism that wraps a Provider with
// the per-call policy every dispatch shares: timeout, correlation ids,
// result validation and logging.
package imagegen

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"thumbgen/core"
	"thumbgen/logging"
)

type correlationKey struct{}

// WithCorrelationID tags ctx so generator log lines can be joined with the
// dispatch that caused them.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Generator decorates a Provider. It implements Provider itself, so the
// dispatcher never sees the difference.
//
// Thread-Safety: Generator is safe for concurrent use.
type Generator struct {
	provider Provider
	logger   *logging.Logger
	config   GeneratorConfig
}

// GeneratorConfig holds configuration for the Generator.
type GeneratorConfig struct {
	// Timeout bounds each provider call. Zero means no timeout.
	Timeout time.Duration

	// ValidateResults rejects payloads that do not decode as PNG, JPEG
	// or WebP.
	ValidateResults bool
}

// DefaultGeneratorConfig returns the default configuration: no timeout,
// validation on.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{ValidateResults: true}
}

// NewGenerator creates a Generator around provider.
//
// Example:
//
//	provider, _ := NewOpenAIProvider(cfg)
//	generator, err := NewGenerator(provider, logger, DefaultGeneratorConfig())
func NewGenerator(provider Provider, logger *logging.Logger, config GeneratorConfig) (*Generator, error) {
	if provider == nil {
		return nil, fmt.Errorf("imagegen: provider cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("imagegen: logger cannot be nil")
	}
	if config.Timeout < 0 {
		return nil, fmt.Errorf("imagegen: timeout cannot be negative")
	}
	return &Generator{
		provider: provider,
		logger:   logger.Named("generator"),
		config:   config,
	}, nil
}

// NewGeneratorFromConfig builds the OpenAI provider and wraps it with the
// configured timeout.
func NewGeneratorFromConfig(cfg *core.Config, logger *logging.Logger) (*Generator, error) {
	provider, err := NewOpenAIProvider(cfg)
	if err != nil {
		return nil, err
	}
	config := DefaultGeneratorConfig()
	config.Timeout = cfg.GenerationTimeout
	return NewGenerator(provider, logger, config)
}

// Generate calls the provider once.
func (g *Generator) Generate(ctx context.Context, req Request) (*Image, error) {
	correlationID := CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
		ctx = WithCorrelationID(ctx, correlationID)
	}
	log := g.logger.With(
		zap.String("correlation_id", correlationID),
		zap.String("context", req.Context),
		zap.Int("reference_images", len(req.Images)),
	)

	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	log.Debug("requesting image", zap.Int("prompt_length", len(req.Prompt)))
	start := time.Now()

	img, err := g.provider.Generate(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		if IsRejection(err) {
			log.Warn("image request rejected", zap.Duration("duration", elapsed), zap.Error(err))
		} else {
			log.Error("image request failed", zap.Duration("duration", elapsed), zap.Error(err))
		}
		return nil, err
	}
	if img == nil || img.IsZero() {
		log.Warn("provider returned no image", zap.Duration("duration", elapsed))
		return nil, NoImage(req.Context, "")
	}
	if g.config.ValidateResults {
		if err := img.Validate(); err != nil {
			log.Error("provider returned an unreadable image", zap.Error(err))
			return nil, fmt.Errorf("imagegen: unreadable result for %s: %w", req.Context, err)
		}
	}

	log.Info("image generated",
		zap.Duration("duration", elapsed),
		zap.String("mime_type", img.MimeType),
		zap.Int("bytes", len(img.Data)))
	return img, nil
}

var _ Provider = (*Generator)(nil)
