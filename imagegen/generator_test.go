package imagegen

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"thumbgen/logging"
)

// providerFunc adapts a function to Provider.
type providerFunc func(ctx context.Context, req Request) (*Image, error)

func (f providerFunc) Generate(ctx context.Context, req Request) (*Image, error) {
	return f(ctx, req)
}

func newObservedLogger() (*logging.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return logging.NewLoggerFromCore(core), logs
}

// TestNewGenerator_Validation tests constructor argument checks.
func TestNewGenerator_Validation(t *testing.T) {
	ok := providerFunc(func(context.Context, Request) (*Image, error) { return nil, nil })
	logger := logging.NewNopLogger()

	tests := []struct {
		name     string
		provider Provider
		logger   *logging.Logger
		config   GeneratorConfig
	}{
		{"nil provider", nil, logger, DefaultGeneratorConfig()},
		{"nil logger", ok, nil, DefaultGeneratorConfig()},
		{"negative timeout", ok, logger, GeneratorConfig{Timeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewGenerator(tt.provider, tt.logger, tt.config); err == nil {
				t.Error("NewGenerator() error = nil")
			}
		})
	}
}

// TestGenerator_Generate_Success tests pass-through and logging of a good result.
func TestGenerator_Generate_Success(t *testing.T) {
	want := testPNG(t, 4, 4, color.White)
	var gotCorrelation string
	provider := providerFunc(func(ctx context.Context, req Request) (*Image, error) {
		gotCorrelation = CorrelationID(ctx)
		return &want, nil
	})
	logger, logs := newObservedLogger()
	g, err := NewGenerator(provider, logger, DefaultGeneratorConfig())
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}

	ctx := WithCorrelationID(context.Background(), "corr-1")
	img, err := g.Generate(ctx, Request{Context: "filter", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if img.Identity() != want.Identity() {
		t.Error("Generate() altered the payload")
	}
	if gotCorrelation != "corr-1" {
		t.Errorf("provider saw correlation id %q, want corr-1", gotCorrelation)
	}

	entries := logs.FilterMessage("image generated").All()
	if len(entries) != 1 {
		t.Fatalf("expected one 'image generated' entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["correlation_id"] != "corr-1" {
		t.Errorf("log correlation_id = %v", entries[0].ContextMap()["correlation_id"])
	}
}

// TestGenerator_Generate_AssignsCorrelationID tests that calls without an id get one.
func TestGenerator_Generate_AssignsCorrelationID(t *testing.T) {
	img := testPNG(t, 2, 2, color.Black)
	var seen string
	g, _ := NewGenerator(providerFunc(func(ctx context.Context, req Request) (*Image, error) {
		seen = CorrelationID(ctx)
		return &img, nil
	}), logging.NewNopLogger(), DefaultGeneratorConfig())

	if _, err := g.Generate(context.Background(), Request{Prompt: "p"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(seen) != 36 {
		t.Errorf("assigned correlation id %q is not a UUID", seen)
	}
}

// TestGenerator_Generate_Timeout tests that the configured timeout cancels a hung call.
func TestGenerator_Generate_Timeout(t *testing.T) {
	hung := providerFunc(func(ctx context.Context, req Request) (*Image, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	g, _ := NewGenerator(hung, logging.NewNopLogger(), GeneratorConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := g.Generate(context.Background(), Request{Prompt: "p"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Generate() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

// TestGenerator_Generate_BadResults tests empty and undecodable payloads.
func TestGenerator_Generate_BadResults(t *testing.T) {
	tests := []struct {
		name          string
		result        *Image
		wantRejection bool
	}{
		{"nil image", nil, true},
		{"empty image", &Image{MimeType: "image/png"}, true},
		{"garbage bytes", &Image{MimeType: "image/png", Data: []byte("garbage")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := NewGenerator(providerFunc(func(context.Context, Request) (*Image, error) {
				return tt.result, nil
			}), logging.NewNopLogger(), DefaultGeneratorConfig())

			_, err := g.Generate(context.Background(), Request{Context: "upscale", Prompt: "p"})
			if err == nil {
				t.Fatal("Generate() error = nil")
			}
			if IsRejection(err) != tt.wantRejection {
				t.Errorf("IsRejection(%v) = %v, want %v", err, IsRejection(err), tt.wantRejection)
			}
		})
	}
}

// TestGenerator_Generate_RejectionLoggedAsWarning tests log levels per failure kind.
func TestGenerator_Generate_RejectionLoggedAsWarning(t *testing.T) {
	logger, logs := newObservedLogger()
	g, _ := NewGenerator(providerFunc(func(context.Context, Request) (*Image, error) {
		return nil, BlockedPrompt("SAFETY")
	}), logger, DefaultGeneratorConfig())

	if _, err := g.Generate(context.Background(), Request{Prompt: "p"}); !IsRejection(err) {
		t.Fatalf("Generate() error = %v, want rejection", err)
	}
	entries := logs.FilterMessage("image request rejected").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Errorf("expected one warn entry, got %v", entries)
	}
}
