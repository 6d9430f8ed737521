package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeImageAPI serves the subset of the OpenAI Images API the provider uses.
type fakeImageAPI struct {
	t      *testing.T
	server *httptest.Server
	result Image

	mu       sync.Mutex
	lastPath string
	lastBody map[string]interface{}
	lastForm map[string]string
	hadImage bool

	// respond overrides the default b64 response when set.
	respond func(w http.ResponseWriter, r *http.Request)
}

func newFakeImageAPI(t *testing.T) *fakeImageAPI {
	t.Helper()
	f := &fakeImageAPI{t: t, result: testPNG(t, 16, 9, color.White)}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/images/generations", f.handle)
	mux.HandleFunc("/v1/images/edits", f.handle)
	mux.HandleFunc("/files/result.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(f.result.Data)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeImageAPI) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.lastPath = r.URL.Path
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			f.t.Errorf("parse multipart: %v", err)
		}
		f.lastForm = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			f.lastForm[k] = v[0]
		}
		_, f.hadImage = r.MultipartForm.File["image"]
	} else {
		body, _ := io.ReadAll(r.Body)
		f.lastBody = map[string]interface{}{}
		json.Unmarshal(body, &f.lastBody)
	}
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		respond(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"created": 1,
		"data":    []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(f.result.Data)}},
	})
}

// seen returns what the last API call carried.
func (f *fakeImageAPI) seen() (path string, body map[string]interface{}, form map[string]string, hadImage bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPath, f.lastBody, f.lastForm, f.hadImage
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func apiError(status int, code, message string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
				"type":    "invalid_request_error",
				"code":    code,
			},
		})
	}
}

func newTestProvider(t *testing.T, f *fakeImageAPI, model string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProviderWithConfig(OpenAIProviderConfig{
		APIKey:     "test-key",
		BaseURL:    f.server.URL + "/v1",
		Model:      model,
		Size:       "1536x1024",
		HTTPClient: f.server.Client(),
	})
	if err != nil {
		t.Fatalf("NewOpenAIProviderWithConfig() error = %v", err)
	}
	return p
}

// TestNewOpenAIProviderWithConfig_Defaults tests key validation and defaults.
func TestNewOpenAIProviderWithConfig_Defaults(t *testing.T) {
	if _, err := NewOpenAIProviderWithConfig(OpenAIProviderConfig{}); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := NewOpenAIProvider(nil); err == nil {
		t.Error("expected error for nil config")
	}

	p, err := NewOpenAIProviderWithConfig(OpenAIProviderConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Model() != "gpt-image-1" {
		t.Errorf("Model() = %q, want gpt-image-1", p.Model())
	}
}

// TestOpenAIProvider_Generate_TextOnly tests the generations endpoint with inline base64.
func TestOpenAIProvider_Generate_TextOnly(t *testing.T) {
	f := newFakeImageAPI(t)
	p := newTestProvider(t, f, "gpt-image-1")

	img, err := p.Generate(context.Background(), Request{Context: "pro thumbnail", Prompt: "a rocket"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if img.MimeType != "image/png" || img.Identity() != f.result.Identity() {
		t.Errorf("Generate() returned %s payload that differs from the served image", img.MimeType)
	}

	path, body, _, _ := f.seen()
	if path != "/v1/images/generations" {
		t.Errorf("path = %q, want /v1/images/generations", path)
	}
	if body["prompt"] != "a rocket" || body["model"] != "gpt-image-1" {
		t.Errorf("request body = %v", body)
	}
	if _, ok := body["response_format"]; ok {
		t.Error("gpt-image models must not send response_format")
	}
}

// TestOpenAIProvider_Generate_DallEFormat tests that DALL-E models ask for base64.
func TestOpenAIProvider_Generate_DallEFormat(t *testing.T) {
	f := newFakeImageAPI(t)
	p := newTestProvider(t, f, "dall-e-3")

	if _, err := p.Generate(context.Background(), Request{Context: "pro thumbnail", Prompt: "a rocket"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, body, _, _ := f.seen(); body["response_format"] != "b64_json" {
		t.Errorf("response_format = %v, want b64_json", body["response_format"])
	}
}

// TestOpenAIProvider_Generate_WithImages tests that reference images go to the edits endpoint.
func TestOpenAIProvider_Generate_WithImages(t *testing.T) {
	f := newFakeImageAPI(t)
	p := newTestProvider(t, f, "gpt-image-1")

	req := Request{
		Context: "thumbnail variation 1",
		Prompt:  "make it pop",
		Images:  []Image{testPNG(t, 32, 18, color.Black), testJPEG(t, 20, 20)},
	}
	if _, err := p.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	path, _, form, hadImage := f.seen()
	if path != "/v1/images/edits" {
		t.Errorf("path = %q, want /v1/images/edits", path)
	}
	if !hadImage {
		t.Error("edit request carried no image file")
	}
	if form["prompt"] != "make it pop" {
		t.Errorf("prompt form value = %q", form["prompt"])
	}
}

// TestOpenAIProvider_Generate_URLResponse tests downloading URL-form results.
func TestOpenAIProvider_Generate_URLResponse(t *testing.T) {
	f := newFakeImageAPI(t)
	f.respond = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"created": 1,
			"data":    []map[string]string{{"url": f.server.URL + "/files/result.png"}},
		})
	}
	p := newTestProvider(t, f, "dall-e-2")

	img, err := p.Generate(context.Background(), Request{Context: "upscale", Prompt: "upscale"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if img.Identity() != f.result.Identity() {
		t.Error("downloaded payload differs from the served image")
	}
}

// TestOpenAIProvider_Generate_Errors tests refusal mapping and plain failures.
func TestOpenAIProvider_Generate_Errors(t *testing.T) {
	tests := []struct {
		name       string
		respond    func(http.ResponseWriter, *http.Request)
		wantReason string
		wantText   string
	}{
		{
			name:       "content policy",
			respond:    apiError(http.StatusBadRequest, "content_policy_violation", "blocked"),
			wantReason: ReasonBlocked,
			wantText:   "Your request was blocked for safety reasons (content_policy_violation).",
		},
		{
			name:       "moderation",
			respond:    apiError(http.StatusBadRequest, "moderation_blocked", "blocked"),
			wantReason: ReasonFinish,
			wantText:   "Reason: SAFETY.",
		},
		{
			name: "empty data",
			respond: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]interface{}{"created": 1, "data": []interface{}{}})
			},
			wantReason: ReasonNoImage,
			wantText:   "did not return an image for the filter.",
		},
		{
			name: "revised prompt only",
			respond: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"created": 1,
					"data":    []map[string]string{{"revised_prompt": "I cannot do that"}},
				})
			},
			wantReason: ReasonNoImage,
			wantText:   `It responded with: "I cannot do that...".`,
		},
		{
			name:     "server error",
			respond:  apiError(http.StatusInternalServerError, "server_error", "boom"),
			wantText: "imagegen: OpenAI image request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeImageAPI(t)
			f.respond = tt.respond
			p := newTestProvider(t, f, "gpt-image-1")

			_, err := p.Generate(context.Background(), Request{Context: "filter", Prompt: "x"})
			if err == nil {
				t.Fatal("Generate() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantText)
			}

			var rej *Rejection
			isRejection := errors.As(err, &rej)
			if tt.wantReason == "" {
				if isRejection {
					t.Errorf("plain failure mapped to a rejection: %v", err)
				}
				return
			}
			if !isRejection || rej.Reason != tt.wantReason {
				t.Errorf("rejection = %+v, want reason %q", rej, tt.wantReason)
			}
		})
	}
}

// TestOpenAIProvider_Generate_EmptyPrompt tests prompt validation.
func TestOpenAIProvider_Generate_EmptyPrompt(t *testing.T) {
	f := newFakeImageAPI(t)
	p := newTestProvider(t, f, "gpt-image-1")

	if _, err := p.Generate(context.Background(), Request{Prompt: "  "}); err == nil {
		t.Error("expected error for empty prompt")
	}
	if path, _, _, _ := f.seen(); path != "" {
		t.Error("empty prompt should not reach the API")
	}
}
