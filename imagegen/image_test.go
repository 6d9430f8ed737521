package imagegen

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// testPNG encodes a solid w x h PNG.
func testPNG(t *testing.T, w, h int, c color.Color) Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return Image{MimeType: "image/png", Data: buf.Bytes()}
}

// testJPEG encodes a solid w x h JPEG.
func testJPEG(t *testing.T, w, h int) Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return Image{MimeType: "image/jpeg", Data: buf.Bytes()}
}

// TestParseDataURL tests decoding of well-formed and malformed data URLs.
func TestParseDataURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantMime string
		wantData string
		wantErr  bool
	}{
		{"png", "data:image/png;base64,aGVsbG8=", "image/png", "hello", false},
		{"jpeg", "data:image/jpeg;base64,", "image/jpeg", "", false},
		{"missing comma", "data:image/png;base64", "", "", true},
		{"missing prefix", "image/png;base64,aGVsbG8=", "", "", true},
		{"missing mime", "data:;base64,aGVsbG8=", "", "", true},
		{"not base64 encoded", "data:text/plain,hello", "", "", true},
		{"bad payload", "data:image/png;base64,!!!", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := ParseDataURL(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDataURL) {
					t.Fatalf("ParseDataURL() error = %v, want ErrInvalidDataURL", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDataURL() error = %v", err)
			}
			if img.MimeType != tt.wantMime {
				t.Errorf("MimeType = %q, want %q", img.MimeType, tt.wantMime)
			}
			if string(img.Data) != tt.wantData {
				t.Errorf("Data = %q, want %q", img.Data, tt.wantData)
			}
		})
	}
}

// TestImage_DataURL tests that DataURL output parses back to the same payload.
func TestImage_DataURL(t *testing.T) {
	src := testPNG(t, 4, 4, color.White)

	got, err := ParseDataURL(src.DataURL())
	if err != nil {
		t.Fatalf("ParseDataURL() error = %v", err)
	}
	if got.MimeType != src.MimeType || !bytes.Equal(got.Data, src.Data) {
		t.Error("DataURL() did not preserve the payload")
	}
}

// TestImage_Identity tests that identity follows the bytes only.
func TestImage_Identity(t *testing.T) {
	a := Image{MimeType: "image/png", Data: []byte("one")}
	b := Image{MimeType: "image/png", Data: []byte("one")}
	c := Image{MimeType: "image/png", Data: []byte("two")}

	if a.Identity() != b.Identity() {
		t.Error("equal payloads have different identities")
	}
	if a.Identity() == c.Identity() {
		t.Error("different payloads share an identity")
	}
	if len(a.Identity()) != 64 {
		t.Errorf("Identity() length = %d, want 64 hex chars", len(a.Identity()))
	}
	if (Image{}).Identity() != "" {
		t.Error("empty image should have an empty identity")
	}
}

// TestImage_Validate tests header decoding for supported and broken payloads.
func TestImage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		img     Image
		wantErr bool
	}{
		{"png", testPNG(t, 8, 6, color.Black), false},
		{"jpeg", testJPEG(t, 8, 6), false},
		{"empty", Image{}, true},
		{"garbage", Image{MimeType: "image/png", Data: []byte("not an image")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.img.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestNewImage_SniffsMimeType tests MIME detection and parameter stripping.
func TestNewImage_SniffsMimeType(t *testing.T) {
	src := testPNG(t, 2, 2, color.White)

	if got := NewImage(src.Data, "").MimeType; got != "image/png" {
		t.Errorf("sniffed MimeType = %q, want image/png", got)
	}
	if got := NewImage(src.Data, "image/webp; q=1").MimeType; got != "image/webp" {
		t.Errorf("MimeType = %q, want image/webp", got)
	}
}
