// Package imagegen talks to the generative image API on behalf of the
// dispatcher.
//
// image.go holds the Image payload shared by every operation: inputs
// arrive as data URLs and results leave the same way.
package imagegen

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/webp"
)

// ErrInvalidDataURL is returned by ParseDataURL for malformed input.
var ErrInvalidDataURL = errors.New("imagegen: invalid data URL")

// Image is an encoded image payload. Data holds the raw file bytes, not
// base64.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// DataURL encodes the image as data:<mime>;base64,<payload>.
func (img Image) DataURL() string {
	return "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// ParseDataURL decodes a base64 data URL. The MIME type must be present.
func ParseDataURL(s string) (Image, error) {
	header, payload, ok := strings.Cut(s, ",")
	if !ok || !strings.HasPrefix(header, "data:") {
		return Image{}, ErrInvalidDataURL
	}
	meta := strings.TrimPrefix(header, "data:")
	mimeType, encoding, _ := strings.Cut(meta, ";")
	if mimeType == "" {
		return Image{}, fmt.Errorf("%w: could not parse MIME type", ErrInvalidDataURL)
	}
	if encoding != "base64" {
		return Image{}, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURL)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return Image{MimeType: mimeType, Data: data}, nil
}

// NewImage wraps raw bytes, sniffing the MIME type when mimeType is empty.
func NewImage(data []byte, mimeType string) Image {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return Image{MimeType: mimeType, Data: data}
}

// IsZero reports whether the image carries no payload.
func (img Image) IsZero() bool {
	return len(img.Data) == 0
}

// Identity is the hex blake2b-256 digest of the payload. Request
// fingerprints include it instead of the raw bytes.
func (img Image) Identity() string {
	if img.IsZero() {
		return ""
	}
	sum := blake2b.Sum256(img.Data)
	return hex.EncodeToString(sum[:])
}

// Config decodes just the header and reports the format and dimensions.
// PNG, JPEG and WebP are recognized.
func (img Image) Config() (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("imagegen: failed to decode image header: %w", err)
	}
	return cfg, format, nil
}

// Validate checks that the payload decodes and has a non-empty size.
func (img Image) Validate() error {
	if img.IsZero() {
		return errors.New("imagegen: image is empty")
	}
	cfg, _, err := img.Config()
	if err != nil {
		return err
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return errors.New("imagegen: image has no pixels")
	}
	return nil
}
