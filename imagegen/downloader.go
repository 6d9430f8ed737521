package imagegen

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxDownloadBytes caps a downloaded result. Upscaled 4K PNGs stay
// well below it.
const DefaultMaxDownloadBytes = 32 << 20

// Downloader fetches results from the temporary URLs some image models
// return instead of inline base64.
//
// Thread Safety: Downloader is safe for concurrent use.
type Downloader struct {
	client   *http.Client
	maxBytes int64
}

// NewDownloader creates a Downloader. A nil client gets a 60 second
// default.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{client: client, maxBytes: DefaultMaxDownloadBytes}
}

// Download fetches url into memory. The MIME type comes from Content-Type
// and is sniffed when the header is missing or generic.
func (d *Downloader) Download(ctx context.Context, url string) (Image, error) {
	if url == "" {
		return Image{}, fmt.Errorf("imagegen: URL cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Image{}, fmt.Errorf("imagegen: failed to create download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("imagegen: failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("imagegen: download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("imagegen: failed to read image data: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return Image{}, fmt.Errorf("imagegen: image exceeds %d bytes", d.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "application/octet-stream" {
		contentType = ""
	}
	return NewImage(data, contentType), nil
}
