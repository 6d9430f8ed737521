package imagegen

import (
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestDownload tests content types, status handling and the size cap.
func TestDownload(t *testing.T) {
	payload := testPNG(t, 3, 3, color.White)
	mux := http.NewServeMux()
	mux.HandleFunc("/typed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload.Data)
	})
	mux.HandleFunc("/octet", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload.Data)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDownloader(srv.Client())

	tests := []struct {
		name     string
		url      string
		maxBytes int64
		wantMime string
		wantErr  bool
	}{
		{"typed", srv.URL + "/typed", DefaultMaxDownloadBytes, "image/png", false},
		{"sniffed", srv.URL + "/octet", DefaultMaxDownloadBytes, "image/png", false},
		{"expired url", srv.URL + "/gone", DefaultMaxDownloadBytes, "", true},
		{"too large", srv.URL + "/typed", 8, "", true},
		{"empty url", "", DefaultMaxDownloadBytes, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.maxBytes = tt.maxBytes
			img, err := d.Download(context.Background(), tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Download() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if img.MimeType != tt.wantMime {
				t.Errorf("MimeType = %q, want %q", img.MimeType, tt.wantMime)
			}
			if img.Identity() != payload.Identity() {
				t.Error("downloaded bytes differ")
			}
		})
	}
}
