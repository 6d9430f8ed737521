package imagegen

import (
	"bytes"
	"image"
	"image/color"
	"testing"
)

// TestBlankCanvas tests the size and fill of the pro-mode base canvas.
func TestBlankCanvas(t *testing.T) {
	canvas, err := BlankCanvas()
	if err != nil {
		t.Fatalf("BlankCanvas() error = %v", err)
	}
	if canvas.MimeType != "image/png" {
		t.Errorf("MimeType = %q, want image/png", canvas.MimeType)
	}

	img, _, err := image.Decode(bytes.NewReader(canvas.Data))
	if err != nil {
		t.Fatalf("decode canvas: %v", err)
	}
	if b := img.Bounds(); b.Dx() != CanvasWidth || b.Dy() != CanvasHeight {
		t.Errorf("canvas size = %dx%d, want %dx%d", b.Dx(), b.Dy(), CanvasWidth, CanvasHeight)
	}
	r, g, b, _ := img.At(640, 360).RGBA()
	if r>>8 != 0x12 || g>>8 != 0x12 || b>>8 != 0x12 {
		t.Errorf("center pixel = %x/%x/%x, want 12/12/12", r>>8, g>>8, b>>8)
	}
}

// TestReferenceSheet tests side-by-side layout scaled to the canvas height.
func TestReferenceSheet(t *testing.T) {
	wide := testPNG(t, 160, 90, color.White)
	square := testJPEG(t, 40, 40)

	sheet, err := ReferenceSheet(wide, square)
	if err != nil {
		t.Fatalf("ReferenceSheet() error = %v", err)
	}

	cfg, format, err := sheet.Config()
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	if format != "png" {
		t.Errorf("format = %q, want png", format)
	}
	wantWidth := CanvasWidth + CanvasHeight
	if cfg.Width != wantWidth || cfg.Height != CanvasHeight {
		t.Errorf("sheet size = %dx%d, want %dx%d", cfg.Width, cfg.Height, wantWidth, CanvasHeight)
	}
}

// TestReferenceSheet_Edges tests the zero and one image cases.
func TestReferenceSheet_Edges(t *testing.T) {
	if _, err := ReferenceSheet(); err == nil {
		t.Error("ReferenceSheet() with no images should fail")
	}

	single := testJPEG(t, 10, 10)
	sheet, err := ReferenceSheet(single)
	if err != nil {
		t.Fatalf("ReferenceSheet(single) error = %v", err)
	}
	if sheet.MimeType != "image/png" {
		t.Errorf("single image MimeType = %q, want image/png", sheet.MimeType)
	}

	broken := Image{MimeType: "image/jpeg", Data: []byte("nope")}
	if _, err := ReferenceSheet(single, broken); err == nil {
		t.Error("ReferenceSheet() should fail on an undecodable image")
	}
}
