package imagegen

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"golang.org/x/image/draw"
)

// Thumbnail dimensions.
const (
	CanvasWidth  = 1280
	CanvasHeight = 720
)

// canvasFill is the neutral dark fill of the pro-mode base canvas.
var canvasFill = color.RGBA{R: 0x12, G: 0x12, B: 0x12, A: 0xff}

// BlankCanvas returns a 1280x720 PNG filled with #121212. Pro requests
// send it as the reference image so the model keeps the 16:9 frame.
func BlankCanvas() (Image, error) {
	dst := image.NewRGBA(image.Rect(0, 0, CanvasWidth, CanvasHeight))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: canvasFill}, image.Point{}, draw.Src)
	return encodePNG(dst)
}

// ReferenceSheet lays images out left to right, each scaled to
// CanvasHeight. The edit endpoint accepts a single reference, so
// multi-image requests are flattened through this first.
func ReferenceSheet(images ...Image) (Image, error) {
	switch len(images) {
	case 0:
		return Image{}, fmt.Errorf("imagegen: reference sheet needs at least one image")
	case 1:
		return ToPNG(images[0])
	}

	decoded := make([]image.Image, len(images))
	width := 0
	for i, img := range images {
		src, _, err := image.Decode(bytes.NewReader(img.Data))
		if err != nil {
			return Image{}, fmt.Errorf("imagegen: failed to decode reference image %d: %w", i+1, err)
		}
		decoded[i] = src
		width += scaledWidth(src.Bounds(), CanvasHeight)
	}

	sheet := image.NewRGBA(image.Rect(0, 0, width, CanvasHeight))
	x := 0
	for _, src := range decoded {
		w := scaledWidth(src.Bounds(), CanvasHeight)
		rect := image.Rect(x, 0, x+w, CanvasHeight)
		draw.CatmullRom.Scale(sheet, rect, src, src.Bounds(), draw.Over, nil)
		x += w
	}
	return encodePNG(sheet)
}

// ToPNG re-encodes img as PNG. PNG input is returned unchanged.
func ToPNG(img Image) (Image, error) {
	if img.MimeType == "image/png" {
		return img, nil
	}
	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return Image{}, fmt.Errorf("imagegen: failed to decode %s image: %w", img.MimeType, err)
	}
	return encodePNG(src)
}

func scaledWidth(b image.Rectangle, height int) int {
	if b.Dy() == 0 {
		return 0
	}
	w := b.Dx() * height / b.Dy()
	if w < 1 {
		w = 1
	}
	return w
}

func encodePNG(src image.Image) (Image, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		return Image{}, fmt.Errorf("imagegen: failed to encode png: %w", err)
	}
	return Image{MimeType: "image/png", Data: buf.Bytes()}, nil
}
