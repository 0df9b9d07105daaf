// Package normalize converts arbitrary encoded images into JPEG payloads
// whose base64 representation fits a configured byte budget.
package normalize

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Config bounds the output size and the compression search.
type Config struct {
	MaxDimension   int // longest allowed edge in pixels
	MaxBase64Bytes int // budget for the base64-encoded output
	StartQuality   int
	MinQuality     int
	QualityStep    int
}

// DefaultConfig targets payloads a vision model will accept without
// transcoding: 1568px longest edge, 1MiB of base64 text.
func DefaultConfig() Config {
	return Config{
		MaxDimension:   1568,
		MaxBase64Bytes: 1 << 20,
		StartQuality:   85,
		MinQuality:     40,
		QualityStep:    10,
	}
}

// rescaleSteps are the fractional sizes tried, in order, once quality alone
// cannot meet the budget. Each step rescales the dimension-capped source, not
// the previous step's output.
var rescaleSteps = []float64{0.8, 0.7, 0.6, 0.5, 0.4, 0.3}

// Result is a normalized image payload. MimeType is always image/jpeg.
type Result struct {
	Bytes    []byte
	MimeType string
	Width    int
	Height   int
}

// A Normalizer re-encodes images under its configured budget. It holds no
// state and is safe for concurrent use.
type Normalizer struct {
	cfg Config
}

func New(cfg Config) *Normalizer {
	def := DefaultConfig()
	if cfg.MaxDimension <= 0 || cfg.MaxBase64Bytes <= 0 {
		cfg = def
	}
	if cfg.StartQuality <= 0 || cfg.StartQuality > 100 {
		cfg.StartQuality = def.StartQuality
	}
	if cfg.MinQuality <= 0 || cfg.MinQuality > cfg.StartQuality {
		cfg.MinQuality = min(def.MinQuality, cfg.StartQuality)
	}
	// A non-positive step would keep the quality search from ever advancing.
	if cfg.QualityStep <= 0 {
		cfg.QualityStep = def.QualityStep
	}
	return &Normalizer{cfg: cfg}
}

// Normalize decodes raw (PNG, JPEG, GIF, or WebP), shrinks it to fit the
// configured maximum dimension, and searches quality, then scale, until the
// base64 length of the JPEG output meets the budget. The search is bounded
// and always returns some output; the budget is best effort, not guaranteed.
func (n *Normalizer) Normalize(raw []byte) (Result, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("decoding image: %w", err)
	}

	capped := shrinkToFit(src, n.cfg.MaxDimension)

	quality := n.cfg.StartQuality
	out, err := encodeJPEG(capped, quality)
	if err != nil {
		return Result{}, err
	}

	for n.overBudget(out) && quality-n.cfg.QualityStep >= n.cfg.MinQuality {
		quality -= n.cfg.QualityStep
		// Re-encode from the resized source each time so generational loss
		// does not compound.
		if out, err = encodeJPEG(capped, quality); err != nil {
			return Result{}, err
		}
	}

	final := capped
	for _, frac := range rescaleSteps {
		if !n.overBudget(out) {
			break
		}
		scaled := rescale(capped, frac)
		if out, err = encodeJPEG(scaled, n.cfg.MinQuality); err != nil {
			return Result{}, err
		}
		final = scaled
	}

	b := final.Bounds()
	return Result{
		Bytes:    out,
		MimeType: "image/jpeg",
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}

func (n *Normalizer) overBudget(out []byte) bool {
	return base64.StdEncoding.EncodedLen(len(out)) > n.cfg.MaxBase64Bytes
}

// shrinkToFit scales img proportionally so both edges fit within max. Images
// already within bounds are returned unchanged; nothing is ever upscaled.
func shrinkToFit(img image.Image, max int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= max && h <= max {
		return img
	}

	var nw, nh int
	if w >= h {
		nw = max
		nh = h * max / w
	} else {
		nh = max
		nw = w * max / h
	}
	return scaleTo(img, nw, nh)
}

func rescale(img image.Image, frac float64) image.Image {
	b := img.Bounds()
	nw := int(float64(b.Dx()) * frac)
	nh := int(float64(b.Dy()) * frac)
	return scaleTo(img, nw, nh)
}

func scaleTo(img image.Image, w, h int) image.Image {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
