package normalize

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"
)

// encodePNG renders a w x h gradient and returns its PNG bytes. Gradients
// compress reasonably but still carry enough detail to exercise the quality
// search on large inputs.
func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / max(w, 1)),
				G: uint8(y * 255 / max(h, 1)),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test png: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeSmallImage(t *testing.T) {
	n := New(DefaultConfig())

	res, err := n.Normalize(encodePNG(t, 100, 60))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if res.MimeType != "image/jpeg" {
		t.Errorf("mime type = %q, want image/jpeg", res.MimeType)
	}
	if res.Width != 100 || res.Height != 60 {
		t.Errorf("dimensions = %dx%d, want 100x60 (no upscale, no needless resize)", res.Width, res.Height)
	}
	if _, _, err := image.Decode(bytes.NewReader(res.Bytes)); err != nil {
		t.Errorf("output is not a decodable image: %v", err)
	}
}

func TestNormalizeCapsDimensions(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)

	res, err := n.Normalize(encodePNG(t, 3200, 1600))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if res.Width != cfg.MaxDimension {
		t.Errorf("width = %d, want capped to %d", res.Width, cfg.MaxDimension)
	}
	if res.Height != 1600*cfg.MaxDimension/3200 {
		t.Errorf("height = %d, want proportional %d", res.Height, 1600*cfg.MaxDimension/3200)
	}
}

func TestNormalizeLargeInputMeetsBudget(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)

	res, err := n.Normalize(encodePNG(t, 4000, 4000))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if got := base64.StdEncoding.EncodedLen(len(res.Bytes)); got > cfg.MaxBase64Bytes {
		t.Errorf("base64 length %d exceeds budget %d", got, cfg.MaxBase64Bytes)
	}
}

func TestNormalizeTinyBudgetTerminates(t *testing.T) {
	// A budget nothing can meet: the search must still finish within its
	// fixed steps and return best-effort output.
	cfg := DefaultConfig()
	cfg.MaxBase64Bytes = 10
	n := New(cfg)

	res, err := n.Normalize(encodePNG(t, 1, 1))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if len(res.Bytes) == 0 {
		t.Error("best-effort output must not be empty")
	}
	if res.Width != 1 || res.Height != 1 {
		t.Errorf("1x1 input came out %dx%d", res.Width, res.Height)
	}
}

func TestNormalizeZeroStepTerminates(t *testing.T) {
	// quality_step = 0 in the config file reaches New unvalidated; the
	// sanitized step must keep the quality search advancing on over-budget
	// input instead of spinning at StartQuality forever.
	n := New(Config{
		MaxDimension:   1568,
		MaxBase64Bytes: 10,
		StartQuality:   85,
		MinQuality:     40,
		QualityStep:    0,
	})

	done := make(chan Result, 1)
	go func() {
		res, err := n.Normalize(encodePNG(t, 200, 200))
		if err != nil {
			t.Errorf("Normalize failed: %v", err)
		}
		done <- res
	}()

	select {
	case res := <-done:
		if len(res.Bytes) == 0 {
			t.Error("best-effort output must not be empty")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Normalize did not terminate with a zero quality step")
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	n := New(DefaultConfig())
	if _, err := n.Normalize([]byte("definitely not an image")); err == nil {
		t.Error("expected a format error for undecodable input")
	}
}

func TestNormalizeJPEGInput(t *testing.T) {
	n := New(DefaultConfig())

	first, err := n.Normalize(encodePNG(t, 200, 200))
	if err != nil {
		t.Fatalf("Normalize png: %v", err)
	}
	// Output of one pass decodes as input to another (the remote-render flow
	// feeds JPEG back through).
	second, err := n.Normalize(first.Bytes)
	if err != nil {
		t.Fatalf("Normalize jpeg: %v", err)
	}
	if second.MimeType != "image/jpeg" {
		t.Errorf("mime type = %q, want image/jpeg", second.MimeType)
	}
}
