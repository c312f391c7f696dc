package vision

import (
	"image"
	"image/color"
	"testing"

	"github.com/propertyreel/backend/internal/logger"
)

func newCropper(t *testing.T) *cropper {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewCropper(log).(*cropper)
}

func TestFitWindowIsNineBySixteen(t *testing.T) {
	cases := []struct {
		w, h int
	}{
		{1920, 1080},
		{1080, 1920},
		{4000, 3000},
		{768, 1280},
		{100, 100},
	}
	for _, tc := range cases {
		cw, ch := fitWindow(tc.w, tc.h)
		if cw > tc.w || ch > tc.h {
			t.Errorf("%dx%d: window %dx%d does not fit", tc.w, tc.h, cw, ch)
		}
		// Integer rounding allows a small deviation from exact 9:16.
		ratio := float64(cw) / float64(ch)
		if ratio < 0.54 || ratio > 0.59 {
			t.Errorf("%dx%d: window %dx%d has ratio %f, want ~0.5625", tc.w, tc.h, cw, ch, ratio)
		}
	}
}

// Paint a landscape image that is flat gray except for a detailed checkered
// region on the right; the crop should land there.
func TestAnalyzeBestCropFindsDetail(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 360))
	for y := 0; y < 360; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.Gray{Y: 100})
		}
	}
	for y := 0; y < 360; y++ {
		for x := 440; x < 640; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.Gray{Y: 255})
			} else {
				img.Set(x, y, color.Gray{Y: 0})
			}
		}
	}

	win := newCropper(t).AnalyzeBestCrop(img)
	if win.W <= 0 || win.H <= 0 {
		t.Fatal("no crop window found")
	}
	center := win.X + win.W/2
	if center < 320 {
		t.Fatalf("crop centered at x=%d, expected the detailed right half", center)
	}
}

func TestAnalyzeBestCropStaysInBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 123, 457))
	win := newCropper(t).AnalyzeBestCrop(img)
	if win.X < 0 || win.Y < 0 {
		t.Fatalf("window origin out of bounds: %+v", win)
	}
	if win.X+win.W > 123 || win.Y+win.H > 457 {
		t.Fatalf("window exceeds image: %+v", win)
	}
}

func TestScoreWindowPrefersContrast(t *testing.T) {
	// Two 4x4 planes: flat mid-gray vs alternating black/white.
	flat := make([]float64, 16)
	busy := make([]float64, 16)
	for i := range flat {
		flat[i] = 128
		if i%2 == 0 {
			busy[i] = 255
		}
	}
	if scoreWindow(busy, 4, 0, 0, 4, 4) <= scoreWindow(flat, 4, 0, 0, 4, 4) {
		t.Fatal("high-contrast window should outscore a flat one")
	}
}
