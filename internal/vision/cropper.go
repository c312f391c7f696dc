package vision

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/propertyreel/backend/internal/logger"
)

// Cropper selects the best 9:16 window of a listing photo and re-encodes it to
// the normalized 768x1280 WebP the motion model consumes.
type Cropper interface {
	ProcessImage(ctx context.Context, inputPath, outputPath string) (CropWindow, error)
	AnalyzeBestCrop(img image.Image) CropWindow
}

type CropWindow struct {
	X int
	Y int
	W int
	H int
}

const (
	targetWidth  = 768
	targetHeight = 1280

	webpQuality           = 80
	webpCompressionEffort = 6

	// Candidate windows are scored on a downsampled copy no wider/taller than
	// this; the winning window is scaled back to source coordinates.
	analysisMaxDim = 512

	weightEdges      = 0.5
	weightContrast   = 0.3
	weightBrightness = 0.2
)

type cropper struct {
	log        *logger.Logger
	ffmpegPath string
	timeout    time.Duration
}

func NewCropper(log *logger.Logger) Cropper {
	return &cropper{
		log:        log.With("service", "VisionCropper"),
		ffmpegPath: "ffmpeg",
		timeout:    2 * time.Minute,
	}
}

// ProcessImage analyzes inputPath, crops the winning window, and writes a
// 768x1280 WebP (quality 80, effort 6) to outputPath.
func (c *cropper) ProcessImage(ctx context.Context, inputPath, outputPath string) (CropWindow, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return CropWindow{}, fmt.Errorf("open image %s: %w", inputPath, err)
	}
	img, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return CropWindow{}, fmt.Errorf("decode image %s: %w", inputPath, err)
	}

	win := c.AnalyzeBestCrop(img)
	if win.W <= 0 || win.H <= 0 {
		return CropWindow{}, fmt.Errorf("image %s too small for a 9:16 crop", inputPath)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return CropWindow{}, fmt.Errorf("mkdir output dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-y",
		"-i", inputPath,
		"-vf", fmt.Sprintf("crop=%d:%d:%d:%d,scale=%d:%d", win.W, win.H, win.X, win.Y, targetWidth, targetHeight),
		"-c:v", "libwebp",
		"-quality", strconv.Itoa(webpQuality),
		"-compression_level", strconv.Itoa(webpCompressionEffort),
		outputPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return CropWindow{}, fmt.Errorf("ffmpeg webp encode failed: %w; out=%s", err, string(out))
	}
	if _, err := os.Stat(outputPath); err != nil {
		return CropWindow{}, fmt.Errorf("webp output missing at %s", outputPath)
	}
	return win, nil
}

// AnalyzeBestCrop scans 9:16 candidate windows across the image and picks the
// one maximizing 0.5*edge density + 0.3*contrast + 0.2*brightness.
func (c *cropper) AnalyzeBestCrop(img image.Image) CropWindow {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW <= 0 || srcH <= 0 {
		return CropWindow{}
	}

	small, scale := downsample(img)
	gray := grayPlane(small)
	w := small.Bounds().Dx()
	h := small.Bounds().Dy()

	cropW, cropH := fitWindow(w, h)
	if cropW <= 0 || cropH <= 0 {
		return CropWindow{}
	}

	stepX := (w - cropW) / 5
	if stepX < 1 {
		stepX = 1
	}
	stepY := (h - cropH) / 3
	if stepY < 1 {
		stepY = 1
	}

	best := CropWindow{X: 0, Y: 0, W: cropW, H: cropH}
	bestScore := -1.0
	for y := 0; y+cropH <= h; y += stepY {
		for x := 0; x+cropW <= w; x += stepX {
			score := scoreWindow(gray, w, x, y, cropW, cropH)
			if score > bestScore {
				bestScore = score
				best = CropWindow{X: x, Y: y, W: cropW, H: cropH}
			}
		}
	}

	// Back to source coordinates, clamped to the image.
	out := CropWindow{
		X: int(float64(best.X) / scale),
		Y: int(float64(best.Y) / scale),
		W: int(float64(best.W) / scale),
		H: int(float64(best.H) / scale),
	}
	if out.X+out.W > srcW {
		out.X = srcW - out.W
	}
	if out.Y+out.H > srcH {
		out.Y = srcH - out.H
	}
	if out.X < 0 {
		out.X = 0
	}
	if out.Y < 0 {
		out.Y = 0
	}
	return out
}

// fitWindow returns the largest 9:16 window fitting inside w x h.
func fitWindow(w, h int) (int, int) {
	cropH := h
	cropW := cropH * 9 / 16
	if cropW > w {
		cropW = w
		cropH = cropW * 16 / 9
		if cropH > h {
			cropH = h
		}
	}
	return cropW, cropH
}

func downsample(img image.Image) (*image.RGBA, float64) {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	scale := 1.0
	longest := w
	if h > longest {
		longest = h
	}
	if longest > analysisMaxDim {
		scale = float64(analysisMaxDim) / float64(longest)
	}
	dstW := int(float64(w) * scale)
	dstH := int(float64(h) * scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	return dst, scale
}

func grayPlane(img *image.RGBA) []float64 {
	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			r := float64(img.Pix[i])
			g := float64(img.Pix[i+1])
			bl := float64(img.Pix[i+2])
			out[y*w+x] = 0.299*r + 0.587*g + 0.114*bl
		}
	}
	return out
}

// scoreWindow combines mean gradient magnitude (edges), luminance standard
// deviation (contrast), and mean luminance (brightness), each normalized to
// [0,1] before weighting.
func scoreWindow(gray []float64, stride, x0, y0, w, h int) float64 {
	var sum, sumSq, edgeSum float64
	n := float64(w * h)
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			v := gray[y*stride+x]
			sum += v
			sumSq += v * v
			if x+1 < x0+w && y+1 < y0+h {
				dx := gray[y*stride+x+1] - v
				dy := gray[(y+1)*stride+x] - v
				if dx < 0 {
					dx = -dx
				}
				if dy < 0 {
					dy = -dy
				}
				edgeSum += dx + dy
			}
		}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev := math.Sqrt(variance)

	edges := edgeSum / n / 510.0 // two gradients, each at most 255
	contrast := stddev / 128.0
	brightness := mean / 255.0
	if edges > 1 {
		edges = 1
	}
	if contrast > 1 {
		contrast = 1
	}
	return weightEdges*edges + weightContrast*contrast + weightBrightness*brightness
}
