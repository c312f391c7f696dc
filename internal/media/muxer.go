package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/propertyreel/backend/internal/logger"
)

// Muxer is the glue around the ffmpeg/ffprobe binaries.
//
// REQUIRED BINARIES in worker runtime:
// - ffmpeg for stitching, watermarking, music mixing
// - ffprobe for duration/stream probing
//
// Stitch is synchronous and should be called from worker jobs, not request
// handlers.
type Muxer interface {
	AssertReady(ctx context.Context) error

	Stitch(ctx context.Context, clips []StitchClip, outputPath string, opts StitchOptions) error
	GetDuration(ctx context.Context, path string) (float64, error)
	ValidateIntegrity(ctx context.Context, path string) error
	GetMetadata(ctx context.Context, path string) (*Metadata, error)
	ValidateMusicFile(ctx context.Context, path string) error
}

// StitchClip is one slot of the render plan: a local clip trimmed to Duration,
// optionally reversed, with an optional per-slot transition into the next clip.
type StitchClip struct {
	Path               string
	Duration           float64
	Transition         string
	TransitionDuration float64
	Reverse            bool
}

type MusicOptions struct {
	Path        string
	Volume      float64
	StartOffset float64
}

type StitchOptions struct {
	Name             string
	ColorFilter      string
	Music            *MusicOptions
	WatermarkPath    string
	WatermarkOpacity float64
	ExtraOutputArgs  []string
}

type Metadata struct {
	HasVideo bool
	Width    int
	Height   int
	Duration float64
}

const (
	outputWidth  = 768
	outputHeight = 1280

	// Watermark sits centered horizontally, this many pixels above the bottom.
	watermarkBottomMargin = 300

	musicFadeOutSeconds = 1.0
)

type ffmpegMuxer struct {
	log *logger.Logger

	ffmpegPath  string
	ffprobePath string

	defaultTimeout time.Duration
}

func NewMuxer(log *logger.Logger) Muxer {
	return &ffmpegMuxer{
		log:            log.With("service", "VideoMuxer"),
		ffmpegPath:     "ffmpeg",
		ffprobePath:    "ffprobe",
		defaultTimeout: 10 * time.Minute,
	}
}

func (m *ffmpegMuxer) AssertReady(ctx context.Context) error {
	for _, bin := range []string{m.ffmpegPath, m.ffprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	return nil
}

// Stitch trims and pads each clip to 768x1280, concatenates (with xfade when a
// transition is set), overlays the watermark, applies the template color
// filter, and mixes music trimmed to the total duration with a fade-out.
// Returns only after ffmpeg has exited and the file is flushed.
func (m *ffmpegMuxer) Stitch(ctx context.Context, clips []StitchClip, outputPath string, opts StitchOptions) error {
	if len(clips) == 0 {
		return fmt.Errorf("no clips to stitch")
	}
	for i, c := range clips {
		if c.Path == "" {
			return fmt.Errorf("clip %d has no path", i)
		}
		if c.Duration <= 0 {
			return fmt.Errorf("clip %d has non-positive duration %f", i, c.Duration)
		}
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("mkdir output dir: %w", err)
	}

	deadline := m.defaultTimeout
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < deadline {
			deadline = until
		}
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	args := []string{"-y"}
	for _, c := range clips {
		args = append(args, "-i", c.Path)
	}
	musicInput := -1
	if opts.Music != nil && opts.Music.Path != "" {
		musicInput = len(clips)
		if opts.Music.StartOffset > 0 {
			args = append(args, "-ss", formatSeconds(opts.Music.StartOffset))
		}
		args = append(args, "-i", opts.Music.Path)
	}
	watermarkInput := -1
	if opts.WatermarkPath != "" {
		watermarkInput = len(clips)
		if musicInput >= 0 {
			watermarkInput++
		}
		args = append(args, "-i", opts.WatermarkPath)
	}

	filter, videoLabel, audioLabel := buildFilterGraph(clips, opts, musicInput, watermarkInput)

	args = append(args, "-filter_complex", filter, "-map", videoLabel)
	if audioLabel != "" {
		args = append(args, "-map", audioLabel)
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
	)
	if audioLabel != "" {
		args = append(args, "-c:a", "aac", "-b:a", "192k")
	}
	args = append(args, opts.ExtraOutputArgs...)
	args = append(args, outputPath)

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg stitch failed: %w; out=%s", err, tail(string(out), 2000))
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("stitch output missing at %s", outputPath)
	}
	if info.Size() == 0 {
		return fmt.Errorf("stitch output empty at %s", outputPath)
	}
	return nil
}

// buildFilterGraph returns the -filter_complex expression plus the final video
// and audio output labels ("" when there is no audio).
func buildFilterGraph(clips []StitchClip, opts StitchOptions, musicInput, watermarkInput int) (string, string, string) {
	var b strings.Builder

	// Normalize every clip: trim, fit into 768x1280, optional reverse.
	for i, c := range clips {
		fmt.Fprintf(&b, "[%d:v]trim=duration=%s,setpts=PTS-STARTPTS,", i, formatSeconds(c.Duration))
		fmt.Fprintf(&b, "scale=%d:%d:force_original_aspect_ratio=decrease,", outputWidth, outputHeight)
		fmt.Fprintf(&b, "pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", outputWidth, outputHeight)
		if c.Reverse {
			b.WriteString(",reverse")
		}
		fmt.Fprintf(&b, "[c%d];", i)
	}

	// Join clips. xfade chains pairwise when transitions are set; otherwise a
	// single concat.
	videoLabel := "[c0]"
	if len(clips) > 1 {
		if hasTransitions(clips) {
			elapsed := clips[0].Duration
			prev := "c0"
			for i := 1; i < len(clips); i++ {
				tr := clips[i-1].Transition
				if tr == "" {
					tr = "fade"
				}
				td := clips[i-1].TransitionDuration
				if td <= 0 {
					td = 0.5
				}
				offset := elapsed - td
				if offset < 0 {
					offset = 0
				}
				next := fmt.Sprintf("x%d", i)
				fmt.Fprintf(&b, "[%s][c%d]xfade=transition=%s:duration=%s:offset=%s[%s];",
					prev, i, tr, formatSeconds(td), formatSeconds(offset), next)
				elapsed += clips[i].Duration - td
				prev = next
			}
			videoLabel = "[" + prev + "]"
		} else {
			for i := range clips {
				fmt.Fprintf(&b, "[c%d]", i)
			}
			fmt.Fprintf(&b, "concat=n=%d:v=1:a=0[cat];", len(clips))
			videoLabel = "[cat]"
		}
	}

	if opts.ColorFilter != "" {
		fmt.Fprintf(&b, "%s%s[graded];", videoLabel, opts.ColorFilter)
		videoLabel = "[graded]"
	}

	if watermarkInput >= 0 {
		opacity := opts.WatermarkOpacity
		if opacity <= 0 || opacity > 1 {
			opacity = 0.8
		}
		fmt.Fprintf(&b, "[%d:v]format=rgba,colorchannelmixer=aa=%s[wm];", watermarkInput, formatSeconds(opacity))
		fmt.Fprintf(&b, "%s[wm]overlay=(W-w)/2:H-h-%d[marked];", videoLabel, watermarkBottomMargin)
		videoLabel = "[marked]"
	}

	audioLabel := ""
	if musicInput >= 0 {
		total := totalDuration(clips)
		volume := 1.0
		if opts.Music != nil && opts.Music.Volume > 0 {
			volume = opts.Music.Volume
		}
		fadeStart := total - musicFadeOutSeconds
		if fadeStart < 0 {
			fadeStart = 0
		}
		fmt.Fprintf(&b, "[%d:a]atrim=duration=%s,asetpts=PTS-STARTPTS,volume=%s,afade=t=out:st=%s:d=%s[music];",
			musicInput, formatSeconds(total), formatSeconds(volume), formatSeconds(fadeStart), formatSeconds(musicFadeOutSeconds))
		audioLabel = "[music]"
	}

	filter := strings.TrimSuffix(b.String(), ";")
	return filter, videoLabel, audioLabel
}

func hasTransitions(clips []StitchClip) bool {
	for _, c := range clips {
		if c.Transition != "" {
			return true
		}
	}
	return false
}

func totalDuration(clips []StitchClip) float64 {
	var total float64
	for i, c := range clips {
		total += c.Duration
		if i < len(clips)-1 && c.Transition != "" {
			td := c.TransitionDuration
			if td <= 0 {
				td = 0.5
			}
			total -= td
		}
	}
	return total
}

func (m *ffmpegMuxer) GetDuration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration failed: %w; out=%s", err, string(out))
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration unparseable: %q", strings.TrimSpace(string(out)))
	}
	return dur, nil
}

// ValidateIntegrity decodes the file end-to-end and fails on any decode error.
func (m *ffmpegMuxer) ValidateIntegrity(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-v", "error",
		"-i", path,
		"-f", "null", "-",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("decode check failed: %w; out=%s", err, tail(string(out), 1000))
	}
	if msg := strings.TrimSpace(string(out)); msg != "" {
		return fmt.Errorf("decode check reported errors: %s", tail(msg, 1000))
	}
	return nil
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (m *ffmpegMuxer) GetMetadata(ctx context.Context, path string) (*Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffprobePath,
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-of", "json",
		path,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffprobe metadata failed: %w; out=%s", err, tail(string(out), 1000))
	}
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("ffprobe metadata unparseable: %w", err)
	}
	meta := &Metadata{}
	if probe.Format.Duration != "" {
		meta.Duration, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	}
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			meta.HasVideo = true
			meta.Width = s.Width
			meta.Height = s.Height
			break
		}
	}
	return meta, nil
}

func (m *ffmpegMuxer) ValidateMusicFile(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffprobePath,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_type",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("music probe failed: %w; out=%s", err, string(out))
	}
	if !strings.Contains(string(out), "audio") {
		return fmt.Errorf("no audio stream in %s", path)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
