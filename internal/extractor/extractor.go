// Package extractor wraps ffmpeg/ffprobe to sample timestamped frames from a
// source video.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bdougie/reframe/internal/models"
)

// Runner executes an external command and returns its stdout. It exists so
// tests can fake the ffmpeg/ffprobe boundary.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s failed: %w\nOutput: %s", name, err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return out, nil
}

// Extractor extracts sampled frames into a session-scoped temp directory.
type Extractor struct {
	runner  Runner
	workDir string
	logger  *slog.Logger
}

// New creates an Extractor that stages frames under workDir.
func New(workDir string, logger *slog.Logger) *Extractor {
	return &Extractor{runner: execRunner{}, workDir: workDir, logger: logger}
}

// NewWithRunner is like New but with an injected command runner.
func NewWithRunner(runner Runner, workDir string, logger *slog.Logger) *Extractor {
	return &Extractor{runner: runner, workDir: workDir, logger: logger}
}

// Extract samples frames from the video according to policy. Frames are
// numbered from 0 with monotonically increasing timestamps; frame 0 is the
// reference frame. The returned frame files live until Cleanup is called.
func (e *Extractor) Extract(ctx context.Context, videoPath string, policy models.SamplingPolicy) (*models.Extraction, error) {
	if policy.IntervalFrames < 1 {
		return nil, models.Validationf("intervalFrames", "must be >= 1, got %d", policy.IntervalFrames)
	}
	if policy.MaxFrames < 1 {
		return nil, models.Validationf("maxFrames", "must be >= 1, got %d", policy.MaxFrames)
	}
	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return nil, models.Validationf("video", "file does not exist at path: '%s'", videoPath)
	}

	meta, err := e.probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	frameDir, err := os.MkdirTemp(e.workDir, "reframe-frames-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}

	e.logger.Info("extracting frames",
		slog.String("video", videoPath),
		slog.Int("interval", policy.IntervalFrames),
		slog.Int("max_frames", policy.MaxFrames))

	outputPattern := filepath.Join(frameDir, "frame_%05d.png")
	_, err = e.runner.Run(ctx, "ffmpeg",
		"-i", videoPath,
		"-vf", selectFilter(policy.IntervalFrames),
		"-vsync", "vfr",
		"-frames:v", strconv.Itoa(policy.MaxFrames),
		"-q:v", "2",
		"-loglevel", "error",
		outputPattern,
	)
	if err != nil {
		_ = os.RemoveAll(frameDir)
		return nil, fmt.Errorf("frame extraction failed: %w", err)
	}

	frames, err := listFrames(frameDir, policy, meta.FPS)
	if err != nil {
		_ = os.RemoveAll(frameDir)
		return nil, err
	}
	if len(frames) == 0 {
		_ = os.RemoveAll(frameDir)
		return nil, models.Validationf("video", "no frames decoded from '%s'", videoPath)
	}

	e.logger.Info("extraction complete", slog.Int("frames", len(frames)))
	return &models.Extraction{Frames: frames, Metadata: *meta}, nil
}

// Cleanup removes the temp directory holding the extraction's frame files.
// Best-effort: missing entries are not an error.
func (e *Extractor) Cleanup(extraction *models.Extraction) {
	if extraction == nil || len(extraction.Frames) == 0 {
		return
	}
	_ = os.RemoveAll(filepath.Dir(extraction.Frames[0].Image.Path))
}

// probe reads video metadata with ffprobe. A file with no video stream is a
// validation failure, not a service failure.
func (e *Extractor) probe(ctx context.Context, videoPath string) (*models.VideoMetadata, error) {
	streamOut, err := e.runner.Run(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate",
		"-of", "csv=p=0",
		videoPath,
	)
	if err != nil {
		return nil, models.Validationf("video", "decode failed: %v", err)
	}

	meta, err := parseStreamInfo(string(streamOut))
	if err != nil {
		return nil, models.Validationf("video", "%v", err)
	}

	durOut, err := e.runner.Run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	if err != nil {
		return nil, models.Validationf("video", "decode failed: %v", err)
	}
	meta.DurationSeconds, _ = strconv.ParseFloat(strings.TrimSpace(string(durOut)), 64)

	return meta, nil
}

// selectFilter builds the ffmpeg filter that keeps one frame out of every
// interval source frames.
func selectFilter(interval int) string {
	if interval == 1 {
		return "select=1"
	}
	return fmt.Sprintf(`select=not(mod(n\,%d))`, interval)
}

// parseStreamInfo parses "width,height,num/den" ffprobe csv output.
func parseStreamInfo(out string) (*models.VideoMetadata, error) {
	line := strings.TrimSpace(strings.Split(strings.TrimSpace(out), "\n")[0])
	if line == "" {
		return nil, fmt.Errorf("no video stream found")
	}
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return nil, fmt.Errorf("unexpected ffprobe output: %q", line)
	}
	width, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("bad width in ffprobe output: %q", line)
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("bad height in ffprobe output: %q", line)
	}
	fps, err := parseFrameRate(parts[2])
	if err != nil {
		return nil, err
	}
	return &models.VideoMetadata{Width: width, Height: height, FPS: fps}, nil
}

// parseFrameRate parses ffprobe's fractional frame rate, e.g. "30000/1001".
func parseFrameRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0, fmt.Errorf("bad frame rate: %q", s)
		}
		return n / d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad frame rate: %q", s)
	}
	return f, nil
}

var framePattern = regexp.MustCompile(`^frame_(\d+)\.png$`)

// listFrames reads the extracted frame files and builds ordered SourceFrames.
// ffmpeg numbers output files from 1; frame indices start at 0.
func listFrames(frameDir string, policy models.SamplingPolicy, fps float64) ([]models.SourceFrame, error) {
	entries, err := os.ReadDir(frameDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory '%s': %w", frameDir, err)
	}

	type numbered struct {
		seq  int
		name string
	}
	var files []numbered
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := framePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		seq, _ := strconv.Atoi(m[1])
		files = append(files, numbered{seq: seq, name: entry.Name()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	frames := make([]models.SourceFrame, 0, len(files))
	for i, f := range files {
		frames = append(frames, models.SourceFrame{
			Index:     i,
			Timestamp: timestampFor(i, policy.IntervalFrames, fps),
			Image:     models.LocalRef(filepath.Join(frameDir, f.name)),
		})
	}
	return frames, nil
}

// timestampFor maps sampled frame i back to its source timestamp. Sample i
// corresponds to source frame i*interval.
func timestampFor(i, interval int, fps float64) float64 {
	if fps <= 0 {
		return 0
	}
	return float64(i*interval) / fps
}
