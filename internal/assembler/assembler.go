// Package assembler encodes an index-ordered set of edited frames back into
// a video. Encoding is expensive and frame references are often time-limited
// URLs, so attempts are bounded and failures stay recoverable.
package assembler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/bdougie/reframe/internal/models"
)

// MaxAttempts is the number of encode attempts per Assemble call; frames
// stay valid after exhaustion.
const MaxAttempts = 2

const (
	retryBackoff    = 5 * time.Second
	preflightSample = 3
)

// Encoder runs the actual video encode. Split out so tests can fake ffmpeg.
type Encoder interface {
	Encode(ctx context.Context, framePattern string, frameCount int, fps float64, outPath string) error
}

type ffmpegEncoder struct{}

func (ffmpegEncoder) Encode(ctx context.Context, framePattern string, frameCount int, fps float64, outPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-framerate", fmt.Sprintf("%g", fps),
		"-i", framePattern,
		"-frames:v", fmt.Sprintf("%d", frameCount),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-loglevel", "error",
		outPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg encode failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}

// Assembler stages frames to disk and encodes them with bounded retry.
type Assembler struct {
	encoder    Encoder
	httpClient *http.Client
	workDir    string
	backoff    time.Duration
	logger     *slog.Logger
}

// New creates an Assembler staging its work under workDir.
func New(workDir string, logger *slog.Logger) *Assembler {
	return &Assembler{
		encoder:    ffmpegEncoder{},
		httpClient: &http.Client{Timeout: 60 * time.Second},
		workDir:    workDir,
		backoff:    retryBackoff,
		logger:     logger,
	}
}

// NewWithEncoder is like New but with an injected encoder and backoff.
func NewWithEncoder(encoder Encoder, workDir string, backoff time.Duration, logger *slog.Logger) *Assembler {
	return &Assembler{
		encoder:    encoder,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		workDir:    workDir,
		backoff:    backoff,
		logger:     logger,
	}
}

// Assemble encodes the frames, ordered by ascending index, into a video.
// The frame set must be gapless from index 0; a gap is a precondition
// violation, not something to paper over. All staging artifacts are removed
// on success and failure paths alike.
func (a *Assembler) Assemble(ctx context.Context, frames []models.EditedFrame, fps float64, format string) (*models.EncodedVideo, error) {
	ordered, err := orderGapless(frames)
	if err != nil {
		return nil, err
	}
	if fps <= 0 {
		return nil, models.Validationf("fps", "must be > 0, got %v", fps)
	}
	if format == "" {
		format = "mp4"
	}

	a.preflight(ctx, ordered)

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		video, err := a.attempt(ctx, ordered, fps, format)
		if err == nil {
			return video, nil
		}
		lastErr = err
		a.logger.Warn("encode attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", MaxAttempts),
			slog.Any("error", err))

		if attempt < MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.backoff):
			}
		}
	}
	return nil, fmt.Errorf("reassembly failed after %d attempts: %w", MaxAttempts, lastErr)
}

// attempt stages the frames and runs one encode. The staging directory is
// removed before returning so a retry starts clean.
func (a *Assembler) attempt(ctx context.Context, frames []models.EditedFrame, fps float64, format string) (*models.EncodedVideo, error) {
	stageDir, err := os.MkdirTemp(a.workDir, "reframe-assemble-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stageDir)

	for _, frame := range frames {
		dest := filepath.Join(stageDir, fmt.Sprintf("frame_%05d.png", frame.Index))
		if err := a.stageFrame(ctx, frame.Edited, dest); err != nil {
			return nil, fmt.Errorf("failed to stage frame %d: %w", frame.Index, err)
		}
	}

	outPath := filepath.Join(stageDir, "output."+format)
	pattern := filepath.Join(stageDir, "frame_%05d.png")
	if err := a.encoder.Encode(ctx, pattern, len(frames), fps, outPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read encoded video: %w", err)
	}

	a.logger.Info("encode complete",
		slog.Int("frames", len(frames)),
		slog.Int64("bytes", int64(len(data))))

	return &models.EncodedVideo{Bytes: data, Size: int64(len(data)), Format: format}, nil
}

// stageFrame materializes one edited image at dest.
func (a *Assembler) stageFrame(ctx context.Context, ref models.ImageRef, dest string) error {
	if !ref.IsRemote() {
		data, err := os.ReadFile(ref.Path)
		if err != nil {
			return fmt.Errorf("unreadable frame file: %w", err)
		}
		return os.WriteFile(dest, data, 0644)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", ref.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return fmt.Errorf("fetch %s returned %d: %w", ref.URL, resp.StatusCode, models.ErrReferenceExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s returned %d", ref.URL, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to download %s: %w", ref.URL, err)
	}
	return nil
}

// preflight probes a small sample of frame references before committing to
// the encode. A failed probe is only a warning: the check can false-negative
// and must never block otherwise-valid work.
func (a *Assembler) preflight(ctx context.Context, frames []models.EditedFrame) {
	n := preflightSample
	if len(frames) < n {
		n = len(frames)
	}
	for _, frame := range frames[:n] {
		ref := frame.Edited
		if !ref.IsRemote() {
			if _, err := os.Stat(ref.Path); err != nil {
				a.logger.Warn("frame reference check failed", slog.Int("frame", frame.Index), slog.Any("error", err))
			}
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref.URL, nil)
		if err != nil {
			continue
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			a.logger.Warn("frame reference check failed", slog.Int("frame", frame.Index), slog.Any("error", err))
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			a.logger.Warn("frame reference check failed",
				slog.Int("frame", frame.Index),
				slog.Int("status", resp.StatusCode))
		}
	}
}

// orderGapless sorts the frames by index and verifies they cover 0..n-1 with
// no duplicates.
func orderGapless(frames []models.EditedFrame) ([]models.EditedFrame, error) {
	if len(frames) == 0 {
		return nil, models.Validationf("frames", "no frames to assemble")
	}
	ordered := make([]models.EditedFrame, len(frames))
	copy(ordered, frames)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	for i, frame := range ordered {
		if frame.Index != i {
			if frame.Index < i || (i > 0 && ordered[i-1].Index == frame.Index) {
				return nil, models.Validationf("frames", "duplicate frame index %d", frame.Index)
			}
			return nil, models.Validationf("frames", "missing frame index %d", i)
		}
		if frame.Edited.IsZero() {
			return nil, models.Validationf("frames", "frame %d has no edited image", frame.Index)
		}
	}
	return ordered, nil
}
