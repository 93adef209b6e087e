// Package analyzer wraps a local vision model in the two consistency modes
// the pipeline needs: deriving a reusable diff specification from the edited
// reference frame, and deriving per-frame merge instructions when chaining.
package analyzer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/agent-api/core/agent"

	"github.com/bdougie/reframe/internal/models"
)

// MaxSpecChars is the hard ceiling on a diff specification's length.
const MaxSpecChars = 5000

const diffPrompt = "The first image is an original video frame. The second image is the " +
	"same frame after this edit request: %q. Write a precise specification of every " +
	"visual change between the two, so the identical change can be applied to other " +
	"frames of the same video. Describe the change itself, not the frame content."

const mergePrompt = "The first image is a video frame that has not been edited yet. The " +
	"second image is the previous frame of the same video after this edit request: %q. " +
	"Write an instruction for transplanting the established style change from the " +
	"second image onto the first image's content, keeping the first image's scene intact."

const (
	probeTimeout = 5 * time.Second
	// frame downloads can be slow; they must not share the probe's deadline
	fetchTimeout = 60 * time.Second
)

// Analyzer runs consistency analysis through a vision agent.
type Analyzer struct {
	agent       *agent.Agent
	probeURL    string
	probeClient *http.Client
	fetchClient *http.Client
	logger      *slog.Logger
}

// New creates an Analyzer backed by an ollama-hosted vision model.
func New(ctx context.Context, baseURL string, port int, model string, logger *slog.Logger) (*Analyzer, error) {
	a, err := NewAgent(ctx, baseURL, port, model, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vision agent: %w", err)
	}
	return &Analyzer{
		agent:       a,
		probeURL:    fmt.Sprintf("%s:%d/api/tags", baseURL, port),
		probeClient: &http.Client{Timeout: probeTimeout},
		fetchClient: &http.Client{Timeout: fetchTimeout},
		logger:      logger,
	}, nil
}

// Available reports whether the model endpoint answers. Used at session
// start to fall back to the chained strategy when analysis is down.
func (a *Analyzer) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := a.probeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// DiffSpec compares the original reference frame with its edited counterpart
// and returns a bounded textual change specification.
func (a *Analyzer) DiffSpec(ctx context.Context, userPrompt string, original, edited models.ImageRef) (string, error) {
	spec, err := a.compare(ctx, fmt.Sprintf(diffPrompt, userPrompt), original, edited)
	if err != nil {
		return "", fmt.Errorf("diff specification failed: %w", err)
	}
	return truncateSpec(spec, MaxSpecChars), nil
}

// MergeInstruction compares a not-yet-edited frame with the previously
// edited frame and returns an instruction for carrying the change over.
func (a *Analyzer) MergeInstruction(ctx context.Context, userPrompt string, current, prevEdited models.ImageRef) (string, error) {
	instruction, err := a.compare(ctx, fmt.Sprintf(mergePrompt, userPrompt), current, prevEdited)
	if err != nil {
		return "", fmt.Errorf("merge instruction failed: %w", err)
	}
	return instruction, nil
}

func (a *Analyzer) compare(ctx context.Context, prompt string, first, second models.ImageRef) (string, error) {
	firstPath, cleanupFirst, err := a.localPath(ctx, first)
	if err != nil {
		return "", err
	}
	defer cleanupFirst()

	secondPath, cleanupSecond, err := a.localPath(ctx, second)
	if err != nil {
		return "", err
	}
	defer cleanupSecond()

	response, err := a.agent.Run(
		ctx,
		agent.WithInput(prompt),
		agent.WithImagePath(firstPath),
		agent.WithImagePath(secondPath),
	)
	if err != nil {
		return "", err
	}

	if len(response.Messages) == 0 {
		return "", fmt.Errorf("no response messages received from model")
	}

	content := response.Messages[len(response.Messages)-1].Content
	a.logger.Debug("analysis response", slog.Int("chars", len(content)))
	return content, nil
}

// localPath resolves a reference to a readable file, downloading remote
// references to a temp file. The cleanup func removes any temp file.
func (a *Analyzer) localPath(ctx context.Context, ref models.ImageRef) (string, func(), error) {
	if !ref.IsRemote() {
		if _, err := os.Stat(ref.Path); err != nil {
			return "", nil, fmt.Errorf("frame file missing: %w", err)
		}
		return ref.Path, func() {}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := a.fetchClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch %s: %w", ref.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", nil, fmt.Errorf("fetch %s returned %d: %w", ref.URL, resp.StatusCode, models.ErrReferenceExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetch %s returned %d", ref.URL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "reframe-analysis-*.png")
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to download %s: %w", ref.URL, err)
	}
	tmp.Close()
	return tmp.Name(), func() { _ = os.Remove(tmp.Name()) }, nil
}

// truncateSpec bounds a specification without cutting a word in half.
func truncateSpec(spec string, limit int) string {
	if len(spec) <= limit {
		return spec
	}
	cut := spec[:limit]
	for i := len(cut) - 1; i > 0; i-- {
		if cut[i] == ' ' || cut[i] == '\n' {
			return cut[:i]
		}
	}
	return cut
}
