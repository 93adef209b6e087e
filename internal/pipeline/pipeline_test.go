package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/reframe/internal/assembler"
	"github.com/bdougie/reframe/internal/editor"
	"github.com/bdougie/reframe/internal/models"
)

type fakeExtractor struct {
	frames []models.SourceFrame
	fps    float64
	err    error
}

func (f *fakeExtractor) Extract(ctx context.Context, videoPath string, policy models.SamplingPolicy) (*models.Extraction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Extraction{
		Frames:   f.frames,
		Metadata: models.VideoMetadata{FPS: f.fps, DurationSeconds: 10, Width: 640, Height: 480},
	}, nil
}

func (f *fakeExtractor) Cleanup(extraction *models.Extraction) {}

type fakeEditor struct {
	mu       sync.Mutex
	requests map[int][]editor.EditRequest // keyed by frame index
	failing  map[int]bool
	checkErr error
}

func newFakeEditor() *fakeEditor {
	return &fakeEditor{requests: map[int][]editor.EditRequest{}, failing: map[int]bool{}}
}

// frameIndex recovers the frame index from the first reference image path.
func frameIndex(req editor.EditRequest) int {
	var idx int
	fmt.Sscanf(req.Images[0].Path, "/frames/frame_%d.png", &idx)
	return idx
}

func (f *fakeEditor) Edit(ctx context.Context, req editor.EditRequest) (models.ImageRef, error) {
	idx := frameIndex(req)
	f.mu.Lock()
	f.requests[idx] = append(f.requests[idx], req)
	fail := f.failing[idx]
	f.mu.Unlock()
	if fail {
		return models.ImageRef{}, fmt.Errorf("service unavailable")
	}
	return models.RemoteRef(fmt.Sprintf("https://edits.example/%d.png", idx)), nil
}

func (f *fakeEditor) CheckRef(ctx context.Context, ref models.ImageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkErr
}

func (f *fakeEditor) requestsFor(idx int) []editor.EditRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[idx]
}

type fakeAnalyzer struct {
	available bool
	spec      string
	specErr   error
}

func (f *fakeAnalyzer) Available(ctx context.Context) bool { return f.available }

func (f *fakeAnalyzer) DiffSpec(ctx context.Context, userPrompt string, original, edited models.ImageRef) (string, error) {
	if f.specErr != nil {
		return "", f.specErr
	}
	return f.spec, nil
}

func (f *fakeAnalyzer) MergeInstruction(ctx context.Context, userPrompt string, current, prevEdited models.ImageRef) (string, error) {
	return "carry the established glow onto this frame", nil
}

type fakeAssembler struct {
	mu        sync.Mutex
	calls     [][]models.EditedFrame
	failTimes int
	gapCheck  bool
}

func (f *fakeAssembler) Assemble(ctx context.Context, frames []models.EditedFrame, fps float64, format string) (*models.EncodedVideo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, frames)
	if f.gapCheck {
		for i, frame := range frames {
			if frame.Index != i {
				return nil, models.Validationf("frames", "missing frame index %d", i)
			}
		}
	}
	if f.failTimes > 0 {
		f.failTimes--
		return nil, fmt.Errorf("reassembly failed after 2 attempts: %w", models.ErrReferenceExpired)
	}
	return &models.EncodedVideo{Bytes: []byte("video"), Size: 5, Format: format}, nil
}

func (f *fakeAssembler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sourceFrames(n int) []models.SourceFrame {
	frames := make([]models.SourceFrame, n)
	for i := range frames {
		frames[i] = models.SourceFrame{
			Index:     i,
			Timestamp: float64(i),
			Image:     models.LocalRef(fmt.Sprintf("/frames/frame_%d.png", i)),
		}
	}
	return frames
}

type harness struct {
	session   *Session
	extractor *fakeExtractor
	editor    *fakeEditor
	analyzer  *fakeAnalyzer
	assembler *fakeAssembler
}

func newHarness(t *testing.T, frameCount int, opts Options) *harness {
	t.Helper()
	h := &harness{
		extractor: &fakeExtractor{frames: sourceFrames(frameCount), fps: 30},
		editor:    newFakeEditor(),
		analyzer:  &fakeAnalyzer{available: true, spec: "add neon glow to every surface"},
		assembler: &fakeAssembler{},
	}
	if opts.EditRate == 0 {
		opts.EditRate = 10000 // tests should not wait on the limiter
	}
	h.session = NewSession(Deps{
		Extractor: h.extractor,
		Editor:    h.editor,
		Analyzer:  h.analyzer,
		Assembler: h.assembler,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, opts)
	return h
}

var testPolicy = models.SamplingPolicy{IntervalFrames: 30, MaxFrames: 60}

func TestRunBroadcastComplete(t *testing.T) {
	h := newHarness(t, 5, Options{})
	video, err := h.session.Run(context.Background(), "in.mp4", "make it look cyberpunk", testPolicy)
	require.NoError(t, err)
	require.NotNil(t, video)
	assert.Equal(t, []byte("video"), video.Bytes)
	assert.Equal(t, models.StateComplete, h.session.State())
	assert.Equal(t, models.StrategyBroadcast, h.session.Strategy())

	edited := h.session.EditedFrames()
	require.Len(t, edited, 5)
	for i, frame := range edited {
		assert.Equal(t, i, frame.Index)
	}

	// reference frame got the raw prompt with the first-frame annotation
	refReqs := h.editor.requestsFor(0)
	require.Len(t, refReqs, 1)
	assert.Contains(t, refReqs[0].Prompt, "make it look cyberpunk")
	assert.Contains(t, refReqs[0].Prompt, "first frame")

	// fan-out frames got the user prompt plus the diff specification
	for i := 1; i < 5; i++ {
		reqs := h.editor.requestsFor(i)
		require.Len(t, reqs, 1, "frame %d", i)
		assert.Contains(t, reqs[0].Prompt, "make it look cyberpunk")
		assert.Contains(t, reqs[0].Prompt, "add neon glow to every surface")
		assert.LessOrEqual(t, len(reqs[0].Prompt), editor.MaxPromptChars)
		assert.Len(t, reqs[0].Images, 1)
	}

	// reassembly received the gapless set in ascending order
	require.Equal(t, 1, h.assembler.callCount())
	for i, frame := range h.assembler.calls[0] {
		assert.Equal(t, i, frame.Index)
	}
}

func TestRunEditedIndicesUniqueSubset(t *testing.T) {
	h := newHarness(t, 12, Options{MaxWorkers: 8})
	_, err := h.session.Run(context.Background(), "in.mp4", "sepia film look", testPolicy)
	require.NoError(t, err)

	seen := map[int]bool{}
	for _, frame := range h.session.EditedFrames() {
		assert.False(t, seen[frame.Index], "duplicate index %d", frame.Index)
		assert.GreaterOrEqual(t, frame.Index, 0)
		assert.Less(t, frame.Index, 12)
		seen[frame.Index] = true
	}
	assert.Len(t, seen, 12)
}

func TestRunPartialBatchFailure(t *testing.T) {
	h := newHarness(t, 10, Options{})
	h.editor.failing[7] = true

	video, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	assert.Nil(t, video)

	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 9, partial.Retained)
	require.Len(t, partial.Failures, 1)
	assert.Equal(t, 7, partial.Failures[0].Index)

	// edited work is retained, reassembly never ran
	assert.Equal(t, models.StateFrameReview, h.session.State())
	assert.Len(t, h.session.EditedFrames(), 9)
	assert.Equal(t, []int{7}, h.session.FailedFrames())
	assert.Equal(t, 0, h.assembler.callCount())
}

func TestRetryFailedThenAssemble(t *testing.T) {
	h := newHarness(t, 10, Options{})
	h.editor.failing[3] = true

	_, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)

	h.editor.failing[3] = false
	require.NoError(t, h.session.RetryFailed(context.Background()))
	assert.Len(t, h.session.EditedFrames(), 10)
	assert.Empty(t, h.session.FailedFrames())

	video, err := h.session.Assemble(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), video.Size)
	assert.Equal(t, models.StateComplete, h.session.State())
}

func TestReassemblyDeferredKeepsFrames(t *testing.T) {
	h := newHarness(t, 10, Options{})
	h.assembler.failTimes = 1

	video, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	assert.Nil(t, video)

	var deferred *AssemblyDeferredError
	require.ErrorAs(t, err, &deferred)
	assert.ErrorIs(t, err, models.ErrReferenceExpired)
	assert.Equal(t, assembler.MaxAttempts, deferred.Attempts)

	// never terminal: all ten frames survive and manual assembly still works
	assert.Equal(t, models.StateFrameReview, h.session.State())
	assert.Len(t, h.session.EditedFrames(), 10)

	video, err = h.session.Assemble(context.Background())
	require.NoError(t, err)
	require.NotNil(t, video)
	assert.Equal(t, models.StateComplete, h.session.State())
}

func TestAssembleDefersOnExpiredReference(t *testing.T) {
	h := newHarness(t, 5, Options{})
	h.editor.checkErr = fmt.Errorf("probe returned 404: %w", models.ErrReferenceExpired)

	video, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	assert.Nil(t, video)

	// a known-expired reference is caught before any encode attempt runs
	var deferred *AssemblyDeferredError
	require.ErrorAs(t, err, &deferred)
	assert.ErrorIs(t, err, models.ErrReferenceExpired)
	assert.Equal(t, 0, deferred.Attempts)
	assert.Equal(t, 0, h.assembler.callCount())

	assert.Equal(t, models.StateFrameReview, h.session.State())
	assert.Len(t, h.session.EditedFrames(), 5)

	h.editor.checkErr = nil
	video, err = h.session.Assemble(context.Background())
	require.NoError(t, err)
	require.NotNil(t, video)
	assert.Equal(t, models.StateComplete, h.session.State())
}

func TestAssembleProceedsOnInconclusiveCheck(t *testing.T) {
	h := newHarness(t, 4, Options{})
	h.editor.checkErr = fmt.Errorf("probe timed out")

	video, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	require.NoError(t, err)
	require.NotNil(t, video)
	assert.Equal(t, 1, h.assembler.callCount())
}

func TestExtractionFailureIsFatal(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.extractor.err = models.Validationf("video", "no video stream found")

	_, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
	assert.Equal(t, models.StateFailed, h.session.State())
	assert.Empty(t, h.session.EditedFrames())
}

func TestReferenceEditFailureIsFatal(t *testing.T) {
	h := newHarness(t, 5, Options{})
	h.editor.failing[0] = true

	_, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	require.Error(t, err)
	assert.Equal(t, models.StateFailed, h.session.State())
	assert.Equal(t, 0, h.assembler.callCount())
}

func TestAnalysisFailureIsFatal(t *testing.T) {
	h := newHarness(t, 5, Options{Strategy: models.StrategyBroadcast})
	h.analyzer.specErr = fmt.Errorf("model crashed")

	_, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	require.Error(t, err)
	assert.Equal(t, models.StateFailed, h.session.State())
	// the reference edit is retained even though the session failed later
	assert.Len(t, h.session.EditedFrames(), 1)
}

func TestChainedFallbackWhenAnalyzerDown(t *testing.T) {
	h := newHarness(t, 4, Options{})
	h.analyzer.available = false

	_, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyChained, h.session.Strategy())

	// chained edits carry the previous edited frame as a second reference
	for i := 1; i < 4; i++ {
		reqs := h.editor.requestsFor(i)
		require.Len(t, reqs, 1)
		require.Len(t, reqs[0].Images, 2)
		assert.Equal(t, fmt.Sprintf("https://edits.example/%d.png", i-1), reqs[0].Images[1].URL)
	}
}

func TestChainedSkipsFailedPredecessor(t *testing.T) {
	h := newHarness(t, 4, Options{Strategy: models.StrategyChained})
	h.editor.failing[1] = true

	_, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)

	// frame 2 chains off frame 0, the last frame that actually succeeded
	reqs := h.editor.requestsFor(2)
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Images, 2)
	assert.Equal(t, "https://edits.example/0.png", reqs[0].Images[1].URL)
}

func TestOversizePromptRejectedUpFront(t *testing.T) {
	h := newHarness(t, 5, Options{})
	long := make([]byte, editor.MaxPromptChars+1)
	for i := range long {
		long[i] = 'x'
	}

	_, err := h.session.Run(context.Background(), "in.mp4", string(long), testPolicy)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
	assert.Equal(t, models.StateFailed, h.session.State())
}

func TestSessionIsSingleUse(t *testing.T) {
	h := newHarness(t, 3, Options{})
	_, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	require.NoError(t, err)

	_, err = h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	require.Error(t, err)
}

func TestProgressPublishedWithoutObserver(t *testing.T) {
	// nobody drains the channel; publishing must never block the pipeline
	h := newHarness(t, 80, Options{MaxWorkers: 16})
	_, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, models.StateComplete, h.session.State())
}

func TestProgressReportsCompletionOrder(t *testing.T) {
	h := newHarness(t, 5, Options{})

	done := make(chan []models.Progress)
	go func() {
		var seen []models.Progress
		for p := range h.session.Progress() {
			seen = append(seen, p)
			if p.State == models.StateComplete {
				break
			}
		}
		done <- seen
	}()

	_, err := h.session.Run(context.Background(), "in.mp4", "make it snowy", testPolicy)
	require.NoError(t, err)

	seen := <-done
	var frameEvents int
	lastCompleted := 0
	for _, p := range seen {
		if p.ActiveFrame != nil {
			frameEvents++
			assert.GreaterOrEqual(t, p.Completed, lastCompleted)
			lastCompleted = p.Completed
		}
	}
	assert.Equal(t, 5, frameEvents)
}
