// Package pipeline drives the end-to-end frame-consistency state machine:
// extract frames, edit the reference frame, derive a propagation strategy,
// fan the edit out across the remaining frames, and reassemble the video.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bdougie/reframe/internal/assembler"
	"github.com/bdougie/reframe/internal/editor"
	"github.com/bdougie/reframe/internal/models"
	"github.com/bdougie/reframe/internal/storage"
)

// Extractor is the frame extraction boundary.
type Extractor interface {
	Extract(ctx context.Context, videoPath string, policy models.SamplingPolicy) (*models.Extraction, error)
	Cleanup(extraction *models.Extraction)
}

// Editor is the generative image-edit boundary.
type Editor interface {
	Edit(ctx context.Context, req editor.EditRequest) (models.ImageRef, error)
	// CheckRef probes whether a previously issued image reference is still
	// resolvable.
	CheckRef(ctx context.Context, ref models.ImageRef) error
}

// Analyzer is the consistency-analysis boundary.
type Analyzer interface {
	Available(ctx context.Context) bool
	DiffSpec(ctx context.Context, userPrompt string, original, edited models.ImageRef) (string, error)
	MergeInstruction(ctx context.Context, userPrompt string, current, prevEdited models.ImageRef) (string, error)
}

// Assembler is the reassembly boundary.
type Assembler interface {
	Assemble(ctx context.Context, frames []models.EditedFrame, fps float64, format string) (*models.EncodedVideo, error)
}

// Deps are the external collaborators a session drives. Store may be nil.
type Deps struct {
	Extractor Extractor
	Editor    Editor
	Analyzer  Analyzer
	Assembler Assembler
	Store     storage.Store
	Logger    *slog.Logger
}

// Options tune one session.
type Options struct {
	// ID names the session; zero value generates one.
	ID uuid.UUID
	// Strategy selects the propagation strategy. Empty means automatic:
	// broadcast, falling back to chained when the analyzer is unreachable.
	Strategy     models.Strategy
	MaxWorkers   int
	EditRate     float64 // edit calls per second across the fan-out
	FPS          float64 // output fps; 0 uses the source video's fps
	OutputFormat string
}

const progressBuffer = 64

// Session is one video edit from extraction through reassembly. A session is
// single-use: create one per video+prompt pair. Frame completions land
// concurrently but each targets a unique index, so the edited set needs only
// the session mutex.
type Session struct {
	ID uuid.UUID

	deps    Deps
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	mu         sync.Mutex
	state      models.PipelineState
	strategy   models.Strategy
	analyzerUp bool
	userPrompt string
	extraction *models.Extraction
	spec       string
	edited     map[int]models.EditedFrame
	failed     map[int]error

	progress chan models.Progress
}

// NewSession creates an idle session.
func NewSession(deps Deps, opts Options) *Session {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 4
	}
	if opts.EditRate <= 0 {
		opts.EditRate = 2
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = "mp4"
	}
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &Session{
		ID:       id,
		deps:     deps,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.EditRate), 1),
		logger:   deps.Logger.With(slog.String("session", id.String())),
		state:    models.StateIdle,
		edited:   map[int]models.EditedFrame{},
		failed:   map[int]error{},
		progress: make(chan models.Progress, progressBuffer),
	}
}

// Progress exposes the session's progress stream. Publishing never blocks;
// if nobody drains the channel, updates are dropped.
func (s *Session) Progress() <-chan models.Progress { return s.progress }

// State returns the current pipeline state.
func (s *Session) State() models.PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Strategy returns the propagation strategy chosen for this session. Empty
// until the reference frame has been edited.
func (s *Session) Strategy() models.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// UserPrompt returns the edit prompt this session was started with.
func (s *Session) UserPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userPrompt
}

// DiffSpec returns the broadcast diff specification, if one was derived.
func (s *Session) DiffSpec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// EditedFrames returns the edited frames collected so far, ordered by index.
func (s *Session) EditedFrames() []models.EditedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([]models.EditedFrame, 0, len(s.edited))
	for _, frame := range s.edited {
		frames = append(frames, frame)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Index < frames[j].Index })
	return frames
}

// FailedFrames returns the indices that failed in the last fan-out, sorted.
func (s *Session) FailedFrames() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	indices := make([]int, 0, len(s.failed))
	for idx := range s.failed {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// Close releases the session's extracted frame files. Call it once the
// session's edited frames are no longer needed.
func (s *Session) Close() {
	s.mu.Lock()
	extraction := s.extraction
	s.extraction = nil
	s.mu.Unlock()
	if extraction != nil {
		s.deps.Extractor.Cleanup(extraction)
	}
}

// Run executes the automatic pipeline. Fatal phases (extraction, reference
// edit, consistency analysis) end in StateFailed. Fan-out and reassembly
// failures are recoverable: the session lands in StateFrameReview with a
// PartialBatchError or AssemblyDeferredError, and already-edited frames stay
// available through EditedFrames, RetryFailed and Assemble.
func (s *Session) Run(ctx context.Context, videoPath, prompt string, policy models.SamplingPolicy) (*models.EncodedVideo, error) {
	if state := s.State(); state != models.StateIdle {
		return nil, fmt.Errorf("session already started (state %s)", state)
	}
	if prompt == "" {
		return nil, s.fail(models.Validationf("prompt", "must not be empty"))
	}
	if len(prompt) > editor.MaxPromptChars {
		return nil, s.fail(models.Validationf("prompt", "length %d exceeds %d char limit", len(prompt), editor.MaxPromptChars))
	}
	s.mu.Lock()
	s.userPrompt = prompt
	s.mu.Unlock()

	// Extraction
	s.setState(models.StateExtractingFrames, "extracting frames")
	extraction, err := s.deps.Extractor.Extract(ctx, videoPath, policy)
	if err != nil {
		return nil, s.fail(fmt.Errorf("extraction: %w", err))
	}
	if len(extraction.Frames) == 0 {
		return nil, s.fail(models.Validationf("video", "no frames extracted"))
	}
	s.mu.Lock()
	s.extraction = extraction
	s.mu.Unlock()
	s.logger.Info("frames extracted",
		slog.Int("count", len(extraction.Frames)),
		slog.Float64("fps", extraction.Metadata.FPS))

	// Reference frame
	s.setState(models.StateEditingReference, "editing reference frame")
	reference := extraction.Frames[0]
	editedRef, err := s.deps.Editor.Edit(ctx, editor.EditRequest{
		Prompt:       referencePrompt(prompt),
		Images:       []models.ImageRef{reference.Image},
		OutputFormat: "png",
	})
	if err != nil {
		return nil, s.fail(fmt.Errorf("reference frame edit: %w", err))
	}
	s.recordEdit(ctx, models.EditedFrame{Index: 0, Original: reference.Image, Edited: editedRef})

	// Strategy selection, then the one true sequential dependency: the
	// broadcast spec must exist before any fan-out starts.
	strategy := s.chooseStrategy(ctx)
	if strategy == models.StrategyBroadcast {
		s.setState(models.StateAnalyzingConsistency, "deriving diff specification")
		spec, err := s.deps.Analyzer.DiffSpec(ctx, prompt, reference.Image, editedRef)
		if err != nil {
			return nil, s.fail(fmt.Errorf("consistency analysis: %w", err))
		}
		s.mu.Lock()
		s.spec = spec
		s.mu.Unlock()
		s.logger.Info("diff specification derived", slog.Int("chars", len(spec)))
	}

	// Remaining frames
	s.setState(models.StateEditingRemaining, "editing remaining frames")
	remaining := make([]models.SourceFrame, 0, len(extraction.Frames)-1)
	for _, frame := range extraction.Frames[1:] {
		remaining = append(remaining, frame)
	}
	s.editFrames(ctx, remaining)

	if s.deps.Store != nil {
		if err := s.deps.Store.Flush(); err != nil {
			s.logger.Warn("manifest flush failed", slog.Any("error", err))
		}
	}

	if failures := s.failures(); len(failures) > 0 {
		s.setState(models.StateFrameReview, "some frames failed; review before assembly")
		return nil, &PartialBatchError{Failures: failures, Retained: len(s.EditedFrames())}
	}

	return s.Assemble(ctx)
}

// Assemble runs reassembly over the collected edited frames. It is the
// manual-assembly affordance after a recoverable failure, and the tail of
// the automatic path. Exhausted encode retries defer assembly instead of
// failing the session.
func (s *Session) Assemble(ctx context.Context) (*models.EncodedVideo, error) {
	s.mu.Lock()
	switch s.state {
	case models.StateEditingRemaining, models.StateFrameReview, models.StateReassembling:
	default:
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("cannot assemble in state %s", state)
	}
	fps := s.opts.FPS
	if fps <= 0 && s.extraction != nil {
		fps = s.extraction.Metadata.FPS
	}
	s.mu.Unlock()

	frames := s.EditedFrames()

	// Cheap probe of the reference frame before committing to the encode.
	// A known-expired reference defers without burning encode attempts;
	// anything less conclusive is left for the assembler to find out.
	if len(frames) > 0 {
		if err := s.deps.Editor.CheckRef(ctx, frames[0].Edited); err != nil {
			if errors.Is(err, models.ErrReferenceExpired) {
				s.setState(models.StateFrameReview, "reference expired; edited frames retained")
				return nil, &AssemblyDeferredError{Attempts: 0, Err: err}
			}
			s.logger.Warn("reference check inconclusive", slog.Any("error", err))
		}
	}

	s.setState(models.StateReassembling, "encoding edited frames")
	video, err := s.deps.Assembler.Assemble(ctx, frames, fps, s.opts.OutputFormat)
	if err != nil {
		if models.IsValidation(err) {
			// gap in the frame set: a precondition violation, not transient
			return nil, s.fail(fmt.Errorf("reassembly: %w", err))
		}
		s.setState(models.StateFrameReview, "reassembly deferred; edited frames retained")
		return nil, &AssemblyDeferredError{Attempts: assembler.MaxAttempts, Err: err}
	}

	s.setState(models.StateComplete, "video reassembled")
	return video, nil
}

// RetryFailed re-dispatches only the frames that failed in the previous
// fan-out, overwriting nothing that succeeded. The session stays in
// FrameReview; call Assemble once the set is complete.
func (s *Session) RetryFailed(ctx context.Context) error {
	s.mu.Lock()
	if s.state != models.StateFrameReview {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot retry frames in state %s", state)
	}
	if len(s.failed) == 0 {
		s.mu.Unlock()
		return nil
	}
	indices := make(map[int]bool, len(s.failed))
	for idx := range s.failed {
		indices[idx] = true
	}
	s.failed = map[int]error{}
	extraction := s.extraction
	s.mu.Unlock()

	if extraction == nil {
		return fmt.Errorf("source frames no longer available")
	}

	var retry []models.SourceFrame
	for _, frame := range extraction.Frames {
		if indices[frame.Index] {
			retry = append(retry, frame)
		}
	}

	s.editFrames(ctx, retry)
	if s.deps.Store != nil {
		if err := s.deps.Store.Flush(); err != nil {
			s.logger.Warn("manifest flush failed", slog.Any("error", err))
		}
	}

	if failures := s.failures(); len(failures) > 0 {
		return &PartialBatchError{Failures: failures, Retained: len(s.EditedFrames())}
	}
	return nil
}

// chooseStrategy resolves the session's propagation strategy once. Broadcast
// needs the analyzer for its diff specification; when the analyzer is down
// the session degrades to chained mode, which can run without it.
func (s *Session) chooseStrategy(ctx context.Context) models.Strategy {
	strategy := s.opts.Strategy
	up := s.deps.Analyzer.Available(ctx)
	if strategy == "" {
		strategy = models.StrategyBroadcast
	}
	if strategy == models.StrategyBroadcast && !up {
		s.logger.Warn("analyzer unavailable, falling back to chained strategy")
		strategy = models.StrategyChained
	}
	s.mu.Lock()
	s.strategy = strategy
	s.analyzerUp = up
	s.mu.Unlock()
	s.logger.Info("strategy selected", slog.String("strategy", string(strategy)))
	return strategy
}

// editFrames dispatches edits for the given frames according to the chosen
// strategy and waits for every dispatched edit to settle.
func (s *Session) editFrames(ctx context.Context, frames []models.SourceFrame) {
	if len(frames) == 0 {
		return
	}
	s.mu.Lock()
	strategy := s.strategy
	s.mu.Unlock()

	if strategy == models.StrategyChained {
		s.editChained(ctx, frames)
		return
	}
	s.editBroadcast(ctx, frames)
}

// editBroadcast fans the remaining edits out in parallel. Completion order
// is whatever the service returns first; a single failure never stops the
// batch.
func (s *Session) editBroadcast(ctx context.Context, frames []models.SourceFrame) {
	s.mu.Lock()
	prompt := ComposePrompt(s.userPrompt, s.spec)
	s.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(s.opts.MaxWorkers)

	for _, frame := range frames {
		frame := frame
		g.Go(func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				s.recordFailure(frame.Index, err)
				return nil
			}
			edited, err := s.deps.Editor.Edit(ctx, editor.EditRequest{
				Prompt:       prompt,
				Images:       []models.ImageRef{frame.Image},
				OutputFormat: "png",
			})
			if err != nil {
				s.recordFailure(frame.Index, err)
				return nil
			}
			s.recordEdit(ctx, models.EditedFrame{Index: frame.Index, Original: frame.Image, Edited: edited})
			return nil
		})
	}
	_ = g.Wait()
}

// editChained walks the frames in order, carrying the change forward from
// each frame's most recently edited predecessor. A failed frame is skipped;
// its successor chains off the last frame that did succeed.
func (s *Session) editChained(ctx context.Context, frames []models.SourceFrame) {
	for _, frame := range frames {
		prev, ok := s.predecessor(frame.Index)
		if !ok {
			s.recordFailure(frame.Index, fmt.Errorf("no edited predecessor to chain from"))
			continue
		}

		instruction := continuityInstruction
		if s.analyzerUp {
			derived, err := s.deps.Analyzer.MergeInstruction(ctx, s.userPrompt, frame.Image, prev.Edited)
			if err != nil {
				s.logger.Warn("merge instruction failed, using continuity fallback",
					slog.Int("frame", frame.Index), slog.Any("error", err))
			} else {
				instruction = derived
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			s.recordFailure(frame.Index, err)
			continue
		}
		edited, err := s.deps.Editor.Edit(ctx, editor.EditRequest{
			Prompt:       ComposePrompt(s.userPrompt, instruction),
			Images:       []models.ImageRef{frame.Image, prev.Edited},
			OutputFormat: "png",
		})
		if err != nil {
			s.recordFailure(frame.Index, err)
			continue
		}
		s.recordEdit(ctx, models.EditedFrame{Index: frame.Index, Original: frame.Image, Edited: edited})
	}
}

// predecessor returns the edited frame with the highest index below idx.
func (s *Session) predecessor(idx int) (models.EditedFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best, found := models.EditedFrame{Index: -1}, false
	for i, frame := range s.edited {
		if i < idx && i > best.Index {
			best, found = frame, true
		}
	}
	return best, found
}

// recordEdit appends a completed frame, persists it to the manifest, and
// publishes progress in completion order.
func (s *Session) recordEdit(ctx context.Context, frame models.EditedFrame) {
	s.mu.Lock()
	s.edited[frame.Index] = frame
	delete(s.failed, frame.Index)
	completed, total := len(s.edited), s.total()
	state := s.state
	s.mu.Unlock()

	if s.deps.Store != nil {
		if err := s.deps.Store.AddFrame(ctx, frame); err != nil {
			s.logger.Warn("manifest write failed", slog.Int("frame", frame.Index), slog.Any("error", err))
		}
	}

	idx := frame.Index
	s.publish(models.Progress{
		State:       state,
		Completed:   completed,
		Total:       total,
		ActiveFrame: &idx,
		Message:     fmt.Sprintf("frame %d edited", frame.Index),
	})
}

func (s *Session) recordFailure(idx int, err error) {
	s.logger.Error("frame edit failed", slog.Int("frame", idx), slog.Any("error", err))
	s.mu.Lock()
	s.failed[idx] = err
	completed, total := len(s.edited), s.total()
	state := s.state
	s.mu.Unlock()

	s.publish(models.Progress{
		State:       state,
		Completed:   completed,
		Total:       total,
		ActiveFrame: &idx,
		Message:     fmt.Sprintf("frame %d failed: %v", idx, err),
	})
}

func (s *Session) failures() []FrameFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	failures := make([]FrameFailure, 0, len(s.failed))
	for idx, err := range s.failed {
		failures = append(failures, FrameFailure{Index: idx, Err: err})
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
	return failures
}

// total must be called with s.mu held.
func (s *Session) total() int {
	if s.extraction == nil {
		return 0
	}
	return len(s.extraction.Frames)
}

func (s *Session) setState(state models.PipelineState, msg string) {
	s.mu.Lock()
	s.state = state
	completed, total := len(s.edited), s.total()
	s.mu.Unlock()

	s.logger.Info("state transition", slog.String("state", string(state)))
	s.publish(models.Progress{State: state, Completed: completed, Total: total, Message: msg})
}

func (s *Session) fail(err error) error {
	s.setState(models.StateFailed, err.Error())
	return err
}

// publish never blocks: progress is a projection, not control flow.
func (s *Session) publish(p models.Progress) {
	select {
	case s.progress <- p:
	default:
	}
}
