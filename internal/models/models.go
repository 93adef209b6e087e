package models

import "strings"

// ImageRef is an opaque reference to an image: either a file on local disk
// or a URL issued by the edit service. Service URLs are often time-limited,
// so holders should not assume a URL stays resolvable indefinitely.
type ImageRef struct {
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
}

// LocalRef returns a reference to an image on local disk.
func LocalRef(path string) ImageRef { return ImageRef{Path: path} }

// RemoteRef returns a reference to an image hosted at a URL.
func RemoteRef(url string) ImageRef { return ImageRef{URL: url} }

// IsRemote reports whether the reference points at a URL rather than a
// local file.
func (r ImageRef) IsRemote() bool { return r.URL != "" }

// IsZero reports whether the reference is empty.
func (r ImageRef) IsZero() bool { return r.Path == "" && r.URL == "" }

// String returns whichever location the reference carries.
func (r ImageRef) String() string {
	if r.IsRemote() {
		return r.URL
	}
	return r.Path
}

// SourceFrame is one frame extracted from the source video. Frames are
// immutable once extracted and ordered by Index; Index 0 is the reference
// frame.
type SourceFrame struct {
	Index     int      `json:"index"`
	Timestamp float64  `json:"timestamp"`
	Image     ImageRef `json:"image"`
}

// EditedFrame pairs a source frame with its edited counterpart. At most one
// EditedFrame exists per index; a retried edit overwrites the previous one.
type EditedFrame struct {
	Index    int      `json:"index"`
	Original ImageRef `json:"original"`
	Edited   ImageRef `json:"edited"`
}

// VideoMetadata describes the source video as reported by the decoder.
type VideoMetadata struct {
	DurationSeconds float64 `json:"duration_seconds"`
	FPS             float64 `json:"fps"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
}

// Extraction is the result of sampling frames from a video.
type Extraction struct {
	Frames   []SourceFrame `json:"frames"`
	Metadata VideoMetadata `json:"metadata"`
}

// SamplingPolicy controls how many frames extraction pulls from the video.
type SamplingPolicy struct {
	// IntervalFrames samples one frame out of every IntervalFrames source
	// frames. Must be >= 1.
	IntervalFrames int
	// MaxFrames caps the total number of extracted frames. Must be >= 1.
	MaxFrames int
}

// EncodedVideo is the output of a successful reassembly.
type EncodedVideo struct {
	Bytes  []byte
	Size   int64
	Format string
}

// PipelineState tracks where an edit session is in its lifecycle.
type PipelineState string

const (
	StateIdle                 PipelineState = "idle"
	StateExtractingFrames     PipelineState = "extracting_frames"
	StateEditingReference     PipelineState = "editing_reference"
	StateAnalyzingConsistency PipelineState = "analyzing_consistency"
	StateEditingRemaining     PipelineState = "editing_remaining"
	// StateFrameReview is the recoverable state: edited frames exist but the
	// automatic path stopped, either because some fan-out edits failed or
	// because reassembly exhausted its retries. Manual assembly and frame
	// retry remain available.
	StateFrameReview  PipelineState = "frame_review"
	StateReassembling PipelineState = "reassembling"
	StateComplete     PipelineState = "complete"
	StateFailed       PipelineState = "failed"
)

// Terminal reports whether the state ends the automatic pipeline. Note that
// FrameReview is deliberately not terminal: the session still accepts
// RetryFailed and Assemble.
func (s PipelineState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Strategy selects how the reference frame's change propagates to the
// remaining frames. The choice is made once per session.
type Strategy string

const (
	// StrategyBroadcast derives a single diff specification from the edited
	// reference frame and fans the remaining edits out in parallel.
	StrategyBroadcast Strategy = "broadcast"
	// StrategyChained derives a fresh merge instruction for each frame from
	// its most recently edited predecessor. Strictly sequential; tighter
	// frame-to-frame continuity at the cost of throughput.
	StrategyChained Strategy = "chained"
)

// ParseStrategy maps a user-supplied string onto a Strategy.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyBroadcast:
		return StrategyBroadcast, true
	case StrategyChained:
		return StrategyChained, true
	}
	return "", false
}

// Progress is a read-only projection of session state, published after every
// state transition and after every individual frame completion. It carries
// no control-flow weight; observers may be absent.
type Progress struct {
	State       PipelineState `json:"state"`
	Completed   int           `json:"completed"`
	Total       int           `json:"total"`
	ActiveFrame *int          `json:"active_frame,omitempty"`
	Message     string        `json:"message"`
}
