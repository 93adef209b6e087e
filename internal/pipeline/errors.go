package pipeline

import (
	"fmt"
	"strings"
)

// FrameFailure is one frame's edit failure inside a fan-out batch.
type FrameFailure struct {
	Index int
	Err   error
}

func (f FrameFailure) String() string {
	return fmt.Sprintf("frame %d: %v", f.Index, f.Err)
}

// PartialBatchError reports that some fan-out edits failed while the rest
// succeeded. The session does not abort: successful frames are retained and
// the caller can retry the failures or assemble manually from what survived.
type PartialBatchError struct {
	Failures []FrameFailure
	Retained int
}

func (e *PartialBatchError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.String()
	}
	return fmt.Sprintf("%d of %d frame edits failed (%d retained): %s",
		len(e.Failures), len(e.Failures)+e.Retained, e.Retained, strings.Join(msgs, "; "))
}

// AssemblyDeferredError reports that reassembly exhausted its retries. The
// edited frames remain valid; the caller can invoke Assemble again later.
type AssemblyDeferredError struct {
	Attempts int
	Err      error
}

func (e *AssemblyDeferredError) Error() string {
	return fmt.Sprintf("reassembly deferred after %d attempts (edited frames retained): %v", e.Attempts, e.Err)
}

func (e *AssemblyDeferredError) Unwrap() error { return e.Err }
