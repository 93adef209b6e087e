package assembler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/reframe/internal/models"
)

// fakeEncoder records encode calls and optionally fails the first N of them.
type fakeEncoder struct {
	failTimes   int
	calls       int
	frameCounts []int
	stagedFiles []int
}

func (f *fakeEncoder) Encode(ctx context.Context, framePattern string, frameCount int, fps float64, outPath string) error {
	f.calls++
	f.frameCounts = append(f.frameCounts, frameCount)

	entries, err := os.ReadDir(filepath.Dir(framePattern))
	if err != nil {
		return err
	}
	f.stagedFiles = append(f.stagedFiles, len(entries))

	if f.failTimes > 0 {
		f.failTimes--
		return fmt.Errorf("encoder crashed")
	}
	return os.WriteFile(outPath, []byte("encoded"), 0644)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func localFrames(t *testing.T, n int) []models.EditedFrame {
	t.Helper()
	dir := t.TempDir()
	frames := make([]models.EditedFrame, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("edited_%d.png", i))
		require.NoError(t, os.WriteFile(path, []byte("png"), 0644))
		frames[i] = models.EditedFrame{
			Index:    i,
			Original: models.LocalRef(path),
			Edited:   models.LocalRef(path),
		}
	}
	return frames
}

func newTestAssembler(t *testing.T, encoder Encoder) (*Assembler, string) {
	t.Helper()
	workDir := t.TempDir()
	return NewWithEncoder(encoder, workDir, time.Millisecond, testLogger()), workDir
}

func TestAssembleSuccess(t *testing.T) {
	encoder := &fakeEncoder{}
	a, workDir := newTestAssembler(t, encoder)

	video, err := a.Assemble(context.Background(), localFrames(t, 3), 30, "mp4")
	require.NoError(t, err)
	assert.Equal(t, []byte("encoded"), video.Bytes)
	assert.Equal(t, int64(len("encoded")), video.Size)
	assert.Equal(t, "mp4", video.Format)
	assert.Equal(t, 1, encoder.calls)
	assert.Equal(t, []int{3}, encoder.frameCounts)

	entries, readErr := os.ReadDir(workDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "staging artifacts must be removed on success")
}

func TestAssembleRetriesThenSucceeds(t *testing.T) {
	encoder := &fakeEncoder{failTimes: 1}
	a, workDir := newTestAssembler(t, encoder)

	video, err := a.Assemble(context.Background(), localFrames(t, 4), 24, "mp4")
	require.NoError(t, err)
	require.NotNil(t, video)
	assert.Equal(t, 2, encoder.calls)
	// the retry staged a fresh copy of every frame
	assert.Equal(t, []int{4, 4}, encoder.stagedFiles)

	entries, readErr := os.ReadDir(workDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestAssembleExhaustsRetries(t *testing.T) {
	encoder := &fakeEncoder{failTimes: 2}
	a, workDir := newTestAssembler(t, encoder)

	_, err := a.Assemble(context.Background(), localFrames(t, 2), 30, "mp4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, encoder.calls)

	entries, readErr := os.ReadDir(workDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "staging artifacts must be removed on failure")
}

func TestAssembleRejectsGaps(t *testing.T) {
	encoder := &fakeEncoder{}
	a, _ := newTestAssembler(t, encoder)

	frames := localFrames(t, 4)
	gapped := []models.EditedFrame{frames[0], frames[1], frames[3]}

	_, err := a.Assemble(context.Background(), gapped, 30, "mp4")
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
	assert.Contains(t, err.Error(), "missing frame index 2")
	assert.Equal(t, 0, encoder.calls, "a gap must be caught before the expensive encode")
}

func TestAssembleRejectsDuplicates(t *testing.T) {
	encoder := &fakeEncoder{}
	a, _ := newTestAssembler(t, encoder)

	frames := localFrames(t, 2)
	dup := []models.EditedFrame{frames[0], frames[1], frames[1]}

	_, err := a.Assemble(context.Background(), dup, 30, "mp4")
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
	assert.Equal(t, 0, encoder.calls)
}

func TestAssembleRejectsEmptyAndBadFPS(t *testing.T) {
	a, _ := newTestAssembler(t, &fakeEncoder{})

	_, err := a.Assemble(context.Background(), nil, 30, "mp4")
	assert.True(t, models.IsValidation(err))

	_, err = a.Assemble(context.Background(), localFrames(t, 1), 0, "mp4")
	assert.True(t, models.IsValidation(err))
}

func TestAssembleAcceptsUnorderedInput(t *testing.T) {
	encoder := &fakeEncoder{}
	a, _ := newTestAssembler(t, encoder)

	frames := localFrames(t, 3)
	shuffled := []models.EditedFrame{frames[2], frames[0], frames[1]}

	video, err := a.Assemble(context.Background(), shuffled, 30, "mp4")
	require.NoError(t, err)
	assert.NotNil(t, video)
}

func TestAssembleIdempotentOnResolvedFrames(t *testing.T) {
	encoder := &fakeEncoder{}
	a, _ := newTestAssembler(t, encoder)
	frames := localFrames(t, 5)

	first, err := a.Assemble(context.Background(), frames, 30, "mp4")
	require.NoError(t, err)
	second, err := a.Assemble(context.Background(), frames, 30, "mp4")
	require.NoError(t, err)

	assert.Equal(t, encoder.frameCounts[0], encoder.frameCounts[1])
	assert.Equal(t, first.Bytes, second.Bytes)
}

func TestAssembleExpiredReferenceClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	encoder := &fakeEncoder{}
	a, _ := newTestAssembler(t, encoder)

	frames := []models.EditedFrame{{
		Index:    0,
		Original: models.RemoteRef(server.URL + "/orig.png"),
		Edited:   models.RemoteRef(server.URL + "/edited.png"),
	}}

	_, err := a.Assemble(context.Background(), frames, 30, "mp4")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrReferenceExpired)
	assert.Equal(t, 0, encoder.calls, "staging failed, encode never ran")
}

func TestAssembleDownloadsRemoteFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote png"))
	}))
	defer server.Close()

	encoder := &fakeEncoder{}
	a, _ := newTestAssembler(t, encoder)

	frames := []models.EditedFrame{{
		Index:    0,
		Original: models.RemoteRef(server.URL + "/orig.png"),
		Edited:   models.RemoteRef(server.URL + "/edited.png"),
	}}

	video, err := a.Assemble(context.Background(), frames, 30, "mp4")
	require.NoError(t, err)
	assert.NotNil(t, video)
	assert.Equal(t, 1, encoder.calls)
}
