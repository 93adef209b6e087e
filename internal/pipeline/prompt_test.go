package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bdougie/reframe/internal/editor"
)

func TestComposePromptWithinCeiling(t *testing.T) {
	userPrompt := "make it look cyberpunk"
	spec := strings.Repeat("neon signs, wet asphalt, magenta rim light. ", 200)

	composed := ComposePrompt(userPrompt, spec)
	assert.LessOrEqual(t, len(composed), editor.MaxPromptChars)
	assert.True(t, strings.HasPrefix(composed, userPrompt))
}

func TestComposePromptNeverTruncatesUserPrompt(t *testing.T) {
	for _, promptLen := range []int{1, 500, 1500, 1990, editor.MaxPromptChars} {
		userPrompt := strings.Repeat("p", promptLen)
		spec := strings.Repeat("s", 6000)

		composed := ComposePrompt(userPrompt, spec)
		assert.LessOrEqual(t, len(composed), editor.MaxPromptChars, "prompt len %d", promptLen)
		assert.True(t, strings.HasPrefix(composed, userPrompt), "prompt len %d", promptLen)
	}
}

func TestComposePromptDropsSpecWhenNoBudget(t *testing.T) {
	userPrompt := strings.Repeat("p", editor.MaxPromptChars)
	composed := ComposePrompt(userPrompt, "some specification")
	assert.Equal(t, userPrompt, composed)
}

func TestComposePromptEmptySpec(t *testing.T) {
	assert.Equal(t, "make it rain", ComposePrompt("make it rain", ""))
}

func TestComposePromptShortSpecKeptWhole(t *testing.T) {
	composed := ComposePrompt("make it rain", "darker sky, visible droplets")
	assert.Contains(t, composed, "darker sky, visible droplets")
}

func TestReferencePromptAnnotation(t *testing.T) {
	p := referencePrompt("make it look cyberpunk")
	assert.Contains(t, p, "make it look cyberpunk")
	assert.Contains(t, p, "first frame")
	assert.LessOrEqual(t, len(p), editor.MaxPromptChars)

	// the annotation is dropped rather than crowding out a long user prompt
	long := strings.Repeat("p", editor.MaxPromptChars)
	assert.Equal(t, long, referencePrompt(long))
}
