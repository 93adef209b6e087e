package pipeline

import "github.com/bdougie/reframe/internal/editor"

const (
	referenceAnnotation = "\n\nThis is the first frame of the video: establish the change distinctly so every later frame can match it."

	specSeparator = "\n\nApply exactly this established change, consistent with the first frame:\n"

	// used in chained mode when no merge instruction is available; the
	// previous edited frame rides along as a second reference image
	continuityInstruction = "The second image is the previous frame of this video, already edited. Carry its style change onto this frame while keeping this frame's content."
)

// ComposePrompt joins the user's prompt with a consistency specification,
// keeping the total within the edit service's hard ceiling. The
// specification is truncated to fit; the user's original intent never is.
func ComposePrompt(userPrompt, spec string) string {
	if spec == "" {
		return userPrompt
	}
	budget := editor.MaxPromptChars - len(userPrompt) - len(specSeparator)
	if budget <= 0 {
		return userPrompt
	}
	if len(spec) > budget {
		spec = spec[:budget]
	}
	return userPrompt + specSeparator + spec
}

// referencePrompt annotates the raw user prompt for the reference-frame
// edit. The annotation is dropped, never the prompt, if space is short.
func referencePrompt(userPrompt string) string {
	if len(userPrompt)+len(referenceAnnotation) > editor.MaxPromptChars {
		return userPrompt
	}
	return userPrompt + referenceAnnotation
}
