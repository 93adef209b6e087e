package analyzer

import (
	"context"
	"log/slog"

	"github.com/agent-api/core"
	"github.com/agent-api/core/agent"
	"github.com/agent-api/core/agent/bootstrap"
	"github.com/agent-api/ollama"
	"github.com/go-logr/logr"
)

const systemPrompt = "You are a visual consistency assistant for video editing. " +
	"You compare frames from the same video and describe stylistic changes so they " +
	"can be reproduced exactly on other frames. Be concrete about colors, lighting, " +
	"textures and added or removed elements. Never describe the scene content itself " +
	"beyond what is needed to locate the change."

// NewAgent initializes the vision agent used for consistency analysis.
func NewAgent(ctx context.Context, baseURL string, port int, model string, logger *slog.Logger) (*agent.Agent, error) {
	// agent-api logs through logr
	lgr := logr.FromSlogHandler(logger.Handler())

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  &lgr,
		BaseURL: baseURL,
		Port:    port,
	})

	if err := provider.UseModel(ctx, &core.Model{ID: model}); err != nil {
		return nil, err
	}

	return agent.NewAgent(
		bootstrap.WithProvider(provider),
		bootstrap.WithSystemPrompt(systemPrompt),
		bootstrap.WithLogger(&lgr),
	)
}
