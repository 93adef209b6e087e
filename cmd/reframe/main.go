package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"log/slog"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/bdougie/reframe/internal/analyzer"
	"github.com/bdougie/reframe/internal/archive"
	"github.com/bdougie/reframe/internal/assembler"
	"github.com/bdougie/reframe/internal/config"
	"github.com/bdougie/reframe/internal/editor"
	"github.com/bdougie/reframe/internal/embeddings"
	"github.com/bdougie/reframe/internal/extractor"
	"github.com/bdougie/reframe/internal/models"
	"github.com/bdougie/reframe/internal/pipeline"
	"github.com/bdougie/reframe/internal/storage"
)

func main() {
	ctx := context.Background()

	// Configure logger
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: "15:04:05",
		}),
	)

	videoPath := flag.String("video", "", "path to the source video")
	prompt := flag.String("prompt", "", "natural-language edit to apply across all frames")
	output := flag.String("output", "", "output video path (default: <video>_edited.mp4)")
	strategyFlag := flag.String("strategy", "", "propagation strategy: broadcast or chained (default: auto)")
	interval := flag.Int("interval", 30, "sample one frame out of every N source frames")
	maxFrames := flag.Int("max-frames", 60, "cap on the number of sampled frames")
	fps := flag.Float64("fps", 0, "output frame rate (default: source fps)")
	search := flag.String("search", "", "search the session archive for similar past edits")
	initDB := flag.Bool("init-db", false, "create the archive schema and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *initDB {
		if cfg.DatabaseURL == "" {
			log.Fatal("DATABASE_URL is required for --init-db")
		}
		if err := archive.InitSchema(ctx, cfg.DatabaseURL); err != nil {
			log.Fatalf("Failed to initialize archive schema: %v", err)
		}
		fmt.Println("Archive schema ready.")
		return
	}

	if *search != "" {
		runSearch(ctx, cfg, logger, *search)
		return
	}

	if *videoPath == "" || *prompt == "" {
		fmt.Println("Usage: reframe --video path/to/video.mp4 --prompt \"make it look cyberpunk\" [--output edited.mp4]")
		os.Exit(1)
	}

	var strategy models.Strategy
	if *strategyFlag != "" {
		parsed, ok := models.ParseStrategy(*strategyFlag)
		if !ok {
			log.Fatalf("Unknown strategy %q (want broadcast or chained)", *strategyFlag)
		}
		strategy = parsed
	}

	vision, err := analyzer.New(ctx, cfg.OllamaBaseURL, cfg.OllamaPort, cfg.VisionModel, logger)
	if err != nil {
		log.Fatalf("Failed to initialize consistency analyzer: %v", err)
	}

	sessionID := uuid.New()
	session := pipeline.NewSession(pipeline.Deps{
		Extractor: extractor.New(cfg.WorkDir, logger),
		Editor:    editor.NewClient(cfg.EditAPIURL, cfg.EditAPIKey, cfg.EditModel, logger),
		Analyzer:  vision,
		Assembler: assembler.New(cfg.WorkDir, logger),
		Store:     storage.NewManifest(cfg.WorkDir, sessionID.String()),
		Logger:    logger,
	}, pipeline.Options{
		ID:           sessionID,
		Strategy:     strategy,
		MaxWorkers:   cfg.MaxWorkers,
		EditRate:     cfg.EditRateRPS,
		FPS:          *fps,
		OutputFormat: cfg.OutputFormat,
	})

	// Drain progress in completion order
	go func() {
		for p := range session.Progress() {
			if p.ActiveFrame != nil {
				fmt.Printf("\r[%s] %d/%d frames — %s", p.State, p.Completed, p.Total, p.Message)
				continue
			}
			fmt.Printf("\n[%s] %s\n", p.State, p.Message)
		}
	}()

	policy := models.SamplingPolicy{IntervalFrames: *interval, MaxFrames: *maxFrames}
	video, err := session.Run(ctx, *videoPath, *prompt, policy)

	recordArchive(ctx, cfg, logger, session, *videoPath)

	if err != nil {
		var partial *pipeline.PartialBatchError
		var deferred *pipeline.AssemblyDeferredError
		switch {
		case errors.As(err, &partial):
			logger.Error("some frames failed; edited frames retained",
				slog.Int("failed", len(partial.Failures)),
				slog.Int("retained", partial.Retained),
				slog.String("manifest", storage.ManifestPath(cfg.WorkDir, sessionID.String())))
		case errors.As(err, &deferred):
			logger.Error("reassembly deferred; edited frames retained",
				slog.Int("attempts", deferred.Attempts),
				slog.String("manifest", storage.ManifestPath(cfg.WorkDir, sessionID.String())),
				slog.Any("error", deferred.Err))
		default:
			logger.Error("session failed", slog.Any("error", err))
		}
		os.Exit(1)
	}

	outPath := *output
	if outPath == "" {
		base := strings.TrimSuffix(filepath.Base(*videoPath), filepath.Ext(*videoPath))
		outPath = base + "_edited." + video.Format
	}
	if err := os.WriteFile(outPath, video.Bytes, 0644); err != nil {
		log.Fatalf("Failed to write output video: %v", err)
	}

	session.Close()
	fmt.Printf("\nDone! Wrote %d bytes to %s\n", video.Size, outPath)
}

// recordArchive stores the settled session when archiving is configured.
// Archive problems are logged, never fatal.
func recordArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger, session *pipeline.Session, videoPath string) {
	if cfg.DatabaseURL == "" {
		return
	}

	embedder := embeddings.NewService(embeddings.NewClient(cfg.OllamaBaseURL, cfg.OllamaPort, cfg.EmbedModel), 2)
	defer embedder.Close()

	store, err := archive.New(ctx, cfg.DatabaseURL, embedder, logger)
	if err != nil {
		logger.Warn("archive unavailable", slog.Any("error", err))
		return
	}
	defer store.Close()

	videoName := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	err = store.RecordSession(ctx, archive.SessionRecord{
		ID:        session.ID,
		VideoName: videoName,
		Prompt:    session.UserPrompt(),
		Strategy:  session.Strategy(),
		State:     session.State(),
		DiffSpec:  session.DiffSpec(),
		Frames:    session.EditedFrames(),
	})
	if err != nil {
		logger.Warn("failed to archive session", slog.Any("error", err))
	}
}

func runSearch(ctx context.Context, cfg *config.Config, logger *slog.Logger, query string) {
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required for --search")
	}

	embedder := embeddings.NewService(embeddings.NewClient(cfg.OllamaBaseURL, cfg.OllamaPort, cfg.EmbedModel), 2)
	defer embedder.Close()

	store, err := archive.New(ctx, cfg.DatabaseURL, embedder, logger)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}
	defer store.Close()

	results, err := store.SearchSimilarSessions(ctx, query, 5)
	if err != nil {
		log.Fatalf("Search failed: %v", err)
	}

	if len(results) == 0 {
		fmt.Println("No similar sessions found.")
		return
	}
	for _, r := range results {
		fmt.Printf("%.3f  %s  %q\n       %s\n", r.Similarity, r.VideoName, r.Prompt, firstLine(r.DiffSpec))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
