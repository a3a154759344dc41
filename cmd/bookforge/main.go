package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bookforge/bookforge/internal/blob"
	"github.com/bookforge/bookforge/internal/config"
	"github.com/bookforge/bookforge/internal/cover"
	"github.com/bookforge/bookforge/internal/imagegen"
	"github.com/bookforge/bookforge/internal/llm"
	"github.com/bookforge/bookforge/internal/metrics"
	"github.com/bookforge/bookforge/internal/orchestrator"
	"github.com/bookforge/bookforge/internal/phase"
	"github.com/bookforge/bookforge/internal/queue"
	"github.com/bookforge/bookforge/internal/server"
	"github.com/bookforge/bookforge/internal/store"
	"github.com/bookforge/bookforge/internal/tts"
	"github.com/bookforge/bookforge/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	verbose    bool
	workers    int

	createPrompt string
	createGenre  string
	createWords  int
	createVoice  string
	createMode   string
	createOwner  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "bookforge",
		Short:   "BookForge - durable book generation pipeline",
		Long:    `BookForge turns a short creative brief into a complete book through a resumable, checkpointed generation pipeline.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  "Run the HTTP API, the metrics endpoint, and optional embedded workers",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&workers, "workers", 1, "Embedded worker loops (0 for API-only)")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run worker loops against the queue",
		RunE:  runWorker,
	}
	workerCmd.Flags().IntVar(&workers, "workers", 1, "Number of worker loops")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a job from the command line",
		RunE:  runCreate,
	}
	createCmd.Flags().StringVar(&createPrompt, "prompt", "", "Creative brief (required)")
	createCmd.Flags().StringVar(&createGenre, "genre", "", "Genre hint")
	createCmd.Flags().IntVar(&createWords, "target-words", 0, "Target manuscript length in words")
	createCmd.Flags().StringVar(&createVoice, "voice", "", "Requested narrative voice")
	createCmd.Flags().StringVar(&createMode, "mode", "draft", "Pipeline mode: draft or polished")
	createCmd.Flags().StringVar(&createOwner, "owner", "local", "Owner id for the job")
	_ = createCmd.MarkFlagRequired("prompt")

	statusCmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	tailCmd := &cobra.Command{
		Use:   "tail <job-id>",
		Short: "Follow a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  runTail,
	}

	resumeAllCmd := &cobra.Command{
		Use:   "resume-all",
		Short: "Re-enqueue stale non-terminal jobs",
		Long:  "Re-enqueue non-terminal jobs whose lease expired and whose last update is older than the staleness threshold",
		RunE:  runResumeAll,
	}

	rootCmd.AddCommand(serveCmd, workerCmd, createCmd, statusCmd, tailCmd, resumeAllCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired application for the subcommands
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      store.Store
	queue      queue.Queue
	controller *orchestrator.Controller
	collector  *metrics.Collector
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	collector := metrics.NewCollector()

	var st store.Store
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		st = pg
	default:
		st = store.NewMemory()
	}

	var q queue.Queue
	switch cfg.Queue.Driver {
	case "redis":
		rq, err := queue.NewRedis(ctx, cfg.Queue.Addr, cfg.Queue.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis queue: %w", err)
		}
		q = rq
	default:
		q = queue.NewMemory()
	}

	blobs, err := blob.NewFSStore(cfg.Storage.BlobDir, cfg.Storage.BlobURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	limiters := llm.NewRateLimiterPool()

	env := &phase.Env{
		Blobs:       blobs,
		Templates:   cfg.Templates,
		EnableAudio: cfg.Pipeline.EnableAudio,
	}

	if pc, ok := cfg.Providers["writer"]; ok {
		env.Text = llm.NewClient("writer", pc, secrets.GetAPIKey("writer"), limiters, collector, logger)
	} else {
		return nil, fmt.Errorf("configuration is missing the %q provider", "writer")
	}

	if pc, ok := cfg.Providers["image"]; ok {
		images := imagegen.NewClient("image", pc, secrets.GetAPIKey("image"), limiters, logger)
		env.Cover = cover.NewSubsystem(env.Text, images, images, blobs, cfg.Templates, cfg.Pipeline.CoverMaxAttempts, logger)
	} else {
		logger.Warn("No image provider configured; covers will be recorded as failed")
	}

	if pc, ok := cfg.Providers["speech"]; ok {
		env.Speech = tts.NewClient("speech", pc, secrets.GetAPIKey("speech"), limiters, logger)
		env.VoiceID = pc.VoiceID
	}

	controller := orchestrator.NewController(st, q, env, cfg, collector, logger)
	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		queue:      q,
		controller: controller,
		collector:  collector,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("BookForge starting",
		"version", Version,
		"addr", a.cfg.Server.Addr,
		"storage", a.cfg.Storage.Driver,
		"queue", a.cfg.Queue.Driver,
		"workers", workers)

	srv := server.New(a.controller, a.cfg, a.logger)

	metricsSrv := &http.Server{Addr: a.cfg.Server.MetricsAddr, Handler: srv.MetricsHandler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	startWorkers(ctx, &wg, a, workers)

	apiSrv := &http.Server{Addr: a.cfg.Server.Addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = apiSrv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	wg.Wait()
	a.logger.Info("BookForge stopped")
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("BookForge workers starting", "version", Version, "workers", workers)

	// Catch up on anything stranded by a previous crash before polling
	if n, err := a.controller.ResumeAll(ctx); err != nil {
		a.logger.Warn("Resume sweep failed", "error", err)
	} else if n > 0 {
		a.logger.Info("Re-enqueued stale jobs", "count", n)
	}

	var wg sync.WaitGroup
	startWorkers(ctx, &wg, a, workers)
	wg.Wait()
	return nil
}

func startWorkers(ctx context.Context, wg *sync.WaitGroup, a *app, n int) {
	if n > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evictionLoop(ctx, a)
		}()
	}
	hostname, _ := os.Hostname()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-w%d", hostname, i)
		w := orchestrator.NewWorker(id, a.queue, a.controller, a.cfg, a.collector, a.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}
}

// evictionLoop sweeps idle cache entries once an hour
func evictionLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.controller.EvictCache(ctx); err != nil {
				a.logger.Warn("Cache eviction failed", "error", err)
			}
		}
	}
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	job, err := a.controller.Create(ctx, createOwner, models.JobInput{
		Prompt:            createPrompt,
		Genre:             createGenre,
		TargetLengthWords: createWords,
		Voice:             createVoice,
		Mode:              models.Mode(createMode),
	})
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	fmt.Printf("Created job %s (mode: %s)\n", job.ID, job.Input.Mode)
	fmt.Printf("Follow it with: bookforge tail %s\n", job.ID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	snapshot, err := a.controller.Status(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to read job: %w", err)
	}
	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	jobID := args[0]

	bar := progressbar.Default(100, "Generating")
	for {
		snapshot, err := a.controller.Status(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to read job: %w", err)
		}
		_ = bar.Set(snapshot.Progress)
		if snapshot.Step != nil {
			bar.Describe(*snapshot.Step)
		}
		if snapshot.Status.Terminal() {
			_ = bar.Finish()
			fmt.Printf("\nJob %s: %s\n", jobID, snapshot.Status)
			if snapshot.Error != nil {
				fmt.Printf("Error: %s\n", *snapshot.Error)
			}
			if snapshot.Status == models.StatusComplete {
				fmt.Printf("Fetch the manuscript with: GET /jobs/%s/manuscript\n", jobID)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func runResumeAll(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	n, err := a.controller.ResumeAll(ctx)
	if err != nil {
		return fmt.Errorf("resume sweep failed: %w", err)
	}
	fmt.Printf("Re-enqueued %d stale jobs\n", n)
	return nil
}
