package cover

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/bookforge/bookforge/internal/blob"
	"github.com/bookforge/bookforge/internal/config"
	"github.com/bookforge/bookforge/internal/imagegen"
	"github.com/bookforge/bookforge/internal/llm"
	"github.com/bookforge/bookforge/internal/phase"
	"github.com/bookforge/bookforge/internal/util"
	"github.com/bookforge/bookforge/pkg/models"
)

// Subsystem is the compound cover phase: concept, generation, quality gates
// and typography composition behind one Render call. Gate rejections retry
// with a deterministic variation up to the attempt cap; exhausting the cap is
// not an error, it yields a failed artifact.
type Subsystem struct {
	text        llm.TextProvider
	images      imagegen.ImageProvider
	inspector   imagegen.Inspector
	blobs       blob.Store
	templates   config.Templates
	maxAttempts int
	logger      *slog.Logger
}

// NewSubsystem wires the cover pipeline
func NewSubsystem(text llm.TextProvider, images imagegen.ImageProvider, inspector imagegen.Inspector, blobs blob.Store, templates config.Templates, maxAttempts int, logger *slog.Logger) *Subsystem {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Subsystem{
		text:        text,
		images:      images,
		inspector:   inspector,
		blobs:       blobs,
		templates:   templates,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "cover"),
	}
}

// Render drives the state machine to a terminal artifact. Provider errors
// bubble up for the caller's retry policy; quality-gate exhaustion does not.
func (s *Subsystem) Render(ctx context.Context, job *models.Job, in *phase.CoverInput) (*models.CoverArtifact, models.Usage, error) {
	var usage models.Usage

	description, descUsage, err := s.describe(ctx, in)
	usage.Add(descUsage)
	if err != nil {
		return nil, usage, err
	}

	lastReason := ""
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, usage, err
		}

		prompt := description + "\n" + variationFor(attempt)
		artwork, err := s.images.Generate(ctx, prompt, seedFor(job.ID, attempt))
		if err != nil {
			return nil, usage, err
		}

		reason, err := s.inspect(ctx, artwork)
		if err != nil {
			return nil, usage, err
		}
		if reason != "" {
			lastReason = reason
			s.logger.Info("Cover candidate rejected",
				"job_id", job.ID,
				"attempt", attempt,
				"reason", reason)
			continue
		}

		composed, err := composeTypography(artwork, in.Title, in.Genre)
		if err != nil {
			return nil, usage, err
		}
		sum := sha256.Sum256(composed)
		url, err := s.blobs.Put(ctx, fmt.Sprintf("jobs/%s/cover.png", job.ID), composed, "image/png")
		if err != nil {
			return nil, usage, fmt.Errorf("failed to store cover: %w", err)
		}

		s.logger.Info("Cover composed", "job_id", job.ID, "attempt", attempt, "url", url)
		return &models.CoverArtifact{
			Status:      models.CoverReady,
			ImageURL:    url,
			ContentHash: hex.EncodeToString(sum[:]),
			Attempts:    attempt,
		}, usage, nil
	}

	s.logger.Warn("Cover attempts exhausted", "job_id", job.ID, "attempts", s.maxAttempts, "reason", lastReason)
	return &models.CoverArtifact{
		Status:   models.CoverFailed,
		Attempts: s.maxAttempts,
		Reason:   lastReason,
	}, usage, nil
}

// describe produces the illustration brief from the book concept
func (s *Subsystem) describe(ctx context.Context, in *phase.CoverInput) (string, models.Usage, error) {
	prompt, err := util.RenderTemplate(s.templates.CoverConcept, map[string]interface{}{
		"Title":   in.Title,
		"Premise": in.Premise,
		"Tone":    in.Tone,
		"Genre":   in.Genre,
	})
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("failed to render cover brief: %w", err)
	}
	resp, err := s.text.Generate(ctx, llm.GenerateRequest{Prompt: prompt, MaxTokens: 512})
	if err != nil {
		return "", models.Usage{}, err
	}
	if util.IsBlank(resp.Text) {
		return "", resp.Usage, fmt.Errorf("cover brief came back empty")
	}
	return resp.Text, resp.Usage, nil
}

// inspect runs the quality gates; an empty reason means the candidate passed.
// Without an inspector configured every candidate passes.
func (s *Subsystem) inspect(ctx context.Context, artwork []byte) (string, error) {
	if s.inspector == nil {
		return "", nil
	}
	insp, err := s.inspector.Inspect(ctx, artwork)
	if err != nil {
		return "", err
	}
	return rejectionReason(insp), nil
}
