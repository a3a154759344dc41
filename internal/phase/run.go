package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bookforge/bookforge/internal/blob"
	"github.com/bookforge/bookforge/internal/config"
	"github.com/bookforge/bookforge/internal/llm"
	"github.com/bookforge/bookforge/internal/tts"
	"github.com/bookforge/bookforge/internal/util"
	"github.com/bookforge/bookforge/pkg/models"
)

// CoverRenderer runs the compound cover state machine. It returns a terminal
// artifact; quality-gate exhaustion is reported through the artifact's status,
// not as an error.
type CoverRenderer interface {
	Render(ctx context.Context, job *models.Job, in *CoverInput) (*models.CoverArtifact, models.Usage, error)
}

// Env bundles the external collaborators phase runs call out to
type Env struct {
	Text        llm.TextProvider
	Cover       CoverRenderer
	Speech      tts.SpeechProvider
	Blobs       blob.Store
	Templates   config.Templates
	EnableAudio bool
	VoiceID     string
}

// generateJSON renders a template, calls the text provider and decodes the
// JSON object from the response into out
func generateJSON(ctx context.Context, env *Env, tmpl string, data map[string]interface{}, maxTokens int, out any) (models.Usage, error) {
	prompt, err := util.RenderTemplate(tmpl, data)
	if err != nil {
		return models.Usage{}, fmt.Errorf("failed to render prompt: %w", err)
	}
	resp, err := env.Text.Generate(ctx, llm.GenerateRequest{Prompt: prompt, MaxTokens: maxTokens})
	if err != nil {
		return models.Usage{}, err
	}
	raw := util.ExtractJSON(resp.Text)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		repaired := util.RepairJSON(raw)
		if err := json.Unmarshal([]byte(repaired), out); err != nil {
			return resp.Usage, fmt.Errorf("provider returned malformed JSON: %w", err)
		}
	}
	return resp.Usage, nil
}

func runConcept(ctx context.Context, env *Env, _ *models.Job, in any) (json.RawMessage, models.Usage, error) {
	input := in.(*ConceptInput)
	var concept models.Concept
	usage, err := generateJSON(ctx, env, env.Templates.Concept, map[string]interface{}{
		"Prompt":      input.Prompt,
		"Genre":       input.Genre,
		"TargetWords": input.TargetWords,
	}, 2048, &concept)
	if err != nil {
		return nil, usage, err
	}
	payload, err := json.Marshal(&concept)
	return payload, usage, err
}

func runConstitution(ctx context.Context, env *Env, _ *models.Job, in any) (json.RawMessage, models.Usage, error) {
	input := in.(*ConstitutionInput)
	var constitution models.Constitution
	usage, err := generateJSON(ctx, env, env.Templates.Constitution, map[string]interface{}{
		"Premise": input.Premise,
		"Tone":    input.Tone,
		"Voice":   input.Voice,
	}, 2048, &constitution)
	if err != nil {
		return nil, usage, err
	}
	payload, err := json.Marshal(&constitution)
	return payload, usage, err
}

func runPlan(ctx context.Context, env *Env, _ *models.Job, in any) (json.RawMessage, models.Usage, error) {
	input := in.(*PlanInput)
	var plan models.Plan
	usage, err := generateJSON(ctx, env, env.Templates.Plan, map[string]interface{}{
		"Title":       input.Title,
		"Premise":     input.Premise,
		"Themes":      strings.Join(input.Themes, ", "),
		"TargetWords": input.TargetWords,
	}, 8192, &plan)
	if err != nil {
		return nil, usage, err
	}
	payload, err := json.Marshal(&plan)
	return payload, usage, err
}

// sceneMaxTokens leaves generous headroom over the word target
func sceneMaxTokens(targetWords int) int {
	n := targetWords * 3
	if n < 2048 {
		return 2048
	}
	return n
}

func runScene(ctx context.Context, env *Env, _ *models.Job, in any) (json.RawMessage, models.Usage, error) {
	input := in.(*SceneInput)
	prompt, err := util.RenderTemplate(env.Templates.Scene, map[string]interface{}{
		"Title":        input.Title,
		"Voice":        input.Voice,
		"PointOfView":  input.PointOfView,
		"Tense":        input.Tense,
		"StyleRules":   strings.Join(input.StyleRules, "; "),
		"ChapterTitle": input.ChapterTitle,
		"SceneTitle":   input.SceneTitle,
		"Summary":      input.Summary,
		"TargetWords":  input.TargetWords,
		"PreviousTail": input.PreviousTail,
	})
	if err != nil {
		return nil, models.Usage{}, fmt.Errorf("failed to render prompt: %w", err)
	}
	resp, err := env.Text.Generate(ctx, llm.GenerateRequest{Prompt: prompt, MaxTokens: sceneMaxTokens(input.TargetWords)})
	if err != nil {
		return nil, models.Usage{}, err
	}

	text := strings.TrimSpace(resp.Text)
	draft := models.SceneDraft{
		Chapter:   input.Chapter,
		Scene:     input.Scene,
		Text:      text,
		WordCount: util.CountWords(text),
	}
	payload, err := json.Marshal(&draft)
	return payload, resp.Usage, err
}

func runPolish(ctx context.Context, env *Env, _ *models.Job, in any) (json.RawMessage, models.Usage, error) {
	input := in.(*PolishInput)
	prompt, err := util.RenderTemplate(env.Templates.Polish, map[string]interface{}{
		"Title":      input.Title,
		"Voice":      input.Voice,
		"StyleRules": strings.Join(input.StyleRules, "; "),
		"Draft":      input.Draft,
	})
	if err != nil {
		return nil, models.Usage{}, fmt.Errorf("failed to render prompt: %w", err)
	}
	resp, err := env.Text.Generate(ctx, llm.GenerateRequest{Prompt: prompt, MaxTokens: sceneMaxTokens(util.CountWords(input.Draft))})
	if err != nil {
		return nil, models.Usage{}, err
	}

	text := strings.TrimSpace(resp.Text)
	draft := models.SceneDraft{
		Chapter:   input.Chapter,
		Scene:     input.Scene,
		Text:      text,
		WordCount: util.CountWords(text),
	}
	payload, err := json.Marshal(&draft)
	return payload, resp.Usage, err
}

func runCover(ctx context.Context, env *Env, job *models.Job, in any) (json.RawMessage, models.Usage, error) {
	input := in.(*CoverInput)
	if env.Cover == nil {
		artifact := &models.CoverArtifact{Status: models.CoverFailed, Reason: "no image provider configured"}
		payload, err := json.Marshal(artifact)
		return payload, models.Usage{}, err
	}
	artifact, usage, err := env.Cover.Render(ctx, job, input)
	if err != nil {
		return nil, usage, err
	}
	payload, err := json.Marshal(artifact)
	return payload, usage, err
}

// coverCacheMeta surfaces where the rendered image lives so cache entries
// record the blob location alongside the payload
func coverCacheMeta(payload json.RawMessage) (string, string) {
	var artifact models.CoverArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return "", ""
	}
	return artifact.ImageURL, artifact.ContentHash
}

func runFinalize(ctx context.Context, env *Env, job *models.Job, in any) (json.RawMessage, models.Usage, error) {
	input := in.(*FinalizeInput)

	manuscript := models.Manuscript{
		JobID:    job.ID,
		Title:    input.Title,
		Blurb:    input.Blurb,
		CoverURL: input.CoverURL,
	}
	total := 0
	for _, ch := range input.Chapters {
		chapter := models.ManuscriptChapter{Title: ch.Title}
		words := 0
		for _, s := range ch.Sections {
			chapter.Sections = append(chapter.Sections, models.ManuscriptSection{Title: s.Title, Text: s.Text})
			words += util.CountWords(s.Text)
		}
		manuscript.Chapters = append(manuscript.Chapters, chapter)
		manuscript.Stats.ChapterWords = append(manuscript.Stats.ChapterWords, words)
		total += words
	}
	manuscript.Stats.TotalWords = total
	manuscript.Stats.TargetWords = input.TargetWords
	if input.TargetWords > 0 {
		manuscript.Stats.DeviationPct = 100 * float64(total-input.TargetWords) / float64(input.TargetWords)
	}

	var usage models.Usage
	if env.EnableAudio && env.Speech != nil && env.Blobs != nil && input.Blurb != "" {
		audio, err := env.Speech.Synthesize(ctx, input.Blurb, env.VoiceID)
		if err != nil {
			return nil, usage, err
		}
		url, err := env.Blobs.Put(ctx, fmt.Sprintf("jobs/%s/audio/blurb.mp3", job.ID), audio, "audio/mpeg")
		if err != nil {
			return nil, usage, fmt.Errorf("failed to store audio: %w", err)
		}
		manuscript.AudioURL = url
	}

	payload, err := json.Marshal(&manuscript)
	return payload, usage, err
}
