package phase

import (
	"errors"
	"fmt"

	"github.com/bookforge/bookforge/pkg/models"
)

// ErrUnsatisfied marks an input builder whose upstream outputs are missing or
// inconsistent. The scheduler never runs a phase before its dependencies, so
// hitting this is an invariant violation.
var ErrUnsatisfied = errors.New("phase: input dependency unsatisfied")

// ConceptInput feeds the concept phase and its fingerprint
type ConceptInput struct {
	Prompt      string      `json:"prompt"`
	Genre       string      `json:"genre"`
	TargetWords int         `json:"targetWords"`
	Mode        models.Mode `json:"mode"`
}

// ConstitutionInput feeds the constitution phase
type ConstitutionInput struct {
	Premise string `json:"premise"`
	Tone    string `json:"tone"`
	Voice   string `json:"voice"`
}

// PlanInput feeds the plan phase
type PlanInput struct {
	Title       string   `json:"title"`
	Premise     string   `json:"premise"`
	Themes      []string `json:"themes"`
	TargetWords int      `json:"targetWords"`
}

// SceneInput feeds one writer instance
type SceneInput struct {
	Title        string   `json:"title"`
	Voice        string   `json:"voice"`
	PointOfView  string   `json:"pointOfView"`
	Tense        string   `json:"tense"`
	StyleRules   []string `json:"styleRules"`
	ChapterTitle string   `json:"chapterTitle"`
	SceneTitle   string   `json:"sceneTitle"`
	Summary      string   `json:"summary"`
	TargetWords  int      `json:"targetWords"`
	PreviousTail string   `json:"previousTail,omitempty"`
	Chapter      int      `json:"chapter"`
	Scene        int      `json:"scene"`
}

// PolishInput feeds one polish instance
type PolishInput struct {
	Title      string   `json:"title"`
	Voice      string   `json:"voice"`
	StyleRules []string `json:"styleRules"`
	Draft      string   `json:"draft"`
	Chapter    int      `json:"chapter"`
	Scene      int      `json:"scene"`
}

// CoverInput feeds the compound cover phase
type CoverInput struct {
	Title   string `json:"title"`
	Premise string `json:"premise"`
	Tone    string `json:"tone"`
	Genre   string `json:"genre"`
}

// FinalizeChapter is one chapter of assembled prose
type FinalizeChapter struct {
	Title    string `json:"title"`
	Sections []struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	} `json:"sections"`
}

// FinalizeInput is the full assembly input for the terminal phase
type FinalizeInput struct {
	Title       string            `json:"title"`
	Blurb       string            `json:"blurb"`
	TargetWords int               `json:"targetWords"`
	Chapters    []FinalizeChapter `json:"chapters"`
	CoverURL    string            `json:"coverUrl,omitempty"`
}

func buildConceptInput(job *models.Job, _ *Deps, _ int) (any, error) {
	return &ConceptInput{
		Prompt:      job.Input.Prompt,
		Genre:       job.Input.Genre,
		TargetWords: job.Input.TargetLengthWords,
		Mode:        job.Input.Mode,
	}, nil
}

func buildConstitutionInput(job *models.Job, deps *Deps, _ int) (any, error) {
	if deps.Concept == nil {
		return nil, fmt.Errorf("%w: constitution needs concept", ErrUnsatisfied)
	}
	return &ConstitutionInput{
		Premise: deps.Concept.Premise,
		Tone:    deps.Concept.Tone,
		Voice:   job.Input.Voice,
	}, nil
}

func buildPlanInput(job *models.Job, deps *Deps, _ int) (any, error) {
	if deps.Concept == nil {
		return nil, fmt.Errorf("%w: plan needs concept", ErrUnsatisfied)
	}
	return &PlanInput{
		Title:       deps.Concept.Title,
		Premise:     deps.Concept.Premise,
		Themes:      deps.Concept.Themes,
		TargetWords: job.Input.TargetLengthWords,
	}, nil
}

// sceneAt resolves a write index against the plan
func sceneAt(plan *models.Plan, index int) (*models.ChapterPlan, *models.ScenePlan, error) {
	ch, sc := SplitWriteIndex(index)
	if ch < 1 || ch > len(plan.Chapters) {
		return nil, nil, fmt.Errorf("%w: chapter %d out of range", ErrUnsatisfied, ch)
	}
	chapter := &plan.Chapters[ch-1]
	if sc < 1 || sc > len(chapter.Scenes) {
		return nil, nil, fmt.Errorf("%w: scene %d out of range in chapter %d", ErrUnsatisfied, sc, ch)
	}
	return chapter, &chapter.Scenes[sc-1], nil
}

// previousSummary returns the planned summary of the scene preceding index.
// It keeps writer instances independent of each other's outputs so fan-out
// can run in parallel.
func previousSummary(plan *models.Plan, index int) string {
	ch, sc := SplitWriteIndex(index)
	if sc > 1 {
		return plan.Chapters[ch-1].Scenes[sc-2].Summary
	}
	if ch > 1 {
		prev := plan.Chapters[ch-2].Scenes
		if len(prev) > 0 {
			return prev[len(prev)-1].Summary
		}
	}
	return ""
}

func buildSceneInput(_ *models.Job, deps *Deps, index int) (any, error) {
	if deps.Constitution == nil || deps.Plan == nil {
		return nil, fmt.Errorf("%w: write needs constitution and plan", ErrUnsatisfied)
	}
	chapter, scene, err := sceneAt(deps.Plan, index)
	if err != nil {
		return nil, err
	}
	ch, sc := SplitWriteIndex(index)
	return &SceneInput{
		Title:        deps.Plan.Title,
		Voice:        deps.Constitution.Voice,
		PointOfView:  deps.Constitution.PointOfView,
		Tense:        deps.Constitution.Tense,
		StyleRules:   deps.Constitution.StyleRules,
		ChapterTitle: chapter.Title,
		SceneTitle:   scene.Title,
		Summary:      scene.Summary,
		TargetWords:  scene.TargetWords,
		PreviousTail: previousSummary(deps.Plan, index),
		Chapter:      ch,
		Scene:        sc,
	}, nil
}

func buildPolishInput(_ *models.Job, deps *Deps, index int) (any, error) {
	if deps.Constitution == nil || deps.Plan == nil {
		return nil, fmt.Errorf("%w: polish needs constitution and plan", ErrUnsatisfied)
	}
	draft, ok := deps.Scenes[index]
	if !ok {
		ch, sc := SplitWriteIndex(index)
		return nil, fmt.Errorf("%w: polish needs draft for chapter %d scene %d", ErrUnsatisfied, ch, sc)
	}
	ch, sc := SplitWriteIndex(index)
	return &PolishInput{
		Title:      deps.Plan.Title,
		Voice:      deps.Constitution.Voice,
		StyleRules: deps.Constitution.StyleRules,
		Draft:      draft.Text,
		Chapter:    ch,
		Scene:      sc,
	}, nil
}

func buildCoverInput(job *models.Job, deps *Deps, _ int) (any, error) {
	if deps.Concept == nil || deps.Plan == nil {
		return nil, fmt.Errorf("%w: cover needs concept and plan", ErrUnsatisfied)
	}
	return &CoverInput{
		Title:   deps.Plan.Title,
		Premise: deps.Concept.Premise,
		Tone:    deps.Concept.Tone,
		Genre:   job.Input.Genre,
	}, nil
}

func buildFinalizeInput(job *models.Job, deps *Deps, _ int) (any, error) {
	if deps.Plan == nil {
		return nil, fmt.Errorf("%w: finalize needs plan", ErrUnsatisfied)
	}
	in := &FinalizeInput{
		Title:       deps.Plan.Title,
		Blurb:       deps.Plan.Blurb,
		TargetWords: job.Input.TargetLengthWords,
	}
	for ci, ch := range deps.Plan.Chapters {
		out := FinalizeChapter{Title: ch.Title}
		for si, scene := range ch.Scenes {
			draft := deps.ProseFor(WriteIndex(ci+1, si+1))
			if draft == nil {
				return nil, fmt.Errorf("%w: finalize missing chapter %d scene %d", ErrUnsatisfied, ci+1, si+1)
			}
			out.Sections = append(out.Sections, struct {
				Title string `json:"title"`
				Text  string `json:"text"`
			}{Title: scene.Title, Text: draft.Text})
		}
		in.Chapters = append(in.Chapters, out)
	}
	if deps.Cover != nil && deps.Cover.Status == models.CoverReady {
		in.CoverURL = deps.Cover.ImageURL
	}
	return in, nil
}
