package phase

import (
	"encoding/json"
	"fmt"

	"github.com/bookforge/bookforge/internal/util"
	"github.com/bookforge/bookforge/pkg/models"
)

// Validation failures are retriable: the provider produced output that does
// not satisfy the phase's schema, and a rerun usually fixes it.

func validateConcept(payload json.RawMessage) error {
	var c models.Concept
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("concept payload is not valid JSON: %w", err)
	}
	if util.IsBlank(c.Title) {
		return fmt.Errorf("concept title is empty")
	}
	if util.IsBlank(c.Premise) {
		return fmt.Errorf("concept premise is empty")
	}
	if len(c.Themes) == 0 {
		return fmt.Errorf("concept has no themes")
	}
	return nil
}

func validateConstitution(payload json.RawMessage) error {
	var c models.Constitution
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("constitution payload is not valid JSON: %w", err)
	}
	if util.IsBlank(c.Voice) || util.IsBlank(c.PointOfView) || util.IsBlank(c.Tense) {
		return fmt.Errorf("constitution is missing voice, point of view or tense")
	}
	if len(c.StyleRules) == 0 {
		return fmt.Errorf("constitution has no style rules")
	}
	return nil
}

func validatePlan(payload json.RawMessage) error {
	var p models.Plan
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("plan payload is not valid JSON: %w", err)
	}
	if util.IsBlank(p.Title) {
		return fmt.Errorf("plan title is empty")
	}
	if len(p.Chapters) == 0 {
		return fmt.Errorf("plan has no chapters")
	}
	for ci, ch := range p.Chapters {
		if len(ch.Scenes) == 0 {
			return fmt.Errorf("chapter %d has no scenes", ci+1)
		}
		for si, s := range ch.Scenes {
			if s.TargetWords <= 0 {
				return fmt.Errorf("chapter %d scene %d has no word target", ci+1, si+1)
			}
		}
	}
	return nil
}

func validateSceneDraft(payload json.RawMessage) error {
	var d models.SceneDraft
	if err := json.Unmarshal(payload, &d); err != nil {
		return fmt.Errorf("scene payload is not valid JSON: %w", err)
	}
	if util.IsBlank(d.Text) {
		return fmt.Errorf("scene text is empty")
	}
	if d.Chapter < 1 || d.Scene < 1 {
		return fmt.Errorf("scene carries invalid position %d/%d", d.Chapter, d.Scene)
	}
	return nil
}

func validateCover(payload json.RawMessage) error {
	var a models.CoverArtifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return fmt.Errorf("cover payload is not valid JSON: %w", err)
	}
	switch a.Status {
	case models.CoverReady:
		if util.IsBlank(a.ImageURL) {
			return fmt.Errorf("ready cover has no image URL")
		}
	case models.CoverFailed:
	default:
		return fmt.Errorf("cover has non-terminal status %q", a.Status)
	}
	return nil
}

func validateManuscript(payload json.RawMessage) error {
	var m models.Manuscript
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("manuscript payload is not valid JSON: %w", err)
	}
	if util.IsBlank(m.Title) {
		return fmt.Errorf("manuscript title is empty")
	}
	if len(m.Chapters) == 0 {
		return fmt.Errorf("manuscript has no chapters")
	}
	for ci, ch := range m.Chapters {
		if len(ch.Sections) == 0 {
			return fmt.Errorf("manuscript chapter %d has no sections", ci+1)
		}
	}
	return nil
}
