package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookforge/bookforge/internal/phase"
	"github.com/bookforge/bookforge/internal/store"
	"github.com/bookforge/bookforge/pkg/models"
)

// ErrCorrupt marks a checkpoint whose payload no longer decodes. A
// checkpoint is validated before it is written, so this is a consistency
// failure.
var ErrCorrupt = errors.New("orchestrator: checkpoint corrupt")

// loadState reads all checkpoints of a job and decodes them into the
// dependency view phases build their inputs from, plus the done set the
// scheduler works with.
func loadState(ctx context.Context, st store.Store, job *models.Job) (*phase.Deps, map[store.StepKey]bool, error) {
	checkpoints, err := st.ListCheckpoints(ctx, job.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	deps := &phase.Deps{
		Scenes:   make(map[int]*models.SceneDraft),
		Polished: make(map[int]*models.SceneDraft),
	}
	done := make(map[store.StepKey]bool, len(checkpoints))

	for _, cp := range checkpoints {
		done[store.StepKey{Phase: cp.Phase, Index: cp.Index}] = true

		var decodeErr error
		switch cp.Phase {
		case phase.Concept:
			deps.Concept = &models.Concept{}
			decodeErr = cp.Decode(deps.Concept)
		case phase.Constitution:
			deps.Constitution = &models.Constitution{}
			decodeErr = cp.Decode(deps.Constitution)
		case phase.Plan:
			deps.Plan = &models.Plan{}
			decodeErr = cp.Decode(deps.Plan)
		case phase.Write:
			draft := &models.SceneDraft{}
			decodeErr = cp.Decode(draft)
			deps.Scenes[cp.Index] = draft
		case phase.Polish:
			draft := &models.SceneDraft{}
			decodeErr = cp.Decode(draft)
			deps.Polished[cp.Index] = draft
		case phase.Cover:
			deps.Cover = &models.CoverArtifact{}
			decodeErr = cp.Decode(deps.Cover)
		case phase.Finalize:
			// Only its presence matters here; the manuscript is read on
			// completion
		}
		if decodeErr != nil {
			return nil, nil, fmt.Errorf("%w: %s[%d]: %v", ErrCorrupt, cp.Phase, cp.Index, decodeErr)
		}
	}
	return deps, done, nil
}
