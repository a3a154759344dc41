package orchestrator

import (
	"fmt"

	"github.com/bookforge/bookforge/internal/phase"
	"github.com/bookforge/bookforge/internal/store"
)

// Progress derives (percent, label) from the done set. Percent is the
// weighted share of completed work; writer scenes dominate the weighting.
// The label names the earliest unfinished instance in plan order.
func Progress(specs []*phase.Spec, deps *phase.Deps, done map[store.StepKey]bool) (int, string) {
	totalWeight := 0
	doneWeight := 0
	label := ""

	for _, spec := range specs {
		totalWeight += spec.Weight
		instances := phase.Instances(spec, deps.Plan)
		if len(instances) == 0 {
			if label == "" {
				label = labelFor(spec, 0)
			}
			continue
		}
		completed := 0
		for _, idx := range instances {
			if done[store.StepKey{Phase: spec.Name, Index: idx}] {
				completed++
			} else if label == "" {
				label = labelFor(spec, idx)
			}
		}
		doneWeight += spec.Weight * completed / len(instances)
	}

	if totalWeight == 0 {
		return 0, label
	}
	percent := 100 * doneWeight / totalWeight
	if percent >= 100 && label != "" {
		// Integer weighting can round up before the last instance lands
		percent = 99
	}
	return percent, label
}

// labelFor renders the human step label for a phase instance
func labelFor(spec *phase.Spec, index int) string {
	if spec.FanOut == phase.PerScene {
		ch, sc := phase.SplitWriteIndex(index)
		verb := "Writing"
		if spec.Name == phase.Polish {
			verb = "Polishing"
		}
		if ch == 0 && sc == 0 {
			return verb + " scenes"
		}
		return fmt.Sprintf("%s Chapter %d, Scene %d", verb, ch, sc)
	}
	return spec.Label
}
