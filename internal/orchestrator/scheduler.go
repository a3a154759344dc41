package orchestrator

import (
	"fmt"

	"github.com/bookforge/bookforge/internal/phase"
	"github.com/bookforge/bookforge/internal/store"
)

// Step is one schedulable phase instance
type Step struct {
	Spec  *phase.Spec
	Index int
}

// Decision is the scheduler's verdict for one evaluation of a job
type Decision struct {
	// Ready lists runnable instances in deterministic order: phase ordinal
	// ascending, then index ascending, bounded by concurrency caps
	Ready []Step
	// InFlight counts instances currently held by an advisory flag
	InFlight int
	// Complete is set when every instance of the active plan is done
	Complete bool
	// Deadlock lists blocked instances with no path to readiness. Non-empty
	// Deadlock is always a bug somewhere and fails the job.
	Deadlock []string
}

// Schedule computes the runnable set for a job. Until the plan checkpoint
// exists the active plan is the minimal prefix {concept, constitution, plan};
// afterwards fan-out phases expand to one instance per scene.
func Schedule(specs []*phase.Spec, deps *phase.Deps, done, inflight map[store.StepKey]bool, writerCap, imageCap int) *Decision {
	d := &Decision{}

	phaseComplete := make(map[string]bool, len(specs))
	for _, spec := range specs {
		instances := phase.Instances(spec, deps.Plan)
		if len(instances) == 0 {
			// Fan-out unknown until the plan exists
			phaseComplete[spec.Name] = false
			continue
		}
		complete := true
		for _, idx := range instances {
			if !done[store.StepKey{Phase: spec.Name, Index: idx}] {
				complete = false
				break
			}
		}
		phaseComplete[spec.Name] = complete
	}

	textBudget := writerCap
	imageBudget := imageCap
	allDone := true
	anyReady := false

	for _, spec := range specs {
		depsMet := true
		for _, dep := range spec.DependsOn {
			if !phaseComplete[dep] {
				depsMet = false
				break
			}
		}

		instances := phase.Instances(spec, deps.Plan)
		if len(instances) == 0 {
			allDone = false
			if depsMet {
				// Dependencies satisfied but fan-out cannot expand: the plan
				// output and the registry disagree
				d.Deadlock = append(d.Deadlock, fmt.Sprintf("%s: dependencies met but no instances derivable", spec.Name))
			}
			continue
		}

		for _, idx := range instances {
			key := store.StepKey{Phase: spec.Name, Index: idx}
			switch {
			case done[key]:
				continue
			case inflight[key]:
				allDone = false
				d.InFlight++
			case !depsMet:
				allDone = false
			default:
				allDone = false
				anyReady = true
				if spec.CostClass == phase.CostImage {
					if imageBudget <= 0 {
						continue
					}
					imageBudget--
				}
				if spec.FanOut == phase.PerScene {
					if textBudget <= 0 {
						continue
					}
					textBudget--
				}
				d.Ready = append(d.Ready, Step{Spec: spec, Index: idx})
			}
		}
	}

	if allDone {
		d.Complete = true
		d.Deadlock = nil
		return d
	}
	if anyReady || d.InFlight > 0 {
		// Work exists; any provisional deadlock diagnosis above is moot
		// only when the blocked phase can still be reached
		if len(d.Ready) > 0 || d.InFlight > 0 {
			d.Deadlock = nil
		}
		return d
	}

	// Nothing ready, nothing running, not complete: diagnose the stuck
	// instances
	if len(d.Deadlock) == 0 {
		for _, spec := range specs {
			for _, idx := range phase.Instances(spec, deps.Plan) {
				key := store.StepKey{Phase: spec.Name, Index: idx}
				if done[key] {
					continue
				}
				for _, dep := range spec.DependsOn {
					if !phaseComplete[dep] {
						d.Deadlock = append(d.Deadlock, fmt.Sprintf("%s[%d] blocked on %s", spec.Name, idx, dep))
					}
				}
			}
		}
	}
	return d
}
