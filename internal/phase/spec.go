package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/bookforge/bookforge/pkg/models"
)

// Canonical phase names in pipeline order
const (
	Concept      = "concept"
	Constitution = "constitution"
	Plan         = "plan"
	Write        = "write"
	Polish       = "polish"
	Cover        = "cover"
	Finalize     = "finalize"
)

// FanOut is how a phase expands into instances
type FanOut int

const (
	// Singleton phases have exactly one instance at index 0
	Singleton FanOut = iota
	// PerScene phases have one instance per planned scene
	PerScene
)

// CacheScope controls fingerprint cache reuse for a phase's outputs
type CacheScope int

const (
	// CacheNone disables cache reuse
	CacheNone CacheScope = iota
	// CacheUser scopes cache entries to the owning user
	CacheUser
	// CacheGlobal shares cache entries across all users
	CacheGlobal
)

// Cost classes bound concurrent provider use in the scheduler
const (
	CostText  = "text"
	CostImage = "image"
	CostNone  = "none"
)

// Spec is the static declaration of one phase
type Spec struct {
	Name        string
	Ordinal     int
	DependsOn   []string
	FanOut      FanOut
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Timeout     time.Duration
	CostClass   string
	Optional    bool
	CacheScope  CacheScope
	Weight      int
	Label       string

	// Build is the pure input builder over (job input, upstream outputs).
	// Its result feeds both the fingerprint and Run.
	Build func(job *models.Job, deps *Deps, index int) (any, error)
	// Run executes the phase against external providers
	Run func(ctx context.Context, env *Env, job *models.Job, in any) (json.RawMessage, models.Usage, error)
	// Validate checks a payload against the phase's output schema
	Validate func(payload json.RawMessage) error
	// CacheMeta extracts the blob location and content hash from a payload
	// that references stored binary artifacts; nil for inline payloads
	CacheMeta func(payload json.RawMessage) (location, contentHash string)
}

// defaultBackoff grows exponentially per attempt, capped at one minute
func defaultBackoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(3, float64(attempt))) * time.Second
	if d > time.Minute {
		return time.Minute
	}
	return d
}

// Registry returns the ordered phase table for a mode. Polish exists only in
// polished mode; finalize reads polished scenes when the mode has them.
func Registry(mode models.Mode) []*Spec {
	specs := []*Spec{
		{
			Name:        Concept,
			Ordinal:     0,
			FanOut:      Singleton,
			MaxAttempts: 3,
			Backoff:     defaultBackoff,
			Timeout:     2 * time.Minute,
			CostClass:   CostText,
			CacheScope:  CacheGlobal,
			Weight:      3,
			Label:       "Distilling the concept",
			Build:       buildConceptInput,
			Run:         runConcept,
			Validate:    validateConcept,
		},
		{
			Name:        Constitution,
			Ordinal:     1,
			DependsOn:   []string{Concept},
			FanOut:      Singleton,
			MaxAttempts: 3,
			Backoff:     defaultBackoff,
			Timeout:     2 * time.Minute,
			CostClass:   CostText,
			CacheScope:  CacheUser,
			Weight:      3,
			Label:       "Drafting the constitution",
			Build:       buildConstitutionInput,
			Run:         runConstitution,
			Validate:    validateConstitution,
		},
		{
			Name:        Plan,
			Ordinal:     2,
			DependsOn:   []string{Concept, Constitution},
			FanOut:      Singleton,
			MaxAttempts: 3,
			Backoff:     defaultBackoff,
			Timeout:     4 * time.Minute,
			CostClass:   CostText,
			CacheScope:  CacheUser,
			Weight:      9,
			Label:       "Plotting the arc",
			Build:       buildPlanInput,
			Run:         runPlan,
			Validate:    validatePlan,
		},
		{
			Name:        Write,
			Ordinal:     3,
			DependsOn:   []string{Constitution, Plan},
			FanOut:      PerScene,
			MaxAttempts: 5,
			Backoff:     defaultBackoff,
			Timeout:     6 * time.Minute,
			CostClass:   CostText,
			CacheScope:  CacheNone,
			Weight:      60,
			Build:       buildSceneInput,
			Run:         runScene,
			Validate:    validateSceneDraft,
		},
	}
	if mode == models.ModePolished {
		specs = append(specs, &Spec{
			Name:        Polish,
			Ordinal:     4,
			DependsOn:   []string{Write},
			FanOut:      PerScene,
			MaxAttempts: 3,
			Backoff:     defaultBackoff,
			Timeout:     6 * time.Minute,
			CostClass:   CostText,
			CacheScope:  CacheNone,
			Weight:      15,
			Build:       buildPolishInput,
			Run:         runPolish,
			Validate:    validateSceneDraft,
		})
	}

	proseDone := Write
	if mode == models.ModePolished {
		proseDone = Polish
	}
	specs = append(specs,
		&Spec{
			Name:        Cover,
			Ordinal:     5,
			DependsOn:   []string{Concept, Plan},
			FanOut:      Singleton,
			MaxAttempts: 2,
			Backoff:     defaultBackoff,
			Timeout:     8 * time.Minute,
			CostClass:   CostImage,
			Optional:    true,
			CacheScope:  CacheUser,
			Weight:      7,
			Label:       "Designing the cover",
			Build:       buildCoverInput,
			Run:         runCover,
			Validate:    validateCover,
			CacheMeta:   coverCacheMeta,
		},
		&Spec{
			Name:        Finalize,
			Ordinal:     6,
			DependsOn:   []string{proseDone, Cover},
			FanOut:      Singleton,
			MaxAttempts: 3,
			Backoff:     defaultBackoff,
			Timeout:     4 * time.Minute,
			CostClass:   CostNone,
			CacheScope:  CacheNone,
			Weight:      3,
			Label:       "Assembling the manuscript",
			Build:       buildFinalizeInput,
			Run:         runFinalize,
			Validate:    validateManuscript,
		},
	)
	return specs
}

// Get returns the spec for a phase name within a mode's registry
func Get(mode models.Mode, name string) (*Spec, error) {
	for _, s := range Registry(mode) {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown phase %q", name)
}

// writeIndexStride packs (chapter, scene) into one fan-out index
const writeIndexStride = 10000

// WriteIndex packs a 1-based chapter and scene into a fan-out index
func WriteIndex(chapter, scene int) int {
	return chapter*writeIndexStride + scene
}

// SplitWriteIndex recovers the 1-based chapter and scene from an index
func SplitWriteIndex(index int) (chapter, scene int) {
	return index / writeIndexStride, index % writeIndexStride
}

// Instances expands a spec into its instance indexes given the active plan.
// Fan-out phases have no instances until the plan checkpoint exists.
func Instances(spec *Spec, plan *models.Plan) []int {
	if spec.FanOut == Singleton {
		return []int{0}
	}
	if plan == nil {
		return nil
	}
	var out []int
	for ci, ch := range plan.Chapters {
		for si := range ch.Scenes {
			out = append(out, WriteIndex(ci+1, si+1))
		}
	}
	return out
}

// Deps carries decoded upstream checkpoint payloads for input building
type Deps struct {
	Concept      *models.Concept
	Constitution *models.Constitution
	Plan         *models.Plan
	Scenes       map[int]*models.SceneDraft
	Polished     map[int]*models.SceneDraft
	Cover        *models.CoverArtifact
}

// ProseFor returns the best available prose for a write index, preferring the
// polished variant
func (d *Deps) ProseFor(index int) *models.SceneDraft {
	if draft, ok := d.Polished[index]; ok {
		return draft
	}
	return d.Scenes[index]
}
