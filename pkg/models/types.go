package models

import "time"

// Mode selects the generation pipeline variant
type Mode string

const (
	// ModeDraft produces a single-pass manuscript without the polish phase
	ModeDraft Mode = "draft"
	// ModePolished runs a per-scene polish pass over the drafted manuscript
	ModePolished Mode = "polished"
)

// JobStatus is the lifecycle state of a job. The only legal transitions are
// queued→running, running→queued, running→complete, running→failed and
// {queued,running}→cancelled. Terminal states have no outgoing transitions.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusComplete  JobStatus = "complete"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// CoverStatus is the cover sub-state recorded on the job. A failed cover
// never fails the job.
type CoverStatus string

const (
	CoverPending CoverStatus = "pending"
	CoverReady   CoverStatus = "ready"
	CoverFailed  CoverStatus = "failed"
)

// JobInput is the creative brief a job is created from
type JobInput struct {
	Prompt            string `json:"prompt" validate:"required,min=10,max=2000"`
	Genre             string `json:"genre,omitempty" validate:"omitempty,max=100"`
	TargetLengthWords int    `json:"targetLengthWords,omitempty" validate:"omitempty,gte=10000,lte=100000"`
	Voice             string `json:"voice,omitempty" validate:"omitempty,max=200"`
	Mode              Mode   `json:"mode,omitempty" validate:"omitempty,oneof=draft polished"`
}

// Job is the unit of orchestration. Mutations go through the store under the
// worker's lease; the id is stable across retries.
type Job struct {
	ID          string      `json:"jobId" db:"id"`
	OwnerID     string      `json:"-" db:"owner_id"`
	Input       JobInput    `json:"input" db:"-"`
	Status      JobStatus   `json:"status" db:"status"`
	CurrentStep string      `json:"step,omitempty" db:"current_step"`
	Progress    int         `json:"progress" db:"progress"`
	LastError   string      `json:"error,omitempty" db:"last_error"`
	CoverStatus CoverStatus `json:"coverStatus,omitempty" db:"cover_status"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time   `json:"updatedAt" db:"updated_at"`
	StartedAt   *time.Time  `json:"startedAt,omitempty" db:"started_at"`
	EndedAt     *time.Time  `json:"endedAt,omitempty" db:"ended_at"`
}

// Snapshot is the read model served to clients tailing a job
type Snapshot struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Step      *string   `json:"step"`
	Error     *string   `json:"error"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SnapshotOf derives the client-visible snapshot from a job row
func SnapshotOf(j *Job) *Snapshot {
	s := &Snapshot{
		JobID:     j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.CurrentStep != "" {
		step := j.CurrentStep
		s.Step = &step
	}
	if j.LastError != "" {
		errStr := j.LastError
		s.Error = &errStr
	}
	return s
}

// Usage records provider consumption for one phase instance
type Usage struct {
	PromptTokens     int           `json:"promptTokens,omitempty"`
	CompletionTokens int           `json:"completionTokens,omitempty"`
	CostMilliCents   int64         `json:"costMilliCents,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
}

// Add accumulates usage from a sub-call
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CostMilliCents += other.CostMilliCents
	u.Duration += other.Duration
}

// Concept is the output of the concept phase: the distilled premise the rest
// of the pipeline builds on
type Concept struct {
	Title    string   `json:"title"`
	Premise  string   `json:"premise"`
	Themes   []string `json:"themes"`
	Tone     string   `json:"tone"`
	Audience string   `json:"audience,omitempty"`
}

// Constitution is the output of the constitution phase: the stylistic rules
// every writer call must obey
type Constitution struct {
	Voice       string   `json:"voice"`
	PointOfView string   `json:"pointOfView"`
	Tense       string   `json:"tense"`
	StyleRules  []string `json:"styleRules"`
}

// Plan is the output of the plan phase; writer fan-out derives one instance
// per scene from it
type Plan struct {
	Title    string        `json:"title"`
	Blurb    string        `json:"blurb"`
	Chapters []ChapterPlan `json:"chapters"`
}

// ChapterPlan is one planned chapter
type ChapterPlan struct {
	Title  string      `json:"title"`
	Scenes []ScenePlan `json:"scenes"`
}

// ScenePlan is one planned scene within a chapter
type ScenePlan struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	TargetWords int    `json:"targetWords"`
}

// SceneCount returns the total number of scenes across all chapters
func (p *Plan) SceneCount() int {
	n := 0
	for _, ch := range p.Chapters {
		n += len(ch.Scenes)
	}
	return n
}

// SceneDraft is the output of one writer (or polish) phase instance
type SceneDraft struct {
	Chapter   int    `json:"chapter"`
	Scene     int    `json:"scene"`
	Text      string `json:"text"`
	WordCount int    `json:"wordCount"`
}

// CoverArtifact is the output of the compound cover phase. Status "failed"
// records cap exhaustion without failing the job.
type CoverArtifact struct {
	Status      CoverStatus `json:"status"`
	ImageURL    string      `json:"imageUrl,omitempty"`
	ContentHash string      `json:"contentHash,omitempty"`
	Attempts    int         `json:"attempts"`
	Reason      string      `json:"reason,omitempty"`
}

// Manuscript is the assembled book produced by the terminal finalize phase
type Manuscript struct {
	JobID    string              `json:"-"`
	Title    string              `json:"title"`
	Blurb    string              `json:"blurb"`
	Chapters []ManuscriptChapter `json:"chapters"`
	Stats    ManuscriptStats     `json:"stats"`
	CoverURL string              `json:"cover,omitempty"`
	AudioURL string              `json:"audio,omitempty"`
}

// ManuscriptChapter is one assembled chapter
type ManuscriptChapter struct {
	Title    string              `json:"title"`
	Sections []ManuscriptSection `json:"sections"`
}

// ManuscriptSection is one assembled scene
type ManuscriptSection struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// ManuscriptStats summarizes the finished book against its brief
type ManuscriptStats struct {
	TotalWords   int     `json:"totalWords"`
	ChapterWords []int   `json:"chapterWords"`
	TargetWords  int     `json:"targetWords"`
	DeviationPct float64 `json:"deviationPct"`
}
