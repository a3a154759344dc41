package config

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":2112"
	}

	if cfg.Pipeline.TickBudgetMS == 0 {
		cfg.Pipeline.TickBudgetMS = 120_000 // 2 minutes, fits host request timeouts
	}
	if cfg.Pipeline.WriterConcurrency == 0 {
		cfg.Pipeline.WriterConcurrency = 3
	}
	if cfg.Pipeline.LeaseTTLMS == 0 {
		cfg.Pipeline.LeaseTTLMS = 300_000
	}
	if cfg.Pipeline.CoverMaxAttempts == 0 {
		cfg.Pipeline.CoverMaxAttempts = 4
	}
	if cfg.Pipeline.CacheTTLDays == 0 {
		cfg.Pipeline.CacheTTLDays = 30
	}
	if cfg.Pipeline.PollIntervalMS == 0 {
		cfg.Pipeline.PollIntervalMS = 1000
	}
	if cfg.Pipeline.StalenessThresholdMS == 0 {
		cfg.Pipeline.StalenessThresholdMS = 600_000
	}
	if cfg.Pipeline.ConfigVersion == "" {
		cfg.Pipeline.ConfigVersion = "v1"
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.BlobDir == "" {
		cfg.Storage.BlobDir = "blobs"
	}
	if cfg.Storage.BlobURL == "" {
		cfg.Storage.BlobURL = "/artifacts"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "bookforge:jobs"
	}

	for name, p := range cfg.Providers {
		if p.Temperature == 0 {
			p.Temperature = 0.8
		}
		if p.TopP == 0 {
			p.TopP = 1.0
		}
		if p.MaxOutputTokens == 0 {
			p.MaxOutputTokens = 8192
		}
		if p.RateLimitPerMinute == 0 {
			p.RateLimitPerMinute = 60
		}
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = 120
		}
		cfg.Providers[name] = p
	}

	if cfg.Templates.Concept == "" {
		cfg.Templates.Concept = defaultConceptTemplate
	}
	if cfg.Templates.Constitution == "" {
		cfg.Templates.Constitution = defaultConstitutionTemplate
	}
	if cfg.Templates.Plan == "" {
		cfg.Templates.Plan = defaultPlanTemplate
	}
	if cfg.Templates.Scene == "" {
		cfg.Templates.Scene = defaultSceneTemplate
	}
	if cfg.Templates.Polish == "" {
		cfg.Templates.Polish = defaultPolishTemplate
	}
	if cfg.Templates.CoverConcept == "" {
		cfg.Templates.CoverConcept = defaultCoverConceptTemplate
	}

	if len(cfg.Guardrails.BlockedFranchises) == 0 {
		cfg.Guardrails.BlockedFranchises = defaultBlockedFranchises
	}
}

// Briefs naming a protected franchise are rejected at job creation and never
// enter the pipeline.
var defaultBlockedFranchises = []string{
	"harry potter",
	"hogwarts",
	"middle-earth",
	"middle earth",
	"westeros",
	"star wars",
	"jedi",
	"pokemon",
	"marvel cinematic",
	"hunger games",
}

const defaultConceptTemplate = `You are a development editor distilling a book concept from a reader's brief.

BRIEF: {{.Prompt}}
GENRE: {{.Genre}}
TARGET LENGTH: {{.TargetWords}} words

Distill this into a concept for a complete book. Return ONLY a valid JSON object (no markdown, no additional text):
{"title": "...", "premise": "2-4 sentence premise", "themes": ["theme", ...], "tone": "one-line tone description", "audience": "intended readership"}`

const defaultConstitutionTemplate = `You are a style director preparing the writing constitution for a book.

CONCEPT: {{.Premise}}
TONE: {{.Tone}}
REQUESTED VOICE: {{.Voice}}

Define the stylistic rules every scene of this book must obey. Return ONLY a valid JSON object:
{"voice": "...", "pointOfView": "first|third-limited|third-omniscient", "tense": "past|present", "styleRules": ["rule", ...]}`

const defaultPlanTemplate = `You are a story architect producing the full plot arc for a book.

TITLE: {{.Title}}
PREMISE: {{.Premise}}
THEMES: {{.Themes}}
TARGET LENGTH: {{.TargetWords}} words

Divide the book into chapters and scenes so the scene word targets sum to roughly the target length. Every chapter needs at least one scene. Return ONLY a valid JSON object:
{"title": "...", "blurb": "back-cover blurb", "chapters": [{"title": "...", "scenes": [{"title": "...", "summary": "what happens", "targetWords": 800}, ...]}, ...]}`

const defaultSceneTemplate = `You are the author writing one scene of "{{.Title}}".

CONSTITUTION:
Voice: {{.Voice}}
Point of view: {{.PointOfView}}
Tense: {{.Tense}}
Rules: {{.StyleRules}}

CHAPTER: {{.ChapterTitle}}
SCENE: {{.SceneTitle}}
WHAT HAPPENS: {{.Summary}}
TARGET LENGTH: {{.TargetWords}} words
{{if .PreviousTail}}
THE PREVIOUS SCENE ENDED:
{{.PreviousTail}}
{{end}}
Write the complete scene in flowing prose. Return ONLY the prose of the scene, with no headings, notes, or commentary.`

const defaultPolishTemplate = `You are a line editor polishing one scene of "{{.Title}}".

CONSTITUTION:
Voice: {{.Voice}}
Rules: {{.StyleRules}}

SCENE DRAFT:
{{.Draft}}

Tighten the prose, fix rhythm and word repetition, and preserve every plot beat. Keep the length within 10% of the draft. Return ONLY the polished prose.`

const defaultCoverConceptTemplate = `You are an art director briefing a cover illustration.

TITLE: {{.Title}}
PREMISE: {{.Premise}}
TONE: {{.Tone}}
GENRE: {{.Genre}}

Describe a single strong cover image for this book in 2-3 sentences. The image must contain no text, letters, or numbers of any kind. Focus on one clear subject. Return ONLY the description.`
