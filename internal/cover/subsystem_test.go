package cover

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"testing"

	"github.com/bookforge/bookforge/internal/blob"
	"github.com/bookforge/bookforge/internal/config"
	"github.com/bookforge/bookforge/internal/imagegen"
	"github.com/bookforge/bookforge/internal/llm"
	"github.com/bookforge/bookforge/internal/phase"
	"github.com/bookforge/bookforge/pkg/models"
)

type fakeText struct{ text string }

func (f *fakeText) Generate(_ context.Context, _ llm.GenerateRequest) (*llm.GenerateResponse, error) {
	return &llm.GenerateResponse{Text: f.text, Usage: models.Usage{CompletionTokens: 20}}, nil
}

type fakeImages struct {
	calls   int
	prompts []string
	seeds   []int64
}

func (f *fakeImages) Generate(_ context.Context, prompt string, seed int64) ([]byte, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.seeds = append(f.seeds, seed)
	return testArtwork(), nil
}

type fakeInspector struct {
	verdicts []imagegen.Inspection
	calls    int
}

func (f *fakeInspector) Inspect(_ context.Context, _ []byte) (*imagegen.Inspection, error) {
	v := f.verdicts[f.calls]
	f.calls++
	return &v, nil
}

func testArtwork() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 64, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 2), 90, 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSubsystem(t *testing.T, images imagegen.ImageProvider, inspector imagegen.Inspector, maxAttempts int) *Subsystem {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir(), "/artifacts")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	return NewSubsystem(&fakeText{text: "A lighthouse under a low sky."}, images, inspector, blobs, cfg.Templates, maxAttempts, quietLogger())
}

func coverInput() *phase.CoverInput {
	return &phase.CoverInput{Title: "The Keeper", Premise: "Letters arrive.", Tone: "quiet", Genre: "literary"}
}

func TestRenderRejectionThenAccept(t *testing.T) {
	images := &fakeImages{}
	inspector := &fakeInspector{verdicts: []imagegen.Inspection{
		{HasText: true},
		{HasText: false, SubjectCoverage: 0.6},
	}}
	s := testSubsystem(t, images, inspector, 4)

	artifact, usage, err := s.Render(context.Background(), &models.Job{ID: "job-1"}, coverInput())
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if artifact.Status != models.CoverReady {
		t.Fatalf("status = %s, want ready", artifact.Status)
	}
	if images.calls != 2 {
		t.Errorf("image calls = %d, want 2", images.calls)
	}
	if artifact.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", artifact.Attempts)
	}
	if artifact.ImageURL == "" || artifact.ContentHash == "" {
		t.Errorf("artifact = %+v", artifact)
	}
	if usage.CompletionTokens != 20 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestRenderVariationIsDeterministic(t *testing.T) {
	run := func() *fakeImages {
		images := &fakeImages{}
		inspector := &fakeInspector{verdicts: []imagegen.Inspection{
			{SlopPatterns: []string{"a hooded figure looming"}},
			{SubjectCoverage: 0.5},
		}}
		s := testSubsystem(t, images, inspector, 4)
		if _, _, err := s.Render(context.Background(), &models.Job{ID: "job-1"}, coverInput()); err != nil {
			t.Fatal(err)
		}
		return images
	}

	a, b := run(), run()
	for i := range a.prompts {
		if a.prompts[i] != b.prompts[i] || a.seeds[i] != b.seeds[i] {
			t.Errorf("attempt %d not reproducible", i+1)
		}
	}
	if a.prompts[0] == a.prompts[1] {
		t.Error("retry reused the rejected variation")
	}
	if a.seeds[0] == a.seeds[1] {
		t.Error("retry reused the rejected seed")
	}
}

func TestRenderCapExhaustion(t *testing.T) {
	images := &fakeImages{}
	inspector := &fakeInspector{verdicts: []imagegen.Inspection{
		{HasText: true}, {HasText: true}, {HasText: true},
	}}
	s := testSubsystem(t, images, inspector, 3)

	artifact, _, err := s.Render(context.Background(), &models.Job{ID: "job-1"}, coverInput())
	if err != nil {
		t.Fatalf("cap exhaustion must not be an error, got %v", err)
	}
	if artifact.Status != models.CoverFailed {
		t.Fatalf("status = %s, want failed", artifact.Status)
	}
	if artifact.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", artifact.Attempts)
	}
	if artifact.Reason == "" {
		t.Error("failed artifact carries no reason")
	}
}

func TestRejectionReason(t *testing.T) {
	tests := []struct {
		name string
		insp imagegen.Inspection
		want string
	}{
		{"clean", imagegen.Inspection{SubjectCoverage: 0.5}, ""},
		{"text", imagegen.Inspection{HasText: true}, "image contains text"},
		{"slop", imagegen.Inspection{SlopPatterns: []string{"Glowing Orb in fog"}}, "slop pattern: glowing orb"},
		{"unknown motif passes", imagegen.Inspection{SlopPatterns: []string{"a rowboat"}, SubjectCoverage: 0.5}, ""},
		{"subject too small", imagegen.Inspection{SubjectCoverage: 0.05}, "subject coverage 0.05 outside acceptable range"},
		{"no coverage signal passes", imagegen.Inspection{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rejectionReason(&tt.insp); got != tt.want {
				t.Errorf("rejectionReason = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComposeTypography(t *testing.T) {
	out, err := composeTypography(testArtwork(), "The Keeper", "literary")
	if err != nil {
		t.Fatalf("composeTypography failed: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("composed cover is not valid PNG: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != coverWidth || bounds.Dy() != coverHeight {
		t.Errorf("cover dimensions = %dx%d", bounds.Dx(), bounds.Dy())
	}

	if _, err := composeTypography([]byte("not an image"), "T", ""); err == nil {
		t.Error("garbage artwork accepted")
	}
}
