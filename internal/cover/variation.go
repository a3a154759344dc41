package cover

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/bookforge/bookforge/internal/imagegen"
)

// slopPatterns enumerates visual motifs the quality gate rejects. The
// inspector reports what it saw; only motifs on this list count.
var slopPatterns = []string{
	"hooded figure",
	"lone silhouette on a cliff",
	"glowing orb",
	"generic sunset gradient",
	"floating castle",
	"face made of smoke",
	"staring eye close-up",
	"mirrored city skyline",
	"swirling vortex",
}

// palettes and scaleHints drive deterministic variation across attempts
var palettes = []string{
	"muted teal and rust",
	"charcoal and amber",
	"bone white and deep indigo",
	"sage green and ochre",
	"storm grey and ember orange",
}

var scaleHints = []string{
	"the subject fills two thirds of the frame",
	"the subject is seen from a middle distance",
	"a close crop on the subject with generous negative space above",
}

// variationFor derives the prompt variation for an attempt number. Attempt 1
// uses the first palette and scale so a single-attempt render is stable.
func variationFor(attempt int) string {
	palette := palettes[(attempt-1)%len(palettes)]
	scale := scaleHints[(attempt-1)%len(scaleHints)]
	return fmt.Sprintf("Color palette: %s. Composition: %s.", palette, scale)
}

// seedFor derives a reproducible generation seed from the job and attempt
func seedFor(jobID string, attempt int) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return int64(h.Sum64()&0x7fffffffffff) + int64(attempt)
}

// rejectionReason applies the quality gates to an inspection verdict.
// Empty means the candidate passed.
func rejectionReason(insp *imagegen.Inspection) string {
	if insp.HasText {
		return "image contains text"
	}
	for _, seen := range insp.SlopPatterns {
		for _, known := range slopPatterns {
			if strings.Contains(strings.ToLower(seen), known) {
				return "slop pattern: " + known
			}
		}
	}
	// Subject-size heuristic: reject subjects that vanish into the frame or
	// crowd out the typography area
	if insp.SubjectCoverage > 0 && (insp.SubjectCoverage < 0.15 || insp.SubjectCoverage > 0.85) {
		return fmt.Sprintf("subject coverage %.2f outside acceptable range", insp.SubjectCoverage)
	}
	return ""
}
