package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bookforge/bookforge/internal/phase"
	"github.com/bookforge/bookforge/pkg/models"
)

// Fingerprint hashes (phase, canonical input, config version) for cache
// addressing. User-scoped phases fold the owner in so their artifacts are
// never shared across users.
func Fingerprint(spec *phase.Spec, job *models.Job, input any, configVersion string) (string, error) {
	canonical, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize input: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", spec.Name, configVersion)
	if spec.CacheScope == phase.CacheUser {
		fmt.Fprintf(h, "%s\n", job.OwnerID)
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
