package blob

import (
	"fmt"
	"time"

	"github.com/clipforge/orchestrator/internal/domain"
)

// StaticSigner builds unauthenticated URLs off a fixed base. Dev and test
// deployments use it when no S3 credentials are configured.
type StaticSigner struct {
	BaseURL string
}

// SignedURL returns base/storageKey; the ttl is ignored.
func (s StaticSigner) SignedURL(_ domain.Context, storageKey string, _ time.Duration) (string, error) {
	if storageKey == "" {
		return "", fmt.Errorf("op=blob.SignedURL: %w: empty storage key", domain.ErrInvalidArgument)
	}
	return s.BaseURL + "/" + storageKey, nil
}
