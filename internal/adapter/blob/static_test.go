package blob_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/orchestrator/internal/adapter/blob"
	"github.com/clipforge/orchestrator/internal/domain"
)

func TestStaticSigner(t *testing.T) {
	s := blob.StaticSigner{BaseURL: "http://localhost:9090/conversions"}

	u, err := s.SignedURL(context.Background(), "job-1.mp3", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9090/conversions/job-1.mp3", u)

	_, err = s.SignedURL(context.Background(), "", time.Hour)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
