package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/orchestrator/internal/domain"
)

func TestValidateURL_YouTube(t *testing.T) {
	for _, raw := range []string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ",
		"https://m.youtube.com/watch?v=dQw4w9WgXcQ&t=42s",
		"https://www.youtube.com/shorts/dQw4w9WgXcQ",
	} {
		v, err := domain.ValidateURL(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, domain.PlatformYouTube, v.Platform)
		assert.Equal(t, "dQw4w9WgXcQ", v.VideoID)
		assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", v.NormalizedURL)
	}
}

func TestValidateURL_OtherPlatforms(t *testing.T) {
	cases := map[string]domain.Platform{
		"https://www.tiktok.com/@user/video/7291234567890123456": domain.PlatformTikTok,
		"https://x.com/someone/status/1234567890123456789":       domain.PlatformTwitter,
		"https://twitter.com/someone/status/1234567890123456789": domain.PlatformTwitter,
		"https://www.facebook.com/watch?v=123456789012345":       domain.PlatformFacebook,
		"https://www.instagram.com/reel/Cxyz123abcd/":            domain.PlatformInstagram,
	}
	for raw, want := range cases {
		v, err := domain.ValidateURL(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, v.Platform, raw)
		assert.NotEmpty(t, v.VideoID, raw)
	}
}

func TestValidateURL_UnknownHostIsOther(t *testing.T) {
	v, err := domain.ValidateURL("https://example.com/video/abc?utm_source=share&x=1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlatformOther, v.Platform)
	assert.NotContains(t, v.NormalizedURL, "utm_source")
	assert.Contains(t, v.NormalizedURL, "x=1")
}

func TestValidateURL_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"not a url",
		"ftp://example.com/file",
		"https://www.youtube.com/watch",            // no video id
		"https://www.youtube.com/watch?v=bad id!!", // implausible id
	} {
		_, err := domain.ValidateURL(raw)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, raw)
	}
}
