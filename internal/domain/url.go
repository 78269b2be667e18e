package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ValidatedURL is the result of validating and normalizing a submitted URL.
type ValidatedURL struct {
	Platform      Platform
	VideoID       string
	NormalizedURL string
}

type platformMatcher struct {
	platform Platform
	hosts    []string
	idFrom   func(u *url.URL) string
	canon    func(id string, u *url.URL) string
}

var youtubeIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{6,16}$`)
var numericIDRe = regexp.MustCompile(`^\d{6,25}$`)

var matchers = []platformMatcher{
	{
		platform: PlatformYouTube,
		hosts:    []string{"youtube.com", "m.youtube.com", "music.youtube.com", "youtu.be"},
		idFrom: func(u *url.URL) string {
			if strings.HasSuffix(u.Host, "youtu.be") {
				return strings.Trim(u.Path, "/")
			}
			if strings.HasPrefix(u.Path, "/shorts/") {
				return strings.TrimPrefix(u.Path, "/shorts/")
			}
			return u.Query().Get("v")
		},
		canon: func(id string, _ *url.URL) string {
			return "https://www.youtube.com/watch?v=" + id
		},
	},
	{
		platform: PlatformTikTok,
		hosts:    []string{"tiktok.com", "vm.tiktok.com"},
		idFrom: func(u *url.URL) string {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) >= 3 && parts[1] == "video" {
				return parts[2]
			}
			// short links carry the id as the sole path segment
			if len(parts) == 1 && parts[0] != "" {
				return parts[0]
			}
			return ""
		},
		canon: func(id string, u *url.URL) string {
			return "https://www.tiktok.com" + strings.TrimSuffix(u.Path, "/")
		},
	},
	{
		platform: PlatformTwitter,
		hosts:    []string{"twitter.com", "x.com"},
		idFrom: func(u *url.URL) string {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			for i, p := range parts {
				if p == "status" && i+1 < len(parts) {
					return parts[i+1]
				}
			}
			return ""
		},
		canon: func(id string, u *url.URL) string {
			return "https://x.com" + strings.TrimSuffix(u.Path, "/")
		},
	},
	{
		platform: PlatformFacebook,
		hosts:    []string{"facebook.com", "fb.watch"},
		idFrom: func(u *url.URL) string {
			if v := u.Query().Get("v"); v != "" {
				return v
			}
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) > 0 {
				return parts[len(parts)-1]
			}
			return ""
		},
		canon: func(id string, u *url.URL) string {
			return "https://www.facebook.com/watch?v=" + id
		},
	},
	{
		platform: PlatformInstagram,
		hosts:    []string{"instagram.com"},
		idFrom: func(u *url.URL) string {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) >= 2 && (parts[0] == "reel" || parts[0] == "p" || parts[0] == "tv") {
				return parts[1]
			}
			return ""
		},
		canon: func(id string, u *url.URL) string {
			return "https://www.instagram.com" + strings.TrimSuffix(u.Path, "/")
		},
	},
}

// ValidateURL parses, classifies and normalizes a submitted video URL.
// Unknown-but-parseable HTTPS hosts classify as PlatformOther and pass
// through unchanged; malformed input fails with ErrInvalidArgument.
func ValidateURL(raw string) (ValidatedURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ValidatedURL{}, fmt.Errorf("%w: url required", ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ValidatedURL{}, fmt.Errorf("%w: not an absolute http(s) url", ErrInvalidArgument)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	for _, m := range matchers {
		if !hostMatches(host, m.hosts) {
			continue
		}
		id := m.idFrom(u)
		if id == "" || !plausibleVideoID(m.platform, id) {
			return ValidatedURL{}, fmt.Errorf("%w: no video id in url", ErrInvalidArgument)
		}
		return ValidatedURL{Platform: m.platform, VideoID: id, NormalizedURL: m.canon(id, u)}, nil
	}
	// Strip tracking params for unrecognized hosts.
	q := u.Query()
	for k := range q {
		if strings.HasPrefix(k, "utm_") || k == "fbclid" || k == "si" {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return ValidatedURL{Platform: PlatformOther, NormalizedURL: u.String()}, nil
}

func hostMatches(host string, allowed []string) bool {
	for _, a := range allowed {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

func plausibleVideoID(p Platform, id string) bool {
	switch p {
	case PlatformYouTube:
		return youtubeIDRe.MatchString(id)
	case PlatformTikTok, PlatformTwitter:
		return numericIDRe.MatchString(id) || len(id) >= 6
	default:
		return len(id) >= 3
	}
}
