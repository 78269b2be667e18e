package ws

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// OriginChecker validates the Origin header at upgrade time. Entries are
// exact matches unless prefixed with "~", which compiles the remainder as a
// regular expression. A single "*" allows every origin.
type OriginChecker struct {
	allowAll bool
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewOriginChecker parses a comma-separated allowlist.
func NewOriginChecker(allowlist string) (*OriginChecker, error) {
	oc := &OriginChecker{exact: make(map[string]struct{})}
	for _, entry := range strings.Split(allowlist, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			oc.allowAll = true
			continue
		}
		if rest, ok := strings.CutPrefix(entry, "~"); ok {
			re, err := regexp.Compile(rest)
			if err != nil {
				return nil, fmt.Errorf("op=ws.NewOriginChecker pattern=%q: %w", rest, err)
			}
			oc.patterns = append(oc.patterns, re)
			continue
		}
		oc.exact[entry] = struct{}{}
	}
	return oc, nil
}

// Allow reports whether the request origin is acceptable. Requests without
// an Origin header (non-browser clients) are allowed.
func (oc *OriginChecker) Allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || oc.allowAll {
		return true
	}
	if _, ok := oc.exact[origin]; ok {
		return true
	}
	for _, re := range oc.patterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}
