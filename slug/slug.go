// Package slug derives URL-safe identifiers from display names.
package slug

import (
	"regexp"
	"strings"
)

var (
	wsRun      = regexp.MustCompile(`[\s_]+`)
	disallowed = regexp.MustCompile(`[^a-z0-9-]`)
	hyphenRun  = regexp.MustCompile(`-{2,}`)
)

// Make produces a deterministic URL-safe identifier: lower-case, runs of
// whitespace/underscore become a single hyphen, everything outside
// [a-z0-9-] is stripped, hyphen runs collapse, leading/trailing hyphens are
// trimmed. Make is idempotent: Make(Make(s)) == Make(s). The result matches
// ^[a-z0-9]+(-[a-z0-9]+)*$ or is empty.
//
// Uniqueness is not enforced here, that is the job of the unique index on
// the rooms/projects tables.
func Make(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = wsRun.ReplaceAllString(s, "-")
	s = disallowed.ReplaceAllString(s, "")
	s = hyphenRun.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
