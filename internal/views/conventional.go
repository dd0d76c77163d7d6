package views

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	conventionalRe = regexp.MustCompile(
		`^(?P<type>\w+)(?:\((?P<scope>[^)]+)\))?(?P<breaking>!)?: (?P<desc>.+?)(?:\s*\(#(?P<pr>\d+)\))?$`)
	issueRefRe = regexp.MustCompile(`(?i)(?:fix(?:es)?|close[sd]?|resolve[sd]?)[:\s]+#?(\d+)`)
)

// ConventionalCommit is the structure parsed from a commit message of the
// form "type(scope)!: description (#123)".
type ConventionalCommit struct {
	Type      string
	Scope     string
	Breaking  bool
	PRRef     int64
	IssueRefs []int64
}

// HasStructure reports whether anything was recognized.
func (c ConventionalCommit) HasStructure() bool {
	return c.Type != "" || c.PRRef != 0 || len(c.IssueRefs) > 0
}

// ParseConventional extracts type, scope, breaking marker and PR reference
// from the first line, and closing issue references from the whole message.
func ParseConventional(message string) ConventionalCommit {
	var c ConventionalCommit

	first := message
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		first = message[:i]
	}
	first = strings.TrimRight(first, "\r")

	if m := conventionalRe.FindStringSubmatch(first); m != nil {
		c.Type = m[conventionalRe.SubexpIndex("type")]
		c.Scope = m[conventionalRe.SubexpIndex("scope")]
		c.Breaking = m[conventionalRe.SubexpIndex("breaking")] != ""
		if pr := m[conventionalRe.SubexpIndex("pr")]; pr != "" {
			c.PRRef, _ = strconv.ParseInt(pr, 10, 64)
		}
	}

	for _, m := range issueRefRe.FindAllStringSubmatch(message, -1) {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			c.IssueRefs = append(c.IssueRefs, n)
		}
	}
	return c
}
