package main

import (
	"regexp"
	"strings"
)

// StackEntry is one row the navigator block renders for a PR in the
// stack, in submission order (bottom first).
type StackEntry struct {
	GhNum    int
	PRNumber int
	Title    string
	ShortSHA string
	Current  bool // this row is the PR whose body is being rendered
}

var navigatorHeaderRegexp = regexp.MustCompile(`(?m)^Stack:\n`)
var listItemRegexp = regexp.MustCompile(`^(\*|-|\+|\d+[.)])\s`)

const navigatorHeader = "Stack:\n"
const selfMarker = "* __->__ "
const siblingMarker = "* "

// disambiguationSeparator is inserted between the navigator block and
// user prose when the prose itself opens with a list item, so a reader
// (and a Markdown renderer) can't mistake it for a continuation of the
// navigator's own list.
const disambiguationSeparator = "----\n"

// RenderBody builds the full PR body: a leading navigator block listing
// every PR in the stack (top of stack first), followed by the author's
// own prose. An entry with no PR number yet (a diff created earlier in
// the same run, or a dry run) falls back to title and short hash.
func RenderBody(prose string, entries []StackEntry) string {
	var b strings.Builder
	b.WriteString(navigatorHeader)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		marker := siblingMarker
		if e.Current {
			marker = selfMarker
		}
		if e.PRNumber != 0 {
			fprintf(&b, "%s#%d\n", marker, e.PRNumber)
		} else {
			fprintf(&b, "%s%s (%s)\n", marker, e.Title, e.ShortSHA)
		}
	}

	prose = strings.TrimSpace(prose)
	if prose == "" {
		return b.String()
	}
	b.WriteString("\n")
	if listItemRegexp.MatchString(prose) {
		b.WriteString(disambiguationSeparator)
		b.WriteString("\n")
	}
	b.WriteString(prose)
	b.WriteString("\n")
	return b.String()
}

// UserProse extracts the part of an existing PR body that the navigator
// block doesn't own: everything after the "Stack:" header's list items,
// with a leading disambiguation separator stripped. An author's
// hand-edited description survives every resubmission, since ghstack
// only ever owns the block it itself prepended.
func UserProse(body string) string {
	body = normalizeLineEndings(body)
	loc := navigatorHeaderRegexp.FindStringIndex(body)
	if loc == nil {
		return strings.TrimSpace(body)
	}
	rest := body[loc[1]:]
	lines := strings.Split(rest, "\n")
	i := 0
	for i < len(lines) && (listItemRegexp.MatchString(lines[i]) || strings.TrimSpace(lines[i]) == "") {
		i++
	}
	prose := strings.TrimSpace(strings.Join(lines[i:], "\n"))
	prose = strings.TrimPrefix(prose, disambiguationSeparator)
	return strings.TrimSpace(prose)
}
