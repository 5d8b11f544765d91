package main

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Trailer keys understood by the codec.
const (
	TrailerSourceID   = "ghstack-source-id"
	TrailerCommentID  = "ghstack-comment-id"
	TrailerPRResolved = "Pull Request resolved" // classic/stack mode
	TrailerPRDirect   = "Pull-Request"          // direct mode
)

// trailerLineRegexp matches "<key>: <value>" lines. The key class allows
// internal spaces (not just hyphens) because ghstack's own canonical
// trailer, "Pull Request resolved", is two words, unlike a strict
// RFC-822-style trailer key.
var trailerLineRegexp = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9 -]*[A-Za-z0-9]): (.*)$`)
var prURLRegexp = regexp.MustCompile(`^https://([^/]+)/([^/]+)/([^/]+)/pull/(\d+)$`)

// GhstackTrailers is the parsed ghstack trailer block for one commit.
type GhstackTrailers struct {
	SourceID  string
	CommentID int // 0 means absent
	PRURL     string
	Direct    bool // true: emit "Pull-Request", false: "Pull Request resolved"
}

// normalizeLineEndings tolerates CR+LF produced by the forge.
func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// ParseMessage splits a raw commit message into prose and trailers. Trailers
// are the maximal suffix of "<key>: <value>" lines, separated from the
// prose by a blank line. A message whose entire content
// matches the trailer shape (no blank-line-preceded prose boundary) is
// treated as having no trailers, so a conventional-commit title like
// "feat: add x" is never mistaken for a lone trailer line.
func ParseMessage(msg string) (prose string, trailers []KeyVal) {
	msg = strings.TrimRight(normalizeLineEndings(msg), "\n")
	if msg == "" {
		return "", nil
	}
	lines := strings.Split(msg, "\n")
	i := len(lines)
	for i > 0 && trailerLineRegexp.MatchString(lines[i-1]) {
		i--
	}
	if i == len(lines) || i == 0 || strings.TrimSpace(lines[i-1]) != "" {
		return strings.TrimSpace(msg), nil
	}
	for _, line := range lines[i:] {
		m := trailerLineRegexp.FindStringSubmatch(line)
		trailers = append(trailers, KeyVal{m[1], m[2]})
	}
	prose = strings.TrimSpace(strings.Join(lines[:i-1], "\n"))
	return prose, trailers
}

// SplitGhstackTrailers separates the ghstack trailer block out of a raw
// trailer list, preserving everything else (e.g. "Differential Revision",
// "Signed-off-by") verbatim and in order for re-emission.
func SplitGhstackTrailers(trailers []KeyVal) (user []KeyVal, gh GhstackTrailers) {
	for _, kv := range trailers {
		switch kv[0] {
		case TrailerSourceID:
			gh.SourceID = kv[1]
		case TrailerCommentID:
			if n, err := strconv.Atoi(kv[1]); err == nil {
				gh.CommentID = n
			}
		case TrailerPRResolved:
			gh.PRURL = kv[1]
			gh.Direct = false
		case TrailerPRDirect:
			gh.PRURL = kv[1]
			gh.Direct = true
		default:
			user = append(user, kv)
		}
	}
	return user, gh
}

// Emit renders prose and trailers back into a commit message, in
// deterministic order: user-preserved trailers first (original order),
// then ghstack trailers in a fixed order (source-id, comment-id, PR
// URL).
func Emit(prose string, userTrailers []KeyVal, gh GhstackTrailers) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prose))

	var tail []KeyVal
	tail = append(tail, userTrailers...)
	if gh.SourceID != "" {
		tail = append(tail, KeyVal{TrailerSourceID, gh.SourceID})
	}
	if gh.CommentID != 0 {
		tail = append(tail, KeyVal{TrailerCommentID, strconv.Itoa(gh.CommentID)})
	}
	if gh.PRURL != "" {
		key := TrailerPRResolved
		if gh.Direct {
			key = TrailerPRDirect
		}
		tail = append(tail, KeyVal{key, gh.PRURL})
	}

	if len(tail) == 0 {
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString("\n\n")
	for _, kv := range tail {
		b.WriteString(kv[0])
		b.WriteString(": ")
		b.WriteString(kv[1])
		b.WriteString("\n")
	}
	return b.String()
}

// SourceID computes the ghstack-source-id: a SHA-1 over the commit's
// tree hash, full message (subject and prose), and non-ghstack trailers
// (deliberately excluding the ghstack trailers themselves, so
// re-emitting them is stable). Any meaningful edit to the commit,
// including a title-only amendment, yields a new id.
func SourceID(treeHash, message string, nonGhstackTrailers []KeyVal) string {
	h := sha1.New()
	io.WriteString(h, treeHash)
	h.Write([]byte{0})
	io.WriteString(h, strings.TrimSpace(message))
	h.Write([]byte{0})
	for _, kv := range nonGhstackTrailers {
		io.WriteString(h, kv[0])
		h.Write([]byte{':'})
		io.WriteString(h, kv[1])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParsePRURL extracts (host, owner, repo, number) from a PR URL trailer
// value.
func ParsePRURL(url string) (host, owner, repo string, number int, ok bool) {
	m := prURLRegexp.FindStringSubmatch(url)
	if m == nil {
		return "", "", "", 0, false
	}
	n, err := strconv.Atoi(m[4])
	if err != nil {
		return "", "", "", 0, false
	}
	return m[1], m[2], m[3], n, true
}

// FormatPRURL builds the canonical PR URL trailer value.
func FormatPRURL(host, owner, repo string, number int) string {
	return "https://" + host + "/" + owner + "/" + repo + "/pull/" + strconv.Itoa(number)
}

// ParseCommitMessage decodes a raw message into title/prose/trailers and
// populates the ghstack-specific fields.
func ParseCommitMessage(msg string) (title, prose string, userTrailers []KeyVal, gh GhstackTrailers) {
	body, trailers := ParseMessage(msg)
	title, rest := splitTitle(body)
	userTrailers, gh = SplitGhstackTrailers(trailers)
	return title, rest, userTrailers, gh
}

func splitTitle(body string) (title, rest string) {
	lines := strings.SplitN(body, "\n", 2)
	title = strings.TrimSpace(lines[0])
	if len(lines) == 2 {
		rest = strings.TrimSpace(lines[1])
	}
	return title, rest
}
