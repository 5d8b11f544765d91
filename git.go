package main

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	regexpCommitHash = regexp.MustCompile(`^commit ([0-9a-f]{40})$`)
	regexpTree       = regexp.MustCompile(`^tree ([0-9a-f]{40})$`)
	regexpParent     = regexp.MustCompile(`^parent ([0-9a-f]{40})$`)
	regexpRawAuthor  = regexp.MustCompile(`^(?:author|committer) (.*) <(.*)> (\d+) ([+-]\d{4})$`)
)

// Git is the subset of git plumbing the engine depends on. Isolating it
// behind an interface (rather than calling execCmd directly from
// select.go, classify.go, submit.go, land.go and unlink.go) is what lets
// select_test.go and friends fake the repository instead of shelling
// out.
type Git interface {
	RevParse(ref string) (string, error)
	MergeBase(a, b string) (string, error)
	Log(revRange string) (CommitList, error)
	ShowRaw(ref string) (string, error)
	CommitTree(tree string, parents []string, message string) (string, error)
	CommitTreeAs(tree string, parents []string, message string, author, committer CommitIdentity) (string, error)
	UpdateRef(ref, newHash, oldHash string) error
	DeleteRef(ref string) error
	ForEachRef(pattern string) ([]string, error)
	Push(remote string, refspecs ...string) error
	Fetch(remote string, refspecs ...string) error
	StatusClean() (bool, error)
	ConfigGet(name string) (string, error)
	CurrentBranch() (string, error)
}

type realGit struct{}

func (realGit) RevParse(ref string) (string, error) {
	out, err := execCmd("git", "rev-parse", ref)
	if err != nil {
		return "", wrapf(err, "git rev-parse %v", ref)
	}
	return strings.TrimSpace(out), nil
}

func (realGit) MergeBase(a, b string) (string, error) {
	out, err := execCmd("git", "merge-base", a, b)
	if err != nil {
		return "", wrapf(err, "git merge-base %v %v", a, b)
	}
	return strings.TrimSpace(out), nil
}

// Log runs `git log <revRange>` with raw headers and returns commits
// oldest-first.
func (g realGit) Log(revRange string) (CommitList, error) {
	out, err := execCmd("git", "log", "--format=raw", revRange)
	if err != nil {
		return nil, wrapf(err, "git log %v", revRange)
	}
	return parseRawLog(out)
}

func (realGit) ShowRaw(ref string) (string, error) {
	out, err := execCmd("git", "show", "-s", "--format=raw", ref)
	if err != nil {
		return "", wrapf(err, "git show %v", ref)
	}
	return out, nil
}

func (realGit) CommitTree(tree string, parents []string, message string) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	args = append(args, "-m", message)
	out, err := execCmd("git", args...)
	if err != nil {
		return "", wrapf(err, "git commit-tree %v", tree)
	}
	return strings.TrimSpace(out), nil
}

// CommitTreeAs is CommitTree with the author/committer identity pinned
// via GIT_AUTHOR_*/GIT_COMMITTER_* rather than left to the ambient git
// config, so a manufactured commit (a landed commit, a trailer-stripped
// rewrite) still carries the right author rather than whoever's git
// config is active. The message travels over stdin.
func (realGit) CommitTreeAs(tree string, parents []string, message string, author, committer CommitIdentity) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	env := append(os.Environ(),
		"GIT_AUTHOR_NAME="+author.Name,
		"GIT_AUTHOR_EMAIL="+author.Email,
		"GIT_COMMITTER_NAME="+committer.Name,
		"GIT_COMMITTER_EMAIL="+committer.Email,
	)
	if author.Date != "" {
		env = append(env, "GIT_AUTHOR_DATE="+author.Date)
	}
	if committer.Date != "" {
		env = append(env, "GIT_COMMITTER_DATE="+committer.Date)
	}
	out, err := execCmdWithEnv(env, message, "git", args...)
	if err != nil {
		return "", wrapf(err, "git commit-tree %v", tree)
	}
	return strings.TrimSpace(out), nil
}

func (realGit) UpdateRef(ref, newHash, oldHash string) error {
	args := []string{"update-ref", ref, newHash}
	if oldHash != "" {
		args = append(args, oldHash)
	}
	_, err := execCmd("git", args...)
	return wrapf(err, "git update-ref %v", ref)
}

func (realGit) DeleteRef(ref string) error {
	_, err := execCmd("git", "update-ref", "-d", ref)
	return wrapf(err, "git update-ref -d %v", ref)
}

func (realGit) ForEachRef(pattern string) ([]string, error) {
	out, err := execCmd("git", "for-each-ref", "--format=%(refname)", pattern)
	if err != nil {
		return nil, wrapf(err, "git for-each-ref %v", pattern)
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	return strings.Split(strings.TrimSpace(out), "\n"), nil
}

func (realGit) Push(remote string, refspecs ...string) error {
	args := append([]string{"push", remote}, refspecs...)
	_, err := execCmd("git", args...)
	return wrapf(err, "git push %v %v", remote, strings.Join(refspecs, " "))
}

func (realGit) Fetch(remote string, refspecs ...string) error {
	args := append([]string{"fetch", remote}, refspecs...)
	_, err := execCmd("git", args...)
	return wrapf(err, "git fetch %v %v", remote, strings.Join(refspecs, " "))
}

func (realGit) StatusClean() (bool, error) {
	out, err := execCmd("git", "status", "--porcelain")
	if err != nil {
		return false, wrapf(err, "git status")
	}
	return strings.TrimSpace(out) == "", nil
}

func (realGit) ConfigGet(name string) (string, error) {
	out, err := execCmd("git", "config", "--get", name)
	if err != nil {
		return "", wrapf(err, "git config --get %v", name)
	}
	return strings.TrimSpace(out), nil
}

func (realGit) CurrentBranch() (string, error) {
	out, err := execCmd("git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", wrapf(err, "git rev-parse --abbrev-ref HEAD")
	}
	return strings.TrimSpace(out), nil
}

// parseRawLog parses `git log --format=raw` output (commit/tree/parent/
// author/committer headers, blank line, 4-space-indented message) into a
// CommitList ordered oldest-first. Message decoding is delegated to
// codec.go so trailers are split the same way regardless of whether they
// came from git log or from a commit-tree message we built ourselves.
func parseRawLog(raw string) (CommitList, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	var chunks [][]string
	var cur []string
	for _, line := range lines {
		if regexpCommitHash.MatchString(line) && len(cur) > 0 {
			chunks = append(chunks, cur)
			cur = nil
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	out := make(CommitList, 0, len(chunks))
	for _, chunk := range chunks {
		c, err := parseRawCommit(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return revertCommits(out), nil
}

func parseRawCommit(lines []string) (*Commit, error) {
	out := &Commit{}
	var parents []string
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		switch {
		case regexpCommitHash.MatchString(line):
			out.Hash = regexpCommitHash.FindStringSubmatch(line)[1]
		case regexpTree.MatchString(line):
			out.Tree = regexpTree.FindStringSubmatch(line)[1]
		case regexpParent.MatchString(line):
			parents = append(parents, regexpParent.FindStringSubmatch(line)[1])
		case strings.HasPrefix(line, "author "):
			name, email, date := parseRawAuthorLine(line)
			out.AuthorName, out.AuthorEmail = name, email
			out.Date = date
		case strings.HasPrefix(line, "committer "):
			name, email, _ := parseRawAuthorLine(line)
			out.CommitterName, out.CommitterEmail = name, email
		}
	}
	out.Parents = parents
	if len(parents) > 0 {
		out.Parent = parents[0]
	}
	var msgLines []string
	for ; i < len(lines); i++ {
		msgLines = append(msgLines, strings.TrimPrefix(lines[i], "    "))
	}
	msg := strings.Join(msgLines, "\n")
	title, prose, userTrailers, gh := ParseCommitMessage(msg)
	out.Title, out.Prose, out.UserTrailers, out.Ghstack = title, prose, userTrailers, gh

	if out.Hash == "" || out.AuthorName == "" || out.Title == "" {
		return nil, invariantf(strings.Join(lines, "\n"), "failed to parse commit header")
	}
	return out, nil
}

func parseRawAuthorLine(line string) (name, email string, when time.Time) {
	m := regexpRawAuthor.FindStringSubmatch(line)
	if m == nil {
		return "", "", time.Time{}
	}
	sec, _ := strconv.ParseInt(m[3], 10, 64)
	loc := parseGitTZ(m[4])
	return m[1], m[2], time.Unix(sec, 0).In(loc)
}

func parseGitTZ(tz string) *time.Location {
	sign := 1
	if strings.HasPrefix(tz, "-") {
		sign = -1
	}
	tz = strings.TrimLeft(tz, "+-")
	hh, _ := strconv.Atoi(tz[:2])
	mm, _ := strconv.Atoi(tz[2:])
	return time.FixedZone(fmt.Sprintf("UTC%+d", sign*hh), sign*(hh*3600+mm*60))
}

func revertCommits(list CommitList) CommitList {
	out := make(CommitList, len(list))
	for i, v := range list {
		out[len(list)-i-1] = v
	}
	return out
}

// getStackedCommits returns the commits reachable from target but not
// from base, oldest first.
func getStackedCommits(ctx context.Context, g Git, base, target string) (CommitList, error) {
	list, err := g.Log(base + ".." + target)
	if err != nil {
		return nil, wrapf(err, "failed to find common ancestor for %v and %v", base, target)
	}
	return list, nil
}

// fetchRemoteCommit fetches a single ref from remote and returns its
// parsed tip commit, used by classify.go to read the last-written
// ghstack-source-id off the tip of a diff's orig branch on the forge
// without requiring a local tracking branch to already exist for it.
func fetchRemoteCommit(ctx context.Context, g Git, remote, ref string) (*Commit, error) {
	if err := g.Fetch(remote, ref); err != nil {
		return nil, wrapf(err, "failed to fetch %v/%v", remote, ref)
	}
	raw, err := g.ShowRaw("FETCH_HEAD")
	if err != nil {
		return nil, err
	}
	list, err := parseRawLog(raw)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, invariantf(raw, "FETCH_HEAD for %v/%v did not parse to a commit", remote, ref)
	}
	return list[0], nil
}
