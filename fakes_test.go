package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// fixedTestTime anchors manufactured-commit timestamps so fake commits are
// deterministic without reaching for time.Now() in a test helper.
var fixedTestTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeGit is an in-memory Git so engine tests can run against a fake
// repository instead of shelling out.
// It keeps one flat namespace of ref name -> hash (covering refs/heads/...,
// refs/remotes/<remote>/..., and the synthetic FETCH_HEAD), and a hash ->
// *Commit table that CommitTree/CommitTreeAs append to exactly like the
// real plumbing would.
type fakeGit struct {
	refs    map[string]string
	commits map[string]*Commit
	branch  string
	clean   bool
	config  map[string]string

	counter int

	failPushesRemaining int
	pushes              []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		refs:    map[string]string{},
		commits: map[string]*Commit{},
		branch:  "main",
		clean:   true,
		config:  map[string]string{},
	}
}

// addCommit registers a ready-made commit under its own hash, the way
// setting up test fixtures for a real repository would.
func (g *fakeGit) addCommit(c *Commit) *Commit {
	g.commits[c.Hash] = c
	return c
}

// newHash hands out deterministic, unique 40-hex-character hashes.
func (g *fakeGit) newHash() string {
	g.counter++
	return fmt.Sprintf("%040x", g.counter)
}

func (g *fakeGit) resolve(ref string) (string, bool) {
	if strings.HasSuffix(ref, "^{tree}") {
		hash, ok := g.resolve(strings.TrimSuffix(ref, "^{tree}"))
		if !ok {
			return "", false
		}
		c, ok := g.commits[hash]
		if !ok {
			return "", false
		}
		return c.Tree, true
	}
	if hash, ok := g.refs[ref]; ok {
		return hash, true
	}
	if i := strings.Index(ref, "/"); i >= 0 {
		if hash, ok := g.refs["refs/remotes/"+ref[:i]+"/"+ref[i+1:]]; ok {
			return hash, true
		}
	}
	if hash, ok := g.refs["refs/heads/"+ref]; ok {
		return hash, true
	}
	if c, ok := g.commits[ref]; ok {
		return c.Hash, true
	}
	return "", false
}

func (g *fakeGit) RevParse(ref string) (string, error) {
	hash, ok := g.resolve(ref)
	if !ok {
		return "", errorf("unknown revision %q", ref)
	}
	return hash, nil
}

func (g *fakeGit) ancestors(hash string) map[string]bool {
	seen := map[string]bool{}
	queue := []string{hash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if c := g.commits[h]; c != nil {
			queue = append(queue, c.Parents...)
		}
	}
	return seen
}

func (g *fakeGit) MergeBase(a, b string) (string, error) {
	ah, ok := g.resolve(a)
	if !ok {
		return "", errorf("unknown revision %q", a)
	}
	bh, ok := g.resolve(b)
	if !ok {
		return "", errorf("unknown revision %q", b)
	}
	aset := g.ancestors(ah)
	queue := []string{bh}
	seen := map[string]bool{}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if aset[h] {
			return h, nil
		}
		if c := g.commits[h]; c != nil {
			queue = append(queue, c.Parents...)
		}
	}
	return "", errorf("no merge base between %q and %q", a, b)
}

// Log walks the first-parent chain from the target ref back to (excluding)
// the base ref, matching the linear stacks these tests construct.
func (g *fakeGit) Log(revRange string) (CommitList, error) {
	parts := strings.SplitN(revRange, "..", 2)
	if len(parts) != 2 {
		return nil, errorf("bad rev range %q", revRange)
	}
	baseHash, ok := g.resolve(parts[0])
	if !ok {
		return nil, errorf("unknown revision %q", parts[0])
	}
	targetHash, ok := g.resolve(parts[1])
	if !ok {
		return nil, errorf("unknown revision %q", parts[1])
	}
	var list CommitList
	h := targetHash
	for h != "" && h != baseHash {
		c := g.commits[h]
		if c == nil {
			break
		}
		list = append(list, c)
		if len(c.Parents) == 0 {
			h = ""
		} else {
			h = c.Parents[0]
		}
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func rawFor(c *Commit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "commit %s\n", c.Hash)
	fmt.Fprintf(&b, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&b, "parent %s\n", p)
	}
	fmt.Fprintf(&b, "author %s <%s> %d +0000\n", c.AuthorName, c.AuthorEmail, c.Date.Unix())
	committerName, committerEmail := c.CommitterName, c.CommitterEmail
	if committerName == "" {
		committerName, committerEmail = c.AuthorName, c.AuthorEmail
	}
	fmt.Fprintf(&b, "committer %s <%s> %d +0000\n", committerName, committerEmail, c.Date.Unix())
	b.WriteString("\n")
	for _, line := range strings.Split(c.FullMessage(), "\n") {
		b.WriteString("    " + line + "\n")
	}
	return b.String()
}

func (g *fakeGit) ShowRaw(ref string) (string, error) {
	hash, ok := g.resolve(ref)
	if !ok {
		return "", errorf("unknown revision %q", ref)
	}
	c := g.commits[hash]
	if c == nil {
		return "", errorf("no such commit %q", hash)
	}
	return rawFor(c), nil
}

func (g *fakeGit) commitTreeAs(tree string, parents []string, message string, author, committer CommitIdentity) (string, error) {
	hash := g.newHash()
	title, prose, userTrailers, gh := ParseCommitMessage(message)
	date := fixedTestTime
	if author.Date != "" {
		if t, err := time.Parse(time.RFC3339, author.Date); err == nil {
			date = t
		}
	}
	c := &Commit{
		Hash: hash, Tree: tree, Parents: parents, Date: date,
		AuthorName: author.Name, AuthorEmail: author.Email,
		CommitterName: committer.Name, CommitterEmail: committer.Email,
		Title: title, Prose: prose, UserTrailers: userTrailers, Ghstack: gh,
	}
	if len(parents) > 0 {
		c.Parent = parents[0]
	}
	g.commits[hash] = c
	return hash, nil
}

func (g *fakeGit) CommitTree(tree string, parents []string, message string) (string, error) {
	return g.commitTreeAs(tree, parents, message, CommitIdentity{Name: "Fake Author", Email: "fake@example.com"}, CommitIdentity{Name: "Fake Author", Email: "fake@example.com"})
}

func (g *fakeGit) CommitTreeAs(tree string, parents []string, message string, author, committer CommitIdentity) (string, error) {
	return g.commitTreeAs(tree, parents, message, author, committer)
}

func (g *fakeGit) UpdateRef(ref, newHash, oldHash string) error {
	if oldHash != "" && g.refs[ref] != oldHash {
		return errorf("update-ref %v: expected %v, found %v", ref, oldHash, g.refs[ref])
	}
	g.refs[ref] = newHash
	return nil
}

func (g *fakeGit) DeleteRef(ref string) error {
	delete(g.refs, ref)
	return nil
}

func (g *fakeGit) ForEachRef(pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for ref := range g.refs {
		if ref == "FETCH_HEAD" {
			continue
		}
		if strings.HasPrefix(ref, prefix) {
			out = append(out, ref)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *fakeGit) Push(remote string, refspecs ...string) error {
	if g.failPushesRemaining > 0 {
		g.failPushesRemaining--
		return &execError{exitCode: 1, output: "! [rejected] (non-fast-forward)"}
	}
	for _, spec := range refspecs {
		g.pushes = append(g.pushes, remote+" "+spec)
		spec = strings.TrimPrefix(spec, "+")
		parts := strings.SplitN(spec, ":", 2)
		src, dst := parts[0], parts[1]
		remoteKey := "refs/remotes/" + remote + "/" + strings.TrimPrefix(dst, "refs/heads/")
		if src == "" {
			delete(g.refs, remoteKey)
			continue
		}
		hash, ok := g.resolve(src)
		if !ok {
			hash = src
		}
		g.refs[remoteKey] = hash
	}
	return nil
}

func (g *fakeGit) Fetch(remote string, refspecs ...string) error {
	if len(refspecs) != 1 {
		return errorf("fakeGit.Fetch: expected exactly one refspec, got %d", len(refspecs))
	}
	key := "refs/remotes/" + remote + "/" + refspecs[0]
	hash, ok := g.refs[key]
	if !ok {
		return &execError{exitCode: 128, output: "couldn't find remote ref " + refspecs[0]}
	}
	g.refs["FETCH_HEAD"] = hash
	return nil
}

func (g *fakeGit) StatusClean() (bool, error) { return g.clean, nil }

func (g *fakeGit) ConfigGet(name string) (string, error) { return g.config[name], nil }

func (g *fakeGit) CurrentBranch() (string, error) { return g.branch, nil }

var _ Git = (*fakeGit)(nil)

// fakeForge is an in-memory Forge.
type fakeForge struct {
	prs        map[int]*PRInfo
	nextNumber int

	createdSpecs    []PRSpec
	createdOrder    []int
	updates         map[int]PRSpec
	closed          map[int]bool
	deletedBranches []string
	batchErr        error
}

func newFakeForge() *fakeForge {
	return &fakeForge{prs: map[int]*PRInfo{}, updates: map[int]PRSpec{}, closed: map[int]bool{}}
}

func (f *fakeForge) GetPR(ctx context.Context, number int) (*PRInfo, error) {
	return f.prs[number], nil
}

func (f *fakeForge) CreatePR(ctx context.Context, spec PRSpec) (*PRInfo, error) {
	f.nextNumber++
	n := f.nextNumber
	info := &PRInfo{
		Number:  n,
		URL:     fmt.Sprintf("https://github.com/octocat/example/pull/%d", n),
		State:   "OPEN",
		HeadRef: spec.Head,
		BaseRef: spec.Base,
	}
	f.prs[n] = info
	f.createdSpecs = append(f.createdSpecs, spec)
	f.createdOrder = append(f.createdOrder, n)
	return info, nil
}

func (f *fakeForge) UpdatePR(ctx context.Context, number int, spec PRSpec) error {
	f.updates[number] = spec
	if info := f.prs[number]; info != nil && spec.Base != "" {
		info.BaseRef = spec.Base
	}
	return nil
}

func (f *fakeForge) ClosePR(ctx context.Context, number int) error {
	f.closed[number] = true
	if info := f.prs[number]; info != nil {
		info.State = "CLOSED"
	}
	return nil
}

func (f *fakeForge) DeleteRemoteBranch(ctx context.Context, branch string) error {
	f.deletedBranches = append(f.deletedBranches, branch)
	return nil
}

func (f *fakeForge) BatchStatus(ctx context.Context, numbers []int) ([]*PRInfo, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([]*PRInfo, len(numbers))
	for i, n := range numbers {
		out[i] = f.prs[n]
	}
	return out, nil
}

var _ Forge = (*fakeForge)(nil)

// testEngineContext builds a minimal, valid EngineContext wired to the
// given fakes, with the host/owner/repo/user/email fields tests need to
// exercise PR-URL parsing and author filtering.
func testEngineContext(g *fakeGit, f *fakeForge) *EngineContext {
	return &EngineContext{
		Remote:   "origin",
		Host:     "github.com",
		Repo:     "octocat/example",
		Owner:    "octocat",
		Name:     "example",
		User:     "alice",
		Email:    "alice@example.com",
		Trunk:    "main",
		Mode:     StackMode,
		Throttle: 8,
		Timeout:  time.Second,
		Git:      g,
		Forge:    f,
	}
}

// testCommit builds a *Commit with the given hash/parents/tree/title, for
// fixtures that don't need a full ghstack trailer block.
func testCommit(g *fakeGit, hash string, parents []string, tree, title string) *Commit {
	c := &Commit{
		Hash: hash, Tree: tree, Parents: parents,
		Date:       fixedTestTime,
		AuthorName: "Alice", AuthorEmail: "alice@example.com",
		CommitterName: "Alice", CommitterEmail: "alice@example.com",
		Title: title,
	}
	if len(parents) > 0 {
		c.Parent = parents[0]
	}
	return g.addCommit(c)
}
