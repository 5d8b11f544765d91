package main

import (
	"fmt"
	"strings"
	"time"
)

// KeyVal is a single trailer line: KeyVal{key, value}.
type KeyVal [2]string

// Mode is the PR-layout strategy for a diff.
type Mode int

const (
	// StackMode is the default: `base` is a synthetic branch owned by
	// ghstack, advanced by base-update merge commits as upstream moves.
	StackMode Mode = iota
	// DirectMode targets an existing upstream or predecessor branch
	// directly; no synthetic base branch exists.
	DirectMode
)

func (m Mode) String() string {
	if m == DirectMode {
		return "direct"
	}
	return "stack"
}

// Commit is one node in the local commit sequence under consideration
// by the engine: hash, author/committer, title/message, and the parsed
// trailer blocks (see codec.go).
type Commit struct {
	Hash   string
	Tree   string
	Date   time.Time
	Parent  string   // first parent hash
	Parents []string // all parent hashes, in order; len 0 for a root commit

	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string

	Title string // first line of the message
	Prose string // body, excluding title and trailers

	// UserTrailers are trailers the codec preserves verbatim (e.g.
	// "Differential Revision", "Signed-off-by") in their original order.
	UserTrailers []KeyVal
	// Ghstack is the parsed ghstack trailer block, if any.
	Ghstack GhstackTrailers

	Skip bool // excluded from the current run
}

// ShortHash returns the conventional 8-character abbreviation.
func (c *Commit) ShortHash() string {
	if len(c.Hash) < 8 {
		return c.Hash
	}
	return c.Hash[:8]
}

// FullMessage re-renders prose+trailers deterministically via the codec.
func (c *Commit) FullMessage() string {
	return Emit(strings.TrimSpace(c.Title+"\n\n"+c.Prose), c.UserTrailers, c.Ghstack)
}

// SourceID hashes the commit's tree and full message, subject included,
// minus the ghstack trailers, so a title-only amendment still registers
// as an edit.
func (c *Commit) SourceID() string {
	return SourceID(c.Tree, strings.TrimSpace(c.Title+"\n\n"+c.Prose), c.UserTrailers)
}

// HasGhstackIdentity reports whether this commit was previously submitted
// (carries a PR URL trailer).
func (c *Commit) HasGhstackIdentity() bool {
	return c.Ghstack.PRURL != ""
}

func (c *Commit) String() string {
	id := ""
	if c.Ghstack.PRURL != "" {
		id = fmt.Sprintf(" (%s)", c.Ghstack.PRURL)
	}
	return fmt.Sprintf("%s%s %s", c.ShortHash(), id, c.Title)
}

func (c *Commit) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "commit %v\nAuthor: %v <%v>\nDate: %v\n\n%v\n\n%v\n",
				c.Hash, c.AuthorName, c.AuthorEmail, c.Date, c.Title, c.Prose)
			return
		}
		fallthrough
	case 's', 'q':
		fmt.Fprint(s, c.String())
	}
}

// CommitIdentity is a name/email/date triple used to pin the author or
// committer identity of a commit the engine manufactures itself (land's
// landed commits, unlink's trailer-stripped rewrites), rather than
// letting commit-tree fall back to the ambient git config. An empty Date
// lets git default to the current time.
type CommitIdentity struct {
	Name  string
	Email string
	Date  string // git-parsable, e.g. RFC3339; "" defaults to now
}

// CommitList is an ordered (oldest-first) sequence of commits.
type CommitList []*Commit

// Action is the classifier's verdict for a single diff.
type Action int

const (
	ActionSkip Action = iota
	ActionNew
	ActionUpdate
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionNew:
		return "new"
	case ActionUpdate:
		return "update"
	case ActionReject:
		return "reject"
	default:
		return "skip"
	}
}

// Diff is the logical unit the engine reasons about: a local commit
// annotated with its remote identity and the action to take. Diffs form
// a chain keyed by ghnum, stored as a flat, index-ordered slice with a
// predecessor index rather than a pointer graph.
type Diff struct {
	Commit *Commit
	Index  int // position within the submitted stack, 0 = bottom
	Pred   int // index of the predecessor diff, -1 if bottom of stack

	GhNum    int
	PRNumber int
	PRURL    string
	Mode     Mode

	SourceIDPrev string // last source-id the engine wrote to the forge
	SourceIDNow  string // recomputed from the current local commit

	RemoteBase string // ref name the PR is based on
	RemoteHead string // ref name of the PR's head branch

	// RemoteTitle/RemoteBody are the PR fields as currently stored on the
	// forge; LastWrittenTitle/LastWrittenProse are what the engine itself
	// last pushed (read off the orig branch tip). Comparing the two pairs
	// is how the no-clobber rule tells a forge-side edit by the author
	// apart from the engine's own previous write.
	RemoteTitle      string
	RemoteBody       string
	LastWrittenTitle string
	LastWrittenProse string

	Action       Action
	RejectReason string

	// RewrittenHash is the commit this diff's local commit was rewritten
	// to during submit (trailers re-emitted, parent re-chained onto the
	// rewritten predecessor). Equal to Commit.Hash when nothing changed.
	RewrittenHash string
}

// BranchNames returns the gh/<user>/<ghnum>/{base,head,orig} triple for
// this diff.
func (d *Diff) BranchNames(user string) (base, headRef, orig string) {
	prefix := fmt.Sprintf("gh/%s/%d", user, d.GhNum)
	return prefix + "/base", prefix + "/head", prefix + "/orig"
}
