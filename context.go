package main

import "time"

// EngineContext is the explicit, immutable configuration threaded
// through every engine function (select, classify, submit, land,
// unlink). There is no package-level config: global implicit state
// makes the engine impossible to exercise against a fake Git/Forge in
// tests, so every function that needs configuration takes an
// *EngineContext argument instead of reading a package variable.
type EngineContext struct {
	Remote     string
	Host       string
	Repo       string // "owner/name"
	Owner      string
	Name       string
	User       string
	Token      string
	Email      string
	Trunk      string // main/trunk branch name

	Mode     Mode
	Throttle int
	Force    bool
	DryRun   bool

	// UpdateFields forces PR titles and descriptions to be overwritten
	// from the local commit message, instead of preserving edits made on
	// the forge.
	UpdateFields bool

	IncludeOtherAuthors bool

	// Revs optionally restricts the run to a subset of the stack. Empty
	// means every commit between the merge-base and HEAD. WholeStack
	// additionally keeps everything below the highest named rev, so its
	// PR chain stays rooted on submitted predecessors.
	Revs       []string
	WholeStack bool

	Timeout time.Duration
	Verbose bool

	LedgerPath string // .git/ghstack/state.yml

	// Args is whatever positional arguments followed the flags for the
	// current subcommand (e.g. land's target PR URL).
	Args []string

	Git   Git
	Forge Forge
}
