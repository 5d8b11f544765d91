package main

import (
	"context"
	"strings"
)

// Unlink strips ghstack trailers from the given commits, rewriting them
// via commit-tree: one new commit per old commit, same tree and author,
// only the message changes, then the branch is reset to the rewritten
// tip. The next submit treats the commits as brand new.
func Unlink(ctx context.Context, ec *EngineContext, commits CommitList) error {
	var toRewrite CommitList
	for _, c := range commits {
		if c.HasGhstackIdentity() {
			toRewrite = append(toRewrite, c)
		}
	}
	if len(toRewrite) == 0 {
		G(ctx).Info("no linked commits to unlink")
		return nil
	}

	branch, err := ec.Git.CurrentBranch()
	if err != nil {
		return wrapf(err, "unlink requires a named branch checked out")
	}

	lastHash := commits[0].Parent
	for _, c := range commits {
		// Re-emit through the codec with an empty ghstack block: user
		// trailers keep their own blank-line-separated section, and the
		// ghstack identity disappears.
		msg := strings.TrimRight(Emit(strings.TrimSpace(c.Title+"\n\n"+c.Prose), c.UserTrailers, GhstackTrailers{}), "\n")

		if ec.DryRun {
			G(ctx).Infof("(dry-run) would rewrite %v dropping ghstack trailers", c.ShortHash())
			lastHash = c.Hash
			continue
		}
		newHash, err := ec.Git.CommitTree(c.Tree, []string{lastHash}, msg)
		if err != nil {
			return wrapf(err, "failed to rewrite commit %v", c.ShortHash())
		}
		lastHash = newHash
	}

	if ec.DryRun {
		return nil
	}
	if err := ec.Git.UpdateRef("refs/heads/"+branch, lastHash, ""); err != nil {
		return wrapf(err, "failed to move %v to the rewritten history", branch)
	}
	return nil
}
