package main

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ghRefRegexp = regexp.MustCompile(`^refs/(?:heads|remotes/[^/]+)/gh/([^/]+)/(\d+)/(base|head|orig)$`)

// SelectStack resolves the local commit sequence between the merge-base
// with the trunk and HEAD into an ordered CommitList, oldest first,
// applying the poisoned-head, author, revision-subset, and throttle
// checks along the way.
func SelectStack(ctx context.Context, ec *EngineContext) (CommitList, error) {
	remoteTrunk := ec.Remote + "/" + ec.Trunk
	base, err := ec.Git.MergeBase(remoteTrunk, "HEAD")
	if err != nil {
		return nil, wrapf(err, "failed to find merge-base with %v", remoteTrunk)
	}
	commits, err := getStackedCommits(ctx, ec.Git, base, "HEAD")
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, errorf("no commits to work on: HEAD is not ahead of %v", remoteTrunk)
	}
	if err := checkPoisonedHead(ec, commits); err != nil {
		return nil, err
	}
	if !ec.IncludeOtherAuthors {
		for _, c := range commits {
			if !strings.EqualFold(c.AuthorEmail, ec.Email) {
				c.Skip = true
			}
		}
	}
	if err := restrictToRevs(ec, commits); err != nil {
		return nil, err
	}

	active := 0
	for _, c := range commits {
		if !c.Skip {
			active++
		}
	}
	if active > ec.Throttle && !ec.Force {
		return nil, errorf(
			"refusing to submit %d commits (throttle is %d); pass --force to override, or reduce the stack",
			active, ec.Throttle)
	}
	return commits, nil
}

// restrictToRevs marks commits outside the requested revision subset as
// skipped. With WholeStack (the default) everything below the highest
// named rev stays in play too, so a mid-stack rev still gets its
// predecessors submitted under it.
func restrictToRevs(ec *EngineContext, commits CommitList) error {
	if len(ec.Revs) == 0 {
		return nil
	}
	wanted := map[string]bool{}
	for _, rev := range ec.Revs {
		hash, err := ec.Git.RevParse(rev)
		if err != nil {
			return wrapf(err, "failed to resolve rev %q", rev)
		}
		wanted[hash] = true
	}
	top := -1
	for i, c := range commits {
		if wanted[c.Hash] {
			top = i
		}
	}
	if top == -1 {
		return errorf("none of the given revs are between the merge-base and HEAD")
	}
	for i, c := range commits {
		if !wanted[c.Hash] && !(ec.WholeStack && i <= top) {
			c.Skip = true
		}
	}
	return nil
}

// checkPoisonedHead rejects a run whose HEAD is already one of
// ghstack's own synthetic gh/<user>/<n>/{base,head} branches:
// resubmitting from there would fold ghstack's own merge machinery back
// into the user's history. The test is structural, not textual: a
// commit is poisoned if it is a merge commit whose second parent is the
// tip of a gh/*/head or gh/*/base branch, so this checks second-parent
// membership against the actual branch tips rather than guessing from a
// commit title.
func checkPoisonedHead(ec *EngineContext, commits CommitList) error {
	branch, err := ec.Git.CurrentBranch()
	if err != nil {
		return nil // detached HEAD or similar: nothing to check against
	}
	if m := ghRefRegexp.FindStringSubmatch("refs/heads/" + branch); m != nil && m[3] != "orig" {
		return errorf("refusing to run from %q: this is a ghstack-managed branch, not your working branch", branch)
	}

	tips, err := ghBranchTips(ec)
	if err != nil {
		return err
	}
	for _, c := range commits {
		if len(c.Parents) >= 2 && tips[c.Parents[1]] {
			return errorf("commit %v is a merge onto a ghstack-managed branch; the local branch may be poisoned", c.ShortHash())
		}
	}
	return nil
}

// ghBranchTips resolves every local and remote gh/*/head and gh/*/base
// ref to its current tip commit hash, the membership test
// checkPoisonedHead needs.
func ghBranchTips(ec *EngineContext) (map[string]bool, error) {
	patterns := []string{
		fmt.Sprintf("refs/remotes/%s/gh/%s/*", ec.Remote, ec.User),
		fmt.Sprintf("refs/heads/gh/%s/*", ec.User),
	}
	out := map[string]bool{}
	for _, pattern := range patterns {
		refs, err := ec.Git.ForEachRef(pattern)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			m := ghRefRegexp.FindStringSubmatch(ref)
			if m == nil || (m[3] != "head" && m[3] != "base") {
				continue
			}
			hash, err := ec.Git.RevParse(ref)
			if err != nil {
				continue
			}
			out[hash] = true
		}
	}
	return out, nil
}

// inUseGhNums scans the local and remote gh/* refs to find ghnums
// currently occupying a branch triple, so the ledger doesn't hand one of
// them back out from a stale NextGhNum.
func inUseGhNums(ec *EngineContext) (map[int]bool, error) {
	refs, err := ec.Git.ForEachRef(fmt.Sprintf("refs/remotes/%s/gh/%s/*", ec.Remote, ec.User))
	if err != nil {
		return nil, err
	}
	local, err := ec.Git.ForEachRef(fmt.Sprintf("refs/heads/gh/%s/*", ec.User))
	if err != nil {
		return nil, err
	}
	refs = append(refs, local...)

	out := map[int]bool{}
	for _, ref := range refs {
		if m := ghRefRegexp.FindStringSubmatch(ref); m != nil {
			if n, err := strconv.Atoi(m[2]); err == nil {
				out[n] = true
			}
		}
	}
	return out, nil
}
