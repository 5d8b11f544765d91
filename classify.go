package main

import (
	"context"
	"fmt"
	"strconv"
)

// Classify turns the selected commits into Diffs annotated with the
// action the submission engine must take: New, Update, Skip, or Reject.
// No ref or PR is written here; every rejection is decided before the
// first write so a bad stack aborts cleanly.
func Classify(ctx context.Context, ec *EngineContext, commits CommitList, ledger *Ledger) ([]*Diff, error) {
	inUse, err := inUseGhNums(ec)
	if err != nil {
		return nil, err
	}

	seenGhNum := map[int]*Commit{}
	diffs := make([]*Diff, 0, len(commits))
	pred := -1
	for i, c := range commits {
		d := &Diff{Commit: c, Index: i, Pred: pred, Mode: ec.Mode}

		if c.Skip {
			d.Action = ActionSkip
			// Still surface a previously-assigned PR number so the
			// navigator block can reference the skipped commit's PR.
			if _, _, _, number, ok := ParsePRURL(c.Ghstack.PRURL); ok {
				d.PRNumber = number
			}
			diffs = append(diffs, d)
			continue
		}

		if !c.HasGhstackIdentity() {
			d.Action = ActionNew
			d.GhNum = ledger.Allocate(inUse)
			inUse[d.GhNum] = true
			diffs = append(diffs, d)
			pred = i
			continue
		}

		host, owner, repo, number, ok := ParsePRURL(c.Ghstack.PRURL)
		if !ok {
			return nil, invariantf(c.Ghstack.PRURL, "commit %v carries an unparseable PR URL trailer", c.ShortHash())
		}
		if host != ec.Host || owner+"/"+repo != ec.Repo {
			d.Action = ActionReject
			d.RejectReason = fmt.Sprintf("commit %v's PR trailer points at a different repository (%v/%v)", c.ShortHash(), owner, repo)
			diffs = append(diffs, d)
			pred = i
			continue
		}
		d.PRNumber = number

		info, err := ec.Forge.GetPR(ctx, number)
		if err != nil {
			return nil, wrapf(err, "failed to look up PR #%d", number)
		}
		if info == nil {
			d.Action = ActionReject
			d.RejectReason = fmt.Sprintf("PR #%d referenced by commit %v no longer exists", number, c.ShortHash())
			diffs = append(diffs, d)
			pred = i
			continue
		}

		ghNum, ok := ghNumFromHeadRef(info.HeadRef)
		if !ok {
			return nil, invariantf(info.HeadRef, "PR #%d's head ref isn't a ghstack branch", number)
		}
		d.GhNum = ghNum

		if prev, dup := seenGhNum[ghNum]; dup {
			d.Action = ActionReject
			d.RejectReason = fmt.Sprintf("ghnum %d is claimed by both %v and %v; this looks like a botched rebase", ghNum, prev.ShortHash(), c.ShortHash())
			diffs = append(diffs, d)
			pred = i
			continue
		}
		seenGhNum[ghNum] = c

		switch {
		case info.State == "CLOSED" || info.State == "MERGED":
			if inUse[ghNum] {
				// The branch triple survived the close, so the commit can
				// start over under a fresh number; the old one stays
				// consumed.
				d.Action = ActionNew
				d.GhNum = ledger.Allocate(inUse)
				inUse[d.GhNum] = true
			} else {
				d.Action = ActionReject
				d.RejectReason = fmt.Sprintf("cannot submit a stack with closed PR #%d whose branch was deleted; `git rebase` past it or run ghstack unlink", number)
			}
		default:
			origTip, err := lastWrittenOrig(ctx, ec, ghNum)
			if err != nil {
				return nil, wrapf(err, "failed to read orig branch for PR #%d", number)
			}
			if origTip != nil && origTip.Ghstack.SourceID != "" && origTip.Ghstack.SourceID != c.Ghstack.SourceID {
				d.Action = ActionReject
				d.RejectReason = fmt.Sprintf(
					"it looks like another source updated GitHub since you last pushed PR #%d (orig branch doesn't match what this commit's trailers say); rebase or ghstack unlink before retrying",
					number)
				diffs = append(diffs, d)
				pred = i
				continue
			}
			sourceID := c.SourceID()
			d.SourceIDNow = sourceID
			d.SourceIDPrev = c.Ghstack.SourceID
			if d.SourceIDPrev == sourceID {
				d.Action = ActionSkip
			} else {
				d.Action = ActionUpdate
			}
			d.RemoteHead = info.HeadRef
			d.RemoteBase = info.BaseRef
			d.RemoteTitle = info.Title
			d.RemoteBody = info.Body
			d.PRURL = info.URL
			if origTip != nil {
				d.LastWrittenTitle = origTip.Title
				d.LastWrittenProse = origTip.Prose
			}
		}
		diffs = append(diffs, d)
		pred = i
	}
	return diffs, nil
}

// lastWrittenOrig reads the tip commit of gh/<user>/<ghNum>/orig on the
// forge: its ghstack-source-id trailer is the concurrent-edit fence
// (anything other than this engine's own last submit touching the PR —
// another tool, a manual force-push, a second clone — changes it), and
// its title/prose are what the engine last wrote to the PR's fields,
// which the no-clobber rule compares against the forge's current title
// and body. A missing orig ref (never pushed, or deleted) returns nil
// and is treated as "nothing to compare against" by the caller.
func lastWrittenOrig(ctx context.Context, ec *EngineContext, ghNum int) (*Commit, error) {
	origRef := fmt.Sprintf("gh/%s/%d/orig", ec.User, ghNum)
	commit, err := fetchRemoteCommit(ctx, ec.Git, ec.Remote, origRef)
	if err != nil {
		if isUserError(err) || isInvariantError(err) {
			return nil, err
		}
		// Treat a missing/unfetchable ref as "no prior orig to compare",
		// not a hard failure: the classic case is a brand-new PR whose
		// orig branch hasn't landed on the remote in this clone's view
		// yet.
		return nil, nil
	}
	return commit, nil
}

// ghNumFromHeadRef parses the ghnum out of a gh/<user>/<n>/head branch
// name.
func ghNumFromHeadRef(headRef string) (int, bool) {
	m := ghRefRegexp.FindStringSubmatch("refs/heads/" + headRef)
	if m == nil || m[3] != "head" {
		return 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return n, true
}
