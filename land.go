package main

import (
	"context"
	"os"
	"strings"
	"time"
)

// maxLandFastForwardRetries bounds how many times Land refetches trunk
// and rebuilds its landed-commit sequence after a non-fast-forward push
// before giving up.
const maxLandFastForwardRetries = 3

// LandOptions configures one land run. There is no merge-method option:
// landing never calls the forge's merge button. It builds the landed
// commits itself and fast-forward-pushes them, so squash/rebase/merge
// has no meaning here.
type LandOptions struct {
	DeleteBranch bool
	RequireGreen bool
}

// Land resolves targetPRURL to a position in the local stack and lands
// it and everything below it: landing PR #k lands #1..#k and leaves
// #(k+1).. open.
func Land(ctx context.Context, ec *EngineContext, diffs []*Diff, targetPRURL string, opts LandOptions, ledger *Ledger) error {
	_, _, _, number, ok := ParsePRURL(targetPRURL)
	if !ok {
		return errorf("%q is not a valid pull request URL", targetPRURL)
	}

	targetIdx := -1
	for i, d := range diffs {
		if d.PRNumber == number {
			targetIdx = i
		}
	}
	if targetIdx == -1 {
		return errorf("PR #%d is not part of the local stack (run ghstack submit first, or check you're on the right branch)", number)
	}
	landable := diffs[:targetIdx+1]

	for _, d := range landable {
		if d.Action == ActionReject {
			return errorf("refusing to land: PR #%d's commit was rejected during classification (%v)", d.PRNumber, d.RejectReason)
		}
		if d.PRNumber == 0 {
			return errorf("commit %v has not been submitted yet; run ghstack submit first", d.Commit.ShortHash())
		}
	}

	numbers := make([]int, len(landable))
	for i, d := range landable {
		numbers[i] = d.PRNumber
	}
	statuses, err := ec.Forge.BatchStatus(ctx, numbers)
	if err != nil {
		return wrapf(err, "failed to fetch PR status")
	}
	fprint(os.Stdout, renderLandSummary(landable, statuses))
	for i, d := range landable {
		var info *PRInfo
		if i < len(statuses) {
			info = statuses[i]
		}
		// The "current orig matches the forge's head" fence is the same
		// check Classify already performed for every diff carrying a PR
		// URL (lastWrittenOrig); a stale Reject would have already
		// aborted above, so landing only needs to re-check openness
		// here, not rebuild that fence.
		if info == nil {
			continue
		}
		if info.State != "" && info.State != "OPEN" && !ec.Force {
			return errorf("PR #%d is not open (state %v); it may already be landed or closed", d.PRNumber, info.State)
		}
		if opts.RequireGreen {
			if info.Mergeable == "CONFLICTING" {
				return errorf("PR #%d is not mergeable (conflicting)", d.PRNumber)
			}
			for _, check := range info.Checks {
				if check.Conclusion != "" && check.Conclusion != "SUCCESS" && check.Conclusion != "NEUTRAL" {
					return errorf("PR #%d has a failing check %q", d.PRNumber, check.Name)
				}
			}
		}
	}

	if ec.DryRun {
		for _, d := range landable {
			G(ctx).Infof("(dry-run) would land PR #%d (%v) onto %v", d.PRNumber, d.Commit.ShortHash(), ec.Trunk)
		}
		return nil
	}

	if err := ec.Git.Fetch(ec.Remote, ec.Trunk); err != nil {
		return wrapf(err, "failed to fetch %v/%v", ec.Remote, ec.Trunk)
	}
	tip, err := ec.Git.RevParse("FETCH_HEAD")
	if err != nil {
		return wrapf(err, "failed to resolve fetched %v tip", ec.Trunk)
	}

	committer := CommitIdentity{Name: ec.User, Email: ec.Email}
	buildSequence := func(base string) (string, error) {
		cur := base
		for _, d := range landable {
			c := d.Commit
			author := CommitIdentity{Name: c.AuthorName, Email: c.AuthorEmail, Date: c.Date.Format(time.RFC3339)}
			hash, err := ec.Git.CommitTreeAs(c.Tree, []string{cur}, landedMessage(c), author, committer)
			if err != nil {
				return "", wrapf(err, "failed to construct landed commit for PR #%d", d.PRNumber)
			}
			cur = hash
		}
		return cur, nil
	}

	landedTip, err := buildSequence(tip)
	if err != nil {
		return err
	}

	var pushed bool
	for attempt := 0; attempt <= maxLandFastForwardRetries; attempt++ {
		if err := ec.Git.Push(ec.Remote, landedTip+":refs/heads/"+ec.Trunk); err == nil {
			pushed = true
			break
		}
		if attempt == maxLandFastForwardRetries {
			break
		}
		G(ctx).Warnf("push to %v/%v was not a fast-forward, refetching and retrying (%d/%d)",
			ec.Remote, ec.Trunk, attempt+1, maxLandFastForwardRetries)
		if err := ec.Git.Fetch(ec.Remote, ec.Trunk); err != nil {
			return wrapf(err, "failed to refetch %v/%v", ec.Remote, ec.Trunk)
		}
		tip, err = ec.Git.RevParse("FETCH_HEAD")
		if err != nil {
			return wrapf(err, "failed to resolve refetched %v tip", ec.Trunk)
		}
		landedTip, err = buildSequence(tip)
		if err != nil {
			return err
		}
	}
	if !pushed {
		return errorf("failed to fast-forward %v/%v after %d attempts; trunk is moving too fast to land onto",
			ec.Remote, ec.Trunk, maxLandFastForwardRetries)
	}

	for _, d := range landable {
		if err := closeLandedPR(ctx, ec, d, opts); err != nil {
			return wrapf(err, "failed to finish landing PR #%d", d.PRNumber)
		}
		ledger.MarkLanded(d.GhNum)
	}
	return ledger.Save()
}

// landedMessage renders the message for a landed commit: the orig
// commit's prose and user trailers, with the ghstack trailer block
// collapsed down to the canonical PR-URL trailer only. No
// ghstack-source-id or ghstack-comment-id, since the commit is leaving
// ghstack's bookkeeping for good.
func landedMessage(c *Commit) string {
	gh := GhstackTrailers{PRURL: c.Ghstack.PRURL, Direct: false}
	return Emit(strings.TrimSpace(c.Title+"\n\n"+c.Prose), c.UserTrailers, gh)
}

// closeLandedPR closes the PR on the forge (no merge-button call — the
// commit is already on trunk via the fast-forward push above) and tears
// down its branches.
func closeLandedPR(ctx context.Context, ec *EngineContext, d *Diff, opts LandOptions) error {
	if err := ec.Forge.ClosePR(ctx, d.PRNumber); err != nil {
		return err
	}
	if !opts.DeleteBranch {
		return nil
	}
	base, headRef, orig := d.BranchNames(ec.User)
	for _, branch := range []string{base, headRef, orig} {
		if err := ec.Forge.DeleteRemoteBranch(ctx, branch); err != nil {
			G(ctx).Warnf("failed to delete remote branch %v: %v", branch, err)
		}
		_ = ec.Git.DeleteRef("refs/heads/" + branch)
	}
	return nil
}

// renderLandSummary formats a one-line-per-PR status table, printed
// once before landing begins.
func renderLandSummary(diffs []*Diff, statuses []*PRInfo) string {
	var b strings.Builder
	for i, d := range diffs {
		var info *PRInfo
		if i < len(statuses) {
			info = statuses[i]
		}
		if info == nil {
			fprintf(&b, "#%d %s (status unknown)\n", d.PRNumber, d.Commit.Title)
			continue
		}
		fprintf(&b, "#%d %s [%s/%s] %s\n", d.PRNumber, d.Commit.Title, info.Mergeable, info.MergeStateStatus, info.ReviewStatus)
	}
	return b.String()
}
