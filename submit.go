package main

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Submit drives diffs through the forge in strict bottom-up order,
// writing base-before-head-before-next-diff for every diff in turn, so
// a partial failure never leaves a PR pointing at a base branch that
// doesn't exist yet. PR bodies are rewritten in a final pass once every
// PR number is known.
func Submit(ctx context.Context, ec *EngineContext, diffs []*Diff) error {
	changed := 0
	for _, d := range diffs {
		if d.Action == ActionReject {
			return errorf("commit %v rejected: %v", d.Commit.ShortHash(), d.RejectReason)
		}
		if d.Action != ActionSkip {
			changed++
		}
	}
	if changed == 0 {
		G(ctx).Info("nothing to submit")
		return nil
	}

	// Each diff's local commit is rewritten onto the rewritten
	// predecessor as its branches land, so the checkout's trailers match
	// what was just pushed and a later submit recognizes every commit.
	// A Skip diff whose predecessor kept its hash is left untouched.
	newParent := diffs[0].Commit.Parent
	rewritten := false
	for _, d := range diffs {
		// The predecessor is looked up by Pred index into the *full*
		// diffs list, not by adjacency within active: an unchanged
		// (Skip) diff in between still has to serve as the base/head
		// linkage target for whatever comes after it.
		var predDiff *Diff
		if d.Pred >= 0 {
			predDiff = diffs[d.Pred]
		}
		if d.Action != ActionSkip {
			if err := submitOne(ctx, ec, d, predDiff); err != nil {
				return wrapf(err, "failed to submit %v", d.Commit.ShortHash())
			}
		}
		if ec.DryRun {
			newParent = d.Commit.Hash
			continue
		}
		if d.Action == ActionSkip && newParent == d.Commit.Parent {
			d.RewrittenHash = d.Commit.Hash
		} else {
			parents := append([]string{newParent}, d.Commit.Parents[1:]...)
			author := CommitIdentity{Name: d.Commit.AuthorName, Email: d.Commit.AuthorEmail, Date: d.Commit.Date.Format(time.RFC3339)}
			committer := CommitIdentity{Name: ec.User, Email: ec.Email}
			hash, err := ec.Git.CommitTreeAs(d.Commit.Tree, parents, d.Commit.FullMessage(), author, committer)
			if err != nil {
				return wrapf(err, "failed to rewrite %v", d.Commit.ShortHash())
			}
			d.RewrittenHash = hash
			rewritten = true
		}
		if d.Action != ActionSkip {
			_, _, orig := d.BranchNames(ec.User)
			if err := writeOrig(ctx, ec, d.RewrittenHash, orig); err != nil {
				return err
			}
		}
		newParent = d.RewrittenHash
	}
	if !ec.DryRun && rewritten {
		branch, err := ec.Git.CurrentBranch()
		if err != nil {
			return wrapf(err, "failed to resolve the current branch after rewriting the stack")
		}
		if err := ec.Git.UpdateRef("refs/heads/"+branch, newParent, ""); err != nil {
			return wrapf(err, "failed to move %v to the rewritten stack", branch)
		}
	}

	// The navigator block always reflects the *whole* current stack,
	// including diffs left untouched this run, so reordering or
	// insertion is visible in every PR's body. Only diffs that actually
	// changed get a forge write, so a second submit with nothing new
	// performs no writes at all.
	all := make([]*Diff, 0, len(diffs))
	for _, d := range diffs {
		if d.Action != ActionReject {
			all = append(all, d)
		}
	}
	entries := make([]StackEntry, len(all))
	for i, d := range all {
		entries[i] = StackEntry{GhNum: d.GhNum, PRNumber: d.PRNumber, Title: d.Commit.Title, ShortSHA: d.Commit.ShortHash()}
	}
	for i, d := range all {
		if d.Action == ActionSkip {
			continue
		}
		entries[i].Current = true
		body := RenderBody(proseFor(ec, d), entries)
		entries[i].Current = false
		spec := PRSpec{Body: body}
		if d.Action == ActionUpdate {
			spec.Title = updatedTitle(ec, d)
		}
		if ec.DryRun {
			G(ctx).Infof("(dry-run) would update PR #%d fields", d.PRNumber)
			continue
		}
		if err := ec.Forge.UpdatePR(ctx, d.PRNumber, spec); err != nil {
			return wrapf(err, "failed to update PR #%d fields", d.PRNumber)
		}
	}
	return nil
}

// proseFor picks the prose the navigator block is rendered above,
// applying the no-clobber rule: a description the author edited on the
// forge (it no longer matches what the engine itself last wrote) is
// preserved; otherwise the local commit's prose wins. --update-fields
// overrides preservation entirely.
func proseFor(ec *EngineContext, d *Diff) string {
	if d.Action != ActionUpdate || ec.UpdateFields {
		return d.Commit.Prose
	}
	remote := UserProse(d.RemoteBody)
	if remote != "" && remote != d.LastWrittenProse {
		return remote
	}
	return d.Commit.Prose
}

// updatedTitle applies the same no-clobber policy to the PR title,
// returning "" when the title should be left alone.
func updatedTitle(ec *EngineContext, d *Diff) string {
	if d.Commit.Title == d.RemoteTitle {
		return ""
	}
	if !ec.UpdateFields && d.LastWrittenTitle != "" && d.RemoteTitle != d.LastWrittenTitle {
		// The author renamed the PR on the forge since the engine last
		// wrote it; keep their title.
		return ""
	}
	return d.Commit.Title
}

// submitOne writes one diff's branches and PR, base before head, and
// rewrites the local commit's trailers to reflect what was just pushed.
// Base and head are never force-updated: a New diff
// creates each branch fresh, an Update diff appends a base-update and/or
// head-update merge commit on top of whatever is already there.
func submitOne(ctx context.Context, ec *EngineContext, d *Diff, predDiff *Diff) error {
	base, headRef, _ := d.BranchNames(ec.User)

	var baseTarget string
	var baseAdvanced bool
	switch ec.Mode {
	case DirectMode:
		if predDiff != nil {
			_, predHeadRef, _ := predDiff.BranchNames(ec.User)
			baseTarget = predHeadRef
		} else {
			baseTarget = ec.Trunk
		}
		baseAdvanced = d.Action == ActionUpdate && baseTarget != d.RemoteBase
	default: // StackMode
		if ec.DryRun {
			G(ctx).Infof("(dry-run) would write synthetic base branch %v", base)
		} else {
			var err error
			baseAdvanced, err = writeSyntheticBase(ctx, ec, d, predDiff)
			if err != nil {
				return err
			}
		}
		baseTarget = base
	}

	if ec.DryRun {
		G(ctx).Infof("(dry-run) would push head branch %v", headRef)
	} else if err := writeHeadBranch(ctx, ec, d, predDiff, headRef, baseTarget, baseAdvanced); err != nil {
		return err
	}

	switch d.Action {
	case ActionNew:
		if ec.DryRun {
			G(ctx).Infof("(dry-run) would create PR for %v", d.Commit.ShortHash())
		} else {
			info, err := ec.Forge.CreatePR(ctx, PRSpec{
				Title: d.Commit.Title,
				Body:  d.Commit.Prose,
				Head:  headRef,
				Base:  baseTarget,
			})
			if err != nil {
				return err
			}
			d.PRNumber = info.Number
			d.PRURL = info.URL
		}
	case ActionUpdate:
		spec := PRSpec{}
		if ec.Mode == DirectMode && baseAdvanced {
			spec.Base = baseTarget
		}
		if spec != (PRSpec{}) {
			if ec.DryRun {
				G(ctx).Infof("(dry-run) would update PR #%d base to %v", d.PRNumber, baseTarget)
			} else if err := ec.Forge.UpdatePR(ctx, d.PRNumber, spec); err != nil {
				return err
			}
		}
	}

	d.Commit.Ghstack = GhstackTrailers{
		SourceID: d.Commit.SourceID(),
		PRURL:    FormatPRURL(ec.Host, ec.Owner, ec.Name, d.PRNumber),
		Direct:   ec.Mode == DirectMode,
	}
	return nil
}

// writeSyntheticBase advances the stack-mode base branch and reports
// whether its tree actually changed (so the caller knows whether head
// needs a second merge parent). A New diff creates the branch fresh,
// parented on the predecessor's head (or trunk, at the bottom of the
// stack). An Update diff appends a base-update commit — a merge of the
// existing base tip with the new predecessor tip — only when the
// predecessor's tree actually moved; the branch is otherwise left
// untouched; base and head only ever grow, never move backwards.
func writeSyntheticBase(ctx context.Context, ec *EngineContext, d *Diff, predDiff *Diff) (advanced bool, err error) {
	base, _, _ := d.BranchNames(ec.User)

	predHash, predTree, predLabel, err := predecessorTip(ctx, ec, predDiff)
	if err != nil {
		return false, err
	}

	if d.Action == ActionNew {
		message := fmt.Sprintf("Initial commit for base of %v", identifyDiff(d))
		commitHash, err := ec.Git.CommitTree(predTree, []string{predHash}, message)
		if err != nil {
			return false, err
		}
		if err := ec.Git.UpdateRef("refs/heads/"+base, commitHash, ""); err != nil {
			return false, err
		}
		if err := ec.Git.Push(ec.Remote, "refs/heads/"+base+":refs/heads/"+base); err != nil {
			return false, err
		}
		return true, nil
	}

	oldHash, oldTree, err := remoteRefTip(ctx, ec, base)
	if err != nil {
		return false, wrapf(err, "failed to read existing base branch %v", base)
	}
	if oldTree == predTree {
		// predecessor hasn't moved since the last submit: nothing to append.
		if err := ec.Git.UpdateRef("refs/heads/"+base, oldHash, ""); err != nil {
			return false, err
		}
		return false, nil
	}

	message := fmt.Sprintf("Update base for %v through %v", identifyDiff(d), predLabel)
	commitHash, err := ec.Git.CommitTree(predTree, []string{oldHash, predHash}, message)
	if err != nil {
		return false, err
	}
	if err := ec.Git.UpdateRef("refs/heads/"+base, commitHash, oldHash); err != nil {
		return false, err
	}
	if err := ec.Git.Push(ec.Remote, "refs/heads/"+base+":refs/heads/"+base); err != nil {
		return false, err
	}
	return true, nil
}

// writeHeadBranch advances a diff's head branch. A New diff creates it
// fresh (stack mode: a merge of the base tip with the predecessor's head
// tip, carrying the local tree; direct mode: the local tree rebased onto
// remote_base). An Update diff appends a head-update commit on top of
// the existing head tip, merging in the new base tip only if the base
// actually advanced.
func writeHeadBranch(ctx context.Context, ec *EngineContext, d *Diff, predDiff *Diff, headRef, baseTarget string, baseAdvanced bool) error {
	message := strings.TrimSpace(d.Commit.Title + "\n\n" + d.Commit.Prose)

	if d.Action == ActionNew {
		var parents []string
		switch ec.Mode {
		case StackMode:
			baseHash, _, err := resolveRefTip(ctx, ec, baseTarget)
			if err != nil {
				return err
			}
			parents = []string{baseHash}
			if predDiff != nil {
				_, predHeadRef, _ := predDiff.BranchNames(ec.User)
				predHeadHash, _, err := resolveRefTip(ctx, ec, predHeadRef)
				if err != nil {
					return err
				}
				parents = append(parents, predHeadHash)
			}
		case DirectMode:
			baseHash, err := remoteBranchOrTrunkHash(ctx, ec, baseTarget)
			if err != nil {
				return err
			}
			parents = []string{baseHash}
		}
		commitHash, err := ec.Git.CommitTree(d.Commit.Tree, parents, message)
		if err != nil {
			return err
		}
		if err := ec.Git.UpdateRef("refs/heads/"+headRef, commitHash, ""); err != nil {
			return err
		}
		return ec.Git.Push(ec.Remote, "refs/heads/"+headRef+":refs/heads/"+headRef)
	}

	oldHash, _, err := remoteRefTip(ctx, ec, headRef)
	if err != nil {
		return wrapf(err, "failed to read existing head branch %v", headRef)
	}
	parents := []string{oldHash}
	if baseAdvanced {
		var baseHash string
		switch ec.Mode {
		case StackMode:
			baseHash, _, err = resolveRefTip(ctx, ec, baseTarget)
		case DirectMode:
			baseHash, err = remoteBranchOrTrunkHash(ctx, ec, baseTarget)
		}
		if err != nil {
			return err
		}
		parents = append(parents, baseHash)
	}
	commitHash, err := ec.Git.CommitTree(d.Commit.Tree, parents, message)
	if err != nil {
		return err
	}
	if err := ec.Git.UpdateRef("refs/heads/"+headRef, commitHash, oldHash); err != nil {
		return err
	}
	return ec.Git.Push(ec.Remote, "refs/heads/"+headRef+":refs/heads/"+headRef)
}

// predecessorTip resolves the (hash, tree, label) that a diff's base
// should be parented on: the predecessor diff's current head, or the
// upstream trunk at the bottom of the stack. The predecessor's head may
// not have been touched this run (it's an unchanged Skip diff, or this
// is a fresh clone), so this falls back to fetching it off the remote
// rather than assuming a local branch exists.
func predecessorTip(ctx context.Context, ec *EngineContext, predDiff *Diff) (hash, tree, label string, err error) {
	if predDiff == nil {
		remoteTrunk := ec.Remote + "/" + ec.Trunk
		hash, err = ec.Git.RevParse(remoteTrunk)
		if err != nil {
			return "", "", "", err
		}
		tree, err = ec.Git.RevParse(remoteTrunk + "^{tree}")
		return hash, tree, ec.Trunk, err
	}
	_, predHeadRef, _ := predDiff.BranchNames(ec.User)
	hash, tree, err = resolveRefTip(ctx, ec, predHeadRef)
	return hash, tree, identifyDiff(predDiff), err
}

// resolveRefTip returns the (hash, tree) of bare branch ref, preferring
// the local refs/heads/<ref> copy (fresh from this same submit run) and
// falling back to fetching it off the remote when no local copy exists.
func resolveRefTip(ctx context.Context, ec *EngineContext, ref string) (hash, tree string, err error) {
	hash, err = ec.Git.RevParse("refs/heads/" + ref)
	if err == nil {
		tree, err = ec.Git.RevParse("refs/heads/" + ref + "^{tree}")
		if err == nil {
			return hash, tree, nil
		}
	}
	return remoteRefTip(ctx, ec, ref)
}

// remoteRefTip fetches ref from the remote and returns its tip hash and
// tree, used to extend an already-existing base/head branch without a
// local tracking ref (submit may run in a fresh clone).
func remoteRefTip(ctx context.Context, ec *EngineContext, ref string) (hash, tree string, err error) {
	commit, err := fetchRemoteCommit(ctx, ec.Git, ec.Remote, ref)
	if err != nil {
		return "", "", err
	}
	return commit.Hash, commit.Tree, nil
}

// remoteBranchOrTrunkHash resolves ref (either a gh/*/head branch pushed
// earlier this submit, or the trunk branch name) to a commit hash, for
// direct-mode base linkage.
func remoteBranchOrTrunkHash(ctx context.Context, ec *EngineContext, ref string) (string, error) {
	if ref == ec.Trunk {
		return ec.Git.RevParse(ec.Remote + "/" + ec.Trunk)
	}
	hash, _, err := resolveRefTip(ctx, ec, ref)
	return hash, err
}

// identifyDiff renders a short label for base/head-update commit
// messages; PRNumber may still be zero for a diff created earlier in
// this same submit run before the forge assigned it a number.
func identifyDiff(d *Diff) string {
	if d.PRNumber != 0 {
		return fmt.Sprintf("#%d", d.PRNumber)
	}
	return fmt.Sprintf("gh/%d", d.GhNum)
}

// writeOrig points the orig branch at the rewritten local commit, last
// among the three branches so a crash mid-submit never reports a commit
// as landed before base/head are in place. orig is the one branch the
// engine force-pushes, since amending the local commit always rewrites
// its hash.
func writeOrig(ctx context.Context, ec *EngineContext, rewritten, orig string) error {
	if err := ec.Git.UpdateRef("refs/heads/"+orig, rewritten, ""); err != nil {
		return err
	}
	return ec.Git.Push(ec.Remote, "+refs/heads/"+orig+":refs/heads/"+orig)
}
