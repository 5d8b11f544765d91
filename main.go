// ghstack submits a local stack of commits as a stack of GitHub pull
// requests, one per commit, rewriting each commit's trailers to track the
// PR it maps to across repeated submissions, and can later land or unlink
// that stack.
//
// Usage: ghstack <submit|land|unlink> [options]
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: ghstack <submit|land|unlink> [options]")
		return ExitUserError
	}
	cmd, rest := args[0], args[1:]

	ec, err := LoadEngineContext(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeFor(err)
	}
	configureLogging(ec.Verbose)
	ctx := WithLogger(context.Background(), rootLogger.WithField("cmd", cmd))

	if clean, err := ec.Git.StatusClean(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return ExitUserError
	} else if !clean {
		fmt.Fprintln(os.Stderr, `error: working directory has uncommitted changes

Hint: use "git add -A && git stash" to clean up the repository`)
		return ExitUserError
	}

	if err := dispatch(ctx, ec, cmd); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeFor(err)
	}
	return ExitSuccess
}

func dispatch(ctx context.Context, ec *EngineContext, cmd string) error {
	switch cmd {
	case "submit":
		return runSubmit(ctx, ec)
	case "land":
		return runLand(ctx, ec)
	case "unlink":
		return runUnlink(ctx, ec)
	default:
		return errorf("unknown command %q; expected submit, land, or unlink", cmd)
	}
}

func runSubmit(ctx context.Context, ec *EngineContext) error {
	commits, err := SelectStack(ctx, ec)
	if err != nil {
		return err
	}
	for _, c := range commits {
		fprint(os.Stdout, c, "\n")
	}

	ledger, err := OpenLedger(ec.LedgerPath)
	if err != nil {
		return err
	}
	diffs, err := Classify(ctx, ec, commits, ledger)
	if err != nil {
		return err
	}
	if err := Submit(ctx, ec, diffs); err != nil {
		return err
	}
	return ledger.Save()
}

func runLand(ctx context.Context, ec *EngineContext) error {
	if len(ec.Args) == 0 {
		return errorf("usage: ghstack land <pull-request-url>")
	}
	targetPRURL := ec.Args[0]

	commits, err := SelectStack(ctx, ec)
	if err != nil {
		return err
	}
	ledger, err := OpenLedger(ec.LedgerPath)
	if err != nil {
		return err
	}
	diffs, err := Classify(ctx, ec, commits, ledger)
	if err != nil {
		return err
	}
	return Land(ctx, ec, diffs, targetPRURL, LandOptions{DeleteBranch: true, RequireGreen: true}, ledger)
}

func runUnlink(ctx context.Context, ec *EngineContext) error {
	commits, err := SelectStack(ctx, ec)
	if err != nil {
		return err
	}
	return Unlink(ctx, ec, commits)
}
