package main

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// verboseExec gates the command-line echo below; set once from config at
// startup (config.go), read here only for presentation, never for
// business logic.
var verboseExec bool

// execError carries the subprocess's exit code and combined output so
// callers can surface the git/gh error verbatim.
type execError struct {
	exitCode int
	err      error
	output   string
}

func (e *execError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("exit code %d", e.exitCode))
	if e.output != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(e.output))
	}
	return b.String()
}

func (e *execError) Unwrap() error { return e.err }

// execCmd runs name with args, returning trimmed combined output. The
// Git and gh capabilities are both just subprocess invocations wrapped
// the same way.
func execCmd(name string, args ...string) (string, error) {
	if verboseExec {
		var b strings.Builder
		b.WriteString(name)
		for _, arg := range args {
			b.WriteString(" ")
			if strings.Contains(arg, " ") {
				b.WriteString(fmt.Sprintf("%q", arg))
			} else {
				b.WriteString(arg)
			}
		}
		rootLogger.Debug(b.String())
	}
	output, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = &execError{exitCode: exitErr.ExitCode(), err: err, output: string(output)}
		} else {
			err = &execError{exitCode: 199, err: err, output: string(output)}
		}
	}
	if verboseExec {
		if err != nil {
			rootLogger.Debug(err.Error())
		} else {
			rootLogger.Debug(strings.TrimSpace(string(output)))
		}
	}
	return strings.TrimSpace(string(output)), err
}

// execCmdWithEnv runs name with args under a replacement environment,
// optionally piping stdin in rather than passing it as an argv string
// (used by CommitTreeAs: identity travels in the environment, the
// commit message over stdin).
func execCmdWithEnv(env []string, stdin string, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = env
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = &execError{exitCode: exitErr.ExitCode(), err: err, output: string(output)}
		} else {
			err = &execError{exitCode: 199, err: err, output: string(output)}
		}
	}
	return strings.TrimSpace(string(output)), err
}
