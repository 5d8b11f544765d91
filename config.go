package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var regexpRemoteURL = regexp.MustCompile(`(?:git@([^:]+):|https://([^/]+)/)([^/]+)/(.+?)(?:\.git)?$`)

// LoadEngineContext parses flags, inspects the local repository and the
// gh CLI's hosts.yml, and assembles the EngineContext the rest of the
// engine runs against.
func LoadEngineContext(args []string) (*EngineContext, error) {
	fs := flag.NewFlagSet("ghstack", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "verbose output")
	remote := fs.String("remote", "origin", "remote name")
	trunk := fs.String("trunk", "main", "trunk branch name")
	direct := fs.Bool("direct", false, "use direct mode instead of stack mode")
	throttle := fs.Int("throttle", 8, "maximum number of diffs submitted per run")
	force := fs.Bool("force", false, "override the submission throttle")
	dryRun := fs.Bool("dry-run", false, "print actions without writing any ref, branch, or PR")
	updateFields := fs.Bool("update-fields", false, "overwrite PR title and description from the local commit message")
	includeOtherAuthors := fs.Bool("include-other-authors", false, "include commits authored by other users")
	revs := fs.String("revs", "", "comma-separated revisions to restrict the run to (default: the whole stack)")
	wholeStack := fs.Bool("stack", true, "with -revs, also include every commit below the highest named rev")
	ghHostsPath := fs.String("gh-hosts", "~/.config/gh/hosts.yml", "path to the gh CLI hosts file")
	timeoutSec := fs.Int("timeout", 20, "forge API call timeout in seconds")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: ghstack [submit|land|unlink] [options]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	verboseExec = *verbose

	ec := &EngineContext{
		Remote:              *remote,
		Trunk:               *trunk,
		Mode:                StackMode,
		Throttle:            *throttle,
		Force:               *force,
		DryRun:              *dryRun,
		UpdateFields:        *updateFields,
		IncludeOtherAuthors: *includeOtherAuthors,
		WholeStack:          *wholeStack,
		Timeout:             time.Duration(*timeoutSec) * time.Second,
		Verbose:             *verbose,
		Args:                fs.Args(),
		Git:                 realGit{},
	}
	if *direct {
		ec.Mode = DirectMode
	}
	for _, rev := range strings.Split(*revs, ",") {
		if rev = strings.TrimSpace(rev); rev != "" {
			ec.Revs = append(ec.Revs, rev)
		}
	}

	out, err := execCmd("git", "remote", "get-url", ec.Remote)
	if err != nil {
		return nil, errorf("not a git repository, or remote %q does not exist", ec.Remote)
	}
	m := regexpRemoteURL.FindStringSubmatch(strings.TrimSpace(out))
	if m == nil {
		return nil, errorf("failed to parse remote url %q", out)
	}
	ec.Host = firstNonEmpty(m[1], m[2])
	ec.Owner, ec.Name = m[3], m[4]
	ec.Repo = ec.Owner + "/" + ec.Name

	hosts, err := LoadGitHubConfig(*ghHostsPath)
	if err != nil {
		return nil, wrapf(err, "failed to load GitHub config at %v (install and run `gh auth login`)", *ghHostsPath)
	}
	host := hosts[ec.Host]
	if host == nil {
		return nil, errorf("no GitHub config for host %v; add it to %v", ec.Host, *ghHostsPath)
	}
	ec.User = host.User
	ec.Token = host.OauthToken

	email, err := realGit{}.ConfigGet("user.email")
	if err != nil {
		return nil, wrapf(err, "failed to read git config user.email")
	}
	ec.Email = email

	for name, value := range map[string]string{"user": ec.User, "token": ec.Token, "email": ec.Email} {
		if value == "" {
			return nil, errorf("missing config %q", name)
		}
	}

	gitDir, err := execCmd("git", "rev-parse", "--git-dir")
	if err != nil {
		return nil, wrapf(err, "failed to locate .git directory")
	}
	ec.LedgerPath = filepath.Join(strings.TrimSpace(gitDir), "ghstack", "state.yml")

	ec.Forge = NewForge(ec)
	return ec, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type GitHubConfigHostsFile map[string]*GitHubConfigHost

type GitHubConfigHost struct {
	User        string `yaml:"user"`
	OauthToken  string `yaml:"oauth_token"`
	GitProtocol string `yaml:"git_protocol"`
}

func LoadGitHubConfig(configPath string) (out GitHubConfigHostsFile, _ error) {
	data, err := os.ReadFile(expandPath(configPath))
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
