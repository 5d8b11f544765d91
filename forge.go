package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// PRSpec is what the engine wants a pull request's editable fields to be.
type PRSpec struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// PRInfo is what the forge reports back about a pull request, covering
// both the submission engine's needs (number/URL/state/title/body) and
// the land engine's status table (mergeability/checks/reviews).
type PRInfo struct {
	Number     int
	URL        string
	State      string // OPEN, MERGED, CLOSED
	Title      string
	Body       string
	HeadRef    string
	BaseRef    string
	HeadSHA    string
	Mergeable        string
	MergeStateStatus string
	ReviewDecision   string
	ReviewStatus     string
	Checks           []CheckStatus
	LastUpdated      time.Time
}

// CheckStatus is one CI check result, from the statusCheckRollup
// GraphQL fragment.
type CheckStatus struct {
	Name       string
	Status     string
	Conclusion string
}

// Forge is the capability the engine uses to talk to the code-review
// service. REST covers single-PR lookup/create/update/close; the
// batched GraphQL query covers land's bulk status read, avoiding one
// REST round trip per PR in a stack.
type Forge interface {
	GetPR(ctx context.Context, number int) (*PRInfo, error)
	CreatePR(ctx context.Context, spec PRSpec) (*PRInfo, error)
	UpdatePR(ctx context.Context, number int, spec PRSpec) error
	ClosePR(ctx context.Context, number int) error
	DeleteRemoteBranch(ctx context.Context, branch string) error
	BatchStatus(ctx context.Context, numbers []int) ([]*PRInfo, error)
}

type restForge struct {
	ec *EngineContext
}

func NewForge(ec *EngineContext) Forge { return &restForge{ec: ec} }

func (f *restForge) apiURL(format string, args ...any) string {
	return fmt.Sprintf("https://api.%s/repos/%s"+format, append([]any{f.ec.Host, f.ec.Repo}, args...)...)
}

func prInfoFromREST(v gjson.Result) *PRInfo {
	return &PRInfo{
		Number:  int(v.Get("number").Int()),
		URL:     v.Get("html_url").String(),
		State:   strings.ToUpper(v.Get("state").String()),
		Title:   v.Get("title").String(),
		Body:    v.Get("body").String(),
		HeadRef: v.Get("head.ref").String(),
		HeadSHA: v.Get("head.sha").String(),
		BaseRef: v.Get("base.ref").String(),
	}
}

func (f *restForge) GetPR(ctx context.Context, number int) (*PRInfo, error) {
	url := f.apiURL("/pulls/%d", number)
	data, err := f.httpRequest(ctx, "GET", url, nil)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, nil
		}
		return nil, err
	}
	v := gjson.ParseBytes(data)
	if !v.Get("number").Exists() {
		return nil, nil
	}
	return prInfoFromREST(v), nil
}

func (f *restForge) CreatePR(ctx context.Context, spec PRSpec) (*PRInfo, error) {
	url := f.apiURL("/pulls")
	body := struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Head  string `json:"head"`
		Base  string `json:"base"`
	}{spec.Title, spec.Body, spec.Head, spec.Base}
	data, err := f.httpRequest(ctx, "POST", url, body)
	if err != nil {
		return nil, err
	}
	v := gjson.ParseBytes(data)
	number := v.Get("number").Int()
	if number == 0 {
		return nil, errorf("forge did not return a PR number for %q", spec.Title)
	}
	return prInfoFromREST(v), nil
}

func (f *restForge) UpdatePR(ctx context.Context, number int, spec PRSpec) error {
	url := f.apiURL("/pulls/%d", number)
	body := map[string]string{}
	if spec.Title != "" {
		body["title"] = spec.Title
	}
	if spec.Body != "" {
		body["body"] = spec.Body
	}
	if spec.Base != "" {
		body["base"] = spec.Base
	}
	_, err := f.httpRequest(ctx, "PATCH", url, body)
	return err
}

func (f *restForge) ClosePR(ctx context.Context, number int) error {
	url := f.apiURL("/pulls/%d", number)
	_, err := f.httpRequest(ctx, "PATCH", url, map[string]string{"state": "closed"})
	return err
}

func (f *restForge) DeleteRemoteBranch(ctx context.Context, branch string) error {
	return f.ec.Git.Push(f.ec.Remote, ":refs/heads/"+branch)
}

// BatchStatus fetches mergeability/review/check state for many PRs in
// one GraphQL round trip instead of one REST call per PR.
func (f *restForge) BatchStatus(ctx context.Context, numbers []int) ([]*PRInfo, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	parts := strings.SplitN(f.ec.Repo, "/", 2)
	if len(parts) != 2 {
		return nil, errorf("invalid repo format: %s", f.ec.Repo)
	}
	owner, name := parts[0], parts[1]

	var b strings.Builder
	fmt.Fprintf(&b, "query {\n  repository(owner: %q, name: %q) {\n", owner, name)
	for i, n := range numbers {
		fmt.Fprintf(&b, `    pr%d: pullRequest(number: %d) {
      number
      state
      mergeable
      mergeStateStatus
      reviewDecision
      reviews(last: 10) { nodes { state } }
      statusCheckRollup {
        contexts(first: 100) {
          nodes {
            __typename
            ... on CheckRun { name status conclusion }
            ... on StatusContext { context state }
          }
        }
      }
    }
`, i, n)
	}
	b.WriteString("  }\n}")

	out, err := execCmd("gh", "api", "graphql", "-f", "query="+b.String())
	if err != nil {
		return nil, wrapf(err, "gh api graphql")
	}

	results := make([]*PRInfo, len(numbers))
	for i := range numbers {
		key := fmt.Sprintf("data.repository.pr%d", i)
		v := gjson.Get(out, key)
		if !v.Exists() {
			continue
		}
		info := &PRInfo{
			Number:           int(v.Get("number").Int()),
			State:            v.Get("state").String(),
			Mergeable:        v.Get("mergeable").String(),
			MergeStateStatus: v.Get("mergeStateStatus").String(),
			ReviewDecision:   v.Get("reviewDecision").String(),
			LastUpdated:      time.Now(),
		}
		approved, changesRequested := 0, 0
		for _, r := range v.Get("reviews.nodes").Array() {
			switch r.Get("state").String() {
			case "APPROVED":
				approved++
			case "CHANGES_REQUESTED":
				changesRequested++
			}
		}
		switch {
		case changesRequested > 0:
			info.ReviewStatus = fmt.Sprintf("%d changes requested", changesRequested)
		case approved > 0:
			info.ReviewStatus = fmt.Sprintf("%d approved", approved)
		case info.ReviewDecision == "REVIEW_REQUIRED":
			info.ReviewStatus = "review required"
		}
		for _, c := range v.Get("statusCheckRollup.contexts.nodes").Array() {
			if c.Get("__typename").String() == "CheckRun" {
				info.Checks = append(info.Checks, CheckStatus{
					Name:       c.Get("name").String(),
					Status:     c.Get("status").String(),
					Conclusion: c.Get("conclusion").String(),
				})
			} else {
				info.Checks = append(info.Checks, CheckStatus{
					Name:       c.Get("context").String(),
					Conclusion: c.Get("state").String(),
				})
			}
		}
		results[i] = info
	}
	return results, nil
}

const maxForgeAttempts = 3
const forgeRetryBase = 500 * time.Millisecond

// httpRequest issues one authenticated REST call, carrying auth and
// timeout from the EngineContext. Transient failures (network errors,
// 5xx, 429) are retried with a short exponential backoff; permanent
// failures surface immediately.
func (f *restForge) httpRequest(ctx context.Context, method, url string, body any) ([]byte, error) {
	var bodyJSON []byte
	if body != nil {
		var err error
		bodyJSON, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxForgeAttempts; attempt++ {
		if attempt > 0 {
			G(ctx).Debugf("retrying %s %s (attempt %d/%d)", method, url, attempt+1, maxForgeAttempts)
			time.Sleep(forgeRetryBase << (attempt - 1))
		}
		data, retryable, err := f.doRequest(ctx, method, url, bodyJSON)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return data, err
		}
	}
	return nil, lastErr
}

func (f *restForge) doRequest(ctx context.Context, method, url string, bodyJSON []byte) (data []byte, retryable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, f.ec.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if bodyJSON != nil {
		bodyReader = bytes.NewReader(bodyJSON)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+f.ec.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if bodyJSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	G(ctx).Debugf("-> %s %s", method, url)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, wrapf(err, "reading response body")
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return data, true, errorf("forge request failed: %s %s: %s: %s", method, url, resp.Status, data)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, false, errorf("forge request failed: %s %s: %s: %s", method, url, resp.Status, data)
	}
	G(ctx).Debugf("<- %s", resp.Status)
	return data, false, nil
}
