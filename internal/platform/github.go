package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/logging"
)

const defaultGitHubBaseURL = "https://api.github.com"

// Timing constants of the PR-creation state machine. Creation happens
// immediately after a push, while GitHub's read replicas may not yet
// reflect that push; these bounds reduce the race without eliminating it.
const (
	pushPropagationDelay = 2 * time.Second
	branchCheckAttempts  = 3
	createRetryAttempts  = 3
)

// GitHub is the GitHub platform adapter. All calls go through the injected
// base URL so tests can run against an httptest server.
type GitHub struct {
	owner   string
	repo    string
	token   string
	baseURL string
	client  *http.Client
	log     *logging.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGitHub creates a GitHub adapter for owner/repo.
func NewGitHub(owner, repo, token string, opts Options) *GitHub {
	baseURL := opts.GitHubBaseURL
	if baseURL == "" {
		baseURL = defaultGitHubBaseURL
	}
	return &GitHub{
		owner:   owner,
		repo:    repo,
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  opts.httpClient(),
		log:     opts.logger().WithPlatform(string(KindGitHub)),
		sleep:   opts.sleep(),
	}
}

// Name returns the platform kind.
func (g *GitHub) Name() string {
	return string(KindGitHub)
}

// githubErrorBody is GitHub's error response shape, including the
// structured field-level validation detail on 422s.
type githubErrorBody struct {
	Message string `json:"message"`
	Errors  []struct {
		Resource string `json:"resource"`
		Field    string `json:"field"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	} `json:"errors"`
}

// do performs one API call. Non-2xx responses become a *PlatformError
// carrying the HTTP status and the API's structured validation messages,
// not just the generic status line.
func (g *GitHub) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "token "+g.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.NewPlatformError(g.Name(), "request failed", err).
			WithRepository(g.owner, g.repo)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewPlatformError(g.Name(), "failed to read response", err).
			WithRepository(g.owner, g.repo).
			WithStatus(resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr githubErrorBody
		_ = json.Unmarshal(data, &apiErr)

		message := apiErr.Message
		if message == "" {
			message = resp.Status
		}

		var details []string
		for _, e := range apiErr.Errors {
			detail := fmt.Sprintf("%s.%s: %s", e.Resource, e.Field, e.Code)
			if e.Message != "" {
				detail += " (" + e.Message + ")"
			}
			details = append(details, detail)
		}

		return errors.NewPlatformError(g.Name(), message, nil).
			WithRepository(g.owner, g.repo).
			WithStatus(resp.StatusCode).
			WithDetails(details)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.NewPlatformError(g.Name(), "failed to decode response", err).
				WithRepository(g.owner, g.repo).
				WithStatus(resp.StatusCode)
		}
	}
	return nil
}

// repoPath returns the /repos/{owner}/{repo} prefix.
func (g *GitHub) repoPath() string {
	return fmt.Sprintf("/repos/%s/%s", g.owner, g.repo)
}

// TestConnection verifies the token can read the repository.
func (g *GitHub) TestConnection(ctx context.Context) error {
	return g.do(ctx, http.MethodGet, g.repoPath(), nil, nil)
}

// GetWorkItem fetches a GitHub issue as a work item.
func (g *GitHub) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	var issue struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		State   string `json:"state"`
		HTMLURL string `json:"html_url"`
		Labels  []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath()+"/issues/"+url.PathEscape(id), nil, &issue); err != nil {
		return nil, err
	}

	itemType := ""
	if len(issue.Labels) > 0 {
		itemType = issue.Labels[0].Name
	}
	return &WorkItem{
		ID:          strconv.Itoa(issue.Number),
		Title:       issue.Title,
		Description: issue.Body,
		Type:        itemType,
		State:       issue.State,
		URL:         issue.HTMLURL,
	}, nil
}

// PostComment posts a comment on an issue.
func (g *GitHub) PostComment(ctx context.Context, workItemID, comment string) error {
	body := map[string]string{"body": comment}
	return g.do(ctx, http.MethodPost, g.repoPath()+"/issues/"+url.PathEscape(workItemID)+"/comments", body, nil)
}

// branchExists checks the refs API for a branch.
func (g *GitHub) branchExists(ctx context.Context, branch string) (bool, error) {
	err := g.do(ctx, http.MethodGet, g.repoPath()+"/git/refs/heads/"+url.PathEscape(branch), nil, nil)
	if err == nil {
		return true, nil
	}
	var perr *errors.PlatformError
	if errors.As(err, &perr) && perr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// resolveBase picks the base branch: the requested target, then main, then
// master, first existing one wins.
func (g *GitHub) resolveBase(ctx context.Context, target string) (string, error) {
	candidates := []string{target, "main", "master"}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		exists, err := g.branchExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if exists {
			if candidate != target {
				g.log.Info("target branch not found, falling back",
					"target", target, "base", candidate)
			}
			return candidate, nil
		}
	}
	return "", errors.NewPlatformError(g.Name(),
		fmt.Sprintf("no base branch found: tried %q, %q, %q", target, "main", "master"),
		errors.ErrBranchNotFound).
		WithRepository(g.owner, g.repo)
}

// findOpenPullRequest returns the URL of an open PR for the source branch,
// or "" when none exists.
func (g *GitHub) findOpenPullRequest(ctx context.Context, source string) (string, error) {
	var pulls []struct {
		HTMLURL string `json:"html_url"`
	}
	query := url.Values{
		"state": {"open"},
		"head":  {g.owner + ":" + source},
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath()+"/pulls?"+query.Encode(), nil, &pulls); err != nil {
		return "", err
	}
	if len(pulls) > 0 {
		return pulls[0].HTMLURL, nil
	}
	return "", nil
}

// compareAheadBy returns how many commits source is ahead of base.
// A failed compare call is a consistency error: the push may not have
// propagated yet and the caller may retry the whole operation later.
func (g *GitHub) compareAheadBy(ctx context.Context, base, source string) (int, error) {
	var compare struct {
		Status  string `json:"status"`
		AheadBy int    `json:"ahead_by"`
	}
	path := fmt.Sprintf("%s/compare/%s...%s", g.repoPath(), url.PathEscape(base), url.PathEscape(source))
	if err := g.do(ctx, http.MethodGet, path, nil, &compare); err != nil {
		return 0, errors.NewConsistencyError(
			"failed to compare branches, the push may not have propagated yet; retry the operation later",
			err).WithBranch(source)
	}
	if compare.Status == "identical" {
		return 0, nil
	}
	return compare.AheadBy, nil
}

// isRecoverableCreateFailure matches the creation failures the retry branch
// handles: GitHub's transient validation rejections right after a push.
func isRecoverableCreateFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Validation Failed") || strings.Contains(msg, "No commits between")
}

// createPullRequest performs the raw POST.
func (g *GitHub) createPullRequest(ctx context.Context, title, body, source, base string) (string, error) {
	payload := map[string]string{
		"title": title,
		"body":  body,
		"head":  source,
		"base":  base,
	}
	var created struct {
		HTMLURL string `json:"html_url"`
	}
	if err := g.do(ctx, http.MethodPost, g.repoPath()+"/pulls", payload, &created); err != nil {
		return "", err
	}
	return created.HTMLURL, nil
}

// CreatePullRequest runs the PR-creation state machine. Each gate either
// ends the operation (terminal error or terminal success) or proceeds:
//
//  1. reject source == target
//  2. resolve the base branch (target, then main, then master)
//  3. idempotency: an already-open PR for source wins immediately
//  4. validate the title
//  5. wait out push propagation
//  6. confirm the source branch is visible remotely, with bounded retries
//  7. confirm source is ahead of base
//  8. create
//  9. recover from transient validation failures, re-checking idempotency
//     and re-resolving the base on each retry
func (g *GitHub) CreatePullRequest(ctx context.Context, spec PullRequestSpec) (string, error) {
	source := spec.SourceBranch
	target := spec.TargetBranch

	// Gate 1: a PR from a branch onto itself can never succeed. No network
	// call is needed to reject it.
	if source == target {
		return "", errors.NewValidationError(
			fmt.Sprintf("source branch %q equals target branch", source)).
			WithField("source_branch").WithValue(source)
	}

	// Gate 2: resolve the base branch.
	base, err := g.resolveBase(ctx, target)
	if err != nil {
		return "", err
	}

	// Gate 3: idempotency before any creation attempt.
	if existing, err := g.findOpenPullRequest(ctx, source); err != nil {
		return "", err
	} else if existing != "" {
		g.log.Info("open pull request already exists", "url", existing, "source", source)
		return existing, nil
	}

	// Gate 4: title is required; an empty description is allowed but noted.
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		return "", errors.NewValidationError("pull request title cannot be empty").
			WithField("title")
	}
	body := strings.TrimSpace(spec.Description)
	if body == "" {
		g.log.Warn("creating pull request with empty description", "source", source)
	}

	// Gate 5: give the push time to propagate to the read replicas.
	if err := g.sleep(ctx, pushPropagationDelay); err != nil {
		return "", errors.Wrap(errors.ErrCanceled, "canceled while waiting for push propagation")
	}

	// Gate 6: the source branch must be visible remotely.
	if err := g.awaitSourceBranch(ctx, source); err != nil {
		return "", err
	}

	// Gate 7: the source must be ahead of the base.
	aheadBy, err := g.compareAheadBy(ctx, base, source)
	if err != nil {
		return "", err
	}
	if aheadBy == 0 {
		return "", errors.NewPlatformError(g.Name(),
			fmt.Sprintf("no commits between %s and %s", base, source),
			errors.ErrNoCommitsBetween).
			WithRepository(g.owner, g.repo)
	}

	// Gate 8: create.
	prURL, createErr := g.createPullRequest(ctx, title, body, source, base)
	if createErr == nil {
		g.log.Info("created pull request", "url", prURL, "source", source, "base", base)
		return prURL, nil
	}

	// Gate 9: recover from transient validation failures.
	if !isRecoverableCreateFailure(createErr) {
		return "", createErr
	}
	return g.retryCreate(ctx, title, body, source, target, createErr)
}

// awaitSourceBranch confirms the source ref exists remotely, retrying while
// the push propagates.
func (g *GitHub) awaitSourceBranch(ctx context.Context, source string) error {
	for attempt := 1; attempt <= branchCheckAttempts; attempt++ {
		exists, err := g.branchExists(ctx, source)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if attempt < branchCheckAttempts {
			delay := time.Duration(attempt) * time.Second
			g.log.Warn("source branch not visible yet, retrying",
				"branch", source, "attempt", attempt, "backoff", delay.String())
			if err := g.sleep(ctx, delay); err != nil {
				return errors.Wrap(errors.ErrCanceled, "canceled while waiting for source branch")
			}
		}
	}
	return errors.NewPlatformError(g.Name(),
		fmt.Sprintf("source branch %q not found after %d attempts", source, branchCheckAttempts),
		errors.ErrBranchNotFound).
		WithRepository(g.owner, g.repo)
}

// retryCreate handles GitHub's transient "Validation Failed" / "No commits
// between" rejections right after a push. Each retry re-checks idempotency
// (another process may have created the PR mid-retry) and re-resolves the
// base branch before re-attempting creation with the same validated payload.
func (g *GitHub) retryCreate(ctx context.Context, title, body, source, target string, original error) (string, error) {
	for attempt := 1; attempt <= createRetryAttempts; attempt++ {
		delay := time.Duration(1<<(attempt-1)) * time.Second // 1s, 2s, 4s
		g.log.Warn("pull request creation failed, retrying",
			"attempt", attempt, "backoff", delay.String(), "error", original.Error())
		if err := g.sleep(ctx, delay); err != nil {
			return "", errors.Wrap(errors.ErrCanceled, "canceled during creation retry")
		}

		if existing, err := g.findOpenPullRequest(ctx, source); err == nil && existing != "" {
			g.log.Info("pull request appeared during retry", "url", existing)
			return existing, nil
		}

		base, err := g.resolveBase(ctx, target)
		if err != nil {
			continue
		}

		prURL, err := g.createPullRequest(ctx, title, body, source, base)
		if err == nil {
			g.log.Info("created pull request on retry", "url", prURL, "attempt", attempt)
			return prURL, nil
		}
	}

	// One last idempotency check before giving up.
	if existing, err := g.findOpenPullRequest(ctx, source); err == nil && existing != "" {
		return existing, nil
	}
	return "", errors.Wrapf(original, "pull request creation failed after %d retries", createRetryAttempts)
}
