package platform

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/logging"
)

const defaultAzureBaseURL = "https://dev.azure.com"

// AzureDevOps is the Azure DevOps platform adapter, speaking the ADO REST
// API with a personal access token.
type AzureDevOps struct {
	org     string
	project string
	repo    string
	token   string
	baseURL string
	client  *http.Client
	log     *logging.Logger
}

// NewAzureDevOps creates an Azure DevOps adapter.
func NewAzureDevOps(org, project, repo, token string, opts Options) *AzureDevOps {
	baseURL := opts.AzureBaseURL
	if baseURL == "" {
		baseURL = defaultAzureBaseURL
	}
	return &AzureDevOps{
		org:     org,
		project: project,
		repo:    repo,
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  opts.httpClient(),
		log:     opts.logger().WithPlatform(string(KindAzureDevOps)),
	}
}

// Name returns the platform kind.
func (a *AzureDevOps) Name() string {
	return string(KindAzureDevOps)
}

// adoErrorBody is ADO's error response shape.
type adoErrorBody struct {
	Message string `json:"message"`
	TypeKey string `json:"typeKey"`
}

// do performs one ADO REST call with PAT basic auth.
func (a *AzureDevOps) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	auth := base64.StdEncoding.EncodeToString([]byte(":" + a.token))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.NewPlatformError(a.Name(), "request failed", err).
			WithRepository(a.org, a.repo)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewPlatformError(a.Name(), "failed to read response", err).
			WithRepository(a.org, a.repo).
			WithStatus(resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr adoErrorBody
		_ = json.Unmarshal(data, &apiErr)

		message := apiErr.Message
		if message == "" {
			message = resp.Status
		}
		var details []string
		if apiErr.TypeKey != "" {
			details = append(details, apiErr.TypeKey)
		}
		return errors.NewPlatformError(a.Name(), message, nil).
			WithRepository(a.org, a.repo).
			WithStatus(resp.StatusCode).
			WithDetails(details)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.NewPlatformError(a.Name(), "failed to decode response", err).
				WithRepository(a.org, a.repo).
				WithStatus(resp.StatusCode)
		}
	}
	return nil
}

// projectPath returns the /{org}/{project} prefix.
func (a *AzureDevOps) projectPath() string {
	return "/" + url.PathEscape(a.org) + "/" + url.PathEscape(a.project)
}

// TestConnection verifies the PAT can read the repository.
func (a *AzureDevOps) TestConnection(ctx context.Context) error {
	path := fmt.Sprintf("%s/_apis/git/repositories/%s?api-version=7.0",
		a.projectPath(), url.PathEscape(a.repo))
	return a.do(ctx, http.MethodGet, path, nil, nil)
}

// GetWorkItem fetches an ADO work item.
func (a *AzureDevOps) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	var item struct {
		ID     int            `json:"id"`
		Fields map[string]any `json:"fields"`
		URL    string         `json:"url"`
	}
	path := fmt.Sprintf("%s/_apis/wit/workitems/%s?api-version=7.0",
		a.projectPath(), url.PathEscape(id))
	if err := a.do(ctx, http.MethodGet, path, nil, &item); err != nil {
		return nil, err
	}

	field := func(name string) string {
		if v, ok := item.Fields[name].(string); ok {
			return v
		}
		return ""
	}
	return &WorkItem{
		ID:          strconv.Itoa(item.ID),
		Title:       field("System.Title"),
		Description: field("System.Description"),
		Type:        field("System.WorkItemType"),
		State:       field("System.State"),
		URL:         item.URL,
	}, nil
}

// CreatePullRequest creates a pull request via the ADO git API. The source
// and target branches are sent as full ref names.
func (a *AzureDevOps) CreatePullRequest(ctx context.Context, spec PullRequestSpec) (string, error) {
	if spec.SourceBranch == spec.TargetBranch {
		return "", errors.NewValidationError(
			fmt.Sprintf("source branch %q equals target branch", spec.SourceBranch)).
			WithField("source_branch").WithValue(spec.SourceBranch)
	}
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		return "", errors.NewValidationError("pull request title cannot be empty").
			WithField("title")
	}

	payload := map[string]string{
		"sourceRefName": "refs/heads/" + spec.SourceBranch,
		"targetRefName": "refs/heads/" + spec.TargetBranch,
		"title":         title,
		"description":   strings.TrimSpace(spec.Description),
	}
	var created struct {
		PullRequestID int `json:"pullRequestId"`
		Repository    struct {
			WebURL string `json:"webUrl"`
		} `json:"repository"`
	}
	path := fmt.Sprintf("%s/_apis/git/repositories/%s/pullrequests?api-version=7.0",
		a.projectPath(), url.PathEscape(a.repo))
	if err := a.do(ctx, http.MethodPost, path, payload, &created); err != nil {
		return "", err
	}

	prURL := fmt.Sprintf("%s/pullrequest/%d", created.Repository.WebURL, created.PullRequestID)
	a.log.Info("created pull request", "url", prURL, "source", spec.SourceBranch)
	return prURL, nil
}

// PostComment posts a discussion comment on a work item.
func (a *AzureDevOps) PostComment(ctx context.Context, workItemID, comment string) error {
	payload := map[string]string{"text": comment}
	path := fmt.Sprintf("%s/_apis/wit/workItems/%s/comments?api-version=7.0-preview.3",
		a.projectPath(), url.PathEscape(workItemID))
	return a.do(ctx, http.MethodPost, path, payload, nil)
}
