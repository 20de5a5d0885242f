// Package platform adapts relay to remote code-hosting platforms. A factory
// detects the platform from a work item and constructs the matching adapter,
// either from a registered integration's stored credentials or from ambient
// environment tokens as a fallback.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/logging"
)

// Kind identifies a supported platform.
type Kind string

const (
	KindGitHub      Kind = "github"
	KindAzureDevOps Kind = "azure-devops"
	KindUnknown     Kind = "unknown"
)

// WorkItem is a platform-neutral view of a tracked unit of work.
type WorkItem struct {
	ID          string
	Title       string
	Description string
	Type        string
	State       string
	URL         string
}

// PullRequestSpec describes the pull request to create.
type PullRequestSpec struct {
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
}

// Adapter is the closed set of platform capabilities relay depends on.
type Adapter interface {
	// Name returns the platform kind as a string.
	Name() string

	// TestConnection verifies credentials and repository access.
	TestConnection(ctx context.Context) error

	// GetWorkItem fetches a work item by its platform-native ID.
	GetWorkItem(ctx context.Context, id string) (*WorkItem, error)

	// CreatePullRequest creates a pull request and returns its URL.
	CreatePullRequest(ctx context.Context, spec PullRequestSpec) (string, error)

	// PostComment posts a comment on the work item.
	PostComment(ctx context.Context, workItemID, comment string) error
}

// Detect resolves the platform for a work item in priority order: the
// explicit source tag first, then a substring match on the repository URL.
func Detect(source, repoURL string) Kind {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case string(KindGitHub):
		return KindGitHub
	case string(KindAzureDevOps):
		return KindAzureDevOps
	}

	if strings.Contains(repoURL, "github.com") {
		return KindGitHub
	}
	if strings.Contains(repoURL, "dev.azure.com") || strings.Contains(repoURL, "visualstudio.com") {
		return KindAzureDevOps
	}
	return KindUnknown
}

// GitHub URL forms, tried in order.
var (
	githubHTTPSPattern = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	githubSSHPattern   = regexp.MustCompile(`^git@github\.com:([^/]+)/(.+?)(?:\.git)?$`)
)

// ParseGitHubURL extracts owner and repository name from an HTTPS or SSH
// GitHub URL. Failure to match either form is a validation error.
func ParseGitHubURL(repoURL string) (owner, repo string, err error) {
	trimmed := strings.TrimSpace(repoURL)
	if m := githubHTTPSPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], m[2], nil
	}
	if m := githubSSHPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], m[2], nil
	}
	return "", "", errors.NewValidationError(
		fmt.Sprintf("could not parse GitHub repository URL %q", repoURL)).
		WithField("repository_url").WithValue(repoURL)
}

// azurePattern matches https://dev.azure.com/org/project/_git/repo and the
// legacy https://org.visualstudio.com/project/_git/repo form.
var (
	azureDevPattern    = regexp.MustCompile(`^https://dev\.azure\.com/([^/]+)/([^/]+)/_git/([^/]+?)(?:\.git)?/?$`)
	azureLegacyPattern = regexp.MustCompile(`^https://([^.]+)\.visualstudio\.com/([^/]+)/_git/([^/]+?)(?:\.git)?/?$`)
)

// ParseAzureURL extracts organization, project, and repository name from an
// Azure DevOps repository URL.
func ParseAzureURL(repoURL string) (org, project, repo string, err error) {
	trimmed := strings.TrimSpace(repoURL)
	if m := azureDevPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], m[2], m[3], nil
	}
	if m := azureLegacyPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], m[2], m[3], nil
	}
	return "", "", "", errors.NewValidationError(
		fmt.Sprintf("could not parse Azure DevOps repository URL %q", repoURL)).
		WithField("repository_url").WithValue(repoURL)
}

// Integration holds a registered integration's stored credentials.
type Integration struct {
	Kind         Kind
	Token        string
	Organization string // Azure DevOps organization name
	Project      string // Azure DevOps project name
}

// Options configures adapter construction. Zero values select production
// defaults; tests inject base URLs, fake clocks, and environments.
type Options struct {
	// Integration is the registered integration, or nil to fall back to
	// ambient environment tokens.
	Integration *Integration

	// GitHubBaseURL overrides the GitHub API base (httptest servers).
	GitHubBaseURL string

	// AzureBaseURL overrides the Azure DevOps API base.
	AzureBaseURL string

	// Getenv reads environment variables. Nil means os.Getenv.
	Getenv func(string) string

	// HTTPClient is the client for API calls. Nil means a 30s-timeout client.
	HTTPClient *http.Client

	// Sleep is the backoff sleep function. Nil means a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *logging.Logger
}

func (o Options) getenv(key string) string {
	if o.Getenv != nil {
		return o.Getenv(key)
	}
	return os.Getenv(key)
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (o Options) logger() *logging.Logger {
	if o.Logger == nil {
		return logging.NopLogger()
	}
	return o.Logger
}

func (o Options) sleep() func(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep
	}
	return func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// New constructs the adapter for a work item's platform. Construction has
// two tiers: a registered integration with stored credentials, or a
// fallback using ambient environment tokens. Missing fallback credentials
// produce an actionable error naming the environment variable.
func New(source, repoURL string, opts Options) (Adapter, error) {
	kind := Detect(source, repoURL)
	if opts.Integration != nil && opts.Integration.Kind != "" {
		kind = opts.Integration.Kind
	}

	switch kind {
	case KindGitHub:
		return newGitHubAdapter(repoURL, opts)
	case KindAzureDevOps:
		return newAzureAdapter(repoURL, opts)
	default:
		return nil, errors.NewPlatformError(string(KindUnknown),
			fmt.Sprintf("could not detect platform from source %q or repository URL %q", source, repoURL),
			errors.ErrPlatformUnknown)
	}
}

func newGitHubAdapter(repoURL string, opts Options) (Adapter, error) {
	owner, repo, err := ParseGitHubURL(repoURL)
	if err != nil {
		return nil, err
	}

	token := ""
	if opts.Integration != nil {
		token = opts.Integration.Token
	}
	if token == "" {
		token = opts.getenv("GITHUB_TOKEN")
	}
	if token == "" {
		token = opts.getenv("COPILOT_TOKEN")
	}
	if token == "" {
		return nil, errors.NewPlatformError(string(KindGitHub),
			"no GitHub credentials: set GITHUB_TOKEN (or COPILOT_TOKEN) or register an integration",
			errors.ErrNoCredentials)
	}

	return NewGitHub(owner, repo, token, opts), nil
}

func newAzureAdapter(repoURL string, opts Options) (Adapter, error) {
	org, project, repo, err := ParseAzureURL(repoURL)
	if err != nil {
		return nil, err
	}

	token := ""
	if opts.Integration != nil {
		token = opts.Integration.Token
		if opts.Integration.Organization != "" {
			org = opts.Integration.Organization
		}
		if opts.Integration.Project != "" {
			project = opts.Integration.Project
		}
	}
	if token == "" {
		token = opts.getenv("AZURE_DEVOPS_PAT")
	}
	if token == "" {
		return nil, errors.NewPlatformError(string(KindAzureDevOps),
			"no Azure DevOps credentials: set AZURE_DEVOPS_PAT or register an integration",
			errors.ErrNoCredentials)
	}

	return NewAzureDevOps(org, project, repo, token, opts), nil
}
