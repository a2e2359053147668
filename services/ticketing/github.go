package ticketing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/upb/upgrade-pipeline/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// GitHubConfig configures the GitHub issue tracker
type GitHubConfig struct {
	Token  string
	Owner  string
	Repo   string
	Labels []string // added to every issue

	// BaseURL overrides the API endpoint (GitHub Enterprise, tests)
	BaseURL string
}

// GitHubTracker files upgrade tickets as GitHub issues
type GitHubTracker struct {
	client *github.Client
	config GitHubConfig
	logger *zap.Logger
}

// NewGitHubTracker creates a GitHub tracker authenticated with a static token
func NewGitHubTracker(ctx context.Context, config GitHubConfig, logger *zap.Logger) (*GitHubTracker, error) {
	if config.Token == "" {
		return nil, errors.New("GitHub token not set")
	}
	if config.Owner == "" || config.Repo == "" {
		return nil, errors.New("GitHub owner and repo are required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	if config.BaseURL != "" {
		base := config.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
		client.BaseURL = u
	}

	return &GitHubTracker{client: client, config: config, logger: logger}, nil
}

// CreateIssue opens an issue and returns its reference
func (t *GitHubTracker) CreateIssue(ctx context.Context, title, body string, labels []string) (*models.TicketRef, error) {
	all := append(append([]string(nil), t.config.Labels...), labels...)

	issue, _, err := t.client.Issues.Create(ctx, t.config.Owner, t.config.Repo, &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(body),
		Labels: &all,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}

	t.logger.Info("issue created",
		zap.Int("number", issue.GetNumber()),
		zap.String("url", issue.GetHTMLURL()))

	return toRef(issue), nil
}

// CloseIssue comments the summary and closes the issue
func (t *GitHubTracker) CloseIssue(ctx context.Context, ref *models.TicketRef, summary string) error {
	number, err := issueNumber(ref)
	if err != nil {
		return err
	}

	if err := t.comment(ctx, number, summary); err != nil {
		return err
	}

	issue, _, err := t.client.Issues.Edit(ctx, t.config.Owner, t.config.Repo, number, &github.IssueRequest{
		State: github.String(string(models.TicketStateClosed)),
	})
	if err != nil {
		return fmt.Errorf("failed to close issue %d: %w", number, err)
	}
	ref.State = models.TicketState(issue.GetState())
	return nil
}

// ReopenOrAnnotate comments the failure detail, reopening the issue if it was closed
func (t *GitHubTracker) ReopenOrAnnotate(ctx context.Context, ref *models.TicketRef, detail string) error {
	number, err := issueNumber(ref)
	if err != nil {
		return err
	}

	issue, _, err := t.client.Issues.Get(ctx, t.config.Owner, t.config.Repo, number)
	if err != nil {
		return fmt.Errorf("failed to get issue %d: %w", number, err)
	}

	if issue.GetState() == string(models.TicketStateClosed) {
		if _, _, err := t.client.Issues.Edit(ctx, t.config.Owner, t.config.Repo, number, &github.IssueRequest{
			State: github.String(string(models.TicketStateOpen)),
		}); err != nil {
			return fmt.Errorf("failed to reopen issue %d: %w", number, err)
		}
		t.logger.Info("issue reopened", zap.Int("number", number))
	}
	ref.State = models.TicketStateOpen

	return t.comment(ctx, number, detail)
}

func (t *GitHubTracker) comment(ctx context.Context, number int, body string) error {
	if body == "" {
		return nil
	}
	if _, _, err := t.client.Issues.CreateComment(ctx, t.config.Owner, t.config.Repo, number, &github.IssueComment{
		Body: github.String(body),
	}); err != nil {
		return fmt.Errorf("failed to comment on issue %d: %w", number, err)
	}
	return nil
}

func issueNumber(ref *models.TicketRef) (int, error) {
	if ref == nil {
		return 0, errors.New("ticket reference is nil")
	}
	number, err := strconv.Atoi(ref.ExternalID)
	if err != nil {
		return 0, fmt.Errorf("invalid issue number %q: %w", ref.ExternalID, err)
	}
	return number, nil
}

func toRef(issue *github.Issue) *models.TicketRef {
	return &models.TicketRef{
		ExternalID: strconv.Itoa(issue.GetNumber()),
		URL:        issue.GetHTMLURL(),
		State:      models.TicketState(issue.GetState()),
	}
}
