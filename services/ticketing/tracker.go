package ticketing

import (
	"context"

	"github.com/upb/upgrade-pipeline/models"
)

// IssueTracker is the external issue tracker the executor reports to.
// The pipeline only holds TicketRefs and never deletes issues.
type IssueTracker interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (*models.TicketRef, error)
	CloseIssue(ctx context.Context, ref *models.TicketRef, summary string) error
	ReopenOrAnnotate(ctx context.Context, ref *models.TicketRef, detail string) error
}

// NoopTracker is used when no tracker is configured
type NoopTracker struct{}

// CreateIssue returns no ticket
func (NoopTracker) CreateIssue(ctx context.Context, title, body string, labels []string) (*models.TicketRef, error) {
	return nil, nil
}

// CloseIssue does nothing
func (NoopTracker) CloseIssue(ctx context.Context, ref *models.TicketRef, summary string) error {
	return nil
}

// ReopenOrAnnotate does nothing
func (NoopTracker) ReopenOrAnnotate(ctx context.Context, ref *models.TicketRef, detail string) error {
	return nil
}
