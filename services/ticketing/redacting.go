package ticketing

import (
	"context"

	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services/redact"
)

// RedactingTracker scrubs credentials from every text it forwards to the
// wrapped tracker. Issue bodies carry finding descriptions and backend
// output, either of which can quote a live secret.
type RedactingTracker struct {
	next IssueTracker
}

// NewRedactingTracker wraps next
func NewRedactingTracker(next IssueTracker) *RedactingTracker {
	return &RedactingTracker{next: next}
}

// CreateIssue redacts the title and body before creating the issue
func (t *RedactingTracker) CreateIssue(ctx context.Context, title, body string, labels []string) (*models.TicketRef, error) {
	return t.next.CreateIssue(ctx, redact.Secrets(title), redact.Secrets(body), labels)
}

// CloseIssue redacts the summary before closing
func (t *RedactingTracker) CloseIssue(ctx context.Context, ref *models.TicketRef, summary string) error {
	return t.next.CloseIssue(ctx, ref, redact.Secrets(summary))
}

// ReopenOrAnnotate redacts the failure detail before annotating
func (t *RedactingTracker) ReopenOrAnnotate(ctx context.Context, ref *models.TicketRef, detail string) error {
	return t.next.ReopenOrAnnotate(ctx, ref, redact.Secrets(detail))
}

var _ IssueTracker = (*RedactingTracker)(nil)
