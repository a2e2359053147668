package backends

import (
	"strings"

	"github.com/upb/upgrade-pipeline/models"
)

// RoutingPolicy picks the backend that services a task
type RoutingPolicy interface {
	Route(proposal *models.UpgradeProposal, task *ImplementationTask) string
}

// RoutingFunc adapts a function to RoutingPolicy
type RoutingFunc func(proposal *models.UpgradeProposal, task *ImplementationTask) string

// Route calls f
func (f RoutingFunc) Route(proposal *models.UpgradeProposal, task *ImplementationTask) string {
	return f(proposal, task)
}

// CategoryRoutingPolicy routes by proposal category, falling back to a default backend.
type CategoryRoutingPolicy struct {
	Routes  map[string]string
	Default string
}

// NewCategoryRoutingPolicy creates a category routing policy
func NewCategoryRoutingPolicy(defaultBackend string, routes map[string]string) *CategoryRoutingPolicy {
	normalized := make(map[string]string, len(routes))
	for category, backend := range routes {
		normalized[strings.ToLower(category)] = backend
	}
	return &CategoryRoutingPolicy{Routes: normalized, Default: defaultBackend}
}

// Route implements RoutingPolicy
func (p *CategoryRoutingPolicy) Route(proposal *models.UpgradeProposal, task *ImplementationTask) string {
	category := task.Category
	if category == "" && proposal != nil {
		category = proposal.Category
	}
	if backend, ok := p.Routes[strings.ToLower(category)]; ok {
		return backend
	}
	return p.Default
}
