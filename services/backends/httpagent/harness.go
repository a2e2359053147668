package httpagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services/executor"
	"go.uber.org/zap"
)

type suiteRequest struct {
	Name        string               `json:"name"`
	Environment executor.Environment `json:"environment,omitempty"`
	Tests       []string             `json:"tests"`
}

type suiteResponse struct {
	Passed []string `json:"passed"`
	Failed []string `json:"failed"`
}

type deployRequest struct {
	ProposalID  uuid.UUID            `json:"proposal_id"`
	Environment executor.Environment `json:"environment"`
	Changes     []string             `json:"changes"`
}

type deployResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Run executes a suite with POST {base}/suites. It implements executor.TestRunner.
// The agent answers synchronously with the passed and failed test ids.
func (b *Backend) Run(ctx context.Context, suite executor.Suite) (*executor.TestReport, error) {
	body, err := json.Marshal(suiteRequest{Name: suite.Name, Environment: suite.Environment, Tests: suite.Tests})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal suite: %w", err)
	}

	var out suiteResponse
	if err := b.do(ctx, http.MethodPost, "/suites", body, &out); err != nil {
		return nil, fmt.Errorf("suite %s: %w", suite.Name, err)
	}

	b.logger.Debug("suite finished",
		zap.String("suite", suite.Name),
		zap.Int("passed", len(out.Passed)),
		zap.Int("failed", len(out.Failed)))

	return &executor.TestReport{Passed: out.Passed, Failed: out.Failed}, nil
}

// Deploy rolls a proposal out with POST {base}/deployments. It implements executor.Deployer.
func (b *Backend) Deploy(ctx context.Context, env executor.Environment, proposal *models.UpgradeProposal) error {
	body, err := json.Marshal(deployRequest{
		ProposalID:  proposal.ID,
		Environment: env,
		Changes:     proposal.Plan.Changes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal deployment: %w", err)
	}

	var out deployResponse
	if err := b.do(ctx, http.MethodPost, "/deployments", body, &out); err != nil {
		return fmt.Errorf("%s deploy: %w", env, err)
	}
	if out.Status != StatusSucceeded {
		return fmt.Errorf("%s deploy %s: %s", env, out.Status, out.Message)
	}

	b.logger.Info("deployment finished",
		zap.String("environment", string(env)),
		zap.String("proposal_id", proposal.ID.String()))
	return nil
}

var (
	_ executor.TestRunner = (*Backend)(nil)
	_ executor.Deployer   = (*Backend)(nil)
)
