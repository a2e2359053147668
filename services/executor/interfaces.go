package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services/backends"
)

// Environment identifies a deploy target
type Environment string

const (
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

// Dispatcher sends implementation tasks to backends.
// It is satisfied by *backends.Registry.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *backends.ImplementationTask, backendID string) (*backends.BackendResult, error)
}

// Preconditions verifies a proposal can be implemented before anything changes
type Preconditions interface {
	Check(ctx context.Context, proposal *models.UpgradeProposal) error
}

// PreconditionFunc adapts a function to Preconditions
type PreconditionFunc func(ctx context.Context, proposal *models.UpgradeProposal) error

// Check calls f
func (f PreconditionFunc) Check(ctx context.Context, proposal *models.UpgradeProposal) error {
	return f(ctx, proposal)
}

// AvailableResources returns a precondition that requires every resource
// listed by the plan to be present in available.
func AvailableResources(available ...string) Preconditions {
	set := make(map[string]bool, len(available))
	for _, r := range available {
		set[r] = true
	}
	return PreconditionFunc(func(ctx context.Context, proposal *models.UpgradeProposal) error {
		var missing []string
		for _, r := range proposal.Plan.RequiredResources {
			if !set[r] {
				missing = append(missing, r)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required resources: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// Suite is a named set of test identifiers run against one environment
type Suite struct {
	Name        string
	Environment Environment
	Tests       []string
}

// TestReport is the outcome of running a suite
type TestReport struct {
	Passed []string
	Failed []string
}

// AllPassed reports whether every requested test is listed as passed and none failed
func (r *TestReport) AllPassed(requested []string) bool {
	return r != nil && len(r.Failed) == 0 && len(r.Unreported(requested)) == 0
}

// Unreported returns the requested tests that the report does not list as passed
// or failed. A test the runner never reported has not passed.
func (r *TestReport) Unreported(requested []string) []string {
	seen := make(map[string]struct{})
	if r != nil {
		for _, id := range r.Passed {
			seen[id] = struct{}{}
		}
		for _, id := range r.Failed {
			seen[id] = struct{}{}
		}
	}
	var missing []string
	for _, id := range requested {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// TestRunner executes test suites
type TestRunner interface {
	Run(ctx context.Context, suite Suite) (*TestReport, error)
}

// Deployer rolls a proposal's changes out to an environment
type Deployer interface {
	Deploy(ctx context.Context, env Environment, proposal *models.UpgradeProposal) error
}

// StepObserver is called after each recorded step
type StepObserver func(step models.ExecutionStep)
