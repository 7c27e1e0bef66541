// Package noop provides a Runner that completes jobs without doing any work.
// It stands in for the search/crawl execution layer when none is wired.
package noop

import (
	"context"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

// Runner echoes the job payload back as its result.
type Runner struct{}

// New constructs a Runner.
func New() *Runner {
	return &Runner{}
}

// Run completes immediately with the job payload as output.
func (*Runner) Run(_ context.Context, job coordinator.Job) (coordinator.RunResult, error) {
	return coordinator.RunResult{Output: job.Payload}, nil
}
