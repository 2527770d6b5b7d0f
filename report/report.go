// Package report defines the handoff between the scan core and whatever
// renders results. Scoring and rendering live outside this module; the core
// only produces the raw aggregate and a completion status.
package report

import (
	"context"
	"time"

	"github.com/urizennnn/gh-prospector/aggregator"
)

type Status string

const (
	StatusFinished  Status = "finished"
	StatusSuspended Status = "suspended-for-resume"
	StatusFailed    Status = "failed"
)

// Summary is what a finished or interrupted scan hands to the renderer.
type Summary struct {
	RunID       string                `json:"run_id"`
	Status      Status                `json:"status"`
	GeneratedAt time.Time             `json:"generated_at"`
	Snapshot    *aggregator.Aggregate `json:"snapshot"`

	CompletedRepos []string `json:"completed_repos"`
	PartialRepos   []string `json:"partial_repos,omitempty"`
	SkippedRepos   []string `json:"skipped_repos,omitempty"`

	// Set on suspension so the operator can resume without archaeology.
	LastCheckpointID string `json:"last_checkpoint_id,omitempty"`
	ResumeRef        string `json:"resume_ref,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Renderer is implemented outside the core.
type Renderer interface {
	Render(ctx context.Context, s *Summary) error
}
