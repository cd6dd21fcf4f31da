package store

import (
	"context"
	"errors"

	"github.com/arkhaul/arkhaul/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// StatusSet selects which lifecycle bucket a job listing covers.
type StatusSet int

const (
	AllJobs StatusSet = iota
	ActiveJobs
	TerminalJobs
)

// Filter narrows ListJobs results. Zero value means everything, newest first.
type Filter struct {
	Kind   string
	Status StatusSet
	Limit  int
}

// Store is the data access interface. All database operations go through here.
// The job manager is the only writer of job rows; readers may see any
// committed state but never a partial update.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter Filter) ([]*models.Job, error)
	UpdateJob(ctx context.Context, id uuid.UUID, opts ...UpdateOption) error

	// ClearTerminal deletes completed/failed/cancelled rows of the given kind
	// and returns the number removed. Pending and running rows are never touched.
	ClearTerminal(ctx context.Context, kind string) (int64, error)

	// FailActive marks every pending or running row failed with the given
	// reason. Used once at startup to reconcile jobs orphaned by an unclean
	// shutdown; no runner can legitimately hold a job across a restart.
	FailActive(ctx context.Context, reason string) (int64, error)
}

type jobUpdateParams struct {
	Status           *string
	Progress         *float64
	TransferredBytes *int64
	TotalBytes       *int64
	Rate             *float64
	ErrorMessage     *string
}

type UpdateOption func(*jobUpdateParams)

func WithStatus(status string) UpdateOption {
	return func(p *jobUpdateParams) {
		p.Status = &status
	}
}

func WithProgress(progress float64) UpdateOption {
	return func(p *jobUpdateParams) {
		p.Progress = &progress
	}
}

func WithTransferredBytes(n int64) UpdateOption {
	return func(p *jobUpdateParams) {
		p.TransferredBytes = &n
	}
}

func WithTotalBytes(n int64) UpdateOption {
	return func(p *jobUpdateParams) {
		p.TotalBytes = &n
	}
}

func WithRate(r float64) UpdateOption {
	return func(p *jobUpdateParams) {
		p.Rate = &r
	}
}

func WithErrorMessage(msg string) UpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// ApplyUpdate applies update options to an in-memory job the same way
// UpdateJob applies them to a row. Lets non-Postgres Store implementations
// share the option semantics.
func ApplyUpdate(job *models.Job, opts ...UpdateOption) {
	var p jobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.Progress != nil {
		job.Progress = *p.Progress
	}
	if p.TransferredBytes != nil {
		job.TransferredBytes = p.TransferredBytes
	}
	if p.TotalBytes != nil {
		job.TotalBytes = p.TotalBytes
	}
	if p.Rate != nil {
		job.Rate = p.Rate
	}
	if p.ErrorMessage != nil {
		job.Error = p.ErrorMessage
	}
}
