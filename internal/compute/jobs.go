// Package compute accepts brokered jobs: a run request, a writer capability
// on the output drive and a cheque that pays for the run. Scheduling onto an
// actual cluster is a backend concern; this records and tracks the job.
package compute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"acquire/internal/domain"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/objstore"
	"acquire/internal/service"
)

const jobKeyPrefix = "jobs/"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the compute service's record of one accepted submission, keyed by
// the broker's worksheet UID so resubmission cannot queue the work twice.
type Job struct {
	UID          string            `json:"uid"`
	WorksheetUID string            `json:"worksheet_uid"`
	Request      domain.RunRequest `json:"request"`
	Output       domain.Location   `json:"output"`
	OutputPAR    *domain.PAR       `json:"output_par"`
	Cheque       *domain.Cheque    `json:"cheque"`
	Status       JobStatus         `json:"status"`
	StatusDetail string            `json:"status_detail,omitempty"`
	ReceivedAt   time.Time         `json:"received_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type Service struct {
	Svc *service.Context
	now func() time.Time
}

func New(svc *service.Context) *Service {
	return &Service{Svc: svc, now: time.Now}
}

// WithClock overrides time for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitJob validates and records a brokered job. Submitting the same
// worksheet again returns the job that was already accepted.
func (s *Service) SubmitJob(ctx context.Context, worksheetUID string, request domain.RunRequest, output domain.Location, par *domain.PAR, cheque *domain.Cheque) (*Job, error) {
	if worksheetUID == "" {
		return nil, fmt.Errorf("%w: submission carries no worksheet uid", domain.ErrService)
	}
	if par == nil || !par.Writeable {
		return nil, fmt.Errorf("%w: job needs a writeable capability on its output drive", domain.ErrPermission)
	}
	now := s.now().UTC()
	if par.Expired(now) {
		return nil, fmt.Errorf("%w: output capability has expired", domain.ErrPermission)
	}
	if cheque == nil {
		return nil, fmt.Errorf("%w: job carries no payment", domain.ErrPayment)
	}
	if !request.Deadline.After(now) {
		return nil, fmt.Errorf("%w: job deadline is already past", domain.ErrService)
	}

	job := Job{
		UID:          encoding.CreateUUID(),
		WorksheetUID: worksheetUID,
		Request:      request,
		Output:       output,
		OutputPAR:    par,
		Cheque:       cheque,
		Status:       JobQueued,
		ReceivedAt:   now,
		UpdatedAt:    now,
	}
	installed, err := objstore.SetJSONIfAbsent(ctx, s.Svc.Store, s.Svc.Bucket, jobKeyPrefix+worksheetUID, job, nil)
	if err != nil {
		return nil, err
	}
	if !installed {
		return s.GetJob(ctx, worksheetUID)
	}
	return &job, nil
}

// GetJob loads the job accepted for a worksheet.
func (s *Service) GetJob(ctx context.Context, worksheetUID string) (*Job, error) {
	var job Job
	if err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, jobKeyPrefix+worksheetUID, &job); err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: no job for worksheet %s", domain.ErrNotFound, worksheetUID)
		}
		return nil, err
	}
	return &job, nil
}

// GetJobStatus reports where a job is in its lifecycle.
func (s *Service) GetJobStatus(ctx context.Context, worksheetUID string) (JobStatus, string, error) {
	job, err := s.GetJob(ctx, worksheetUID)
	if err != nil {
		return "", "", err
	}
	return job.Status, job.StatusDetail, nil
}

// SetJobStatus is the backend's hook for progressing a job. Terminal jobs
// stay where they are.
func (s *Service) SetJobStatus(ctx context.Context, worksheetUID string, status JobStatus, detail string) error {
	job, err := s.GetJob(ctx, worksheetUID)
	if err != nil {
		return err
	}
	if job.Status == JobCompleted || job.Status == JobFailed {
		return fmt.Errorf("%w: job for worksheet %s already %s", domain.ErrService, worksheetUID, job.Status)
	}
	job.Status = status
	job.StatusDetail = detail
	job.UpdatedAt = s.now().UTC()
	return objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket, jobKeyPrefix+worksheetUID, job)
}
