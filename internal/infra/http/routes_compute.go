package http

import (
	"context"

	"acquire/internal/compute"
	"acquire/internal/domain"
)

// ComputeRoutes is the compute service's function table. Jobs only ever
// arrive from the trusted job broker.
func ComputeRoutes(cp *compute.Service) map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"submit_job": func(ctx context.Context, call *Call) (any, error) {
			if err := call.RequireTrusted(); err != nil {
				return nil, err
			}
			var in struct {
				WorksheetUID string            `json:"worksheet_uid"`
				Request      domain.RunRequest `json:"request"`
				Output       domain.Location   `json:"output"`
				PAR          *domain.PAR       `json:"par"`
				Cheque       *domain.Cheque    `json:"cheque"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			job, err := cp.SubmitJob(ctx, in.WorksheetUID, in.Request, in.Output, in.PAR, in.Cheque)
			if err != nil {
				return nil, err
			}
			return map[string]string{
				"worksheet_uid": job.WorksheetUID,
				"status":        string(job.Status),
			}, nil
		},

		"get_job_status": func(ctx context.Context, call *Call) (any, error) {
			if err := call.RequireTrusted(); err != nil {
				return nil, err
			}
			var in struct {
				WorksheetUID string `json:"worksheet_uid"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			status, detail, err := cp.GetJobStatus(ctx, in.WorksheetUID)
			if err != nil {
				return nil, err
			}
			return map[string]string{
				"status": string(status),
				"detail": detail,
			}, nil
		},
	}
}
