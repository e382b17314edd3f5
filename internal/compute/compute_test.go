package compute

import (
	"context"
	"errors"
	"testing"
	"time"

	"acquire/internal/domain"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/objstore"
	"acquire/internal/service"
)

type testEnv struct {
	cp      *Service
	now     *time.Time
	advance func(time.Duration)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	store := objstore.NewMemoryWithClock(clock)

	svc, err := service.Setup(context.Background(), store, "compute-bucket",
		"https://hub.example.com/t/compute", domain.ServiceTypeCompute,
		"admin-password", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("setup compute service: %v", err)
	}
	svc.WithClock(clock)

	env := &testEnv{cp: New(svc).WithClock(clock), now: &current}
	env.advance = func(d time.Duration) { current = current.Add(d) }
	return env
}

func (e *testEnv) submission() (string, domain.RunRequest, domain.Location, *domain.PAR, *domain.Cheque) {
	deadline := e.now.Add(2 * time.Hour)
	request := domain.RunRequest{
		UID:      encoding.CreateUUID(),
		Image:    "quay.io/acme/sim:1.2",
		Input:    domain.Location{DriveGUID: "input@storage", Filename: "input.dat"},
		Deadline: deadline,
	}
	output := domain.Location{DriveGUID: "output@storage"}
	par := &domain.PAR{
		UID: encoding.CreateUUID(), URL: "memory://output-par",
		Readable: true, Writeable: true,
		IssuedAt: *e.now, ExpiresAt: deadline,
	}
	cheque := &domain.Cheque{AccountingURL: "https://hub.example.com/t/accounting", EncryptedData: []byte("sealed")}
	return encoding.CreateUUID(), request, output, par, cheque
}

func TestSubmitJobValidatesTheHandover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worksheet, request, output, par, cheque := env.submission()

	if _, err := env.cp.SubmitJob(ctx, worksheet, request, output, nil, cheque); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("missing par err = %v, want ErrPermission", err)
	}

	readOnly := *par
	readOnly.Writeable = false
	if _, err := env.cp.SubmitJob(ctx, worksheet, request, output, &readOnly, cheque); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("read-only par err = %v, want ErrPermission", err)
	}

	expired := *par
	expired.ExpiresAt = env.now.Add(-time.Minute)
	if _, err := env.cp.SubmitJob(ctx, worksheet, request, output, &expired, cheque); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("expired par err = %v, want ErrPermission", err)
	}

	if _, err := env.cp.SubmitJob(ctx, worksheet, request, output, par, nil); !errors.Is(err, domain.ErrPayment) {
		t.Fatalf("chequeless submit err = %v, want ErrPayment", err)
	}

	late := request
	late.Deadline = env.now.Add(-time.Minute)
	if _, err := env.cp.SubmitJob(ctx, worksheet, late, output, par, cheque); !errors.Is(err, domain.ErrService) {
		t.Fatalf("past deadline err = %v, want ErrService", err)
	}
}

func TestSubmitJobIsIdempotentPerWorksheet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worksheet, request, output, par, cheque := env.submission()

	job, err := env.cp.SubmitJob(ctx, worksheet, request, output, par, cheque)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != JobQueued {
		t.Fatalf("job status = %q, want %q", job.Status, JobQueued)
	}

	again, err := env.cp.SubmitJob(ctx, worksheet, request, output, par, cheque)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.UID != job.UID {
		t.Fatalf("resubmission queued a second job: %s and %s", job.UID, again.UID)
	}
}

func TestJobStatusLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worksheet, request, output, par, cheque := env.submission()

	if _, _, err := env.cp.GetJobStatus(ctx, worksheet); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("status of unknown job err = %v, want ErrNotFound", err)
	}
	if _, err := env.cp.SubmitJob(ctx, worksheet, request, output, par, cheque); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := env.cp.SetJobStatus(ctx, worksheet, JobRunning, "on node 3"); err != nil {
		t.Fatalf("set running: %v", err)
	}
	status, detail, err := env.cp.GetJobStatus(ctx, worksheet)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != JobRunning || detail != "on node 3" {
		t.Fatalf("status = %q %q, want running on node 3", status, detail)
	}

	if err := env.cp.SetJobStatus(ctx, worksheet, JobCompleted, ""); err != nil {
		t.Fatalf("set completed: %v", err)
	}
	if err := env.cp.SetJobStatus(ctx, worksheet, JobRunning, ""); !errors.Is(err, domain.ErrService) {
		t.Fatalf("reopening a terminal job err = %v, want ErrService", err)
	}
}
