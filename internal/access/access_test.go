package access

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"acquire/internal/accounting"
	"acquire/internal/compute"
	"acquire/internal/domain"
	"acquire/internal/identity"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/objstore"
	"acquire/internal/service"
	"acquire/internal/storage"
	"acquire/internal/storage/aclpolicy"
)

// localPayments presents cheques to a colocated ledger, countersigning with
// the broker's cert the way the remote adapter does.
type localPayments struct {
	ledger     *accounting.Ledger
	verifier   *identity.Verifier
	svc        *service.Context
	accountUID string
}

func (p *localPayments) CashCheque(ctx context.Context, cheque *domain.Cheque, spend decimal.Decimal, resource string, receiptBy time.Time) (*domain.CreditNote, error) {
	if err := accounting.CounterSign(cheque, p.svc); err != nil {
		return nil, err
	}
	return p.ledger.CashCheque(ctx, accounting.CashRequest{
		Cheque:              cheque,
		Spend:               spend,
		Resource:            resource,
		RecipientAccountUID: p.accountUID,
		ReceiptBy:           receiptBy,
	}, p.verifier)
}

type localProvisioner struct {
	st        *storage.Service
	principal string
	now       func() time.Time
}

func (p *localProvisioner) CreateOutputDrive(ctx context.Context, name string, acls map[string]domain.ACLRule) (*domain.Drive, error) {
	return p.st.CreateDrive(ctx, name, acls)
}

func (p *localProvisioner) CreateWriterPAR(ctx context.Context, driveUID string, expires time.Time) (*domain.PAR, error) {
	return p.st.CreatePAR(ctx, p.principal, storage.PARRequest{
		DriveUID:  driveUID,
		Readable:  true,
		Writeable: true,
		Duration:  expires.Sub(p.now()),
	})
}

type localSubmitter struct {
	cp *compute.Service
}

func (s *localSubmitter) SubmitJob(ctx context.Context, worksheetUID string, request domain.RunRequest, output domain.Location, par *domain.PAR, cheque *domain.Cheque) error {
	_, err := s.cp.SubmitJob(ctx, worksheetUID, request, output, par, cheque)
	return err
}

// failingSubmitter refuses every submission.
type failingSubmitter struct{}

func (failingSubmitter) SubmitJob(context.Context, string, domain.RunRequest, domain.Location, *domain.PAR, *domain.Cheque) error {
	return fmt.Errorf("%w: compute is unreachable", domain.ErrService)
}

type session struct {
	userUID    string
	sessionUID string
	cert       *crypto.PrivateKey
}

type testEnv struct {
	broker  *Broker
	ledger  *accounting.Ledger
	st      *storage.Service
	cp      *compute.Service
	id      *identity.Service
	store   *objstore.Memory
	now     *time.Time
	advance func(time.Duration)

	alice      session
	aliceAcct  string
	accessAcct string
}

func setupService(t *testing.T, store objstore.Store, clock func() time.Time, bucket, url string, typ domain.ServiceType) *service.Context {
	t.Helper()
	svc, err := service.Setup(context.Background(), store, bucket, url, typ,
		"admin-password", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("setup %s service: %v", typ, err)
	}
	svc.WithClock(clock)
	return svc
}

func loginUser(t *testing.T, id *identity.Service, username, password string, now time.Time) session {
	t.Helper()
	ctx := context.Background()
	reg, err := id.Register(ctx, username, password)
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	cert, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("session cert: %v", err)
	}
	keyPEM, _ := key.PublicKey().PEM()
	certPEM, _ := cert.PublicKey().PEM()
	challenge, err := id.RequestLogin(ctx, identity.LoginRequest{
		Username: username, PublicKey: keyPEM, PublicCert: certPEM,
	})
	if err != nil {
		t.Fatalf("request login: %v", err)
	}
	code, err := crypto.GenerateOTPCode(reg.OTPSecret, now)
	if err != nil {
		t.Fatalf("otp: %v", err)
	}
	if _, err := id.Login(ctx, identity.Package(id.Svc.UID, challenge.ShortUID,
		username, password, code, "", false)); err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return session{userUID: reg.UserUID, sessionUID: challenge.SessionUID, cert: cert}
}

func (s session) signer(id *identity.Service, now func() time.Time) func(resource string) (*domain.Authorisation, error) {
	return func(resource string) (*domain.Authorisation, error) {
		return identity.SignAuthorisation(s.cert, s.userUID, s.sessionUID, id.Svc.UID, resource, now())
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	store := objstore.NewMemoryWithClock(clock)

	idSvc := setupService(t, store, clock, "identity-bucket", "https://hub.example.com/t/identity", domain.ServiceTypeIdentity)
	acctSvc := setupService(t, store, clock, "accounting-bucket", "https://hub.example.com/t/accounting", domain.ServiceTypeAccounting)
	storSvc := setupService(t, store, clock, "storage-bucket", "https://hub.example.com/t/storage", domain.ServiceTypeStorage)
	compSvc := setupService(t, store, clock, "compute-bucket", "https://hub.example.com/t/compute", domain.ServiceTypeCompute)
	accessSvc := setupService(t, store, clock, "access-bucket", "https://hub.example.com/t/access", domain.ServiceTypeAccess)

	// Accounting must trust the services that countersign cheques.
	for _, peer := range []*service.Context{accessSvc, compSvc, storSvc} {
		rec, err := peer.Record()
		if err != nil {
			t.Fatalf("peer record: %v", err)
		}
		if err := acctSvc.TrustService(ctx, rec, nil, nil); err != nil {
			t.Fatalf("trust peer: %v", err)
		}
	}

	id := identity.New(idSvc, 48*time.Hour).WithClock(clock)
	ledger := accounting.New(acctSvc).WithClock(clock)
	aclEngine, err := aclpolicy.NewEngine(ctx)
	if err != nil {
		t.Fatalf("acl engine: %v", err)
	}
	st := storage.New(storSvc, aclEngine).WithClock(clock)
	cp := compute.New(compSvc).WithClock(clock)
	verifier := identity.NewVerifier(idSvc.UID, identity.LocalCertFetcher(id)).WithClock(clock)

	alice := loginUser(t, id, "alice", "ABCdef12345", current)
	broker := loginUser(t, id, "access-broker", "XYZuvw67890", current)

	aliceAcct, err := ledger.CreateAccount(ctx, alice.userUID, "main", "", decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("alice account: %v", err)
	}
	accessAcct, err := ledger.CreateAccount(ctx, broker.userUID, "earnings", "", decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("access account: %v", err)
	}
	if _, err := ledger.Deposit(ctx, aliceAcct.UID, decimal.RequireFromString("100.00"), "test deposit"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	env := &testEnv{
		ledger:     ledger,
		st:         st,
		cp:         cp,
		id:         id,
		store:      store,
		now:        &current,
		alice:      alice,
		aliceAcct:  aliceAcct.UID,
		accessAcct: accessAcct.UID,
	}
	env.advance = func(d time.Duration) { current = current.Add(d) }

	b := NewBroker(accessSvc).WithClock(clock)
	b.Payments = &localPayments{ledger: ledger, verifier: verifier, svc: accessSvc, accountUID: accessAcct.UID}
	b.Storage = &localProvisioner{st: st, principal: accessSvc.UID, now: clock}
	b.Compute = &localSubmitter{cp: cp}
	b.Cheques = &AccountChequeWriter{
		AccountUID:    accessAcct.UID,
		AccountingURL: acctSvc.CanonicalURL,
		AccountingKey: acctSvc.PrivateKey.PublicKey(),
		SignAuth:      broker.signer(id, clock),
	}
	b.ComputeURL = compSvc.CanonicalURL
	b.StorageURL = storSvc.CanonicalURL
	env.broker = b
	return env
}

func (e *testEnv) runRequest() domain.RunRequest {
	return domain.RunRequest{
		UID:       encoding.CreateUUID(),
		Image:     "quay.io/acme/sim:1.2",
		Input:     domain.Location{DriveGUID: "input-drive@" + e.st.Svc.UID, Filename: "input.dat"},
		Resources: domain.Resources{Nodes: 2, Cores: 8},
		Deadline:  e.now.Add(2 * time.Hour),
	}
}

func (e *testEnv) paymentCheque(t *testing.T, request domain.RunRequest, maxSpend string) *domain.Cheque {
	t.Helper()
	resource, err := RequestFingerprint(request)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	cheque, err := accounting.WriteCheque(accounting.ChequeRequest{
		AccountUID:   e.aliceAcct,
		Resource:     resource,
		MaxSpend:     decimal.RequireFromString(maxSpend),
		RecipientURL: e.broker.Svc.CanonicalURL,
		ExpiryDate:   request.Deadline,
	}, e.ledger.Svc.CanonicalURL, e.ledger.Svc.PrivateKey.PublicKey(),
		e.alice.signer(e.id, func() time.Time { return *e.now }))
	if err != nil {
		t.Fatalf("write cheque: %v", err)
	}
	return cheque
}

func TestSubmitRunsTheWholePipeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	request := env.runRequest()
	cheque := env.paymentCheque(t, request, "50.00")
	sheet, err := env.broker.Submit(ctx, request, env.alice.userUID, cheque, decimal.RequireFromString("50.00"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sheet.Status != domain.WorkSubmitted {
		t.Fatalf("worksheet status = %q, want %q (last error %q)", sheet.Status, domain.WorkSubmitted, sheet.LastError)
	}

	if len(sheet.CreditNotes) != 1 || !sheet.CreditNotes[0].Value.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("credit notes = %+v, want one note for 50.00", sheet.CreditNotes)
	}
	head, err := env.ledger.GetAccount(ctx, env.aliceAcct)
	if err != nil {
		t.Fatalf("alice account: %v", err)
	}
	if !head.Liability.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("alice liability = %s, want 50.00 held until receipt", head.Liability)
	}

	if sheet.OutputLocation == nil || sheet.OutputPAR == nil {
		t.Fatal("worksheet has no output drive")
	}
	if !sheet.OutputPAR.Writeable {
		t.Fatal("output capability is not writeable")
	}
	if !sheet.OutputPAR.ExpiresAt.Equal(request.Deadline) {
		t.Fatalf("output capability expires %s, want job deadline %s", sheet.OutputPAR.ExpiresAt, request.Deadline)
	}
	drive, err := env.st.GetDriveByGUID(ctx, sheet.OutputLocation.DriveGUID)
	if err != nil {
		t.Fatalf("output drive: %v", err)
	}
	if rule := drive.ACLs[env.alice.userUID]; !rule.Reader || rule.Writer {
		t.Fatalf("requester rule on output drive = %+v, want read-only", rule)
	}
	if rule := drive.ACLs[env.broker.Svc.UID]; !rule.Owner {
		t.Fatalf("broker rule on output drive = %+v, want owner", rule)
	}

	if sheet.ComputeCheque == nil || sheet.StorageCheque == nil {
		t.Fatal("downstream cheques were not written")
	}
	status, _, err := env.cp.GetJobStatus(ctx, sheet.UID)
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	if status != compute.JobQueued {
		t.Fatalf("job status = %q, want %q", status, compute.JobQueued)
	}
}

func TestDownstreamChequesSplitTheSpend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	request := env.runRequest()
	cheque := env.paymentCheque(t, request, "50.00")
	sheet, err := env.broker.Submit(ctx, request, env.alice.userUID, cheque, decimal.RequireFromString("50.00"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	resource, err := RequestFingerprint(request)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	// Compute gets 80% of the spend and can cash exactly that much.
	compAcct, err := env.ledger.CreateAccount(ctx, env.cp.Svc.UID, "earnings", "", decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("compute account: %v", err)
	}
	verifier := identity.NewVerifier(env.id.Svc.UID, identity.LocalCertFetcher(env.id)).
		WithClock(func() time.Time { return *env.now })
	if err := accounting.CounterSign(sheet.ComputeCheque, env.cp.Svc); err != nil {
		t.Fatalf("countersign: %v", err)
	}
	if _, err := env.ledger.CashCheque(ctx, accounting.CashRequest{
		Cheque: sheet.ComputeCheque, Spend: decimal.RequireFromString("40.01"),
		Resource: resource, RecipientAccountUID: compAcct.UID,
		ReceiptBy: env.now.Add(time.Hour),
	}, verifier); !errors.Is(err, domain.ErrPayment) {
		t.Fatalf("overspend err = %v, want ErrPayment", err)
	}
	if _, err := env.ledger.CashCheque(ctx, accounting.CashRequest{
		Cheque: sheet.ComputeCheque, Spend: decimal.RequireFromString("40"),
		Resource: resource, RecipientAccountUID: compAcct.UID,
		ReceiptBy: env.now.Add(time.Hour),
	}, verifier); err != nil {
		t.Fatalf("cash compute cheque: %v", err)
	}
}

func TestReplayedStepsDoNotRepeatSideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	request := env.runRequest()
	cheque := env.paymentCheque(t, request, "50.00")
	sheet, err := env.broker.Submit(ctx, request, env.alice.userUID, cheque, decimal.RequireFromString("50.00"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := env.cp.GetJob(ctx, sheet.UID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}

	// Simulate a crash where every side effect landed but the status write
	// was lost: rewind to the start and drive the sheet again.
	rewound := *sheet
	rewound.Status = domain.WorkAwaiting
	if err := env.broker.saveSheet(ctx, &rewound); err != nil {
		t.Fatalf("rewind sheet: %v", err)
	}
	if err := env.broker.Execute(ctx, sheet.UID); err != nil {
		t.Fatalf("replay: %v", err)
	}

	replayed, err := env.broker.GetWorkSheet(ctx, sheet.UID)
	if err != nil {
		t.Fatalf("reload sheet: %v", err)
	}
	if replayed.Status != domain.WorkSubmitted {
		t.Fatalf("replayed status = %q, want %q (last error %q)", replayed.Status, domain.WorkSubmitted, replayed.LastError)
	}
	if len(replayed.CreditNotes) != 1 {
		t.Fatalf("replay cashed the cheque again: %d credit notes", len(replayed.CreditNotes))
	}
	if replayed.OutputLocation.DriveGUID != sheet.OutputLocation.DriveGUID {
		t.Fatal("replay provisioned a second output drive")
	}
	head, err := env.ledger.GetAccount(ctx, env.aliceAcct)
	if err != nil {
		t.Fatalf("alice account: %v", err)
	}
	if !head.Liability.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("alice liability after replay = %s, want 50.00", head.Liability)
	}
	jobAgain, err := env.cp.GetJob(ctx, sheet.UID)
	if err != nil {
		t.Fatalf("job after replay: %v", err)
	}
	if jobAgain.UID != job.UID {
		t.Fatal("replay queued a second compute job")
	}

	// Resubmitting the same run request maps to the same worksheet.
	again, err := env.broker.Submit(ctx, request, env.alice.userUID, cheque, decimal.RequireFromString("50.00"), nil)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.UID != sheet.UID {
		t.Fatalf("resubmission created worksheet %s, want %s", again.UID, sheet.UID)
	}
}

func TestReplayAcrossLostPaymentResponse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	request := env.runRequest()
	cheque := env.paymentCheque(t, request, "50.00")
	sheet, err := env.broker.Submit(ctx, request, env.alice.userUID, cheque, decimal.RequireFromString("50.00"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Crash window: the ledger cashed the cheque, but the sheet write that
	// would have recorded the credit note was lost. The replay must converge
	// on the original payment instead of failing the paid job.
	rewound := *sheet
	rewound.Status = domain.WorkAwaiting
	rewound.CreditNotes = nil
	if err := env.broker.saveSheet(ctx, &rewound); err != nil {
		t.Fatalf("rewind sheet: %v", err)
	}
	if err := env.broker.Execute(ctx, sheet.UID); err != nil {
		t.Fatalf("replay: %v", err)
	}

	replayed, err := env.broker.GetWorkSheet(ctx, sheet.UID)
	if err != nil {
		t.Fatalf("reload sheet: %v", err)
	}
	if replayed.Status != domain.WorkSubmitted {
		t.Fatalf("replayed status = %q, want %q (last error %q)", replayed.Status, domain.WorkSubmitted, replayed.LastError)
	}
	if len(replayed.CreditNotes) != 1 || replayed.CreditNotes[0].UID != sheet.CreditNotes[0].UID {
		t.Fatalf("replay did not recover the original credit note: %+v", replayed.CreditNotes)
	}
	head, err := env.ledger.GetAccount(ctx, env.aliceAcct)
	if err != nil {
		t.Fatalf("alice account: %v", err)
	}
	if !head.Liability.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("alice liability after replay = %s, want 50.00", head.Liability)
	}
}

func TestComputeFailureMarksTheSheetFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.broker.Compute = failingSubmitter{}

	request := env.runRequest()
	cheque := env.paymentCheque(t, request, "50.00")
	sheet, err := env.broker.Submit(ctx, request, env.alice.userUID, cheque, decimal.RequireFromString("50.00"), nil)
	if !errors.Is(err, domain.ErrService) {
		t.Fatalf("submit err = %v, want ErrService", err)
	}
	if sheet == nil {
		t.Fatal("submit returned no worksheet")
	}

	failed, err := env.broker.GetWorkSheet(ctx, sheet.UID)
	if err != nil {
		t.Fatalf("reload sheet: %v", err)
	}
	if failed.Status != domain.WorkFailed {
		t.Fatalf("status = %q, want %q", failed.Status, domain.WorkFailed)
	}
	if failed.LastError == "" {
		t.Fatal("failed sheet records no error")
	}

	// Terminal sheets stay where they are.
	if err := env.broker.Execute(ctx, failed.UID); err != nil {
		t.Fatalf("execute terminal sheet: %v", err)
	}
	final, err := env.broker.GetWorkSheet(ctx, failed.UID)
	if err != nil {
		t.Fatalf("reload sheet: %v", err)
	}
	if final.Status != domain.WorkFailed {
		t.Fatalf("terminal status moved to %q", final.Status)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	request := env.runRequest()
	if _, err := env.broker.Submit(ctx, request, env.alice.userUID, nil, decimal.RequireFromString("50.00"), nil); !errors.Is(err, domain.ErrPayment) {
		t.Fatalf("chequeless submit err = %v, want ErrPayment", err)
	}

	past := env.runRequest()
	past.Deadline = env.now.Add(-time.Minute)
	cheque := env.paymentCheque(t, request, "50.00")
	if _, err := env.broker.Submit(ctx, past, env.alice.userUID, cheque, decimal.RequireFromString("50.00"), nil); !errors.Is(err, domain.ErrService) {
		t.Fatalf("past deadline err = %v, want ErrService", err)
	}
}
