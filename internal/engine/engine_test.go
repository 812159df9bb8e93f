package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"errandline/internal/config"
	"errandline/internal/db"
	"errandline/internal/domain"
	"errandline/internal/engine"
	"errandline/internal/migrate"
)

type recorder struct {
	mu       sync.Mutex
	offers   map[string][]domain.Offer
	assigned []domain.Task
	changed  []domain.Task
}

func (r *recorder) TaskOffered(helperID string, o domain.Offer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offers == nil {
		r.offers = map[string][]domain.Offer{}
	}
	r.offers[helperID] = append(r.offers[helperID], o)
}

func (r *recorder) TaskAssigned(t domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigned = append(r.assigned, t)
}

func (r *recorder) TaskStatusChanged(t domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, t)
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Notes  *recorder
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir(), Name: "server.db"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Apply(ctx, conn, migrate.Server); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Dev.ShowOTP = true
	env := &testEnv{Ctx: ctx, Notes: &recorder{}, clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg).WithClock(func() time.Time {
		env.clock = env.clock.Add(time.Millisecond)
		return env.clock
	})
	eng.Notify = env.Notes
	env.Engine = eng
	return env
}

func (env *testEnv) signIn(t *testing.T, phone string, role domain.Role) (engine.Principal, domain.Credential) {
	t.Helper()
	started, err := env.Engine.StartOTP(env.Ctx, phone, role, "")
	if err != nil {
		t.Fatalf("start otp: %v", err)
	}
	if started.Code() == "" {
		t.Fatalf("dev otp not echoed")
	}
	cred, err := env.Engine.VerifyOTP(env.Ctx, phone, started.Code(), role)
	if err != nil {
		t.Fatalf("verify otp: %v", err)
	}
	p, err := env.Engine.Authenticate(cred.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return p, cred
}

func (env *testEnv) onlineHelper(t *testing.T, phone string, at domain.LatLng) engine.Principal {
	t.Helper()
	p, _ := env.signIn(t, phone, domain.RoleHelper)
	if _, err := env.Engine.DecideKYC(env.Ctx, p.UserID, domain.KYCApproved, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := env.Engine.SetOnline(env.Ctx, p, true, &at); err != nil {
		t.Fatalf("online: %v", err)
	}
	return p
}

func expectKind(t *testing.T, err error, kind engine.Kind, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if engine.KindOf(err) != kind {
		t.Fatalf("expected kind %d, got %d (%v)", kind, engine.KindOf(err), err)
	}
	if code == "" {
		return
	}
	var e *engine.Error
	if !errors.As(err, &e) || e.Code != code {
		t.Fatalf("expected code %s, got %v", code, err)
	}
}

var (
	home = domain.LatLng{Lat: 12.9716, Lng: 77.5946}
	near = domain.LatLng{Lat: 12.9800, Lng: 77.6000}
	far  = domain.LatLng{Lat: 13.3000, Lng: 77.9000}
)

func TestOTPSignIn(t *testing.T) {
	env := newTestEnv(t)
	first, _ := env.signIn(t, "+91 98765 43210", domain.RoleBuyer)
	again, cred := env.signIn(t, "+919876543210", domain.RoleBuyer)
	if first.UserID != again.UserID {
		t.Fatalf("same phone and role should reuse the account")
	}
	if cred.Identity.Phone != "+919876543210" || cred.Identity.Role != domain.RoleBuyer {
		t.Fatalf("unexpected identity %+v", cred.Identity)
	}
	helper, _ := env.signIn(t, "+919876543210", domain.RoleHelper)
	if helper.UserID == first.UserID {
		t.Fatalf("helper account must be separate from buyer account")
	}

	if _, err := env.Engine.StartOTP(env.Ctx, "+919876543210", domain.RoleBuyer, ""); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.VerifyOTP(env.Ctx, "+919876543210", "000000x", domain.RoleBuyer)
	expectKind(t, err, engine.KindUnauthorized, "invalid_otp")

	_, err = env.Engine.StartOTP(env.Ctx, "+919876543210", domain.RoleAdmin, "")
	expectKind(t, err, engine.KindInvalid, "invalid_role")
}

func TestOTPAttemptsAreBounded(t *testing.T) {
	env := newTestEnv(t)
	started, err := env.Engine.StartOTP(env.Ctx, "+911234567", domain.RoleBuyer, "sms")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		_, err := env.Engine.VerifyOTP(env.Ctx, "+911234567", "wrong", domain.RoleBuyer)
		expectKind(t, err, engine.KindUnauthorized, "invalid_otp")
	}
	_, err = env.Engine.VerifyOTP(env.Ctx, "+911234567", started.Code(), domain.RoleBuyer)
	expectKind(t, err, engine.KindUnauthorized, "otp_expired")
}

func TestRefreshRotatesOnce(t *testing.T) {
	env := newTestEnv(t)
	_, cred := env.signIn(t, "+915550001", domain.RoleBuyer)
	next, err := env.Engine.Refresh(env.Ctx, cred.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == cred.RefreshToken || next.Identity.ID != cred.Identity.ID {
		t.Fatalf("refresh must rotate the token for the same user")
	}
	_, err = env.Engine.Refresh(env.Ctx, cred.RefreshToken)
	expectKind(t, err, engine.KindUnauthorized, "invalid_refresh_token")
	if _, err := env.Engine.Refresh(env.Ctx, next.RefreshToken); err != nil {
		t.Fatalf("rotated token should work: %v", err)
	}
}

func TestPasswordAccounts(t *testing.T) {
	env := newTestEnv(t)
	name := "Asha"
	cred, err := env.Engine.PasswordSignup(env.Ctx, engine.SignupRequest{Email: "Asha@Example.com", Password: "longenough", DisplayName: &name, Role: domain.RoleHelper})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	_, err = env.Engine.PasswordSignup(env.Ctx, engine.SignupRequest{Email: "asha@example.com", Password: "longenough", Role: domain.RoleBuyer})
	expectKind(t, err, engine.KindConflict, "email_taken")
	_, err = env.Engine.PasswordSignup(env.Ctx, engine.SignupRequest{Email: "b@example.com", Password: "short", Role: domain.RoleBuyer})
	expectKind(t, err, engine.KindInvalid, "weak_password")

	login, err := env.Engine.PasswordLogin(env.Ctx, "asha@example.com", "longenough")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if login.Identity.ID != cred.Identity.ID {
		t.Fatalf("login returned another account")
	}
	_, err = env.Engine.PasswordLogin(env.Ctx, "asha@example.com", "nope")
	expectKind(t, err, engine.KindUnauthorized, "invalid_credentials")

	p, _ := env.Engine.Authenticate(login.AccessToken)
	prof, err := env.Engine.HelperProfile(env.Ctx, p)
	if err != nil || prof.KYCStatus != domain.KYCPending {
		t.Fatalf("new helper should start pending: %+v %v", prof, err)
	}
	me, err := env.Engine.UpdateMe(env.Ctx, p, "Asha K")
	if err != nil || me.DisplayName == nil || *me.DisplayName != "Asha K" {
		t.Fatalf("update me: %+v %v", me, err)
	}
}

func TestGoingOnlineRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	helper, _ := env.signIn(t, "+916660001", domain.RoleHelper)
	err := env.Engine.SetOnline(env.Ctx, helper, true, &near)
	expectKind(t, err, engine.KindInvalid, "kyc_not_approved")
	if err := env.Engine.SetOnline(env.Ctx, helper, false, nil); err != nil {
		t.Fatalf("going offline is always allowed: %v", err)
	}
	buyer, _ := env.signIn(t, "+916660002", domain.RoleBuyer)
	err = env.Engine.SetOnline(env.Ctx, buyer, true, &near)
	expectKind(t, err, engine.KindConflict, "role_mismatch")

	doc := engine.KYCDocument{FileName: "a.jpg", Data: []byte{1}}
	prof, err := env.Engine.SubmitKYC(env.Ctx, helper, "Ravi", "ID-1", doc, doc, doc)
	if err != nil {
		t.Fatalf("submit kyc: %v", err)
	}
	if prof.KYCSelfieURL == nil || prof.KYCSubmittedAt == nil {
		t.Fatalf("kyc documents not stored: %+v", prof)
	}
	if _, err := env.Engine.DecideKYC(env.Ctx, helper.UserID, domain.KYCApproved, ""); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.SetOnline(env.Ctx, helper, true, &near); err != nil {
		t.Fatalf("approved helper should go online: %v", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	buyer, _ := env.signIn(t, "+917770001", domain.RoleBuyer)
	helper := env.onlineHelper(t, "+917770002", near)
	rival := env.onlineHelper(t, "+917770003", near)
	distant := env.onlineHelper(t, "+917770004", far)

	created, err := env.Engine.CreateTask(env.Ctx, buyer, domain.CreateTaskRequest{
		Title: "Pick up groceries", Urgency: domain.UrgencyNormal, TimeMinutes: 30, BudgetPaise: 25000, Lat: home.Lat, Lng: home.Lng,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.OfferedTo) != 2 {
		t.Fatalf("expected offers to the two nearby helpers, got %v", created.OfferedTo)
	}
	if len(env.Notes.offers[distant.UserID]) != 0 || len(env.Notes.offers[helper.UserID]) != 1 {
		t.Fatalf("offers pushed to the wrong helpers: %+v", env.Notes.offers)
	}
	id := created.TaskID

	if _, err := env.Engine.GetTask(env.Ctx, distant, id); engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("helper without an offer must not see the task: %v", err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, helper, domain.CreateTaskRequest{Title: "x", Urgency: domain.UrgencyLow, TimeMinutes: 1, Lat: 1, Lng: 1})
	expectKind(t, err, engine.KindConflict, "role_mismatch")

	unverified, _ := env.signIn(t, "+917770005", domain.RoleHelper)
	_, err = env.Engine.AcceptTask(env.Ctx, unverified, id)
	expectKind(t, err, engine.KindInvalid, "kyc_not_approved")

	task, err := env.Engine.AcceptTask(env.Ctx, helper, id)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if task.Status != domain.StatusAssigned || task.ArrivalOTP != nil {
		t.Fatalf("helper view should be assigned without codes: %+v", task)
	}
	_, err = env.Engine.AcceptTask(env.Ctx, rival, id)
	expectKind(t, err, engine.KindConflict, "task_taken")
	if _, err := env.Engine.GetTask(env.Ctx, rival, id); engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("losing helper must lose visibility: %v", err)
	}

	buyerView, err := env.Engine.GetTask(env.Ctx, buyer, id)
	if err != nil || buyerView.ArrivalOTP == nil || buyerView.CompletionOTP == nil {
		t.Fatalf("buyer should see the codes: %+v %v", buyerView, err)
	}

	_, err = env.Engine.UpdateStatus(env.Ctx, helper, id, domain.StatusArrived, "")
	expectKind(t, err, engine.KindConflict, "evidence_required")
	_, err = env.Engine.UpdateStatus(env.Ctx, helper, id, domain.StatusStarted, *buyerView.ArrivalOTP)
	expectKind(t, err, engine.KindConflict, "invalid_transition")

	photo := engine.Evidence{Stage: domain.StageArrival, Location: near, FileName: "arr.jpg", Data: []byte("jpeg")}
	if _, err := env.Engine.UploadEvidence(env.Ctx, helper, id, photo); err != nil {
		t.Fatalf("arrival evidence: %v", err)
	}
	_, err = env.Engine.UploadEvidence(env.Ctx, helper, id, photo)
	expectKind(t, err, engine.KindConflict, "evidence_exists")

	_, err = env.Engine.UpdateStatus(env.Ctx, buyer, id, domain.StatusArrived, "")
	expectKind(t, err, engine.KindConflict, "not_assigned_helper")
	if task, err = env.Engine.UpdateStatus(env.Ctx, helper, id, domain.StatusArrived, ""); err != nil || task.Status != domain.StatusArrived {
		t.Fatalf("arrive: %+v %v", task, err)
	}

	_, err = env.Engine.UpdateStatus(env.Ctx, helper, id, domain.StatusStarted, "000000x")
	expectKind(t, err, engine.KindConflict, "invalid_otp")
	if task, _ := env.Engine.GetTask(env.Ctx, buyer, id); task.Status != domain.StatusArrived {
		t.Fatalf("wrong code must leave the task ARRIVED, got %s", task.Status)
	}
	if task, err = env.Engine.UpdateStatus(env.Ctx, helper, id, domain.StatusStarted, *buyerView.ArrivalOTP); err != nil {
		t.Fatalf("start: %v", err)
	}
	if again, _ := env.Engine.GetTask(env.Ctx, buyer, id); again.ArrivalOTP != nil {
		t.Fatalf("consumed arrival code must be cleared")
	}
	photo.Stage = domain.StageCompletion
	if _, err := env.Engine.UploadEvidence(env.Ctx, helper, id, photo); err != nil {
		t.Fatalf("completion evidence: %v", err)
	}
	if task, err = env.Engine.UpdateStatus(env.Ctx, helper, id, domain.StatusCompleted, *buyerView.CompletionOTP); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !task.HasEvidence(domain.StageArrival) || !task.HasEvidence(domain.StageCompletion) {
		t.Fatalf("evidence lost: %+v", task)
	}

	bme, _ := env.Engine.Me(env.Ctx, buyer)
	hme, _ := env.Engine.Me(env.Ctx, helper)
	if *bme.DemoBalancePaise != engine.DemoBuyerBalancePaise-25000 || *hme.DemoBalancePaise != 25000 {
		t.Fatalf("budget not settled: buyer %d helper %d", *bme.DemoBalancePaise, *hme.DemoBalancePaise)
	}

	rated, err := env.Engine.RateTask(env.Ctx, buyer, id, 5, "quick")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if r, ok := rated.RatingBy(domain.RoleBuyer); !ok || r != 5 {
		t.Fatalf("buyer rating not stored: %+v", rated)
	}
	_, err = env.Engine.RateTask(env.Ctx, buyer, id, 4, "")
	expectKind(t, err, engine.KindConflict, "already_rated")
	if _, err := env.Engine.RateTask(env.Ctx, helper, id, 4, ""); err != nil {
		t.Fatalf("helper rates separately: %v", err)
	}

	evs, err := env.Engine.TaskEvents(env.Ctx, buyer, id, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	want := []string{"task.created", "task.offered", "task.assigned", "task.evidence", "task.status", "task.status", "task.evidence", "task.status", "task.rated", "task.rated"}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v", types)
		}
	}
	if len(env.Notes.assigned) != 1 || len(env.Notes.changed) != 3 {
		t.Fatalf("notifications: assigned %d changed %d", len(env.Notes.assigned), len(env.Notes.changed))
	}
}

func TestRatingRequiresCompletion(t *testing.T) {
	env := newTestEnv(t)
	buyer, _ := env.signIn(t, "+918880001", domain.RoleBuyer)
	created, err := env.Engine.CreateTask(env.Ctx, buyer, domain.CreateTaskRequest{Title: "Walk dog", Urgency: domain.UrgencyLow, TimeMinutes: 20, Lat: home.Lat, Lng: home.Lng})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.RateTask(env.Ctx, buyer, created.TaskID, 5, "")
	expectKind(t, err, engine.KindConflict, "not_completed")
	_, err = env.Engine.RateTask(env.Ctx, buyer, created.TaskID, 9, "")
	expectKind(t, err, engine.KindInvalid, "invalid_rating")

	_, err = env.Engine.CreateTask(env.Ctx, buyer, domain.CreateTaskRequest{Title: "", Urgency: domain.UrgencyLow, TimeMinutes: 20})
	expectKind(t, err, engine.KindInvalid, "invalid_title")

	tasks, err := env.Engine.ListMyTasks(env.Ctx, buyer)
	if err != nil || len(tasks) != 1 || tasks[0].ID != created.TaskID {
		t.Fatalf("list mine: %+v %v", tasks, err)
	}
}

func TestRecordLocation(t *testing.T) {
	env := newTestEnv(t)
	buyer, _ := env.signIn(t, "+919990001", domain.RoleBuyer)
	helper := env.onlineHelper(t, "+919990002", near)
	created, err := env.Engine.CreateTask(env.Ctx, buyer, domain.CreateTaskRequest{Title: "Drop keys", Urgency: domain.UrgencyHigh, TimeMinutes: 10, Lat: home.Lat, Lng: home.Lng})
	if err != nil {
		t.Fatal(err)
	}
	if task, err := env.Engine.RecordLocation(env.Ctx, helper, near, ""); err != nil || task != nil {
		t.Fatalf("untargeted location: %v %v", task, err)
	}
	_, err = env.Engine.RecordLocation(env.Ctx, helper, near, created.TaskID)
	expectKind(t, err, engine.KindConflict, "not_tracking")

	if _, err := env.Engine.AcceptTask(env.Ctx, helper, created.TaskID); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.RecordLocation(env.Ctx, helper, near, created.TaskID)
	if err != nil || task == nil || task.BuyerID != buyer.UserID {
		t.Fatalf("tracked location: %+v %v", task, err)
	}
	_, err = env.Engine.RecordLocation(env.Ctx, buyer, near, created.TaskID)
	expectKind(t, err, engine.KindConflict, "role_mismatch")
}

func TestSupportTickets(t *testing.T) {
	env := newTestEnv(t)
	user, _ := env.signIn(t, "+914440001", domain.RoleBuyer)
	other, _ := env.signIn(t, "+914440002", domain.RoleBuyer)

	detail, err := env.Engine.CreateTicket(env.Ctx, user, engine.NewTicket{Category: domain.CategorySafety, Message: "Helper was rude"})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if detail.Priority != "URGENT" || detail.Status != "OPEN" || len(detail.Messages) != 2 || detail.Messages[1].AuthorType != "AI" {
		t.Fatalf("unexpected ticket %+v", detail)
	}
	if _, err := env.Engine.AddMessage(env.Ctx, user, detail.ID, "Any update?"); err != nil {
		t.Fatalf("add message: %v", err)
	}
	got, err := env.Engine.GetTicket(env.Ctx, user, detail.ID)
	if err != nil || len(got.Messages) != 3 {
		t.Fatalf("get ticket: %+v %v", got, err)
	}
	_, err = env.Engine.GetTicket(env.Ctx, other, detail.ID)
	expectKind(t, err, engine.KindNotFound, "not_found")
	_, err = env.Engine.CreateTicket(env.Ctx, user, engine.NewTicket{Category: "WEATHER", Message: "x"})
	expectKind(t, err, engine.KindInvalid, "invalid_category")

	list, err := env.Engine.ListTickets(env.Ctx, user)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}
}
