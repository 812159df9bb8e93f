package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"errandline/internal/api"
	"errandline/internal/config"
	"errandline/internal/credstore"
	"errandline/internal/db"
	"errandline/internal/domain"
	"errandline/internal/engine"
	"errandline/internal/events"
	"errandline/internal/gateway"
	"errandline/internal/lifecycle"
	"errandline/internal/migrate"
	"errandline/internal/realtime"
	"errandline/internal/session"
)

var (
	home = domain.LatLng{Lat: 12.9716, Lng: 77.5946}
	near = domain.LatLng{Lat: 12.98, Lng: 77.60}
)

type testServer struct {
	URL    string
	client *http.Client
	hub    *Hub
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir(), Name: "server.db"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Apply(context.Background(), conn, migrate.Server); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Dev.ShowOTP = true
	e := engine.New(conn, cfg)
	hub := NewHub(e, nil)
	e.Notify = hub
	handler, err := New(Config{Engine: e, Hub: hub, Dev: true})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		hub:    hub,
		close: func() {
			hub.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiError {
	t.Helper()
	var out apiError
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal error body %s: %v", string(data), err)
	}
	return out
}

// party is one signed-in device: its session, realtime channel and controller.
type party struct {
	API     *api.Client
	Session *session.Manager
	Channel *realtime.Channel
	Sub     *realtime.Subscription
	Ctrl    *lifecycle.Controller
	ID      string
}

func (s *testServer) signIn(t *testing.T, phone string, role domain.Role, at domain.LatLng) *party {
	t.Helper()
	ctx := context.Background()
	client := api.New(gateway.New(s.URL, nil))
	sess := session.New(credstore.NewMemoryStore(), client)
	started, err := sess.StartOTP(ctx, phone, role, "")
	if err != nil {
		t.Fatalf("start otp: %v", err)
	}
	if started.Code() == "" {
		t.Fatalf("dev otp not echoed")
	}
	id, err := sess.Authenticate(ctx, session.OTPVerify{Phone: phone, Code: started.Code(), Role: role})
	if err != nil {
		t.Fatalf("verify otp: %v", err)
	}
	ch := realtime.New(s.wsURL(), sess, realtime.WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond))
	t.Cleanup(func() { ch.Close() })
	ch.Start(ctx)
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := ch.WaitConnected(wctx); err != nil {
		t.Fatalf("realtime connect: %v", err)
	}
	fallback := at
	return &party{
		API:     client,
		Session: sess,
		Channel: ch,
		Sub:     ch.Subscribe(),
		Ctrl:    lifecycle.New(client, sess, lifecycle.Options{Rooms: ch, Fallback: &fallback}),
		ID:      id.ID,
	}
}

// await feeds realtime events into the controller until match accepts one.
func (p *party) await(t *testing.T, what string, match func(realtime.Event) bool) realtime.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-p.Sub.Events():
			if !ok {
				t.Fatalf("event stream closed waiting for %s", what)
			}
			p.Ctrl.HandleEvent(context.Background(), ev)
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

func (p *party) token(t *testing.T) string {
	t.Helper()
	token, err := p.Session.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return token
}

func approve(t *testing.T, srv *testServer, helperID string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/dev/helpers/"+helperID+"/kyc", map[string]any{
		"status": "APPROVED",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
}

func jpeg(tag string) []byte {
	return append([]byte{0xff, 0xd8, 0xff, 0xe0}, []byte(tag)...)
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/tasks/mine", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code == "" || body.Message == "" {
		t.Fatalf("expected flat error body, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/otp/start", map[string]any{
		"phone": "+919800000001",
		"role":  "ADMIN",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for admin role, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/otp/verify", map[string]any{
		"phone": "+919800000001",
		"otp":   "000000",
		"role":  "BUYER",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown otp, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	buyer := srv.signIn(t, "+919800000010", domain.RoleBuyer, home)

	_, err := buyer.API.GetTask(context.Background(), buyer.token(t), "missing")
	var gerr *gateway.Error
	if !errors.As(err, &gerr) || gerr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 gateway error, got %v", err)
	}
}

func TestClientFlowAgainstDevBackend(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	buyer := srv.signIn(t, "+919800000001", domain.RoleBuyer, home)
	helper := srv.signIn(t, "+919800000002", domain.RoleHelper, near)

	if _, err := helper.Ctrl.GoOnline(ctx); err == nil {
		t.Fatalf("expected going online to require KYC approval")
	}
	approve(t, srv, helper.ID)
	if _, err := helper.Ctrl.GoOnline(ctx); err != nil {
		t.Fatalf("go online: %v", err)
	}

	created, err := buyer.Ctrl.Create(ctx, domain.CreateTaskRequest{
		Title:       "Pick up a parcel",
		Description: "From the front desk",
		Urgency:     domain.UrgencyNormal,
		TimeMinutes: 30,
		BudgetPaise: 25000,
		Lat:         home.Lat,
		Lng:         home.Lng,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	taskID := created.TaskID
	if len(created.OfferedTo) != 1 || created.OfferedTo[0] != helper.ID {
		t.Fatalf("expected offer to %s, got %v", helper.ID, created.OfferedTo)
	}

	helper.await(t, "offer", func(ev realtime.Event) bool {
		_, ok := ev.(realtime.Offered)
		return ok && ev.Task() == taskID
	})
	if offers := helper.Ctrl.Offers(); len(offers) != 1 || offers[0].TaskID != taskID {
		t.Fatalf("expected one live offer, got %+v", offers)
	}

	pending := srv.signIn(t, "+919800000003", domain.RoleHelper, near)
	pending.Ctrl.HandleEvent(ctx, realtime.Offered{Offer: domain.Offer{TaskID: taskID}})
	_, err = pending.Ctrl.Accept(ctx, taskID)
	if err == nil || gateway.IsConflict(err) || errors.Is(err, lifecycle.ErrOfferGone) {
		t.Fatalf("unverified helper accept: want a non-conflict refusal, got %v", err)
	}
	if offers := pending.Ctrl.Offers(); len(offers) != 1 {
		t.Fatalf("refused accept must keep the offer, got %+v", offers)
	}

	accepted, err := helper.Ctrl.Accept(ctx, taskID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.StatusAssigned {
		t.Fatalf("expected ASSIGNED, got %s", accepted.Status)
	}
	if accepted.ArrivalOTP != nil || accepted.CompletionOTP != nil {
		t.Fatalf("checkpoint codes leaked to helper")
	}
	if len(helper.Ctrl.Offers()) != 0 {
		t.Fatalf("accepted offer should leave the offer list")
	}

	buyer.await(t, "assignment", func(ev realtime.Event) bool {
		a, ok := ev.(realtime.Assigned)
		return ok && a.TaskID == taskID && a.HelperID == helper.ID
	})
	if v, _ := buyer.Ctrl.View(taskID); v.Task.Status != domain.StatusAssigned {
		t.Fatalf("buyer view status %s", v.Task.Status)
	}

	if err := helper.Channel.PublishLocation(ctx, near.Lat, near.Lng, taskID); err != nil {
		t.Fatalf("publish location: %v", err)
	}
	buyer.await(t, "helper location", func(ev realtime.Event) bool {
		_, ok := ev.(realtime.LocationUpdate)
		return ok
	})
	tracking := buyer.Ctrl.Observer(taskID).Snapshot()
	if tracking.Position == nil || tracking.Arrived || tracking.DistanceMeters < 500 {
		t.Fatalf("unexpected tracking %+v", tracking)
	}

	if _, err := helper.Ctrl.Advance(ctx, taskID, domain.StatusArrived, ""); err == nil {
		t.Fatalf("expected arrival without evidence to fail")
	}
	if _, err := helper.Ctrl.CaptureEvidence(ctx, taskID, domain.StageArrival, lifecycle.Image{Name: "arrive.jpg", ContentType: "image/jpeg", Data: jpeg("arrive")}); err != nil {
		t.Fatalf("arrival evidence: %v", err)
	}
	if _, err := helper.Ctrl.Advance(ctx, taskID, domain.StatusArrived, ""); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	buyer.await(t, "arrived", func(ev realtime.Event) bool {
		s, ok := ev.(realtime.StatusChanged)
		return ok && s.Status == domain.StatusArrived
	})

	view, err := buyer.Ctrl.Load(ctx, taskID)
	if err != nil {
		t.Fatalf("buyer load: %v", err)
	}
	if view.Task.ArrivalOTP == nil || view.Task.CompletionOTP == nil {
		t.Fatalf("buyer should see checkpoint codes, got %+v", view.Task)
	}
	arrivalOTP, completionOTP := *view.Task.ArrivalOTP, *view.Task.CompletionOTP

	_, err = helper.Ctrl.Advance(ctx, taskID, domain.StatusStarted, "000000")
	if !gateway.IsConflict(err) {
		t.Fatalf("expected conflict for wrong code, got %v", err)
	}
	if _, err := helper.Ctrl.Advance(ctx, taskID, domain.StatusStarted, arrivalOTP); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := helper.Ctrl.CaptureEvidence(ctx, taskID, domain.StageCompletion, lifecycle.Image{Name: "done.jpg", ContentType: "image/jpeg", Data: jpeg("done")}); err != nil {
		t.Fatalf("completion evidence: %v", err)
	}
	done, err := helper.Ctrl.Advance(ctx, taskID, domain.StatusCompleted, completionOTP)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusCompleted || !done.HasEvidence(domain.StageCompletion) {
		t.Fatalf("unexpected completed task %+v", done)
	}
	buyer.await(t, "completed", func(ev realtime.Event) bool {
		s, ok := ev.(realtime.StatusChanged)
		return ok && s.Status == domain.StatusCompleted
	})

	if _, err := buyer.Ctrl.Rate(ctx, taskID, 5, "quick and friendly"); err != nil {
		t.Fatalf("buyer rate: %v", err)
	}
	if _, err := helper.Ctrl.Rate(ctx, taskID, 4, ""); err != nil {
		t.Fatalf("helper rate: %v", err)
	}
	if _, err := buyer.Ctrl.Rate(ctx, taskID, 3, ""); !errors.Is(err, lifecycle.ErrAlreadyRated) {
		t.Fatalf("expected already rated, got %v", err)
	}

	evs, err := buyer.API.ListTaskEvents(ctx, buyer.token(t), taskID, 0, 0)
	if err != nil {
		t.Fatalf("task events: %v", err)
	}
	if len(evs) == 0 || evs[0].Type != events.TaskCreated || evs[len(evs)-1].Type != events.TaskRated {
		t.Fatalf("unexpected audit log %+v", evs)
	}
	tail, err := buyer.API.ListTaskEvents(ctx, buyer.token(t), taskID, evs[len(evs)-2].ID, 0)
	if err != nil {
		t.Fatalf("task events after cursor: %v", err)
	}
	if len(tail) != 1 || tail[0].ID != evs[len(evs)-1].ID {
		t.Fatalf("expected one event after cursor, got %+v", tail)
	}

	me, err := buyer.API.GetMe(ctx, buyer.token(t))
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.DemoBalancePaise == nil || *me.DemoBalancePaise != engine.DemoBuyerBalancePaise-25000 {
		t.Fatalf("expected settled buyer balance, got %+v", me.DemoBalancePaise)
	}
}

func TestUploadsAreServed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	helper := srv.signIn(t, "+919800000003", domain.RoleHelper, near)

	profile, err := helper.API.SubmitKYC(ctx, helper.token(t), api.KYCSubmission{
		FullName: "Asha Rao",
		IDNumber: "ABCD1234",
		IDFront:  gateway.File{Name: "front.jpg", ContentType: "image/jpeg", Data: jpeg("front")},
		IDBack:   gateway.File{Name: "back.jpg", ContentType: "image/jpeg", Data: jpeg("back")},
		Selfie:   gateway.File{Name: "selfie.jpg", ContentType: "image/jpeg", Data: jpeg("selfie")},
	})
	if err != nil {
		t.Fatalf("submit kyc: %v", err)
	}
	if profile.KYCStatus != domain.KYCPending || profile.KYCSelfieURL == nil {
		t.Fatalf("unexpected profile %+v", profile)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+*profile.KYCSelfieURL, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fetch upload status %d", res.StatusCode)
	}
	if !bytes.Equal(data, jpeg("selfie")) {
		t.Fatalf("upload bytes differ")
	}
	if ct := res.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestHubRejectsBadToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ch := realtime.New(srv.wsURL(), staticToken("garbage"), realtime.WithReconnectBackoff(10*time.Millisecond, 20*time.Millisecond))
	defer ch.Close()
	ch.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	if ch.Connected() {
		t.Fatalf("expected connection with a bad token to be refused")
	}
	if srv.hub.Peers() != 0 {
		t.Fatalf("expected no registered peers, got %d", srv.hub.Peers())
	}
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }
