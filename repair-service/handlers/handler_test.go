package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fadedreams/repairhub/repair-service/auth"
	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/lifecycle"
	"fadedreams/repairhub/repair-service/notify"
	"fadedreams/repairhub/repair-service/otp"
	"fadedreams/repairhub/repair-service/payment"
	"fadedreams/repairhub/repair-service/service"
	"fadedreams/repairhub/repair-service/sms"
)

type testAPI struct {
	srv   *httptest.Server
	svc   *service.Service
	store *domain.MemoryStore
}

func newAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := domain.NewMemoryStore()
	dispatcher := notify.NewDispatcher(store, logger)
	otps := otp.NewService(store, 5*time.Minute)
	engine := lifecycle.NewEngine(store, dispatcher, otps, lifecycle.Config{
		BanThreshold:       3,
		RejectionFee:       99,
		PlatformFeePercent: 10,
	}, logger)
	issuer := auth.NewIssuer("test-secret", time.Hour)
	svc := service.NewService(service.Deps{
		Store:    store,
		Engine:   engine,
		Notifier: dispatcher,
		OTPs:     otps,
		SMS:      sms.NewLogSender(logger),
		Gateway:  payment.LocalGateway{},
		Issuer:   issuer,
	}, service.Config{WebhookSecret: "whsec", SMSTimeout: time.Second, PostalPrefixLength: 3}, logger)

	srv := httptest.NewServer(NewRouter(NewHandler(svc, issuer, store, false, logger), nil))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, svc: svc, store: store}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func (a *testAPI) login(t *testing.T, kind, email, password string) string {
	t.Helper()
	resp, body := a.do(t, "POST", "/auth/login", "", map[string]string{"kind": kind, "email": email, "password": password})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, resp.StatusCode, body)
	}
	var sess service.Session
	json.Unmarshal(body, &sess)
	return sess.Token
}

func (a *testAPI) repairer(t *testing.T, name, email, phone string) string {
	t.Helper()
	_, err := a.svc.RegisterRepairer(context.Background(), service.RegisterInput{
		Name: name, Email: email, Phone: phone, Password: "password-2", PostalCode: "560001", Services: []string{"plumbing"},
	})
	if err != nil {
		t.Fatalf("RegisterRepairer: %v", err)
	}
	return a.login(t, "repairer", email, "password-2")
}

func (a *testAPI) customer(t *testing.T) string {
	t.Helper()
	resp, body := a.do(t, "POST", "/auth/users/register", "", service.RegisterInput{
		Name: "Cara", Email: "cara@example.com", Phone: "+911111111111", Password: "password-1", PostalCode: "560034",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}
	return a.login(t, "user", "cara@example.com", "password-1")
}

func decodeError(t *testing.T, body []byte) ErrorBody {
	t.Helper()
	var e ErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error body %s: %v", body, err)
	}
	return e
}

func TestLoginSetsSessionCookie(t *testing.T) {
	a := newAPI(t)
	a.customer(t)

	resp, _ := a.do(t, "POST", "/auth/login", "", map[string]string{"kind": "user", "email": "CARA@example.com", "password": "password-1"})
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == auth.CookieName {
			session = c
		}
	}
	if session == nil || !session.HttpOnly {
		t.Fatalf("session cookie = %+v", session)
	}

	req, _ := http.NewRequest("GET", a.srv.URL+"/me", nil)
	req.AddCookie(session)
	me, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /me: %v", err)
	}
	defer me.Body.Close()
	var user domain.User
	json.NewDecoder(me.Body).Decode(&user)
	if me.StatusCode != http.StatusOK || user.Email != "cara@example.com" {
		t.Fatalf("profile = %d %+v", me.StatusCode, user)
	}
}

func TestProtectedRoutesNeedSession(t *testing.T) {
	a := newAPI(t)
	resp, body := a.do(t, "GET", "/notifications", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || decodeError(t, body).Code != "unauthorized" {
		t.Fatalf("no session: %d %s", resp.StatusCode, body)
	}
	resp, _ = a.do(t, "POST", "/auth/login", "", map[string]string{"kind": "user", "email": "nobody@example.com", "password": "password-1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown account login: %d", resp.StatusCode)
	}
}

func TestValidationErrorNamesField(t *testing.T) {
	a := newAPI(t)
	token := a.customer(t)

	resp, body := a.do(t, "POST", "/requests", token, map[string]any{
		"serviceType": "plumbing",
		"category":    "home",
		"issue":       "leaking tap",
		"location":    map[string]string{"address": "12 MG Road"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}
	e := decodeError(t, body)
	if e.Code != "validation_error" || e.Details["field"] != "location.postalCode" {
		t.Fatalf("error = %+v", e)
	}
}

func TestTransitionsOverHTTP(t *testing.T) {
	a := newAPI(t)
	cust := a.customer(t)
	ravi := a.repairer(t, "Ravi", "ravi@example.com", "+912222222222")
	sam := a.repairer(t, "Sam", "sam@example.com", "+913333333333")

	resp, body := a.do(t, "POST", "/requests", cust, map[string]any{
		"serviceType": "plumbing",
		"category":    "home",
		"issue":       "leaking tap",
		"location":    map[string]string{"address": "12 MG Road", "postalCode": "560034"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var req domain.ServiceRequest
	json.Unmarshal(body, &req)

	resp, body = a.do(t, "GET", "/requests/open", ravi, nil)
	var open []domain.ServiceRequest
	json.Unmarshal(body, &open)
	if resp.StatusCode != http.StatusOK || len(open) != 1 {
		t.Fatalf("open requests: %d %s", resp.StatusCode, body)
	}
	if resp, _ := a.do(t, "GET", "/requests/open", cust, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("customer listing open requests: %d", resp.StatusCode)
	}

	path := "/requests/" + req.ID + "/transitions"
	resp, body = a.do(t, "POST", path, ravi, map[string]any{"status": "accepted"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", resp.StatusCode, body)
	}
	var out lifecycle.Outcome
	json.Unmarshal(body, &out)
	if out.Request.RepairerID == "" || out.Request.Status != domain.StatusAccepted {
		t.Fatalf("outcome = %+v", out.Request)
	}

	resp, body = a.do(t, "POST", path, sam, map[string]any{"status": "accepted"})
	if resp.StatusCode != http.StatusBadRequest || decodeError(t, body).Code != "conflict" {
		t.Fatalf("second accept: %d %s", resp.StatusCode, body)
	}

	resp, body = a.do(t, "POST", path, cust, map[string]any{"status": "in_progress"})
	e := decodeError(t, body)
	if resp.StatusCode != http.StatusBadRequest || e.Code != "invalid_transition" || e.Details["from"] != "accepted" || e.Details["to"] != "in_progress" {
		t.Fatalf("customer start: %d %s", resp.StatusCode, body)
	}

	resp, body = a.do(t, "GET", "/requests/"+req.ID+"/conversation", cust, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conversation: %d %s", resp.StatusCode, body)
	}
	resp, _ = a.do(t, "GET", "/requests/"+req.ID+"/conversation", sam, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider conversation: %d", resp.StatusCode)
	}

	resp, body = a.do(t, "GET", "/notifications", cust, nil)
	var notes []domain.Notification
	json.Unmarshal(body, &notes)
	if resp.StatusCode != http.StatusOK || len(notes) == 0 {
		t.Fatalf("customer notifications: %d %s", resp.StatusCode, body)
	}
	if resp, _ := a.do(t, "DELETE", "/notifications/"+notes[0].ID, ravi, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleting someone else's notification: %d", resp.StatusCode)
	}
	if resp, _ := a.do(t, "PATCH", "/notifications/"+notes[0].ID+"/read", cust, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read: %d", resp.StatusCode)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	a := newAPI(t)
	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","status":"captured"}}}}`)

	req, _ := http.NewRequest("POST", a.srv.URL+"/payments/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, payment.Sign(body, "wrong"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAdminUnban(t *testing.T) {
	a := newAPI(t)
	ravi := a.repairer(t, "Ravi", "ravi@example.com", "+912222222222")
	if err := a.svc.EnsureAdmin(context.Background(), "admin@example.com", "admin-pass"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	admin := a.login(t, "admin", "admin@example.com", "admin-pass")

	rep, err := a.store.FindRepairerByEmail(context.Background(), "ravi@example.com")
	if err != nil {
		t.Fatalf("FindRepairerByEmail: %v", err)
	}
	for i := 0; i < 4; i++ {
		a.store.IncrementRedFlag(context.Background(), rep.ID, 3)
	}
	if resp, body := a.do(t, "GET", "/me", ravi, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("banned repairer: %d %s", resp.StatusCode, body)
	}

	path := "/admin/repairers/" + rep.ID + "/unban"
	if resp, _ := a.do(t, "POST", path, ravi, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unban by repairer: %d", resp.StatusCode)
	}
	if resp, body := a.do(t, "POST", path, admin, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("unban: %d %s", resp.StatusCode, body)
	}
	if resp, _ := a.do(t, "GET", "/me", ravi, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("unbanned repairer: %d", resp.StatusCode)
	}
}

func TestErrorResponseHidesInternalDetail(t *testing.T) {
	status, body := errorResponse(errors.New("mongo: connection reset by peer"))
	if status != http.StatusInternalServerError || body.Error != "internal server error" {
		t.Fatalf("got %d %+v", status, body)
	}
	status, body = errorResponse(domain.ExternalServiceError{Service: "sms", Err: errors.New("twilio 500")})
	if status != http.StatusBadGateway || body.Code != "external_service_error" {
		t.Fatalf("got %d %+v", status, body)
	}
}
