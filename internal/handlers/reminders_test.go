package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juank159/agendity-backend-sub000/internal/notify"
	"github.com/juank159/agendity-backend-sub000/internal/reminder"
	"github.com/juank159/agendity-backend-sub000/libs/auth"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

type fakeService struct {
	result    notify.Result
	err       error
	lastOwner string
	lastID    string
	swept     chan struct{}
}

func (s *fakeService) SendManualReminder(_ context.Context, ownerID, id string) (notify.Result, error) {
	s.lastOwner, s.lastID = ownerID, id
	return s.result, s.err
}

func (s *fakeService) CheckAndScheduleReminders(_ context.Context) {
	if s.swept != nil {
		close(s.swept)
	}
}

func newTestServer(t *testing.T, svc *fakeService, adminHash string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h := NewReminderHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.Register(mux, RequireJWT(testSecret), RequireAdminKey(adminHash))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func ownerToken(t *testing.T, ownerID string) string {
	t.Helper()
	token, err := auth.SignHS256(auth.Claims{
		Sub:     "user-1",
		OwnerID: ownerID,
		Exp:     time.Now().Add(time.Hour).Unix(),
		Iat:     time.Now().Unix(),
	}, testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func postReminder(t *testing.T, srv *httptest.Server, id, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/appointments/"+id+"/reminder", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSendReminderSuccess(t *testing.T) {
	svc := &fakeService{result: notify.Result{Success: true, Provider: "test"}}
	srv := newTestServer(t, svc, "")

	resp := postReminder(t, srv, "a1", ownerToken(t, "owner-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if svc.lastOwner != "owner-1" || svc.lastID != "a1" {
		t.Fatalf("service called with owner=%q id=%q", svc.lastOwner, svc.lastID)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["status"] != "sent" {
		t.Fatalf("body status = %v, want sent", body["status"])
	}
}

func TestSendReminderRequiresToken(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, "")

	resp := postReminder(t, srv, "a1", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	resp = postReminder(t, srv, "a1", "not-a-jwt")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with a bad token = %d, want 401", resp.StatusCode)
	}
}

func TestSendReminderNotFound(t *testing.T) {
	svc := &fakeService{err: fmt.Errorf("appointment a1: %w", reminder.ErrNotFound)}
	srv := newTestServer(t, svc, "")

	resp := postReminder(t, srv, "a1", ownerToken(t, "owner-1"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSendReminderAlreadySentConflict(t *testing.T) {
	svc := &fakeService{result: notify.Result{Success: false, Message: "reminder already sent"}}
	srv := newTestServer(t, svc, "")

	resp := postReminder(t, srv, "a1", ownerToken(t, "owner-1"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSendReminderProviderFailure(t *testing.T) {
	svc := &fakeService{
		result: notify.Result{Success: false, Err: "provider rejected"},
		err:    fmt.Errorf("%w: provider rejected", reminder.ErrSendFailed),
	}
	srv := newTestServer(t, svc, "")

	resp := postReminder(t, srv, "a1", ownerToken(t, "owner-1"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestTriggerSweepRequiresAdminKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sweep-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash admin key: %v", err)
	}
	svc := &fakeService{swept: make(chan struct{})}
	srv := newTestServer(t, svc, string(hash))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/reminders/sweep", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/v1/reminders/sweep", nil)
	req.Header.Set("X-Admin-Key", "sweep-key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status with key = %d, want 202", resp.StatusCode)
	}

	select {
	case <-svc.swept:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep was never triggered")
	}
}
