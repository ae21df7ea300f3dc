package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/juank159/agendity-backend-sub000/internal/notify"
	"github.com/juank159/agendity-backend-sub000/internal/reminder"
	"github.com/juank159/agendity-backend-sub000/libs/httpx"
)

// ReminderService is the scheduler surface the HTTP layer needs.
// *reminder.Scheduler satisfies it.
type ReminderService interface {
	SendManualReminder(ctx context.Context, ownerID, id string) (notify.Result, error)
	CheckAndScheduleReminders(ctx context.Context)
}

type ReminderHandler struct {
	service ReminderService
	logger  *slog.Logger
}

func NewReminderHandler(service ReminderService, logger *slog.Logger) *ReminderHandler {
	return &ReminderHandler{service: service, logger: logger}
}

// Register mounts the reminder routes. jwtAuth protects the owner-facing
// route; adminAuth protects the operational sweep trigger.
func (h *ReminderHandler) Register(mux *http.ServeMux, jwtAuth, adminAuth httpx.Middleware) {
	mux.Handle("POST /v1/appointments/{id}/reminder", httpx.Chain(http.HandlerFunc(h.sendReminder), jwtAuth))
	mux.Handle("POST /v1/reminders/sweep", httpx.Chain(http.HandlerFunc(h.triggerSweep), adminAuth))
}

func (h *ReminderHandler) sendReminder(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing auth context")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing appointment id")
		return
	}

	res, err := h.service.SendManualReminder(r.Context(), claims.OwnerID, id)
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment not found")
	case errors.Is(err, reminder.ErrSendFailed):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status":  "failed",
			"message": res.Err,
		})
	case err != nil:
		h.logger.Error("manual reminder failed", "appointment_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	case !res.Success:
		// Claim lost or gated (already sent, quota, no contact channel).
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":  "skipped",
			"message": res.Message,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "sent",
			"provider": res.Provider,
		})
	}
}

func (h *ReminderHandler) triggerSweep(w http.ResponseWriter, r *http.Request) {
	// Detach from the request so a slow sweep is not cut off by the client.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		h.service.CheckAndScheduleReminders(ctx)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sweep started"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
