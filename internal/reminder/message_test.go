package reminder

import (
	"strings"
	"testing"
	"time"

	"github.com/juank159/agendity-backend-sub000/internal/model"
)

func TestComposeMessage(t *testing.T) {
	bogota := time.FixedZone("America/Bogota", -5*3600)
	date := time.Date(2026, 3, 10, 20, 30, 0, 0, time.UTC) // 15:30 in Bogota

	appt := model.Appointment{
		ID:     "a1",
		Date:   date,
		Client: model.Client{Name: "Maria Fernanda Lopez"},
		Services: []model.Service{
			{ID: "s1", Name: "Haircut"},
			{ID: "s2", Name: "Coloring"},
		},
	}

	got := ComposeMessage(appt, bogota)
	for _, want := range []string{"Hi Maria!", "Haircut, Coloring", "Tuesday, March 10 at 3:30 PM"} {
		if !strings.Contains(got, want) {
			t.Fatalf("message %q does not contain %q", got, want)
		}
	}
}

func TestComposeMessageFallbacks(t *testing.T) {
	date := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	got := ComposeMessage(model.Appointment{Date: date}, time.UTC)
	if !strings.Contains(got, "Hi there!") {
		t.Fatalf("message %q does not greet an unnamed client", got)
	}
	if !strings.Contains(got, "scheduled service") {
		t.Fatalf("message %q does not use the service fallback", got)
	}

	// Blank service names also fall back.
	got = ComposeMessage(model.Appointment{
		Date:     date,
		Client:   model.Client{Name: "Ana"},
		Services: []model.Service{{Name: "  "}},
	}, time.UTC)
	if !strings.Contains(got, "scheduled service") {
		t.Fatalf("message %q does not fall back for blank service names", got)
	}
}
