package reminder

import (
	"fmt"
	"strings"
	"time"

	"github.com/juank159/agendity-backend-sub000/internal/model"
)

const fallbackServiceName = "scheduled service"

// ComposeMessage builds the reminder text: client's given name, the booked
// service names, and the appointment time in the business timezone.
func ComposeMessage(appt model.Appointment, loc *time.Location) string {
	when := appt.Date.In(loc).Format("Monday, January 2 at 3:04 PM")

	services := fallbackServiceName
	if len(appt.Services) > 0 {
		names := make([]string, 0, len(appt.Services))
		for _, svc := range appt.Services {
			if s := strings.TrimSpace(svc.Name); s != "" {
				names = append(names, s)
			}
		}
		if len(names) > 0 {
			services = strings.Join(names, ", ")
		}
	}

	name := givenName(appt.Client.Name)
	if name == "" {
		name = "there"
	}

	return fmt.Sprintf("Hi %s! This is a reminder of your %s appointment on %s. See you soon.", name, services, when)
}

func givenName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
