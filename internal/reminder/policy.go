package reminder

import "time"

const (
	// Lead is how far before the appointment the reminder goes out.
	Lead = 5 * time.Minute

	// minTimerLead guards against arming a timer whose deadline is already
	// past or lands within the next minute; those cases send immediately
	// instead of relying on sub-minute timer precision.
	minTimerLead = 60 * time.Second
)

// Regime classifies what to do with an appointment's reminder right now.
type Regime int

const (
	// RegimeSendNow: the reminder window is open and the appointment is
	// still ahead; send synchronously without a timer.
	RegimeSendNow Regime = iota
	// RegimeSchedule: arm a one-shot timer at FireTime.
	RegimeSchedule
	// RegimeSkip: the appointment already started or passed; inert.
	RegimeSkip
)

// FireTime is the instant the reminder for an appointment should be sent.
func FireTime(date time.Time) time.Time {
	return date.Add(-Lead)
}

// Classify decides the regime for an appointment scheduled at date.
func Classify(date, now time.Time) Regime {
	if FireTime(date).Sub(now) < minTimerLead {
		if date.After(now) {
			return RegimeSendNow
		}
		return RegimeSkip
	}
	return RegimeSchedule
}
