package billing

// Limits are the entitlements derived from a subscription tier. Keep this
// small and stable: the reminder scheduler relies on it to enforce quotas.
type Limits struct {
	Tier                string `json:"tier"`
	MaxMonthlyReminders int    `json:"max_monthly_reminders"`
	SMSEnabled          bool   `json:"sms_enabled"`
}

func LimitsForTier(tier string) Limits {
	switch tier {
	case "starter":
		return Limits{
			Tier:                "starter",
			MaxMonthlyReminders: 100,
			SMSEnabled:          false,
		}
	case "pro":
		return Limits{
			Tier:                "pro",
			MaxMonthlyReminders: 5000,
			SMSEnabled:          true,
		}
	default:
		return Limits{
			Tier:                "free",
			MaxMonthlyReminders: 30,
			SMSEnabled:          true,
		}
	}
}
