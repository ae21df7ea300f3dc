package outbox

// Event types published by the reminder subsystem. The Kafka topic name
// equals the event type (event per topic).
const (
	EventReminderSent   = "reminder.sent.v1"
	EventReminderFailed = "reminder.failed.v1"
)

// Event is the domain event envelope written to the outbox table.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
