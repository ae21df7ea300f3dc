package kafkax

import (
	"reflect"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestExtractEventMeta(t *testing.T) {
	msg := kafka.Message{
		Topic: "reminder.sent.v1",
		Key:   []byte("appt-1"),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte("evt-1")},
			{Key: "event_type", Value: []byte("reminder.sent.v1")},
		},
	}
	meta := ExtractEventMeta(msg)
	if meta.EventID != "evt-1" || meta.EventType != "reminder.sent.v1" {
		t.Fatalf("meta = %+v", meta)
	}

	// Without headers, fall back to key and topic.
	meta = ExtractEventMeta(kafka.Message{Topic: "reminder.sent.v1", Key: []byte("appt-1")})
	if meta.EventID != "appt-1" || meta.EventType != "reminder.sent.v1" {
		t.Fatalf("fallback meta = %+v", meta)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, kafka-2:9092 ,,")
	want := []string{"kafka-1:9092", "kafka-2:9092"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitBrokers = %v, want %v", got, want)
	}
}
