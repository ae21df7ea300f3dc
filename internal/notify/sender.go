package notify

import (
	"context"
	"fmt"
)

const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// Message is one outbound reminder.
type Message struct {
	OwnerID   string
	Channel   string
	Recipient string
	Subject   string
	Body      string
}

// Result mirrors what delivery providers report. Success=false with Err set
// means the provider accepted the call but refused the message.
type Result struct {
	Success  bool
	Message  string
	Err      string
	Provider string
}

// Sender is the opaque delivery boundary. Implementations must not retry;
// the caller owns the retry policy.
type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// Mux routes messages to per-channel senders.
type Mux struct {
	sms   SMSSender
	email EmailSender
}

type SMSSender interface {
	Send(ctx context.Context, to string, body string) error
	ProviderID() string
}

type EmailSender interface {
	Send(to string, subject string, body string) error
}

func NewMux(sms SMSSender, email EmailSender) *Mux {
	return &Mux{sms: sms, email: email}
}

func (m *Mux) Send(ctx context.Context, msg Message) (Result, error) {
	switch msg.Channel {
	case ChannelSMS:
		if m.sms == nil {
			return Result{Success: false, Err: "sms sender not configured"}, nil
		}
		if err := m.sms.Send(ctx, msg.Recipient, msg.Body); err != nil {
			return Result{Success: false, Err: err.Error(), Provider: m.sms.ProviderID()}, nil
		}
		return Result{Success: true, Message: "sent", Provider: m.sms.ProviderID()}, nil
	case ChannelEmail:
		if m.email == nil {
			return Result{Success: false, Err: "email sender not configured"}, nil
		}
		if err := m.email.Send(msg.Recipient, msg.Subject, msg.Body); err != nil {
			return Result{Success: false, Err: err.Error(), Provider: "smtp"}, nil
		}
		return Result{Success: true, Message: "sent", Provider: "smtp"}, nil
	default:
		return Result{}, fmt.Errorf("unsupported channel: %s", msg.Channel)
	}
}
