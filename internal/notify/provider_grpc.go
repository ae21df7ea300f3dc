//go:build protogen

package notify

import (
	"context"
	"time"

	"github.com/juank159/agendity-backend-sub000/libs/grpcx"
	notificationsv1 "github.com/juank159/agendity-backend-sub000/protos/gen/notifications/v1"
)

// grpcSMSSender delegates SMS delivery to the external notifications service.
type grpcSMSSender struct {
	client notificationsv1.NotificationsServiceClient
}

func NewGRPCSMSSender(addr string) (SMSSender, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcSMSSender{client: notificationsv1.NewNotificationsServiceClient(conn)}, nil
}

func (s *grpcSMSSender) ProviderID() string {
	return "sms-grpc"
}

func (s *grpcSMSSender) Send(ctx context.Context, to string, body string) error {
	_, err := s.client.SendSMS(ctx, &notificationsv1.SendSMSRequest{
		To:   to,
		Body: body,
	})
	return err
}
