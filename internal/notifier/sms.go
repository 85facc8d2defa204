package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"otp-login-service/internal/client"
	"otp-login-service/internal/config"
)

// SMSSender hands codes to the SMS delivery pipeline over Kafka. A
// downstream consumer talks to the actual SMS gateway.
type SMSSender struct {
	producer *client.KafkaProducer
	topic    string
	expiry   time.Duration
}

type smsMessage struct {
	Mobile    string    `json:"mobile"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func NewSMSSender(cfg *config.Config, producer *client.KafkaProducer) *SMSSender {
	return &SMSSender{
		producer: producer,
		topic:    cfg.Kafka.SMSTopic,
		expiry:   cfg.OTP.Expiry,
	}
}

func (s *SMSSender) Send(ctx context.Context, mobile, code string) error {
	if s.producer == nil {
		return errors.New("sms pipeline unavailable")
	}

	msg := smsMessage{
		Mobile:    mobile,
		Body:      fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(s.expiry.Minutes())),
		CreatedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal sms message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(mobile), payload, nil); err != nil {
		return fmt.Errorf("failed to publish sms: %w", err)
	}
	return nil
}
