package notifier

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"

	"otp-login-service/internal/config"
)

// EmailSender delivers verification codes over SMTP.
type EmailSender struct {
	config *config.SMTPConfig
	expiry time.Duration
}

func NewEmailSender(cfg *config.Config) *EmailSender {
	return &EmailSender{
		config: &cfg.SMTP,
		expiry: cfg.OTP.Expiry,
	}
}

func (s *EmailSender) Send(ctx context.Context, email, code string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.config.From)
	m.SetHeader("To", email)
	m.SetHeader("Subject", "Your verification code")
	m.SetBody("text/plain", fmt.Sprintf(
		"Your verification code is %s.\n\nIt expires in %d minutes. If you did not request it, ignore this message.\n",
		code, int(s.expiry.Minutes())))

	d := gomail.NewDialer(s.config.Host, s.config.Port, s.config.Username, s.config.Password)

	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
