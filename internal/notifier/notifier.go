// Package notifier delivers verification codes over email and SMS.
package notifier

import (
	"context"

	"otp-login-service/internal/identity"
	"otp-login-service/internal/model"
	"otp-login-service/internal/util"
)

// Notifier routes a code to the right transport for the identifier:
// SMTP for email addresses, the SMS pipeline for mobile numbers.
type Notifier struct {
	email *EmailSender
	sms   *SMSSender
}

func New(email *EmailSender, sms *SMSSender) *Notifier {
	return &Notifier{
		email: email,
		sms:   sms,
	}
}

// Send delivers the code and reports success. Delivery failures are
// logged here; the caller decides what to roll back.
func (n *Notifier) Send(ctx context.Context, identifier, code string) bool {
	_, kind := identity.Classify(identifier)

	var err error
	switch kind {
	case identity.KindEmail:
		err = n.email.Send(ctx, identifier, code)
	case identity.KindMobile:
		err = n.sms.Send(ctx, identifier, code)
	default:
		util.Warn("Refusing to send code to unclassifiable identifier",
			util.String("identifier", identity.MaskIdentifier(identifier)))
		return false
	}

	if err != nil {
		util.Error("Code delivery failed",
			util.String("identifier", identity.MaskIdentifier(identifier)),
			util.String("kind", kind.String()),
			util.ErrorField(err))
		return false
	}
	return true
}

var _ model.Notifier = (*Notifier)(nil)
