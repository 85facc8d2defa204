// Package identity classifies and validates login identifiers.
package identity

import (
	"regexp"
	"strings"
)

// Kind is the classification of a submitted identifier.
type Kind int

const (
	KindInvalid Kind = iota
	KindMobile
	KindEmail
)

func (k Kind) String() string {
	switch k {
	case KindMobile:
		return "mobile"
	case KindEmail:
		return "email"
	default:
		return "invalid"
	}
}

var (
	mobileRe = regexp.MustCompile(`^\+?1?\d{9,15}$`)
	emailRe  = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	digitRe  = regexp.MustCompile(`\d`)
)

// Classify decides whether the raw input is a mobile number or an email
// address. Anything containing '@' is judged as an email; everything
// else as a mobile number. Surrounding whitespace is ignored.
func Classify(raw string) (string, Kind) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", KindInvalid
	}
	if strings.Contains(s, "@") {
		if ValidEmail(s) {
			return strings.ToLower(s), KindEmail
		}
		return "", KindInvalid
	}
	if ValidMobile(s) {
		return s, KindMobile
	}
	return "", KindInvalid
}

// ValidMobile reports whether s is an acceptable mobile number:
// an optional leading + and country digit followed by 9-15 digits.
func ValidMobile(s string) bool {
	return mobileRe.MatchString(s)
}

// ValidEmail reports whether s looks like a deliverable email address.
func ValidEmail(s string) bool {
	return emailRe.MatchString(s)
}

// Username derives a unique-enough username from an identifier:
// user_<digits> for mobiles, user_<local-part> for emails.
func Username(identifier string, kind Kind) string {
	switch kind {
	case KindMobile:
		digits := strings.Join(digitRe.FindAllString(identifier, -1), "")
		return "user_" + digits
	case KindEmail:
		local := identifier
		if i := strings.Index(identifier, "@"); i >= 0 {
			local = identifier[:i]
		}
		return "user_" + strings.ToLower(local)
	default:
		return ""
	}
}

// MaskIdentifier redacts an identifier for logs and audit rows, keeping
// just enough to correlate: last 4 digits of a mobile, first character
// and domain of an email.
func MaskIdentifier(identifier string) string {
	if identifier == "" {
		return ""
	}
	if i := strings.Index(identifier, "@"); i > 0 {
		return identifier[:1] + "***" + identifier[i:]
	}
	if len(identifier) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(identifier)-4) + identifier[len(identifier)-4:]
}
