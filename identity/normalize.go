package identity

import (
	"net/mail"
	"regexp"
	"strings"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// NormalizeEmail lowercases and trims an email address and rejects anything
// that is not a bare addr-spec.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || len(email) > 254 {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// NormalizePhone strips common separators and requires E.164 form.
func NormalizePhone(raw string) (string, error) {
	phone := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if !e164Pattern.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

// EmailMethod builds an email method key value pair.
func EmailMethod(email, secretHash string) Method {
	return Method{Type: MethodEmail, Value: email, SecretHash: secretHash}
}

// PhoneMethod builds a phone method.
func PhoneMethod(phone string) Method {
	return Method{Type: MethodPhone, Value: phone}
}

// FederatedMethod builds a method for a provider subject.
func FederatedMethod(provider, subject string) Method {
	return Method{Type: MethodFederated, Provider: provider, Value: subject}
}
