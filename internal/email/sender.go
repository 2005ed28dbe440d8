// Package email delivers the registry's transactional mail.
package email

import (
	"context"
	"errors"
	"strings"
)

// EmailSender delivers transactional email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ErrHeaderInjection is returned when a recipient or subject contains a line
// break.
var ErrHeaderInjection = errors.New("email header contains line break")

func checkHeaders(values ...string) error {
	for _, v := range values {
		if strings.ContainsAny(v, "\r\n") {
			return ErrHeaderInjection
		}
	}
	return nil
}
