// Package mailer defines the opaque SMTP-delivery capability used by the
// worker pool, plus the error taxonomy that decides whether a failed send
// is retried.
package mailer

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"

	"github.com/wneessen/go-mail"

	"github.com/reachinbox/courier/internal/domain"
)

// Message is one fully composed email ready for delivery.
type Message struct {
	From        string
	FromName    string
	To          string
	Subject     string
	HTMLBody    string
	Attachments []domain.Attachment
}

// Mailer delivers a single message and returns the provider message ID.
// Implementations must honor the context deadline.
type Mailer interface {
	Send(ctx context.Context, msg *Message) (messageID string, err error)
}

// Class partitions send errors into retry policies.
type Class int

const (
	// ClassTransient covers SMTP 4xx, timeouts and network errors.
	// The job re-enters the queue with backoff.
	ClassTransient Class = iota

	// ClassPermanent covers SMTP 5xx hard failures. The job fails
	// immediately without consuming further attempts.
	ClassPermanent
)

var smtpCodeRe = regexp.MustCompile(`\b([45]\d\d)\b`)

// Classify maps a send error onto the retry taxonomy. Unrecognized errors
// are treated as transient: the retry budget bounds the damage, whereas
// misclassifying a greylisting 4xx as permanent would drop mail.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && sendErr.IsTemp() {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	// Fall back to the SMTP reply code embedded in the error text.
	if m := smtpCodeRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code >= 500 {
			return ClassPermanent
		}
		return ClassTransient
	}

	return ClassTransient
}
