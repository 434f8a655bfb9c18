// Package mailer abstracts dispatch-email delivery for Agent C. SMTP
// transport is an external collaborator (spec.md §1); this package exists
// so the control surface can be wired to a real transport later without
// touching Agent C's composition logic.
package mailer

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Mailer sends a composed dispatch email.
type Mailer interface {
	Send(subject, body string) error
}

// LogMailer is the default Mailer: it logs the composed email at info
// level instead of sending it, matching spec.md §6's dry-run behaviour
// whenever SMTP credentials are absent.
type LogMailer struct {
	log *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(log *zap.Logger) *LogMailer {
	return &LogMailer{log: log}
}

// Send logs the email rather than delivering it.
func (m *LogMailer) Send(subject, body string) error {
	m.log.Info("mailer: dispatch email (dry-run)", zap.String("subject", subject), zap.String("body", body))
	return nil
}

// SMTPMailer is an unimplemented stub for a real SMTP transport. Wiring a
// real transport is out of scope for this module (spec.md §1 names SMTP
// transport as an external collaborator); the stub exists so a future
// transport has a type to land in.
type SMTPMailer struct {
	Host, Port, Username, Password string
}

// Send always fails: SMTP transport is not implemented.
func (m *SMTPMailer) Send(subject, body string) error {
	return fmt.Errorf("mailer: SMTPMailer.Send: %w", errNotImplemented)
}

var errNotImplemented = errors.New("SMTP transport not implemented")
