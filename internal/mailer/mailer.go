// internal/mailer/mailer.go
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/versiondigest/internal/config"
)

const (
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
	ProviderLog      = "log"
)

// Message is one outgoing email. Headers are added verbatim.
type Message struct {
	To         string
	ToName     string
	Subject    string
	HTML       string
	Text       string
	Headers    map[string]string
	Categories []string
}

// Transport delivers a message and returns the provider's message id.
type Transport interface {
	Send(ctx context.Context, msg *Message) (string, error)
	Name() string
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

func (m *Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return Permanent(errors.New("recipient required"))
	}
	if strings.TrimSpace(m.Subject) == "" {
		return Permanent(errors.New("subject required"))
	}
	if m.HTML == "" && m.Text == "" {
		return Permanent(errors.New("message body required"))
	}
	return nil
}

// New builds the transport named by cfg.Provider.
func New(cfg config.EmailConfig, logger logrus.FieldLogger) (Transport, error) {
	switch cfg.Provider {
	case ProviderSMTP:
		return NewSMTPTransport(cfg), nil
	case ProviderSendGrid:
		return NewSendGridTransport(cfg, "")
	case ProviderLog, "":
		return NewLogTransport(logger), nil
	default:
		return nil, fmt.Errorf("unsupported email provider %q", cfg.Provider)
	}
}
