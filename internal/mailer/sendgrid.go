// internal/mailer/sendgrid.go
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/javajoker/versiondigest/internal/config"
)

type SendGridTransport struct {
	client   *sendgrid.Client
	fromName string
	fromMail string
}

// NewSendGridTransport talks to host, or the public API when host is empty.
func NewSendGridTransport(cfg config.EmailConfig, host string) (*SendGridTransport, error) {
	if strings.TrimSpace(cfg.SendGridAPIKey) == "" {
		return nil, errors.New("missing SENDGRID_API_KEY")
	}

	request := sendgrid.GetRequest(cfg.SendGridAPIKey, "/v3/mail/send", host)
	request.Method = "POST"

	return &SendGridTransport{
		client:   &sendgrid.Client{Request: request},
		fromName: cfg.FromName,
		fromMail: cfg.FromEmail,
	}, nil
}

func (t *SendGridTransport) Name() string { return ProviderSendGrid }

func (t *SendGridTransport) Send(ctx context.Context, msg *Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}

	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(t.fromName, t.fromMail))
	message.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(msg.ToName, msg.To))
	message.AddPersonalizations(p)

	if msg.Text != "" {
		message.AddContent(mail.NewContent("text/plain", msg.Text))
	}
	if msg.HTML != "" {
		message.AddContent(mail.NewContent("text/html", msg.HTML))
	}
	for k, v := range msg.Headers {
		message.SetHeader(k, v)
	}
	if len(msg.Categories) > 0 {
		message.AddCategories(msg.Categories...)
	}

	resp, err := t.client.SendWithContext(ctx, message)
	if err != nil {
		return "", fmt.Errorf("sendgrid send error: %w", err)
	}

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("sendgrid API error: %d %s", resp.StatusCode, strings.TrimSpace(resp.Body))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return "", Permanent(err)
		}
		return "", err
	}

	return headerValue(resp.Headers, "X-Message-Id"), nil
}

func headerValue(headers map[string][]string, name string) string {
	if v := http.Header(headers).Get(name); v != "" {
		return strings.TrimSpace(v)
	}
	for k, vals := range headers {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
	}
	return ""
}
