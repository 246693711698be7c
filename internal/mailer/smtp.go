// internal/mailer/smtp.go
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/versiondigest/internal/config"
)

type SMTPTransport struct {
	host     string
	port     string
	username string
	password string
	fromName string
	fromMail string
	now      func() time.Time
}

func NewSMTPTransport(cfg config.EmailConfig) *SMTPTransport {
	return &SMTPTransport{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		fromName: cfg.FromName,
		fromMail: cfg.FromEmail,
		now:      time.Now,
	}
}

func (t *SMTPTransport) Name() string { return ProviderSMTP }

func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(t.fromMail))
	body, err := t.compose(msg, messageID)
	if err != nil {
		return "", Permanent(err)
	}

	addr := net.JoinHostPort(t.host, t.port)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: t.host}); err != nil {
			return "", fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if t.username != "" {
		if err := client.Auth(smtp.PlainAuth("", t.username, t.password, t.host)); err != nil {
			return "", classifySMTP(fmt.Errorf("smtp auth: %w", err))
		}
	}
	if err := client.Mail(t.fromMail); err != nil {
		return "", classifySMTP(fmt.Errorf("smtp MAIL FROM: %w", err))
	}
	if err := client.Rcpt(msg.To); err != nil {
		return "", classifySMTP(fmt.Errorf("smtp RCPT TO: %w", err))
	}

	w, err := client.Data()
	if err != nil {
		return "", classifySMTP(fmt.Errorf("smtp DATA: %w", err))
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return "", fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", classifySMTP(fmt.Errorf("smtp end of data: %w", err))
	}
	_ = client.Quit()

	return strings.Trim(messageID, "<>"), nil
}

// compose renders a multipart/alternative message with plain text first.
func (t *SMTPTransport) compose(msg *Message, messageID string) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	from := mail.Address{Name: t.fromName, Address: t.fromMail}
	to := mail.Address{Name: msg.ToName, Address: msg.To}

	headers := map[string]string{
		"From":         from.String(),
		"To":           to.String(),
		"Subject":      mime.QEncoding.Encode("utf-8", msg.Subject),
		"Date":         t.now().UTC().Format(time.RFC1123Z),
		"Message-ID":   messageID,
		"MIME-Version": "1.0",
		"Content-Type": fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()),
	}
	for k, v := range msg.Headers {
		headers[textproto.CanonicalMIMEHeaderKey(k)] = v
	}

	var head bytes.Buffer
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&head, "%s: %s\r\n", k, headers[k])
	}
	head.WriteString("\r\n")

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=\"UTF-8\"", msg.Text},
		{"text/html; charset=\"UTF-8\"", msg.HTML},
	}
	for _, part := range parts {
		if part.body == "" {
			continue
		}
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(part.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return append(head.Bytes(), buf.Bytes()...), nil
}

// classifySMTP marks 5xx replies as permanent. 4xx replies are transient.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(err)
	}
	return err
}

func domainOf(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		return address[at+1:]
	}
	return "localhost"
}
