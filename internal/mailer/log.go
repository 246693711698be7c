// internal/mailer/log.go
package mailer

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogTransport writes messages to the log instead of sending them.
type LogTransport struct {
	logger logrus.FieldLogger
}

func NewLogTransport(logger logrus.FieldLogger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return ProviderLog }

func (t *LogTransport) Send(ctx context.Context, msg *Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := "log-" + uuid.NewString()
	t.logger.WithFields(logrus.Fields{
		"to":         msg.To,
		"subject":    msg.Subject,
		"message_id": id,
		"html_bytes": len(msg.HTML),
		"text_bytes": len(msg.Text),
	}).Info("Email would be sent")
	return id, nil
}
