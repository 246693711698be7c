// internal/scheduler/listener.go
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// ListenPostgres subscribes to channel and forwards notification payloads
// until ctx is done. The returned channel is closed on exit.
func ListenPostgres(ctx context.Context, dsn, channel string, logger logrus.FieldLogger) (<-chan string, error) {
	log := logger.WithFields(logrus.Fields{"component": "queue_listener", "channel": channel})

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).WithField("event", ev).Warn("Listener connection event")
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer listener.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				// nil after a reconnect; notifications may have been missed
				payload := ""
				if n != nil {
					payload = n.Extra
				}
				select {
				case out <- payload:
				default:
				}
			case <-time.After(90 * time.Second):
				if err := listener.Ping(); err != nil {
					log.WithError(err).Warn("Listener ping failed")
				}
			}
		}
	}()

	log.Info("Listening for queue notifications")
	return out, nil
}
