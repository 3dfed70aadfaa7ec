// Package commsutil provides COMMS (NATS) connection helpers, subjects, and payload codecs.
package commsutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// ConnectParams configures Connect. Zero Retries means a single dial attempt.
type ConnectParams struct {
	URL       string
	Name      string
	Retries   uint64
	RetryWait time.Duration
}

// Connect dials COMMS, retrying the first dial up to params.Retries times. Once connected,
// the client reconnects on its own for about two minutes so SDK sessions survive a broker restart.
func Connect(ctx context.Context, params ConnectParams) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, params.URL, params.Name))

	wait := params.RetryWait
	if wait <= 0 {
		wait = time.Second
	}

	var nc *comms.Conn
	dial := func() error {
		c, err := comms.Connect(params.URL, clientOptions(params.Name)...)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - dial %s failed: %v", logPrefix, params.URL, err))
			return err
		}
		nc = c
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), params.Retries), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}

func clientOptions(name string) []comms.Option {
	return []comms.Option{
		comms.Name(name),
		comms.Timeout(10 * time.Second),
		comms.ReconnectWait(2 * time.Second),
		comms.MaxReconnects(60),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
			}
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ErrorHandler(func(_ *comms.Conn, sub *comms.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error(fmt.Sprintf("%s - COMMS async error on %q: %v", logPrefix, subject, err))
		}),
		comms.ClosedHandler(func(*comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
		}),
	}
}
