// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

// Package notify delivers password reset tokens to account owners. The
// production notifier publishes to RabbitMQ for the mailer service to pick
// up; the log notifier stands in during local development.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/polystore/polystore/internal/auth"
)

// resetQueue is the queue the mailer service consumes reset emails from.
const resetQueue = "polystore.password-reset"

// resetMessage is the wire format consumed by the mailer service.
type resetMessage struct {
	Email     string `json:"email"`
	ResetURL  string `json:"reset_url"`
	ExpiresAt string `json:"expires_at"`
}

// BuildResetURL constructs the link embedded in the reset email. The token
// travels as a query parameter to the reset form.
func BuildResetURL(baseURL, token string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		// baseURL was validated at config load; fall back to raw concatenation.
		return baseURL + "/auth/reset-password?token=" + url.QueryEscape(token)
	}
	u.Path = "/auth/reset-password"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String()
}

// AMQPNotifier publishes reset emails to RabbitMQ. Publishes are retried
// with exponential backoff; a broker outage longer than the retry budget
// surfaces as an error to the caller.
type AMQPNotifier struct {
	channel  *amqp.Channel
	conn     *amqp.Connection
	exchange string
	baseURL  string
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewAMQPNotifier connects to the broker and declares the reset queue.
// An empty exchange publishes straight to the queue via the default
// exchange; a named exchange is declared durable and the queue bound to it.
// tokenTTL stamps the expiry shown in the reset email and must match the
// issuing service's window. The caller must Close the notifier on shutdown.
func NewAMQPNotifier(amqpURL, exchange, baseURL string, tokenTTL time.Duration, logger *slog.Logger) (*AMQPNotifier, error) {
	if amqpURL == "" {
		return nil, oops.Code("NOTIFY_INVALID_CONFIG").Errorf("amqp url is required")
	}
	if baseURL == "" {
		return nil, oops.Code("NOTIFY_INVALID_CONFIG").Errorf("base url is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = auth.ResetTokenExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, oops.Code("NOTIFY_CONNECT_FAILED").
			With("operation", "dial broker").
			Wrap(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close() //nolint:errcheck // connection cleanup, channel error takes precedence
		return nil, oops.Code("NOTIFY_CONNECT_FAILED").
			With("operation", "open channel").
			Wrap(err)
	}

	// Durable queue: reset emails survive a broker restart.
	if _, err := ch.QueueDeclare(resetQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()   //nolint:errcheck // cleanup
		_ = conn.Close() //nolint:errcheck // cleanup
		return nil, oops.Code("NOTIFY_CONNECT_FAILED").
			With("operation", "declare queue").
			With("queue", resetQueue).
			Wrap(err)
	}

	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			_ = ch.Close()   //nolint:errcheck // cleanup
			_ = conn.Close() //nolint:errcheck // cleanup
			return nil, oops.Code("NOTIFY_CONNECT_FAILED").
				With("operation", "declare exchange").
				With("exchange", exchange).
				Wrap(err)
		}
		if err := ch.QueueBind(resetQueue, resetQueue, exchange, false, nil); err != nil {
			_ = ch.Close()   //nolint:errcheck // cleanup
			_ = conn.Close() //nolint:errcheck // cleanup
			return nil, oops.Code("NOTIFY_CONNECT_FAILED").
				With("operation", "bind queue").
				With("exchange", exchange).
				Wrap(err)
		}
	}

	return &AMQPNotifier{
		channel:  ch,
		conn:     conn,
		exchange: exchange,
		baseURL:  baseURL,
		tokenTTL: tokenTTL,
		logger:   logger,
	}, nil
}

// SendResetToken publishes a reset email message for the mailer service.
func (n *AMQPNotifier) SendResetToken(ctx context.Context, email, token string) error {
	msg := resetMessage{
		Email:     email,
		ResetURL:  BuildResetURL(n.baseURL, token),
		ExpiresAt: time.Now().Add(n.tokenTTL).UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return oops.Code("NOTIFY_SEND_FAILED").
			With("operation", "marshal reset message").
			Wrap(err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		publishErr := n.channel.PublishWithContext(ctx, n.exchange, resetQueue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
		if publishErr != nil {
			return retry.RetryableError(publishErr)
		}
		return nil
	})
	if err != nil {
		return oops.Code("NOTIFY_SEND_FAILED").
			With("operation", "publish reset message").
			With("queue", resetQueue).
			Wrap(err)
	}

	n.logger.InfoContext(ctx, "reset email queued", "queue", resetQueue)
	return nil
}

// Close closes the channel and connection.
func (n *AMQPNotifier) Close() error {
	if n.channel != nil {
		_ = n.channel.Close() //nolint:errcheck // channel close error is subsumed by connection close
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil {
			return oops.Code("NOTIFY_CLOSE_FAILED").Wrap(err)
		}
	}
	return nil
}

// LogNotifier writes reset links to the log instead of delivering them.
// Development use only: the plaintext token ends up in the log stream.
type LogNotifier struct {
	baseURL string
	logger  *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(baseURL string, logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{baseURL: baseURL, logger: logger}
}

// SendResetToken logs the reset link.
func (n *LogNotifier) SendResetToken(ctx context.Context, email, token string) error {
	n.logger.InfoContext(ctx, "password reset link (development notifier)",
		"email", email,
		"url", BuildResetURL(n.baseURL, token),
	)
	return nil
}

// Compile-time interface checks.
var (
	_ auth.ResetNotifier = (*AMQPNotifier)(nil)
	_ auth.ResetNotifier = (*LogNotifier)(nil)
)
