package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/channel-lifecycle/internal/model"
)

// Sender hands one rendered message to a provider.
type Sender interface {
	Send(ctx context.Context, n model.Notification, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n model.Notification, msg Message) error

func (f SenderFunc) Send(ctx context.Context, n model.Notification, msg Message) error {
	return f(ctx, n, msg)
}

// permanentError marks a send failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker pool fails the job instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Router picks a Sender by the notification's effective path type.
type Router struct {
	senders  map[model.PathType]Sender
	fallback Sender
}

// NewRouter returns a Router that uses fallback for unrouted path types.
// A nil fallback makes unrouted notifications fail permanently.
func NewRouter(fallback Sender) *Router {
	return &Router{senders: make(map[model.PathType]Sender), fallback: fallback}
}

// Handle routes pathType (and its aliases) to s.
func (r *Router) Handle(pathType model.PathType, s Sender) *Router {
	for _, t := range pathType.Aliases() {
		r.senders[t] = s
	}
	return r
}

func (r *Router) Send(ctx context.Context, n model.Notification, msg Message) error {
	s, ok := r.senders[n.PathType.Effective()]
	if !ok {
		s = r.fallback
	}
	if s == nil {
		return Permanent(fmt.Errorf("notify: no sender for path type %q", n.PathType))
	}
	return s.Send(ctx, n, msg)
}

// LogSender writes messages to the log instead of delivering them.
// It backs path types without a configured provider.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n model.Notification, msg Message) error {
	s.logger.Info("notification",
		slog.String("kind", string(n.Kind)),
		slog.String("channel_id", n.ChannelGlobalID),
		slog.String("path_type", string(n.PathType)),
		slog.String("subject", msg.Subject),
	)
	return nil
}
