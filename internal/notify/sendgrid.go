package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/sakif/channel-lifecycle/internal/model"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
	sendgridTimeout  = 15 * time.Second
)

// SendGridSender delivers e-mail through the SendGrid v3 API.
type SendGridSender struct {
	key    string
	from   *sgmail.Email
	client *rest.Client
	// call performs the HTTP request; swapped out in tests.
	call func(ctx context.Context, req rest.Request) (*rest.Response, error)
}

// NewSendGridSender builds a sender whose requests are capped at sendgridTimeout.
// The pinned rest client has no context variant, so the deadline lives on the
// http.Client and ctx is only checked before the request goes out.
func NewSendGridSender(key, fromName, fromAddress string) *SendGridSender {
	s := &SendGridSender{
		key:    key,
		from:   sgmail.NewEmail(fromName, fromAddress),
		client: &rest.Client{HTTPClient: &http.Client{Timeout: sendgridTimeout}},
	}
	s.call = func(ctx context.Context, req rest.Request) (*rest.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return s.client.Send(req)
	}
	return s
}

func (s *SendGridSender) prepare(n model.Notification, msg Message) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = msg.Subject
	p.AddTos(sgmail.NewEmail("", n.Address))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", msg.Text))
	return m
}

// Send posts one message. 4xx answers other than 429 are permanent failures.
func (s *SendGridSender) Send(ctx context.Context, n model.Notification, msg Message) error {
	req := sendgrid.GetRequest(s.key, sendgridEndpoint, sendgridHost)
	req.Method = rest.Post
	req.Body = sgmail.GetRequestBody(s.prepare(n, msg))

	res, err := s.call(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid: sending %s: %w", n.Kind, err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("sendgrid: sending %s: status %d: %s", n.Kind, res.StatusCode, res.Body)
		if res.StatusCode < http.StatusInternalServerError && res.StatusCode != http.StatusTooManyRequests {
			return Permanent(err)
		}
		return err
	}
	return nil
}
