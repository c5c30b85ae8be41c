// Package notify delivers notifications to channels.
//
// Delivery is two-phase. The service calls Dispatcher.Dispatch after its own
// write has committed; that only enqueues a job. A Pool of workers later
// claims jobs, renders them and hands them to the Sender for the channel's
// path type, retrying failed attempts with exponential backoff.
package notify

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/sakif/channel-lifecycle/internal/model"
)

// Message is a rendered notification.
type Message struct {
	Subject string
	Text    string
}

type messageTemplate struct {
	subject string
	text    *template.Template
}

// Payload keys used by the templates are filled in by the service:
// "code" for every confirmation-style message, plus "name" when known.
var templates = map[model.NotificationKind]messageTemplate{
	model.NotifyConfirmRegistration: {
		subject: "Finish your registration",
		text:    mustParse("confirm_registration", `Welcome{{with .name}}, {{.}}{{end}}! Finish registering with code {{.code}}.`),
	},
	model.NotifyConfirmEmail: {
		subject: "Confirm your email address",
		text:    mustParse("confirm_email", `Confirm this address with code {{.code}}.`),
	},
	model.NotifyConfirmSMS: {
		subject: "Confirm your phone number",
		text:    mustParse("confirm_sms", `Your confirmation code is {{.code}}.`),
	},
	model.NotifyForgotPassword: {
		subject: "Reset your password",
		text:    mustParse("forgot_password", `Use code {{.code}} to reset your password. It expires at {{.expires_at}}.`),
	},
	model.NotifyMerge: {
		subject: "Another account uses this address",
		text:    mustParse("merge_notification", `{{.path}} is also registered to another account. You can merge them from your settings.`),
	},
	model.NotifyOTP: {
		subject: "Your login code",
		text:    mustParse("otp", `Your login code is {{.code}}.`),
	},
}

func mustParse(name, text string) *template.Template {
	return template.Must(template.New(name).Option("missingkey=error").Parse(text))
}

// Render builds the message for n from its kind and payload.
func Render(n model.Notification) (Message, error) {
	tmpl, ok := templates[n.Kind]
	if !ok {
		return Message{}, fmt.Errorf("notify: no template for %q", n.Kind)
	}

	var b strings.Builder
	if err := tmpl.text.Execute(&b, n.Payload); err != nil {
		return Message{}, fmt.Errorf("notify: rendering %s: %w", n.Kind, err)
	}
	return Message{Subject: tmpl.subject, Text: b.String()}, nil
}
