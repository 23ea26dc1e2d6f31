package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridDefaultHost = "https://api.sendgrid.com"

// SendGridMailer sends through the SendGrid v3 mail API.
type SendGridMailer struct {
	apiKey string
	host   string
}

// NewSendGridMailer builds a mailer. host may be empty for the public API.
func NewSendGridMailer(apiKey, host string) *SendGridMailer {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = sendGridDefaultHost
	}
	return &SendGridMailer{apiKey: apiKey, host: host}
}

// Send implements Mailer.
func (s *SendGridMailer) Send(ctx context.Context, msg Message) error {
	if s == nil || s.apiKey == "" {
		return errors.New("notify: sendgrid api key not configured")
	}
	if len(msg.To) == 0 {
		return errors.New("notify: no recipients")
	}
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(msg.FromName, msg.FromEmail))
	message.Subject = msg.Subject

	p := mail.NewPersonalization()
	for _, to := range msg.To {
		p.AddTos(mail.NewEmail("", to))
	}
	message.AddPersonalizations(p)
	message.AddContent(mail.NewContent("text/plain", msg.Text))

	request := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	request.Method = http.MethodPost
	request.Body = mail.GetRequestBody(message)
	resp, errSend := sendgrid.MakeRequestWithContext(ctx, request)
	if errSend != nil {
		return fmt.Errorf("notify: sendgrid: %w", errSend)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: sendgrid status %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body))
	}
	return nil
}
