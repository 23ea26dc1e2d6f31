// Package notify emails form owners about new submissions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/formrelay/formrelay/internal/audit"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/formrelay/formrelay/internal/uploads"
	log "github.com/sirupsen/logrus"
)

// ProviderID is the audit provider id of notification emails.
const ProviderID = "email"

// Message is one outgoing email.
type Message struct {
	FromName  string
	FromEmail string
	To        []string
	Subject   string
	Text      string
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier sends the per-form submission notification.
type Notifier struct {
	mailer    Mailer
	audit     *audit.Logger
	fromName  string
	fromEmail string
}

// NewNotifier builds a notifier. A nil mailer disables notifications.
func NewNotifier(mailer Mailer, logger *audit.Logger, fromName, fromEmail string) *Notifier {
	return &Notifier{mailer: mailer, audit: logger, fromName: fromName, fromEmail: fromEmail}
}

// Notify emails the form's recipients when its notification is enabled and
// records the outcome in the audit log.
func (n *Notifier) Notify(ctx context.Context, form *models.Form, submissionID uint64, values map[string]string, files []uploads.StoredFile) error {
	if n == nil || n.mailer == nil || form == nil {
		return nil
	}
	cfg := form.Settings.Data().Notification
	if !cfg.Enabled || len(cfg.To) == 0 {
		return nil
	}
	msg := BuildMessage(form, submissionID, values, files)
	msg.FromName = n.fromName
	msg.FromEmail = n.fromEmail
	if cfg.From != "" {
		msg.FromEmail = cfg.From
	}
	msg.To = cfg.To
	if msg.FromEmail == "" {
		return errors.New("notify: no sender address configured")
	}

	errSend := n.mailer.Send(ctx, msg)
	entry := audit.Entry{
		FormID:       form.ID,
		SubmissionID: submissionID,
		Provider:     ProviderID,
		Status:       models.LogStatusSuccess,
		Message:      "notification sent",
		Data:         map[string]any{"recipients": len(msg.To)},
	}
	if errSend != nil {
		entry.Status = models.LogStatusError
		entry.Message = errSend.Error()
		log.WithError(errSend).WithField("form_id", form.ID).Warn("notify: send failed")
	}
	if n.audit != nil {
		_ = n.audit.Record(ctx, entry)
	}
	return errSend
}

// BuildMessage renders the subject and plain-text body. Fields appear in form
// order; values without a field definition follow alphabetically.
func BuildMessage(form *models.Form, submissionID uint64, values map[string]string, files []uploads.StoredFile) Message {
	subject := strings.TrimSpace(form.Settings.Data().Notification.Subject)
	if subject == "" {
		subject = "New submission: " + form.Title
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A new submission (#%d) was received for %q.\n\n", submissionID, form.Title)
	seen := make(map[string]struct{}, len(values))
	for _, field := range form.Fields {
		if field.ID == "" || !field.IsInput() || field.Type == models.FieldCaptcha || field.Type == models.FieldFile {
			continue
		}
		seen[field.ID] = struct{}{}
		value, ok := values[field.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", field.DisplayLabel(), value)
	}
	var extra []string
	for key := range values {
		if _, ok := seen[key]; !ok {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		fmt.Fprintf(&b, "%s: %s\n", key, values[key])
	}
	if len(files) > 0 {
		b.WriteString("\nFiles:\n")
		for _, f := range files {
			location := f.URL
			if location == "" {
				location = f.Name
			}
			fmt.Fprintf(&b, "- %s (%d bytes): %s\n", f.OriginalName, f.Size, location)
		}
	}
	return Message{Subject: subject, Text: b.String()}
}
