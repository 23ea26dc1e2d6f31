package integrations

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/formrelay/formrelay/internal/apiclient"
	"github.com/formrelay/formrelay/internal/apperr"
)

// WebhookID is the provider id of the signed HTTP callback.
const WebhookID = "webhook"

// Webhook request headers.
const (
	SignatureHeader = "X-FormRelay-Signature"
	TimestampHeader = "X-FormRelay-Timestamp"
	DeliveryHeader  = "X-FormRelay-Delivery"
)

type webhookSettings struct {
	SigningSecret string `json:"signing_secret"`
}

// Webhook posts the submission event as JSON to a per-form endpoint.
type Webhook struct {
	secret string
	client *apiclient.Client
	now    func() time.Time
}

func webhookDescriptor() Descriptor {
	return Descriptor{
		ID:            WebhookID,
		Name:          "Webhook",
		Keys:          []string{"signing_secret"},
		SensitiveKeys: []string{"signing_secret"},
		New: func(settings map[string]string, client *apiclient.Client) (Integration, error) {
			return NewWebhook(settings, client)
		},
	}
}

// NewWebhook builds the integration. Without a signing secret requests are unsigned.
func NewWebhook(settings map[string]string, client *apiclient.Client) (*Webhook, error) {
	var cfg webhookSettings
	if errDecode := decodeSettings(settings, &cfg); errDecode != nil {
		return nil, fmt.Errorf("webhook: %w", errDecode)
	}
	if client == nil {
		client = apiclient.New()
	}
	return &Webhook{secret: cfg.SigningSecret, client: client, now: time.Now}, nil
}

// ID implements Integration.
func (w *Webhook) ID() string { return WebhookID }

// ValidateFormConfig requires an endpoint.
func (w *Webhook) ValidateFormConfig(cfg FormConfig) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("webhook: endpoint is required")
	}
	return nil
}

// Dispatch implements Integration.
func (w *Webhook) Dispatch(ctx context.Context, req Request) Result {
	endpoint := strings.TrimSpace(req.Config.Endpoint)
	if endpoint == "" {
		return failed(apperr.New(apperr.ProviderRejected, "webhook endpoint is not configured"))
	}
	now := w.now()
	body, errMarshal := json.Marshal(newEvent(req, now))
	if errMarshal != nil {
		return failed(apperr.Wrap(apperr.ProviderRejected, "encode webhook event", errMarshal))
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	headers := map[string]string{
		"Content-Type":  "application/json",
		TimestampHeader: ts,
		DeliveryHeader:  fmt.Sprintf("%d-%d", req.FormID, req.SubmissionID),
	}
	if w.secret != "" {
		headers[SignatureHeader] = "sha256=" + Sign(w.secret, ts, body)
	}
	resp := w.client.Post(ctx, endpoint, apiclient.RequestArgs{
		Headers: headers,
		Body:    body,
		Timeout: req.Timeout,
	})
	return fromResponse(resp, "webhook delivered")
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
