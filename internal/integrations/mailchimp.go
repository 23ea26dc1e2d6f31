package integrations

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/formrelay/formrelay/internal/apiclient"
	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/formrelay/formrelay/internal/mapping"
)

// MailchimpID is the provider id of the audience integration.
const MailchimpID = "mailchimp"

const mailchimpEmailField = "email_address"

type mailchimpSettings struct {
	APIKey  string `json:"api_key" validate:"required"`
	BaseURL string `json:"base_url" validate:"omitempty,url"`
}

// Mailchimp upserts audience members.
type Mailchimp struct {
	apiKey  string
	baseURL string
	client  *apiclient.Client
}

func mailchimpDescriptor() Descriptor {
	return Descriptor{
		ID:            MailchimpID,
		Name:          "Mailchimp",
		Keys:          []string{"api_key", "base_url"},
		SensitiveKeys: []string{"api_key"},
		New: func(settings map[string]string, client *apiclient.Client) (Integration, error) {
			return NewMailchimp(settings, client)
		},
	}
}

// NewMailchimp builds the integration. The data center is taken from the
// API key suffix unless base_url is set.
func NewMailchimp(settings map[string]string, client *apiclient.Client) (*Mailchimp, error) {
	var cfg mailchimpSettings
	if errDecode := decodeSettings(settings, &cfg); errDecode != nil {
		return nil, fmt.Errorf("mailchimp: %w", errDecode)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		_, dc, ok := strings.Cut(cfg.APIKey, "-")
		if !ok || dc == "" {
			return nil, errors.New("mailchimp: api key has no data center suffix")
		}
		base = "https://" + dc + ".api.mailchimp.com"
	}
	if client == nil {
		client = apiclient.New()
	}
	return &Mailchimp{apiKey: cfg.APIKey, baseURL: base + "/3.0", client: client}, nil
}

// ID implements Integration.
func (m *Mailchimp) ID() string { return MailchimpID }

// ValidateFormConfig requires an audience.
func (m *Mailchimp) ValidateFormConfig(cfg FormConfig) error {
	if strings.TrimSpace(cfg.ListID) == "" {
		return errors.New("mailchimp: list_id is required")
	}
	return nil
}

// Dispatch implements Integration.
func (m *Mailchimp) Dispatch(ctx context.Context, req Request) Result {
	listID := strings.TrimSpace(req.Config.ListID)
	if listID == "" {
		return failed(apperr.New(apperr.ProviderRejected, "mailchimp audience is not configured"))
	}
	email := strings.TrimSpace(req.Fields[mailchimpEmailField])
	if email == "" {
		email = strings.TrimSpace(req.Fields["EMAIL"])
	}
	if email == "" {
		return failed(apperr.New(apperr.ProviderRejected, "email address is required"))
	}

	merge := make(map[string]string, len(req.Fields))
	for key, value := range req.Fields {
		if key == mailchimpEmailField || key == "EMAIL" {
			continue
		}
		merge[key] = value
	}
	status := "subscribed"
	if req.Config.DoubleOptIn {
		status = "pending"
	}
	body := map[string]any{
		"email_address": email,
		"status_if_new": status,
	}
	if len(merge) > 0 {
		body["merge_fields"] = merge
	}

	memberURL := m.baseURL + "/lists/" + url.PathEscape(listID) + "/members/" + subscriberHash(email)
	resp := m.client.Request(ctx, http.MethodPut, memberURL, apiclient.RequestArgs{
		JSON:      body,
		Timeout:   req.Timeout,
		BasicUser: "formrelay",
		BasicPass: m.apiKey,
	})
	result := fromResponse(resp, "member subscribed")
	if !result.Success {
		return result
	}
	if len(req.Config.Tags) > 0 {
		tags := make([]map[string]string, 0, len(req.Config.Tags))
		for _, tag := range req.Config.Tags {
			tags = append(tags, map[string]string{"name": tag, "status": "active"})
		}
		tagResp := m.client.Post(ctx, memberURL+"/tags", apiclient.RequestArgs{
			JSON:      map[string]any{"tags": tags},
			Timeout:   req.Timeout,
			BasicUser: "formrelay",
			BasicPass: m.apiKey,
		})
		if !tagResp.Success {
			result.Data = map[string]any{"tags_error": tagResp.Error}
		}
	}
	return result
}

// Properties lists the audience merge fields plus the email address.
func (m *Mailchimp) Properties(ctx context.Context, cfg FormConfig) ([]mapping.Property, error) {
	listID := strings.TrimSpace(cfg.ListID)
	if listID == "" {
		return nil, errors.New("mailchimp: list_id is required")
	}
	resp := m.client.Get(ctx, m.baseURL+"/lists/"+url.PathEscape(listID)+"/merge-fields", apiclient.RequestArgs{
		Query:     url.Values{"count": []string{"100"}},
		BasicUser: "formrelay",
		BasicPass: m.apiKey,
	})
	if !resp.Success {
		return nil, resp.AsError()
	}
	props := []mapping.Property{{Key: mailchimpEmailField, Label: "Email Address", Type: "email"}}
	body, _ := resp.Data.(map[string]any)
	fields, _ := body["merge_fields"].([]any)
	for _, item := range fields {
		field, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tag, _ := field["tag"].(string)
		if tag == "" {
			continue
		}
		name, _ := field["name"].(string)
		typ, _ := field["type"].(string)
		props = append(props, mapping.Property{Key: tag, Label: name, Type: typ})
	}
	return props, nil
}

// subscriberHash is the member id Mailchimp derives from an address.
func subscriberHash(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}
