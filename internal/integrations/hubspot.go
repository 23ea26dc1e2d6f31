package integrations

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/formrelay/formrelay/internal/apiclient"
	"github.com/formrelay/formrelay/internal/mapping"
	"github.com/nyaruka/phonenumbers"
)

// HubSpotID is the provider id of the CRM integration.
const HubSpotID = "hubspot"

const (
	hubspotDefaultBaseURL = "https://api.hubapi.com"
	hubspotDefaultObject  = "contacts"
)

type hubspotSettings struct {
	AccessToken   string `json:"access_token" validate:"required"`
	BaseURL       string `json:"base_url" validate:"omitempty,url"`
	DefaultRegion string `json:"default_region" validate:"omitempty,len=2"`
}

// HubSpot creates CRM objects and updates contacts that already exist.
type HubSpot struct {
	token   string
	baseURL string
	region  string
	client  *apiclient.Client
}

func hubspotDescriptor() Descriptor {
	return Descriptor{
		ID:            HubSpotID,
		Name:          "HubSpot",
		Keys:          []string{"access_token", "base_url", "default_region"},
		SensitiveKeys: []string{"access_token"},
		New: func(settings map[string]string, client *apiclient.Client) (Integration, error) {
			return NewHubSpot(settings, client)
		},
	}
}

// NewHubSpot builds the integration.
func NewHubSpot(settings map[string]string, client *apiclient.Client) (*HubSpot, error) {
	var cfg hubspotSettings
	if errDecode := decodeSettings(settings, &cfg); errDecode != nil {
		return nil, fmt.Errorf("hubspot: %w", errDecode)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = hubspotDefaultBaseURL
	}
	if client == nil {
		client = apiclient.New()
	}
	return &HubSpot{
		token:   cfg.AccessToken,
		baseURL: base,
		region:  strings.ToUpper(cfg.DefaultRegion),
		client:  client,
	}, nil
}

// ID implements Integration.
func (h *HubSpot) ID() string { return HubSpotID }

func objectType(cfg FormConfig) string {
	if t := strings.TrimSpace(cfg.ObjectType); t != "" {
		return t
	}
	return hubspotDefaultObject
}

// Dispatch implements Integration.
func (h *HubSpot) Dispatch(ctx context.Context, req Request) Result {
	object := objectType(req.Config)
	props := make(map[string]string, len(req.Fields))
	for key, value := range req.Fields {
		if isPhoneProperty(key) {
			value = normalizePhone(value, h.region)
		}
		props[key] = value
	}

	resp := h.client.Post(ctx, h.baseURL+"/crm/v3/objects/"+url.PathEscape(object), apiclient.RequestArgs{
		JSON:        map[string]any{"properties": props},
		Timeout:     req.Timeout,
		BearerToken: h.token,
	})
	email := strings.TrimSpace(props["email"])
	if resp.StatusCode == http.StatusConflict && object == hubspotDefaultObject && email != "" {
		resp = h.client.Request(ctx, http.MethodPatch, h.baseURL+"/crm/v3/objects/contacts/"+url.PathEscape(email), apiclient.RequestArgs{
			Query:       url.Values{"idProperty": []string{"email"}},
			JSON:        map[string]any{"properties": props},
			Timeout:     req.Timeout,
			BearerToken: h.token,
		})
		result := fromResponse(resp, "contact updated")
		result.Data = objectData(resp)
		return result
	}
	result := fromResponse(resp, object+" created")
	result.Data = objectData(resp)
	return result
}

// Properties lists writable properties of the configured object type.
func (h *HubSpot) Properties(ctx context.Context, cfg FormConfig) ([]mapping.Property, error) {
	resp := h.client.Get(ctx, h.baseURL+"/crm/v3/properties/"+url.PathEscape(objectType(cfg)), apiclient.RequestArgs{
		BearerToken: h.token,
	})
	if !resp.Success {
		return nil, resp.AsError()
	}
	body, _ := resp.Data.(map[string]any)
	results, _ := body["results"].([]any)
	props := make([]mapping.Property, 0, len(results))
	for _, item := range results {
		prop, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if meta, okMeta := prop["modificationMetadata"].(map[string]any); okMeta {
			if readOnly, _ := meta["readOnlyValue"].(bool); readOnly {
				continue
			}
		}
		name, _ := prop["name"].(string)
		if name == "" {
			continue
		}
		label, _ := prop["label"].(string)
		typ, _ := prop["type"].(string)
		props = append(props, mapping.Property{Key: name, Label: label, Type: typ})
	}
	return props, nil
}

func objectData(resp apiclient.Response) map[string]any {
	body, ok := resp.Data.(map[string]any)
	if !ok || !resp.Success {
		return nil
	}
	if id, okID := body["id"]; okID {
		return map[string]any{"object_id": id}
	}
	return nil
}

func isPhoneProperty(key string) bool {
	key = strings.ToLower(key)
	return strings.Contains(key, "phone") || key == "mobile"
}

// normalizePhone formats value as E.164 when it parses as a valid number.
// Anything else is passed through for the provider to judge.
func normalizePhone(value, region string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	num, err := phonenumbers.Parse(value, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return value
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}
