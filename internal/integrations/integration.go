// Package integrations defines the provider contract and the built-in providers.
package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/formrelay/formrelay/internal/apiclient"
	"github.com/formrelay/formrelay/internal/mapping"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/go-playground/validator/v10"
)

// MetaKeyPrefix prefixes the per-form integration config in form meta.
const MetaKeyPrefix = "integration:"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request is one provider call for one submission.
type Request struct {
	FormID       uint64
	SubmissionID uint64
	Fields       map[string]string // Mapped provider fields.
	Values       map[string]string // Every sanitized form value, unmapped.
	Config       FormConfig
	Timeout      time.Duration // Zero uses the client default.
	Attempt      int           // 1-based.
}

// Result is the outcome of Dispatch. Err is a classified *apperr.Error on failure.
type Result struct {
	Success    bool
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Data       map[string]any
	Err        error
}

// Integration delivers a mapped submission to one external system.
type Integration interface {
	ID() string
	Dispatch(ctx context.Context, req Request) Result
}

// PropertySource lists the fields a provider accepts, for auto-mapping.
type PropertySource interface {
	Properties(ctx context.Context, cfg FormConfig) ([]mapping.Property, error)
}

// FormConfigValidator checks a per-form config before it is stored.
type FormConfigValidator interface {
	ValidateFormConfig(cfg FormConfig) error
}

// FormConfig is the per-form configuration of one integration, stored as
// form meta under MetaKey(provider).
type FormConfig struct {
	Enabled     bool     `json:"enabled"`
	ObjectType  string   `json:"object_type,omitempty"`                            // hubspot
	ListID      string   `json:"list_id,omitempty"`                                // mailchimp
	DoubleOptIn bool     `json:"double_opt_in,omitempty"`                          // mailchimp
	Tags        []string `json:"tags,omitempty" validate:"omitempty,dive,max=100"` // mailchimp
	Endpoint    string   `json:"endpoint,omitempty" validate:"omitempty,url"`      // webhook
	Topic       string   `json:"topic,omitempty"`                                  // kafka
}

// MetaKey returns the form meta key holding provider's FormConfig.
func MetaKey(provider string) string {
	return MetaKeyPrefix + provider
}

// MetaLister reads form meta rows by key prefix.
type MetaLister interface {
	ListMeta(ctx context.Context, formID uint64, prefix string) ([]models.FormMeta, error)
}

// LoadFormConfigs returns every integration config stored for formID keyed by provider.
func LoadFormConfigs(ctx context.Context, store MetaLister, formID uint64) (map[string]FormConfig, error) {
	rows, errList := store.ListMeta(ctx, formID, MetaKeyPrefix)
	if errList != nil {
		return nil, fmt.Errorf("integrations: load form configs: %w", errList)
	}
	out := make(map[string]FormConfig, len(rows))
	for _, row := range rows {
		provider := strings.TrimPrefix(row.MetaKey, MetaKeyPrefix)
		if provider == "" {
			continue
		}
		var cfg FormConfig
		if len(row.MetaValue) > 0 {
			if errUnmarshal := json.Unmarshal(row.MetaValue, &cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("integrations: decode config for %s: %w", provider, errUnmarshal)
			}
		}
		out[provider] = cfg
	}
	return out, nil
}

// ValidateFormConfig runs struct validation and the provider's own checks.
func ValidateFormConfig(in Integration, cfg FormConfig) error {
	if errStruct := validate.Struct(cfg); errStruct != nil {
		return fmt.Errorf("integrations: invalid config: %w", errStruct)
	}
	if v, ok := in.(FormConfigValidator); ok && cfg.Enabled {
		return v.ValidateFormConfig(cfg)
	}
	return nil
}

// Event is the envelope pushed to webhook and stream providers.
type Event struct {
	Event        string            `json:"event"`
	FormID       uint64            `json:"form_id"`
	SubmissionID uint64            `json:"submission_id"`
	Fields       map[string]string `json:"fields"`
	SentAt       time.Time         `json:"sent_at"`
}

func newEvent(req Request, now time.Time) Event {
	fields := req.Fields
	if len(fields) == 0 {
		fields = req.Values
	}
	return Event{
		Event:        "submission.created",
		FormID:       req.FormID,
		SubmissionID: req.SubmissionID,
		Fields:       fields,
		SentAt:       now.UTC(),
	}
}

// fromResponse converts an apiclient response into a Result.
func fromResponse(resp apiclient.Response, okMessage string) Result {
	if resp.Success {
		return Result{Success: true, Message: okMessage, StatusCode: resp.StatusCode}
	}
	return Result{
		Message:    resp.Error,
		StatusCode: resp.StatusCode,
		RetryAfter: resp.RetryAfter,
		Err:        resp.AsError(),
	}
}

func failed(err error) Result {
	return Result{Message: err.Error(), Err: err}
}

// decodeSettings copies string settings into a tagged struct and validates it.
func decodeSettings(settings map[string]string, out any) error {
	raw, errMarshal := json.Marshal(settings)
	if errMarshal != nil {
		return errMarshal
	}
	if errUnmarshal := json.Unmarshal(raw, out); errUnmarshal != nil {
		return errUnmarshal
	}
	return validate.Struct(out)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
