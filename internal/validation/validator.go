// Package validation checks submitted values against a form's field definitions.
package validation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/go-playground/validator/v10"
)

// DateLayout is the only accepted date format.
const DateLayout = "2006-01-02"

// CaptchaResponseField is the conventional reCAPTCHA response parameter.
const CaptchaResponseField = "g-recaptcha-response"

// Rule is a custom check run after the built-in checks of each field.
// A non-nil error vetoes the submission; its text is shown to the submitter.
type Rule func(ctx context.Context, field models.FieldDefinition, value string, payload map[string]string) error

// Validator validates payloads. It is safe for concurrent use.
type Validator struct {
	rules    []Rule
	captcha  Verifier
	validate *validator.Validate
	patterns sync.Map // pattern string -> *regexp.Regexp
}

// Option configures a Validator.
type Option func(*Validator)

// WithRule appends a custom rule.
func WithRule(rule Rule) Option {
	return func(v *Validator) {
		if rule != nil {
			v.rules = append(v.rules, rule)
		}
	}
}

// WithCaptcha sets the verifier used for captcha fields.
func WithCaptcha(verifier Verifier) Option {
	return func(v *Validator) { v.captcha = verifier }
}

// New builds a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{validate: validator.New()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type clientIPKey struct{}

// WithClientIP attaches the submitter address used for CAPTCHA verification.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func clientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// Validate checks payload against fields in declaration order and returns the
// first failure as an *apperr.Error.
func (v *Validator) Validate(ctx context.Context, fields []models.FieldDefinition, payload map[string]string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	hasCaptcha := false
	for _, field := range fields {
		if field.ID == "" || !field.IsInput() {
			continue
		}
		if field.Type == models.FieldCaptcha {
			hasCaptcha = true
			continue
		}
		if field.Type == models.FieldFile {
			// Files are checked by the upload intake.
			continue
		}
		value := strings.TrimSpace(payload[field.ID])
		if errField := v.validateField(ctx, field, value, payload); errField != nil {
			return errField
		}
	}
	if hasCaptcha {
		return v.verifyCaptcha(ctx, fields, payload)
	}
	return nil
}

func (v *Validator) validateField(ctx context.Context, field models.FieldDefinition, value string, payload map[string]string) error {
	label := field.DisplayLabel()
	if value == "" {
		if field.Required {
			return apperr.Field(apperr.RequiredField, field.ID, label, fmt.Sprintf("%s is required", label))
		}
		return v.runRules(ctx, field, value, payload)
	}

	switch field.Type {
	case models.FieldEmail:
		if v.validate.Var(value, "email") != nil {
			return apperr.Field(apperr.InvalidEmail, field.ID, label, fmt.Sprintf("%s must be a valid email address", label))
		}
	case models.FieldURL:
		if v.validate.Var(value, "url") != nil {
			return apperr.Field(apperr.InvalidURL, field.ID, label, fmt.Sprintf("%s must be a valid URL", label))
		}
	case models.FieldNumber:
		if _, ok := v.parseNumber(value); !ok {
			return apperr.Field(apperr.InvalidNumber, field.ID, label, fmt.Sprintf("%s must be a number", label))
		}
	case models.FieldDate:
		if !isStrictDate(value) {
			return apperr.Field(apperr.InvalidDate, field.ID, label, fmt.Sprintf("%s must be a date in YYYY-MM-DD format", label))
		}
	}

	if errConstraint := v.checkConstraints(field, label, value); errConstraint != nil {
		return errConstraint
	}
	return v.runRules(ctx, field, value, payload)
}

// isStrictDate accepts only dates that survive a format round trip.
func isStrictDate(value string) bool {
	parsed, errParse := time.Parse(DateLayout, value)
	return errParse == nil && parsed.Format(DateLayout) == value
}

// parseNumber accepts plain decimal numbers only. Hex, underscores, NaN and
// infinities are rejected.
func (v *Validator) parseNumber(value string) (float64, bool) {
	if v.validate.Var(value, "numeric") != nil {
		return 0, false
	}
	n, errParse := strconv.ParseFloat(value, 64)
	return n, errParse == nil
}

func (v *Validator) checkConstraints(field models.FieldDefinition, label, value string) error {
	length := utf8.RuneCountInString(value)
	if field.MinLength != nil && length < *field.MinLength {
		return apperr.Field(apperr.InvalidLength, field.ID, label, fmt.Sprintf("%s must be at least %d characters", label, *field.MinLength))
	}
	if field.MaxLength != nil && length > *field.MaxLength {
		return apperr.Field(apperr.InvalidLength, field.ID, label, fmt.Sprintf("%s must be at most %d characters", label, *field.MaxLength))
	}
	if field.Min != nil || field.Max != nil {
		n, ok := v.parseNumber(value)
		if !ok {
			return apperr.Field(apperr.InvalidNumber, field.ID, label, fmt.Sprintf("%s must be a number", label))
		}
		if (field.Min != nil && n < *field.Min) || (field.Max != nil && n > *field.Max) {
			return apperr.Field(apperr.OutOfRange, field.ID, label, fmt.Sprintf("%s is out of range", label))
		}
	}
	if field.Pattern != "" {
		re, errCompile := v.compile(field.Pattern)
		if errCompile != nil {
			return apperr.Wrap(apperr.PatternMismatch, fmt.Sprintf("%s has an invalid pattern", label), errCompile)
		}
		if !re.MatchString(value) {
			return apperr.Field(apperr.PatternMismatch, field.ID, label, fmt.Sprintf("%s has an invalid format", label))
		}
	}
	return nil
}

// compile anchors the pattern the way the HTML pattern attribute does.
func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := v.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, err
	}
	v.patterns.Store(pattern, re)
	return re, nil
}

func (v *Validator) runRules(ctx context.Context, field models.FieldDefinition, value string, payload map[string]string) error {
	for _, rule := range v.rules {
		if errRule := rule(ctx, field, value, payload); errRule != nil {
			appErr := apperr.Field(apperr.CustomRule, field.ID, field.DisplayLabel(), errRule.Error())
			appErr.Err = errRule
			return appErr
		}
	}
	return nil
}

func (v *Validator) verifyCaptcha(ctx context.Context, fields []models.FieldDefinition, payload map[string]string) error {
	var field models.FieldDefinition
	for _, f := range fields {
		if f.Type == models.FieldCaptcha {
			field = f
			break
		}
	}
	token := strings.TrimSpace(payload[field.ID])
	if token == "" {
		token = strings.TrimSpace(payload[CaptchaResponseField])
	}
	label := field.DisplayLabel()
	if token == "" {
		return apperr.Field(apperr.CaptchaFailed, field.ID, label, "captcha response missing")
	}
	if v.captcha == nil {
		return apperr.Field(apperr.CaptchaUnavailable, field.ID, label, "captcha verifier not configured")
	}
	ok, err := v.captcha.Verify(ctx, token, clientIP(ctx))
	if err != nil {
		appErr := apperr.Field(apperr.CaptchaUnavailable, field.ID, label, "captcha verification unavailable")
		appErr.Err = err
		return appErr
	}
	if !ok {
		return apperr.Field(apperr.CaptchaFailed, field.ID, label, "captcha verification failed")
	}
	return nil
}
