package validation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/formrelay/formrelay/internal/apiclient"
	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/formrelay/formrelay/internal/models"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func contactFields() []models.FieldDefinition {
	return []models.FieldDefinition{
		{ID: "name", Type: models.FieldText, Label: "Name", Required: true, MaxLength: intPtr(20)},
		{ID: "email", Type: models.FieldEmail, Label: "Email", Required: true},
		{ID: "site", Type: models.FieldURL, Label: "Website"},
		{ID: "age", Type: models.FieldNumber, Label: "Age", Min: floatPtr(18), Max: floatPtr(120)},
		{ID: "born", Type: models.FieldDate, Label: "Birthday"},
		{ID: "zip", Type: models.FieldText, Label: "ZIP", Pattern: `[0-9]{5}`},
		{ID: "go", Type: models.FieldSubmit, Label: "Send", Required: true},
		{ID: "", Type: models.FieldText, Required: true},
	}
}

func validPayload() map[string]string {
	return map[string]string{
		"name":  "Ada",
		"email": "ada@example.com",
		"site":  "https://example.com",
		"age":   "36",
		"born":  "1990-12-10",
		"zip":   "12345",
	}
}

func TestValidateAcceptsValidPayload(t *testing.T) {
	if err := New().Validate(context.Background(), contactFields(), validPayload()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateAcceptsDecimalNumbers(t *testing.T) {
	for _, value := range []string{"36", "36.5", "+40", "120"} {
		payload := validPayload()
		payload["age"] = value
		if err := New().Validate(context.Background(), contactFields(), payload); err != nil {
			t.Fatalf("age %q: %v", value, err)
		}
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name  string
		field string
		value string
		kind  apperr.Kind
	}{
		{name: "required", field: "name", value: "  ", kind: apperr.RequiredField},
		{name: "email", field: "email", value: "not-an-email", kind: apperr.InvalidEmail},
		{name: "url", field: "site", value: "nota url", kind: apperr.InvalidURL},
		{name: "number", field: "age", value: "forty", kind: apperr.InvalidNumber},
		{name: "nan", field: "age", value: "NaN", kind: apperr.InvalidNumber},
		{name: "inf", field: "age", value: "Inf", kind: apperr.InvalidNumber},
		{name: "negative infinity", field: "age", value: "-infinity", kind: apperr.InvalidNumber},
		{name: "hex float", field: "age", value: "0x1p3", kind: apperr.InvalidNumber},
		{name: "underscore hex", field: "age", value: "0x_1p3", kind: apperr.InvalidNumber},
		{name: "underscore digits", field: "age", value: "3_6", kind: apperr.InvalidNumber},
		{name: "range", field: "age", value: "12", kind: apperr.OutOfRange},
		{name: "impossible date", field: "born", value: "2024-02-30", kind: apperr.InvalidDate},
		{name: "unpadded date", field: "born", value: "2024-2-3", kind: apperr.InvalidDate},
		{name: "length", field: "name", value: strings.Repeat("x", 21), kind: apperr.InvalidLength},
		{name: "pattern", field: "zip", value: "123456", kind: apperr.PatternMismatch},
	}
	v := New()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := validPayload()
			payload[tc.field] = tc.value
			err := v.Validate(context.Background(), contactFields(), payload)
			appErr, ok := apperr.As(err)
			if !ok {
				t.Fatalf("expected apperr, got %v", err)
			}
			if appErr.Kind != tc.kind || appErr.Field != tc.field {
				t.Fatalf("got kind=%s field=%s, want kind=%s field=%s", appErr.Kind, appErr.Field, tc.kind, tc.field)
			}
		})
	}
}

func TestInvalidEmailMessageNamesLabel(t *testing.T) {
	payload := validPayload()
	payload["email"] = "ada@"
	err := New().Validate(context.Background(), contactFields(), payload)
	if apperr.KindOf(err) != apperr.InvalidEmail {
		t.Fatalf("kind = %s", apperr.KindOf(err))
	}
	if msg := apperr.UserMessage(err); !strings.Contains(msg, "Email") {
		t.Fatalf("message %q does not name the field", msg)
	}
}

func TestValidateShortCircuitsInDeclarationOrder(t *testing.T) {
	payload := validPayload()
	payload["name"] = ""
	payload["email"] = "bad"
	err := New().Validate(context.Background(), contactFields(), payload)
	if appErr, _ := apperr.As(err); appErr == nil || appErr.Field != "name" {
		t.Fatalf("expected first failure on name, got %v", err)
	}
}

func TestCustomRuleVeto(t *testing.T) {
	blockFree := func(_ context.Context, field models.FieldDefinition, value string, _ map[string]string) error {
		if field.Type == models.FieldEmail && strings.HasSuffix(value, "@mailinator.com") {
			return errors.New("Please use a company email address.")
		}
		return nil
	}
	payload := validPayload()
	payload["email"] = "x@mailinator.com"
	err := New(WithRule(blockFree)).Validate(context.Background(), contactFields(), payload)
	if apperr.KindOf(err) != apperr.CustomRule {
		t.Fatalf("kind = %s", apperr.KindOf(err))
	}
	if msg := apperr.UserMessage(err); msg != "Please use a company email address." {
		t.Fatalf("message = %q", msg)
	}
}

type stubVerifier struct {
	ok  bool
	err error
	ip  string
}

func (s *stubVerifier) Verify(_ context.Context, _ string, remoteIP string) (bool, error) {
	s.ip = remoteIP
	return s.ok, s.err
}

func captchaFields() []models.FieldDefinition {
	return []models.FieldDefinition{
		{ID: "email", Type: models.FieldEmail, Label: "Email", Required: true},
		{ID: "captcha", Type: models.FieldCaptcha, Label: "Captcha"},
	}
}

func TestCaptchaOutcomes(t *testing.T) {
	payload := map[string]string{"email": "a@example.com", CaptchaResponseField: "tok"}
	ctx := WithClientIP(context.Background(), "192.0.2.10")

	passing := &stubVerifier{ok: true}
	if err := New(WithCaptcha(passing)).Validate(ctx, captchaFields(), payload); err != nil {
		t.Fatalf("passing captcha: %v", err)
	}
	if passing.ip != "192.0.2.10" {
		t.Fatalf("remote ip = %q", passing.ip)
	}

	err := New(WithCaptcha(&stubVerifier{ok: false})).Validate(ctx, captchaFields(), payload)
	if apperr.KindOf(err) != apperr.CaptchaFailed {
		t.Fatalf("negative answer kind = %s", apperr.KindOf(err))
	}

	err = New(WithCaptcha(&stubVerifier{err: errors.New("timeout")})).Validate(ctx, captchaFields(), payload)
	if apperr.KindOf(err) != apperr.CaptchaUnavailable {
		t.Fatalf("transport failure kind = %s", apperr.KindOf(err))
	}

	err = New().Validate(ctx, captchaFields(), payload)
	if apperr.KindOf(err) != apperr.CaptchaUnavailable {
		t.Fatalf("missing verifier kind = %s", apperr.KindOf(err))
	}
}

func TestHTTPVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		ok := r.PostForm.Get("secret") == "s3" && r.PostForm.Get("response") == "good"
		w.Header().Set("Content-Type", "application/json")
		if ok {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	verifier := &HTTPVerifier{Client: apiclient.New(), VerifyURL: srv.URL, Secret: "s3", Timeout: time.Second}
	if ok, err := verifier.Verify(context.Background(), "good", ""); err != nil || !ok {
		t.Fatalf("good token: %v %v", ok, err)
	}
	if ok, err := verifier.Verify(context.Background(), "bad", ""); err != nil || ok {
		t.Fatalf("bad token: %v %v", ok, err)
	}

	down := &HTTPVerifier{VerifyURL: "http://127.0.0.1:1/siteverify", Secret: "s3", Timeout: time.Second}
	if _, err := down.Verify(context.Background(), "good", ""); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestSanitize(t *testing.T) {
	got := Sanitize(map[string]string{
		"msg":  "Hi <b>there</b><script>alert(1)</script>",
		"name": " Tom & Jerry ",
	})
	if got["msg"] != "Hi there" {
		t.Fatalf("msg = %q", got["msg"])
	}
	if got["name"] != "Tom & Jerry" {
		t.Fatalf("name = %q", got["name"])
	}
}
