package validation

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/formrelay/formrelay/internal/apiclient"
)

// Verifier checks a CAPTCHA response token.
type Verifier interface {
	// Verify returns false for a negative answer and an error when the
	// verification service could not be reached.
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// HTTPVerifier talks to a reCAPTCHA-compatible siteverify endpoint.
type HTTPVerifier struct {
	Client    *apiclient.Client
	VerifyURL string
	Secret    string
	Timeout   time.Duration
}

var errCaptchaResponse = errors.New("validation: unexpected captcha response")

// Verify implements Verifier.
func (h *HTTPVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	form := url.Values{"secret": {h.Secret}, "response": {token}}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	client := h.Client
	if client == nil {
		client = apiclient.New()
	}
	resp := client.Post(ctx, h.VerifyURL, apiclient.RequestArgs{Form: form, Timeout: h.Timeout})
	if resp.Err != nil {
		return false, resp.Err
	}
	if !resp.Success {
		return false, resp.AsError()
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		return false, errCaptchaResponse
	}
	success, _ := data["success"].(bool)
	return success, nil
}
