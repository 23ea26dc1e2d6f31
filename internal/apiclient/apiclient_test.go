package apiclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/formrelay/formrelay/internal/apperr"
)

func TestRequestSuccessDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != UserAgent {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"email":"a@example.com"}` {
			t.Errorf("body = %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"123"}`))
	}))
	defer srv.Close()

	resp := New().Post(context.Background(), srv.URL, RequestArgs{
		JSON:        map[string]string{"email": "a@example.com"},
		BearerToken: "tok",
	})
	if !resp.Success || resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected response %+v", resp)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["id"] != "123" {
		t.Fatalf("data = %#v", resp.Data)
	}
	if resp.AsError() != nil {
		t.Fatalf("success response produced error")
	}
}

func TestRequestErrorMessageExtraction(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   string
	}{
		{status: http.StatusBadRequest, body: `{"title":"Member Exists"}`, want: "Member Exists"},
		{status: http.StatusConflict, body: `{"message":"Contact already exists"}`, want: "Contact already exists"},
		{status: http.StatusUnauthorized, body: ``, want: "Unauthorized - Invalid API key or credentials"},
		{status: http.StatusServiceUnavailable, body: `not json`, want: "Service Unavailable"},
		{status: http.StatusTeapot, body: ``, want: "HTTP Error 418"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		resp := New().Get(context.Background(), srv.URL, RequestArgs{})
		srv.Close()
		if resp.Success {
			t.Fatalf("status %d reported success", tc.status)
		}
		if resp.Error != tc.want {
			t.Fatalf("status %d error = %q, want %q", tc.status, resp.Error, tc.want)
		}
	}
}

func TestRequestRetryAfterAndClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	resp := New().Get(context.Background(), srv.URL, RequestArgs{})
	if resp.RetryAfter != 2*time.Minute {
		t.Fatalf("retry after = %s", resp.RetryAfter)
	}
	if kind := apperr.KindOf(resp.AsError()); kind != apperr.ProviderUnavailable {
		t.Fatalf("kind = %s", kind)
	}
}

func TestRequestTimeoutIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	resp := New().Get(context.Background(), srv.URL, RequestArgs{Timeout: 50 * time.Millisecond})
	if resp.Success || resp.Err == nil {
		t.Fatalf("expected transport error, got %+v", resp)
	}
	if resp.Error != "request timeout" {
		t.Fatalf("error = %q", resp.Error)
	}
	if kind := apperr.KindOf(resp.AsError()); kind != apperr.TransportError {
		t.Fatalf("kind = %s", kind)
	}
}

func TestRequestFormAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
			t.Errorf("content type = %s", r.Header.Get("Content-Type"))
		}
		_ = r.ParseForm()
		if r.PostForm.Get("secret") != "s" {
			t.Errorf("form = %v", r.PostForm)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "any" || pass != "key" {
			t.Errorf("basic auth = %s %s %v", user, pass, ok)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp := New(WithRateLimit(100, 1)).Post(context.Background(), srv.URL, RequestArgs{
		Query:     url.Values{"page": {"2"}},
		Form:      url.Values{"secret": {"s"}},
		BasicUser: "any",
		BasicPass: "key",
	})
	if !resp.Success || resp.Data != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestParseRetryAfterDate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now)
	if got != 90*time.Second {
		t.Fatalf("retry after = %s", got)
	}
}
