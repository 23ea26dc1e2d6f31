package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/formrelay/formrelay/internal/security"
	"github.com/gin-gonic/gin"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func runRequestWithMiddleware(t *testing.T, middleware gin.HandlerFunc, authHeader string) (*httptest.ResponseRecorder, string) {
	t.Helper()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	var seen string
	router.GET("/*path", func(c *gin.Context) {
		seen = AdminUsername(c)
		c.Status(http.StatusNoContent)
	})

	responseRecorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v0/admin/forms", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	router.ServeHTTP(responseRecorder, req)

	return responseRecorder, seen
}

func TestAdminAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	responseRecorder, _ := runRequestWithMiddleware(t, AdminAuthMiddleware(testSecret), "")
	if responseRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", responseRecorder.Code)
	}
}

func TestAdminAuthMiddlewareRejectsFormToken(t *testing.T) {
	formToken, _, err := security.GenerateFormToken(testSecret, 1, time.Hour)
	if err != nil {
		t.Fatalf("generate form token: %v", err)
	}
	responseRecorder, _ := runRequestWithMiddleware(t, AdminAuthMiddleware(testSecret), "Bearer "+formToken)
	if responseRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", responseRecorder.Code)
	}
}

func TestAdminAuthMiddlewareRejectsExpiredToken(t *testing.T) {
	token, err := security.GenerateAdminToken(testSecret, "admin", -time.Minute)
	if err != nil {
		t.Fatalf("generate admin token: %v", err)
	}
	responseRecorder, _ := runRequestWithMiddleware(t, AdminAuthMiddleware(testSecret), "Bearer "+token)
	if responseRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", responseRecorder.Code)
	}
}

func TestAdminAuthMiddlewareAcceptsAdminToken(t *testing.T) {
	token, err := security.GenerateAdminToken(testSecret, "admin", time.Hour)
	if err != nil {
		t.Fatalf("generate admin token: %v", err)
	}
	responseRecorder, username := runRequestWithMiddleware(t, AdminAuthMiddleware(testSecret), "Bearer "+token)
	if responseRecorder.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", responseRecorder.Code)
	}
	if username != "admin" {
		t.Fatalf("expected admin username, got %q", username)
	}
}
