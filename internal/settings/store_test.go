package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/formrelay/formrelay/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openSettingsDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:settings_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestStoreDefaultsBeforeRefresh(t *testing.T) {
	store := NewStore()
	if got := store.Int(RateLimitMaxKey, DefaultRateLimitMax); got != DefaultRateLimitMax {
		t.Fatalf("expected default, got %d", got)
	}
	if got := store.Seconds(RateLimitWindowSecondsKey, DefaultRateLimitWindowSeconds); got != time.Hour {
		t.Fatalf("expected 1h, got %s", got)
	}
}

func TestStoreSetAndRefresh(t *testing.T) {
	conn := openSettingsDB(t)
	store := NewStore()
	ctx := context.Background()

	if errSet := store.Set(ctx, conn, RateLimitMaxKey, json.RawMessage(`25`)); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}
	if got := store.Int(RateLimitMaxKey, DefaultRateLimitMax); got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}

	if errSet := store.Set(ctx, conn, RateLimitMaxKey, json.RawMessage(`"30"`)); errSet != nil {
		t.Fatalf("overwrite: %v", errSet)
	}
	other := NewStore()
	if errRefresh := other.Refresh(ctx, conn); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	if got := other.Int(RateLimitMaxKey, DefaultRateLimitMax); got != 30 {
		t.Fatalf("expected 30 after refresh, got %d", got)
	}

	if errDelete := store.Delete(ctx, conn, RateLimitMaxKey); errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}
	if _, ok := store.Value(RateLimitMaxKey); ok {
		t.Fatalf("expected key removed")
	}
}

func TestStoreRejectsInvalidJSON(t *testing.T) {
	conn := openSettingsDB(t)
	if errSet := NewStore().Set(context.Background(), conn, "X", json.RawMessage(`{`)); errSet == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestParseHelpers(t *testing.T) {
	if v, ok := ParseInt(json.RawMessage(`{"value": 7}`)); !ok || v != 7 {
		t.Fatalf("wrapper int = %d %v", v, ok)
	}
	if _, ok := ParseInt(json.RawMessage(`1.5`)); ok {
		t.Fatalf("fractional int accepted")
	}
}

func TestPositiveIntFallsBack(t *testing.T) {
	store := NewStore()
	store.Replace(time.Now(), map[string]json.RawMessage{RetryMaxConcurrencyKey: json.RawMessage(`0`)})
	if got := store.PositiveInt(RetryMaxConcurrencyKey, 4); got != 4 {
		t.Fatalf("expected fallback 4, got %d", got)
	}
}
