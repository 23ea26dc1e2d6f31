package submissions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:submissions_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if migrate {
		if errMigrate := conn.AutoMigrate(&models.Submission{}); errMigrate != nil {
			t.Fatalf("migrate: %v", errMigrate)
		}
	}
	return conn
}

func TestSaveMissingTable(t *testing.T) {
	store := NewStore(openDB(t, false))
	_, err := store.Save(context.Background(), 1, map[string]any{"email": "a@example.com"})
	if apperr.KindOf(err) != apperr.SchemaMissing {
		t.Fatalf("expected schema missing, got %v", err)
	}
}

func TestSaveGetAndList(t *testing.T) {
	store := NewStore(openDB(t, true))
	ctx := context.Background()

	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := store.Save(ctx, 9, map[string]any{"email": fmt.Sprintf("u%d@example.com", i), "files": []any{}})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, id)
	}
	if _, err := store.Save(ctx, 10, map[string]any{"email": "other@example.com"}); err != nil {
		t.Fatalf("save other: %v", err)
	}

	row, err := store.Get(ctx, ids[1])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := Values(row)["email"]; got != "u1@example.com" {
		t.Fatalf("email = %q", got)
	}

	page, err := store.ListByForm(ctx, 9, 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[2] {
		t.Fatalf("unexpected page %+v", page)
	}
	total, err := store.CountByForm(ctx, 9)
	if err != nil || total != 3 {
		t.Fatalf("count = %d, %v", total, err)
	}

	if _, err := store.Get(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
