package mapping

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/formrelay/formrelay/internal/models"
	"github.com/glebarez/sqlite"
	"github.com/google/go-cmp/cmp"
	"gorm.io/gorm"
)

func TestMapCopiesOnlyMappedNonEmptyValues(t *testing.T) {
	payload := map[string]string{"email": "a@example.com", "fname": "Ada", "note": "", "extra": "x"}
	m := Mapping{
		{FormField: "email", ProviderField: "EMAIL"},
		{FormField: "fname", ProviderField: "FNAME"},
		{FormField: "note", ProviderField: "NOTE"},
		{FormField: "missing", ProviderField: "MISSING"},
	}
	got := Map(payload, m)
	want := map[string]string{"EMAIL": "a@example.com", "FNAME": "Ada"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Map mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(got, Map(payload, m)); diff != "" {
		t.Fatalf("Map not idempotent:\n%s", diff)
	}
}

func TestMapLaterPairOverwrites(t *testing.T) {
	payload := map[string]string{"work_email": "w@example.com", "home_email": "h@example.com"}
	m := Mapping{
		{FormField: "work_email", ProviderField: "email"},
		{FormField: "home_email", ProviderField: "email"},
	}
	if got := Map(payload, m)["email"]; got != "h@example.com" {
		t.Fatalf("email = %q", got)
	}
}

func TestAutoMapRespectsExisting(t *testing.T) {
	fields := []models.FieldDefinition{
		{ID: "your_email", Type: models.FieldEmail, Label: "Your email"},
		{ID: "first_name", Type: models.FieldText, Label: "First name"},
		{ID: "last_name", Type: models.FieldText, Label: "Last name"},
		{ID: "phone", Type: models.FieldText, Label: "Phone"},
		{ID: "message", Type: models.FieldTextarea, Label: "Message"},
	}
	props := []Property{
		{Key: "email", Label: "Email"},
		{Key: "firstname", Label: "First Name"},
		{Key: "lastname", Label: "Last Name"},
		{Key: "mobilephone", Label: "Mobile Phone Number"},
		{Key: "company", Label: "Company"},
	}
	existing := Mapping{{FormField: "last_name", ProviderField: "company"}}

	got := AutoMap(fields, props, existing)
	want := Mapping{
		{FormField: "last_name", ProviderField: "company"},
		{FormField: "your_email", ProviderField: "email"},
		{FormField: "first_name", ProviderField: "firstname"},
		{FormField: "phone", ProviderField: "mobilephone"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("AutoMap mismatch (-want +got):\n%s", diff)
	}
}

func TestRepositoryReplaceAndLoad(t *testing.T) {
	dsn := fmt.Sprintf("file:mapping_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.FieldMapping{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	repo := NewRepository(conn)
	ctx := context.Background()

	first := Mapping{
		{FormField: "email", ProviderField: "EMAIL"},
		{FormField: "name", ProviderField: "FNAME"},
		{FormField: "email", ProviderField: "EMAIL2"},
		{FormField: "", ProviderField: "X"},
	}
	if err := repo.Replace(ctx, 1, "mailchimp", first); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := repo.Load(ctx, 1, "mailchimp")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Mapping{{FormField: "email", ProviderField: "EMAIL2"}, {FormField: "name", ProviderField: "FNAME"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("load mismatch (-want +got):\n%s", diff)
	}

	if err := repo.Replace(ctx, 1, "mailchimp", Mapping{{FormField: "name", ProviderField: "LNAME"}}); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	got, _ = repo.Load(ctx, 1, "mailchimp")
	if len(got) != 1 || got[0].ProviderField != "LNAME" {
		t.Fatalf("replace did not swap mapping: %+v", got)
	}
	other, _ := repo.Load(ctx, 1, "hubspot")
	if len(other) != 0 {
		t.Fatalf("provider isolation broken: %+v", other)
	}
}
