package mapping

import (
	"context"
	"errors"
	"strings"

	"github.com/formrelay/formrelay/internal/models"
	"gorm.io/gorm"
)

// Repository persists mappings per (form, provider).
type Repository struct {
	db *gorm.DB
}

// NewRepository builds a repository on db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Load returns the mapping of formID for provider in sort order.
func (r *Repository) Load(ctx context.Context, formID uint64, provider string) (Mapping, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var rows []models.FieldMapping
	if errFind := r.db.WithContext(ctx).
		Where("form_id = ? AND provider_id = ?", formID, provider).
		Order("sort_order ASC, id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	out := make(Mapping, 0, len(rows))
	for _, row := range rows {
		out = append(out, Pair{FormField: row.FormField, ProviderField: row.ProviderField})
	}
	return out, nil
}

// Replace swaps the whole mapping of (formID, provider). A form field listed
// twice keeps its last target.
func (r *Repository) Replace(ctx context.Context, formID uint64, provider string, pairs Mapping) error {
	if ctx == nil {
		ctx = context.Background()
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("mapping: provider is required")
	}
	deduped := make(map[string]int, len(pairs))
	rows := make([]models.FieldMapping, 0, len(pairs))
	for _, p := range pairs {
		formField := strings.TrimSpace(p.FormField)
		providerField := strings.TrimSpace(p.ProviderField)
		if formField == "" || providerField == "" {
			continue
		}
		if idx, seen := deduped[formField]; seen {
			rows[idx].ProviderField = providerField
			continue
		}
		deduped[formField] = len(rows)
		rows = append(rows, models.FieldMapping{
			FormID:        formID,
			ProviderID:    provider,
			FormField:     formField,
			ProviderField: providerField,
			SortOrder:     len(rows),
		})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDelete := tx.Where("form_id = ? AND provider_id = ?", formID, provider).Delete(&models.FieldMapping{}).Error; errDelete != nil {
			return errDelete
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}
