// Package forms stores form definitions and their per-form metadata.
package forms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/formrelay/formrelay/internal/cache"
	"github.com/formrelay/formrelay/internal/db"
	"github.com/formrelay/formrelay/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned for an unknown form ID.
var ErrNotFound = errors.New("forms: not found")

const (
	cachePrefix = "form:"
	cacheTTL    = 30 * time.Second
)

var knownFieldTypes = map[string]struct{}{
	models.FieldText: {}, models.FieldEmail: {}, models.FieldURL: {}, models.FieldNumber: {},
	models.FieldDate: {}, models.FieldTextarea: {}, models.FieldSelect: {}, models.FieldRadio: {},
	models.FieldCheckbox: {}, models.FieldFile: {}, models.FieldCaptcha: {}, models.FieldSubmit: {},
	models.FieldHTML: {},
}

// Store reads and writes forms. Reads go through the cache.
type Store struct {
	db    *gorm.DB
	cache *cache.Manager
}

// NewStore builds a store. cache may be nil.
func NewStore(conn *gorm.DB, c *cache.Manager) *Store {
	return &Store{db: conn, cache: c}
}

func cacheKey(id uint64) string {
	return cachePrefix + strconv.FormatUint(id, 10)
}

// Get loads a form by ID.
func (s *Store) Get(ctx context.Context, id uint64) (*models.Form, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	form, err := cache.Remember(s.cache, cacheKey(id), cacheTTL, func() (models.Form, error) {
		var row models.Form
		if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return models.Form{}, ErrNotFound
			}
			return models.Form{}, errFind
		}
		return row, nil
	})
	if err != nil {
		return nil, err
	}
	return &form, nil
}

// List returns forms whose title contains search, newest first.
func (s *Store) List(ctx context.Context, search string, page, limit int) ([]models.Form, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&models.Form{})
	if search = strings.TrimSpace(search); search != "" {
		q = q.Where(db.CaseInsensitiveLikeExpr(s.db, "title"), db.ContainsPattern(s.db, search))
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, errCount
	}
	var rows []models.Form
	if errFind := q.Order("id DESC").Offset((page - 1) * limit).Limit(limit).Find(&rows).Error; errFind != nil {
		return nil, 0, errFind
	}
	return rows, total, nil
}

// Create validates and inserts a form.
func (s *Store) Create(ctx context.Context, form *models.Form) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if errValidate := ValidateDefinition(form); errValidate != nil {
		return errValidate
	}
	form.ID = 0
	return s.db.WithContext(ctx).Create(form).Error
}

// Update replaces title, fields and settings of an existing form.
func (s *Store) Update(ctx context.Context, id uint64, form *models.Form) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if errValidate := ValidateDefinition(form); errValidate != nil {
		return errValidate
	}
	res := s.db.WithContext(ctx).Model(&models.Form{ID: id}).Select("title", "fields", "settings", "updated_at").Updates(map[string]any{
		"title":      form.Title,
		"fields":     form.Fields,
		"settings":   form.Settings,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.cache.Delete(cacheKey(id))
	form.ID = id
	return nil
}

// Delete removes a form and its metadata. Submissions are kept.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Form{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if errMeta := tx.Where("form_id = ?", id).Delete(&models.FormMeta{}).Error; errMeta != nil {
			return errMeta
		}
		return tx.Where("form_id = ?", id).Delete(&models.FieldMapping{}).Error
	})
	if errTx != nil {
		return errTx
	}
	s.cache.Delete(cacheKey(id))
	return nil
}

// GetMeta returns the raw meta value for (formID, key).
func (s *Store) GetMeta(ctx context.Context, formID uint64, key string) (datatypes.JSON, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var row models.FormMeta
	errFind := s.db.WithContext(ctx).Where("form_id = ? AND meta_key = ?", formID, key).Take(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if errFind != nil {
		return nil, false, errFind
	}
	return row.MetaValue, true, nil
}

// ListMeta returns every meta row of a form whose key starts with prefix.
func (s *Store) ListMeta(ctx context.Context, formID uint64, prefix string) ([]models.FormMeta, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var rows []models.FormMeta
	errFind := s.db.WithContext(ctx).
		Where("form_id = ? AND meta_key LIKE ?", formID, prefix+"%").
		Order("meta_key ASC").
		Find(&rows).Error
	return rows, errFind
}

// SetMeta upserts a meta value.
func (s *Store) SetMeta(ctx context.Context, formID uint64, key string, value datatypes.JSON) error {
	if ctx == nil {
		ctx = context.Background()
	}
	row := models.FormMeta{FormID: formID, MetaKey: key, MetaValue: value, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "form_id"}, {Name: "meta_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"meta_value", "updated_at"}),
	}).Create(&row).Error
}

// ValidateDefinition checks a form before it is stored.
func ValidateDefinition(form *models.Form) error {
	if form == nil {
		return errors.New("forms: nil form")
	}
	if strings.TrimSpace(form.Title) == "" {
		return errors.New("forms: title is required")
	}
	seen := make(map[string]struct{}, len(form.Fields))
	for i, field := range form.Fields {
		if _, ok := knownFieldTypes[field.Type]; !ok {
			return fmt.Errorf("forms: field %d: unknown type %q", i, field.Type)
		}
		if !field.IsInput() {
			continue
		}
		if strings.TrimSpace(field.ID) == "" {
			return fmt.Errorf("forms: field %d: id is required", i)
		}
		if _, dup := seen[field.ID]; dup {
			return fmt.Errorf("forms: duplicate field id %q", field.ID)
		}
		seen[field.ID] = struct{}{}
		if field.MinLength != nil && field.MaxLength != nil && *field.MinLength > *field.MaxLength {
			return fmt.Errorf("forms: field %q: min_length exceeds max_length", field.ID)
		}
		if field.Min != nil && field.Max != nil && *field.Min > *field.Max {
			return fmt.Errorf("forms: field %q: min exceeds max", field.ID)
		}
	}
	return nil
}
