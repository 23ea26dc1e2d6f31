// Package audit records the append-only integration log.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/formrelay/formrelay/internal/db"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/formrelay/formrelay/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry is one audit record.
type Entry struct {
	FormID       uint64
	SubmissionID uint64 // Zero when not tied to a submission.
	Provider     string
	Status       string // models.LogStatus*
	Message      string
	Data         map[string]any
}

// Filter narrows Query. Zero values match everything.
type Filter struct {
	Provider     string
	FormID       uint64
	SubmissionID uint64
	Status       string
	State        string // Dispatch state recorded in Data["state"].
	From         time.Time
	To           time.Time
	Page         int
	Limit        int
}

// Page is one page of results.
type Page struct {
	Items []models.IntegrationLog `json:"items"`
	Total int64                   `json:"total"`
	Page  int                     `json:"page"`
	Limit int                     `json:"limit"`
}

// Logger writes integration log rows.
type Logger struct {
	db *gorm.DB
}

// NewLogger builds a logger on conn.
func NewLogger(conn *gorm.DB) *Logger {
	return &Logger{db: conn}
}

var errNilLogger = errors.New("audit: nil logger")

// Record appends an entry. Credential-looking values in Data are redacted.
// Failures are logged and returned; callers usually ignore them.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if l == nil || l.db == nil {
		return errNilLogger
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if e.Status == "" {
		e.Status = models.LogStatusInfo
	}
	row := models.IntegrationLog{
		FormID:     e.FormID,
		ProviderID: e.Provider,
		Status:     e.Status,
		Message:    e.Message,
	}
	if e.SubmissionID != 0 {
		id := e.SubmissionID
		row.SubmissionID = &id
	}
	if len(e.Data) > 0 {
		raw, errMarshal := json.Marshal(util.RedactMap(e.Data))
		if errMarshal != nil {
			log.WithError(errMarshal).Warn("audit: marshal entry data")
		} else {
			row.Data = datatypes.JSON(raw)
		}
	}
	if errCreate := l.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).WithFields(log.Fields{
			"provider": e.Provider,
			"form_id":  e.FormID,
			"status":   e.Status,
		}).Warn("audit: record failed")
		return errCreate
	}
	return nil
}

// Query returns matching entries newest first.
func (l *Logger) Query(ctx context.Context, f Filter) (Page, error) {
	if l == nil || l.db == nil {
		return Page{}, errNilLogger
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 200 {
		f.Limit = 50
	}

	q := l.db.WithContext(ctx).Model(&models.IntegrationLog{})
	if f.Provider != "" {
		q = q.Where("provider_id = ?", f.Provider)
	}
	if f.FormID != 0 {
		q = q.Where("form_id = ?", f.FormID)
	}
	if f.SubmissionID != 0 {
		q = q.Where("submission_id = ?", f.SubmissionID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.State != "" {
		q = q.Where(db.JSONExtractTextExpr(l.db, "data", "state")+" = ?", f.State)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}

	out := Page{Page: f.Page, Limit: f.Limit}
	if errCount := q.Count(&out.Total).Error; errCount != nil {
		return Page{}, errCount
	}
	if errFind := q.Order("id DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&out.Items).Error; errFind != nil {
		return Page{}, errFind
	}
	return out, nil
}
