package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/formrelay/formrelay/internal/audit"
	relayhttp "github.com/formrelay/formrelay/internal/http"
	"github.com/formrelay/formrelay/internal/retry"
	"github.com/formrelay/formrelay/internal/settings"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SettingsHandler serves the runtime settings table.
type SettingsHandler struct {
	db    *gorm.DB
	store *settings.Store
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(db *gorm.DB, store *settings.Store) *SettingsHandler {
	return &SettingsHandler{db: db, store: store}
}

// List returns every stored setting.
func (h *SettingsHandler) List(c *gin.Context) {
	if errRefresh := h.store.Refresh(c.Request.Context(), h.db); errRefresh != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load settings failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": h.store.All(), "updated_at": h.store.UpdatedAt()})
}

// settingRequest is the upsert body; Value must be valid JSON.
type settingRequest struct {
	Value json.RawMessage `json:"value"`
}

// Put upserts one setting.
func (h *SettingsHandler) Put(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	var body settingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || len(body.Value) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if errSet := h.store.Set(c.Request.Context(), h.db, key, body.Value); errSet != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errSet.Error()})
		return
	}
	log.Infof("admin %s set %s", relayhttp.AdminUsername(c), key)
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}

// Delete removes one setting so its default applies again.
func (h *SettingsHandler) Delete(c *gin.Context) {
	if errDelete := h.store.Delete(c.Request.Context(), h.db, c.Param("key")); errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete setting failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// LogsHandler serves the integration audit log.
type LogsHandler struct {
	logger *audit.Logger
}

// NewLogsHandler constructs a LogsHandler.
func NewLogsHandler(logger *audit.Logger) *LogsHandler {
	return &LogsHandler{logger: logger}
}

// logsQuery defines the audit log filters. Dates are inclusive YYYY-MM-DD.
type logsQuery struct {
	pageQuery
	Provider     string `form:"provider"`
	FormID       uint64 `form:"form_id"`
	SubmissionID uint64 `form:"submission_id"`
	Status       string `form:"status"`
	State        string `form:"state"`
	StartDate    string `form:"start_date"`
	EndDate      string `form:"end_date"`
}

// List returns matching audit entries, newest first.
func (h *LogsHandler) List(c *gin.Context) {
	var q logsQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	q.normalize(200)
	filter := audit.Filter{
		Provider:     q.Provider,
		FormID:       q.FormID,
		SubmissionID: q.SubmissionID,
		Status:       q.Status,
		State:        q.State,
		Page:         q.Page,
		Limit:        q.Limit,
	}
	if q.StartDate != "" {
		if startTime, errParse := time.ParseInLocation("2006-01-02", q.StartDate, time.Local); errParse == nil {
			filter.From = startTime
		}
	}
	if q.EndDate != "" {
		if endTime, errParse := time.ParseInLocation("2006-01-02", q.EndDate, time.Local); errParse == nil {
			filter.To = endTime.AddDate(0, 0, 1)
		}
	}
	page, errQuery := h.logger.Query(c.Request.Context(), filter)
	if errQuery != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query logs failed"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// RetryHandler serves the durable retry queue.
type RetryHandler struct {
	store *retry.Store
}

// NewRetryHandler constructs a RetryHandler.
func NewRetryHandler(store *retry.Store) *RetryHandler {
	return &RetryHandler{store: store}
}

// retryListQuery filters retry tasks.
type retryListQuery struct {
	pageQuery
	Provider string `form:"provider"`
}

// List returns queued tasks ordered by due time.
func (h *RetryHandler) List(c *gin.Context) {
	var q retryListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	q.normalize(200)
	rows, total, errList := h.store.List(c.Request.Context(), q.Provider, q.Page, q.Limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list retry tasks failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows, "total": total, "page": q.Page, "limit": q.Limit})
}

// RunNow makes a task due immediately.
func (h *RetryHandler) RunNow(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if errRun := h.store.RunNow(c.Request.Context(), id); errRun != nil {
		if errors.Is(errRun, retry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "retry task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "schedule retry task failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

// Delete drops a task without running it.
func (h *RetryHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if errDelete := h.store.Delete(c.Request.Context(), id); errDelete != nil {
		if errors.Is(errDelete, retry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "retry task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete retry task failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
