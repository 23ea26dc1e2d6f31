package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/formrelay/formrelay/internal/dispatch"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/formrelay/formrelay/internal/submissions"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// SubmissionHandler serves admin submission and dispatch endpoints.
type SubmissionHandler struct {
	store      *submissions.Store
	dispatcher *dispatch.Dispatcher
}

// NewSubmissionHandler constructs a SubmissionHandler.
func NewSubmissionHandler(store *submissions.Store, dispatcher *dispatch.Dispatcher) *SubmissionHandler {
	return &SubmissionHandler{store: store, dispatcher: dispatcher}
}

// ListByForm returns one page of a form's submissions.
func (h *SubmissionHandler) ListByForm(c *gin.Context) {
	formID, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var q pageQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	q.normalize(200)
	ctx := c.Request.Context()
	rows, errList := h.store.ListByForm(ctx, formID, q.Page, q.Limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list submissions failed"})
		return
	}
	total, errCount := h.store.CountByForm(ctx, formID)
	if errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count submissions failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows, "total": total, "page": q.Page, "limit": q.Limit})
}

// Get returns a submission with its per-provider dispatch states.
func (h *SubmissionHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	ctx := c.Request.Context()
	row, errGet := h.store.Get(ctx, id)
	if errGet != nil {
		if errors.Is(errGet, submissions.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load submission failed"})
		return
	}
	states := []models.DispatchState{}
	if h.dispatcher != nil {
		found, _, errStates := h.dispatcher.States().List(ctx, dispatch.StateFilter{SubmissionID: id, Limit: 100})
		if errStates != nil {
			log.WithError(errStates).Warn("admin: load dispatch states failed")
		} else {
			states = found
		}
	}
	c.JSON(http.StatusOK, gin.H{"submission": row, "dispatches": states})
}

// redispatchRequest selects one provider; empty means every enabled provider.
type redispatchRequest struct {
	Provider string `json:"provider"`
}

// Redispatch sends a stored submission again and waits for the first attempts.
func (h *SubmissionHandler) Redispatch(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body redispatchRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatcher unavailable"})
		return
	}
	outcomes, errRedispatch := h.dispatcher.Redispatch(c.Request.Context(), id, strings.TrimSpace(body.Provider))
	if errRedispatch != nil {
		if errors.Is(errRedispatch, submissions.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": errRedispatch.Error()})
		return
	}
	if outcomes == nil {
		outcomes = []dispatch.Outcome{}
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

// dispatchListQuery filters dispatch state rows.
type dispatchListQuery struct {
	pageQuery
	FormID       uint64 `form:"form_id"`
	SubmissionID uint64 `form:"submission_id"`
	Provider     string `form:"provider"`
	State        string `form:"state"`
}

// ListDispatches returns dispatch state rows, most recently updated first.
func (h *SubmissionHandler) ListDispatches(c *gin.Context) {
	var q dispatchListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	q.normalize(200)
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatcher unavailable"})
		return
	}
	rows, total, errList := h.dispatcher.States().List(c.Request.Context(), dispatch.StateFilter{
		SubmissionID: q.SubmissionID,
		FormID:       q.FormID,
		Provider:     q.Provider,
		State:        q.State,
		Page:         q.Page,
		Limit:        q.Limit,
	})
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list dispatches failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows, "total": total, "page": q.Page, "limit": q.Limit})
}
