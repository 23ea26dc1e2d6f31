package handlers

import (
	"errors"
	"net/http"

	"github.com/formrelay/formrelay/internal/forms"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

// FormHandler serves admin form definition endpoints.
type FormHandler struct {
	store *forms.Store
}

// NewFormHandler constructs a FormHandler.
func NewFormHandler(store *forms.Store) *FormHandler {
	return &FormHandler{store: store}
}

// formListQuery defines filters for the form list.
type formListQuery struct {
	pageQuery
	Search string `form:"search"` // Title substring.
}

// formRequest is the create/update body.
type formRequest struct {
	Title    string                   `json:"title"`
	Fields   []models.FieldDefinition `json:"fields"`
	Settings models.FormSettings      `json:"settings"`
}

func (r formRequest) toModel() *models.Form {
	return &models.Form{
		Title:    r.Title,
		Fields:   datatypes.JSONSlice[models.FieldDefinition](r.Fields),
		Settings: datatypes.NewJSONType(r.Settings),
	}
}

// List returns forms with paging and title search.
func (h *FormHandler) List(c *gin.Context) {
	var q formListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	q.normalize(100)
	items, total, errList := h.store.List(c.Request.Context(), q.Search, q.Page, q.Limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list forms failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "page": q.Page, "limit": q.Limit})
}

// Get returns one form.
func (h *FormHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	form, errGet := h.store.Get(c.Request.Context(), id)
	if errGet != nil {
		if errors.Is(errGet, forms.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load form failed"})
		return
	}
	c.JSON(http.StatusOK, form)
}

// Create stores a new form.
func (h *FormHandler) Create(c *gin.Context) {
	var body formRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	form := body.toModel()
	if errValidate := forms.ValidateDefinition(form); errValidate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errValidate.Error()})
		return
	}
	if errCreate := h.store.Create(c.Request.Context(), form); errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create form failed"})
		return
	}
	c.JSON(http.StatusCreated, form)
}

// Update replaces a form definition.
func (h *FormHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body formRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	form := body.toModel()
	if errValidate := forms.ValidateDefinition(form); errValidate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errValidate.Error()})
		return
	}
	if errUpdate := h.store.Update(c.Request.Context(), id, form); errUpdate != nil {
		if errors.Is(errUpdate, forms.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update form failed"})
		return
	}
	c.JSON(http.StatusOK, form)
}

// Delete removes a form and its integration settings. Submissions are kept.
func (h *FormHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if errDelete := h.store.Delete(c.Request.Context(), id); errDelete != nil {
		if errors.Is(errDelete, forms.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete form failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
