package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/formrelay/formrelay/internal/intake"
	"github.com/formrelay/formrelay/internal/uploads"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// maxBodyBytes caps a whole submission request, files included.
const maxBodyBytes = 64 << 20

// SubmissionHandler serves the public form endpoints.
type SubmissionHandler struct {
	svc *intake.Service
}

// NewSubmissionHandler constructs a SubmissionHandler.
func NewSubmissionHandler(svc *intake.Service) *SubmissionHandler {
	return &SubmissionHandler{svc: svc}
}

// Token issues a single-use submission token for a form.
func (h *SubmissionHandler) Token(c *gin.Context) {
	formID, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil {
		respondError(c, apperr.New(apperr.FormNotFound, "invalid form id"))
		return
	}
	token, errIssue := h.svc.IssueToken(c.Request.Context(), formID)
	if errIssue != nil {
		respondError(c, errIssue)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": token})
}

// Submit accepts a multipart, urlencoded or JSON submission.
func (h *SubmissionHandler) Submit(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	values, files, errRead := readSubmission(c)
	if errRead != nil {
		log.WithError(errRead).Debug("submission: unreadable body")
		respondError(c, apperr.Wrap(apperr.InvalidSubmission, "unreadable body", errRead))
		return
	}
	formID, errParse := strconv.ParseUint(strings.TrimSpace(values[intake.FormIDField]), 10, 64)
	if errParse != nil || formID == 0 {
		respondError(c, apperr.New(apperr.InvalidSubmission, "missing form id"))
		return
	}

	receipt, errSubmit := h.svc.Submit(c.Request.Context(), intake.Request{
		FormID:   formID,
		Values:   values,
		Files:    files,
		ClientIP: c.ClientIP(),
	})
	if errSubmit != nil {
		respondError(c, errSubmit)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": receipt.Message, "data": receipt})
}

// respondError writes the public error envelope. Only fixed messages leave the server.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("submission failed")
	}
	body := gin.H{"success": false, "message": apperr.UserMessage(err)}
	if appErr, ok := apperr.As(err); ok && appErr.Field != "" {
		body["field"] = appErr.Field
	}
	c.JSON(status, body)
}

// readSubmission flattens the request body into string values and file handles.
func readSubmission(c *gin.Context) (map[string]string, []uploads.UploadedFile, error) {
	values := map[string]string{}
	contentType := c.ContentType()
	switch {
	case contentType == gin.MIMEJSON:
		var body map[string]any
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			return nil, nil, errBind
		}
		for key, value := range body {
			values[key] = stringify(value)
		}
		return values, nil, nil
	case contentType == gin.MIMEMultipartPOSTForm:
		form, errForm := c.MultipartForm()
		if errForm != nil {
			return nil, nil, errForm
		}
		for key, list := range form.Value {
			values[key] = joinValues(list)
		}
		var files []uploads.UploadedFile
		for key, headers := range form.File {
			for _, fh := range headers {
				files = append(files, uploads.FromMultipart(key, "", fh))
			}
		}
		return values, files, nil
	default:
		if errParse := c.Request.ParseForm(); errParse != nil {
			return nil, nil, errParse
		}
		for key, list := range c.Request.PostForm {
			values[key] = joinValues(list)
		}
		return values, nil, nil
	}
}

// joinValues collapses repeated keys such as checkbox groups.
func joinValues(list []string) string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, ", ")
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, stringify(item))
		}
		return joinValues(parts)
	default:
		return fmt.Sprint(v)
	}
}
