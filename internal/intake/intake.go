// Package intake runs the synchronous part of a submission: anti-abuse checks,
// validation, file intake and storage. Dispatch happens afterwards in the background.
package intake

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/formrelay/formrelay/internal/forms"
	"github.com/formrelay/formrelay/internal/metrics"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/formrelay/formrelay/internal/ratelimit"
	"github.com/formrelay/formrelay/internal/security"
	"github.com/formrelay/formrelay/internal/settings"
	"github.com/formrelay/formrelay/internal/submissions"
	"github.com/formrelay/formrelay/internal/uploads"
	"github.com/formrelay/formrelay/internal/validation"
	log "github.com/sirupsen/logrus"
)

// Control fields carried next to the form values.
const (
	FormIDField    = "form_id"
	TokenField     = "formrelay_token"
	TimestampField = "formrelay_ts"
	HoneypotField  = "formrelay_hp"

	// FilesKey holds the uploaded file metadata inside a stored payload.
	FilesKey = "_files"
)

const (
	submitAction      = "submit_form"
	honeypotAction    = "honeypot"
	honeypotAlertHits = 3
	clockSkew         = time.Minute
	defaultSuccessMsg = "Thank you! Your submission has been received."
)

var errNoSecret = errors.New("intake: token secret not configured")

// FormSource loads forms.
type FormSource interface {
	Get(ctx context.Context, id uint64) (*models.Form, error)
}

// Dispatcher receives stored submissions.
type Dispatcher interface {
	Submit(formID, submissionID uint64, values map[string]string)
	Go(fn func(ctx context.Context)) error
}

// Notifier sends the owner notification of a submission.
type Notifier interface {
	Notify(ctx context.Context, form *models.Form, submissionID uint64, values map[string]string, files []uploads.StoredFile) error
}

// Config wires a Service. Dispatcher and Notifier are optional.
type Config struct {
	Secret      string
	TokenTTL    time.Duration
	Forms       FormSource
	Submissions *submissions.Store
	Settings    *settings.Store
	Limiter     ratelimit.Limiter
	Nonces      security.NonceStore
	Validator   *validation.Validator
	Uploads     *uploads.Intake
	Dispatcher  Dispatcher
	Notifier    Notifier
}

// Request is one submission as received from the client.
type Request struct {
	FormID   uint64
	Values   map[string]string
	Files    []uploads.UploadedFile
	ClientIP string
}

// Receipt is returned to the submitter on success.
type Receipt struct {
	SubmissionID uint64 `json:"submission_id"`
	Message      string `json:"message"`
	RedirectURL  string `json:"redirect_url,omitempty"`
}

// Token is the per-render anti-forgery bundle.
type Token struct {
	Token         string `json:"token"`
	Timestamp     int64  `json:"timestamp"`
	HoneypotField string `json:"honeypot_field"`
}

// Service accepts submissions.
type Service struct {
	cfg Config
	now func() time.Time
}

// NewService builds a Service. Missing limiter and nonce store fall back to memory.
func NewService(cfg Config) *Service {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewMemoryLimiter()
	}
	if cfg.Nonces == nil {
		cfg.Nonces = security.NewMemoryNonceStore()
	}
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.NewStore()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Service{cfg: cfg, now: time.Now}
}

// IssueToken returns a fresh single-use token for formID.
func (s *Service) IssueToken(ctx context.Context, formID uint64) (*Token, error) {
	if s.cfg.Secret == "" {
		return nil, errNoSecret
	}
	if _, errForm := s.lookupForm(ctx, formID); errForm != nil {
		return nil, errForm
	}
	signed, _, errSign := security.GenerateFormToken(s.cfg.Secret, formID, s.cfg.TokenTTL)
	if errSign != nil {
		return nil, errSign
	}
	return &Token{Token: signed, Timestamp: s.now().Unix(), HoneypotField: HoneypotField}, nil
}

// Submit validates and stores req, then hands the submission to the dispatcher.
// The returned error is an *apperr.Error for every rejection the submitter can act on.
func (s *Service) Submit(ctx context.Context, req Request) (*Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	receipt, err := s.submit(ctx, req)
	outcome := "accepted"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		if outcome == "" {
			outcome = "internal"
		}
	}
	metrics.SubmissionsTotal.WithLabelValues(outcome).Inc()
	return receipt, err
}

func (s *Service) submit(ctx context.Context, req Request) (*Receipt, error) {
	raw := req.Values
	if raw == nil {
		raw = map[string]string{}
	}

	if errToken := s.checkToken(ctx, req.FormID, raw[TokenField]); errToken != nil {
		return nil, errToken
	}
	if errHoneypot := s.checkHoneypot(ctx, req, raw[HoneypotField]); errHoneypot != nil {
		return nil, errHoneypot
	}
	if errTimestamp := s.checkTimestamp(raw[TimestampField]); errTimestamp != nil {
		return nil, errTimestamp
	}

	form, errForm := s.lookupForm(ctx, req.FormID)
	if errForm != nil {
		return nil, errForm
	}
	if !s.allow(ctx, req.ClientIP, form) {
		metrics.RateLimitRejectionsTotal.Inc()
		log.WithFields(log.Fields{"form_id": form.ID, "ip": req.ClientIP}).Info("intake: rate limited")
		return nil, apperr.New(apperr.RateLimited, "rate limit exceeded")
	}

	values := validation.Sanitize(stripControl(raw))
	vctx := validation.WithClientIP(ctx, req.ClientIP)
	if errValidate := s.cfg.Validator.Validate(vctx, form.Fields, values); errValidate != nil {
		return nil, errValidate
	}

	stored, errFiles := s.acceptFiles(ctx, form, req.Files)
	if errFiles != nil {
		return nil, errFiles
	}

	payload := make(map[string]any, len(values)+1)
	for k, v := range values {
		payload[k] = v
	}
	if len(stored) > 0 {
		payload[FilesKey] = stored
	}
	submissionID, errSave := s.cfg.Submissions.Save(ctx, form.ID, payload)
	if errSave != nil {
		return nil, errSave
	}
	log.WithFields(log.Fields{"form_id": form.ID, "submission_id": submissionID}).Info("intake: submission stored")

	if s.cfg.Dispatcher != nil {
		s.cfg.Dispatcher.Submit(form.ID, submissionID, values)
		if s.cfg.Notifier != nil {
			notifier := s.cfg.Notifier
			errGo := s.cfg.Dispatcher.Go(func(bg context.Context) {
				_ = notifier.Notify(bg, form, submissionID, values, stored)
			})
			if errGo != nil {
				log.WithError(errGo).Warn("intake: notification skipped")
			}
		}
	}

	settingsData := form.Settings.Data()
	msg := strings.TrimSpace(settingsData.SuccessMessage)
	if msg == "" {
		msg = defaultSuccessMsg
	}
	return &Receipt{SubmissionID: submissionID, Message: msg, RedirectURL: settingsData.RedirectURL}, nil
}

func (s *Service) checkToken(ctx context.Context, formID uint64, token string) error {
	token = strings.TrimSpace(token)
	if token == "" || s.cfg.Secret == "" {
		return apperr.New(apperr.SecurityCheck, "missing form token")
	}
	claims, errParse := security.ParseFormToken(s.cfg.Secret, token, formID)
	if errParse != nil {
		if errors.Is(errParse, security.ErrExpiredToken) {
			return apperr.Wrap(apperr.Expired, "form token expired", errParse)
		}
		return apperr.Wrap(apperr.SecurityCheck, "invalid form token", errParse)
	}
	ttl := s.cfg.TokenTTL
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Sub(s.now()); remaining > 0 {
			ttl = remaining
		}
	}
	fresh, errConsume := s.cfg.Nonces.Consume(ctx, claims.ID, ttl)
	if errConsume != nil {
		log.WithError(errConsume).Warn("intake: nonce store unavailable")
		return apperr.Wrap(apperr.SecurityCheck, "nonce store unavailable", errConsume)
	}
	if !fresh {
		return apperr.Wrap(apperr.SecurityCheck, "form token reused", security.ErrTokenReused)
	}
	return nil
}

func (s *Service) checkHoneypot(ctx context.Context, req Request, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	key := ratelimit.Key(req.ClientIP, honeypotAction)
	if !s.cfg.Limiter.Allow(ctx, key, honeypotAlertHits, time.Hour) {
		log.WithFields(log.Fields{"ip": req.ClientIP, "form_id": req.FormID}).Warn("security: repeated honeypot hits")
	}
	return apperr.New(apperr.InvalidSubmission, "honeypot filled")
}

func (s *Service) checkTimestamp(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return apperr.New(apperr.InvalidSubmission, "missing form timestamp")
	}
	unix, errParse := strconv.ParseInt(raw, 10, 64)
	if errParse != nil {
		return apperr.Wrap(apperr.InvalidSubmission, "invalid form timestamp", errParse)
	}
	issued := time.Unix(unix, 0)
	now := s.now()
	maxAge := s.cfg.Settings.Seconds(settings.SubmissionMaxAgeSecondsKey, settings.DefaultSubmissionMaxAgeSeconds)
	if issued.After(now.Add(clockSkew)) || now.Sub(issued) > maxAge {
		return apperr.New(apperr.Expired, "form timestamp out of range")
	}
	return nil
}

func (s *Service) lookupForm(ctx context.Context, formID uint64) (*models.Form, error) {
	if formID == 0 {
		return nil, apperr.New(apperr.FormNotFound, "missing form id")
	}
	form, errGet := s.cfg.Forms.Get(ctx, formID)
	if errGet != nil {
		if errors.Is(errGet, forms.ErrNotFound) {
			return nil, apperr.Wrap(apperr.FormNotFound, "form not found", errGet)
		}
		return nil, errGet
	}
	return form, nil
}

// allow counts the attempt against the global limit or the form's override.
func (s *Service) allow(ctx context.Context, clientIP string, form *models.Form) bool {
	limit := s.cfg.Settings.PositiveInt(settings.RateLimitMaxKey, settings.DefaultRateLimitMax)
	window := s.cfg.Settings.Seconds(settings.RateLimitWindowSecondsKey, settings.DefaultRateLimitWindowSeconds)
	override := form.Settings.Data().RateLimit
	action := submitAction
	if override.Max > 0 {
		limit = override.Max
		action = submitAction + ":" + strconv.FormatUint(form.ID, 10)
	}
	if override.WindowSeconds > 0 {
		window = time.Duration(override.WindowSeconds) * time.Second
	}
	return s.cfg.Limiter.Allow(ctx, ratelimit.Key(clientIP, action), limit, window)
}

func (s *Service) acceptFiles(ctx context.Context, form *models.Form, files []uploads.UploadedFile) ([]uploads.StoredFile, error) {
	for _, field := range form.Fields {
		if field.Type != models.FieldFile || !field.Required {
			continue
		}
		if !hasFile(files, field.ID) {
			label := field.DisplayLabel()
			return nil, apperr.Field(apperr.RequiredField, field.ID, label, label+" is required")
		}
	}
	if len(files) == 0 {
		return nil, nil
	}
	if s.cfg.Uploads == nil {
		return nil, apperr.New(apperr.UploadRejected, "uploads disabled")
	}
	policy := uploads.DefaultPolicy()
	policy.MaxBytes = int64(s.cfg.Settings.PositiveInt(settings.UploadMaxBytesKey, settings.DefaultUploadMaxBytes))
	if override := form.Settings.Data().Upload.MaxBytes; override > 0 {
		policy.MaxBytes = override
	}
	accepted := make([]uploads.UploadedFile, 0, len(files))
	for _, f := range files {
		field, ok := form.Field(f.FieldID)
		if !ok || field.Type != models.FieldFile {
			continue
		}
		if f.Label == "" {
			f.Label = field.DisplayLabel()
		}
		accepted = append(accepted, f)
	}
	return s.cfg.Uploads.Accept(ctx, accepted, policy)
}

func hasFile(files []uploads.UploadedFile, fieldID string) bool {
	for _, f := range files {
		if f.FieldID == fieldID {
			return true
		}
	}
	return false
}

// stripControl drops the anti-abuse fields from the submitted values.
func stripControl(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch k {
		case FormIDField, TokenField, TimestampField, HoneypotField:
			continue
		}
		out[k] = v
	}
	return out
}
