package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/formrelay/formrelay/internal/cache"
	"github.com/formrelay/formrelay/internal/forms"
	relayhttp "github.com/formrelay/formrelay/internal/http"
	"github.com/formrelay/formrelay/internal/integrations"
	"github.com/formrelay/formrelay/internal/mapping"
	"github.com/formrelay/formrelay/internal/security"
	"github.com/formrelay/formrelay/internal/settings"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// IntegrationHandler serves provider settings, per-form configs and field mappings.
type IntegrationHandler struct {
	registry *integrations.Registry
	forms    *forms.Store
	mappings *mapping.Repository
	cache    *cache.Manager
	settings *settings.Store
}

// NewIntegrationHandler constructs an IntegrationHandler.
func NewIntegrationHandler(registry *integrations.Registry, formStore *forms.Store, mappings *mapping.Repository, c *cache.Manager, settingsStore *settings.Store) *IntegrationHandler {
	return &IntegrationHandler{registry: registry, forms: formStore, mappings: mappings, cache: c, settings: settingsStore}
}

// providerEntry is one row of the provider list.
type providerEntry struct {
	integrations.Descriptor
	Active bool `json:"active"`
}

// ListProviders returns every registered provider and whether it is configured.
func (h *IntegrationHandler) ListProviders(c *gin.Context) {
	descriptors := h.registry.Descriptors()
	out := make([]providerEntry, 0, len(descriptors))
	for _, d := range descriptors {
		_, active := h.registry.Get(d.ID)
		out = append(out, providerEntry{Descriptor: d, Active: active})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// GetSettings returns a provider's global settings with credentials masked.
func (h *IntegrationHandler) GetSettings(c *gin.Context) {
	values, errSettings := h.registry.Settings(c.Request.Context(), c.Param("provider"))
	if errSettings != nil {
		if errors.Is(errSettings, integrations.ErrUnknownProvider) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load settings failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": values})
}

// PutSettings upserts a provider's global settings. Empty values delete keys.
func (h *IntegrationHandler) PutSettings(c *gin.Context) {
	provider := c.Param("provider")
	var body map[string]string
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	if errSet := h.registry.SetSettings(ctx, provider, body); errSet != nil {
		if errors.Is(errSet, integrations.ErrUnknownProvider) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}
		log.WithError(errSet).Warnf("admin: save %s settings failed", provider)
		c.JSON(http.StatusBadRequest, gin.H{"error": errSet.Error()})
		return
	}
	integrations.InvalidateProperties(h.cache, provider)
	log.Infof("admin %s updated %s settings", relayhttp.AdminUsername(c), provider)
	values, _ := h.registry.Settings(ctx, provider)
	_, active := h.registry.Get(provider)
	c.JSON(http.StatusOK, gin.H{"settings": values, "active": active})
}

// RotateSecret replaces the webhook signing secret. The new secret is only
// returned by this call.
func (h *IntegrationHandler) RotateSecret(c *gin.Context) {
	provider := c.Param("provider")
	if provider != integrations.WebhookID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider has no signing secret"})
		return
	}
	secret, errSecret := security.GenerateWebhookSecret()
	if errSecret != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate secret failed"})
		return
	}
	if errSet := h.registry.SetSettings(c.Request.Context(), provider, map[string]string{"signing_secret": secret}); errSet != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save secret failed"})
		return
	}
	log.Infof("admin %s rotated the webhook signing secret", relayhttp.AdminUsername(c))
	c.JSON(http.StatusOK, gin.H{"signing_secret": secret})
}

// ListFormConfigs returns the per-form config of every provider.
func (h *IntegrationHandler) ListFormConfigs(c *gin.Context) {
	formID, ok := h.requireForm(c)
	if !ok {
		return
	}
	configs, errLoad := integrations.LoadFormConfigs(c.Request.Context(), h.forms, formID)
	if errLoad != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load configs failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

// PutFormConfig validates and stores one provider's per-form config.
func (h *IntegrationHandler) PutFormConfig(c *gin.Context) {
	formID, ok := h.requireForm(c)
	if !ok {
		return
	}
	provider := c.Param("provider")
	if _, known := h.registry.Descriptor(provider); !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	var cfg integrations.FormConfig
	if errBind := c.ShouldBindJSON(&cfg); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	in, _ := h.registry.Get(provider)
	if errValidate := integrations.ValidateFormConfig(in, cfg); errValidate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errValidate.Error()})
		return
	}
	raw, errMarshal := json.Marshal(cfg)
	if errMarshal != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode config failed"})
		return
	}
	if errSet := h.forms.SetMeta(c.Request.Context(), formID, integrations.MetaKey(provider), datatypes.JSON(raw)); errSet != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save config failed"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// GetMapping returns the field mapping of (form, provider).
func (h *IntegrationHandler) GetMapping(c *gin.Context) {
	formID, ok := h.requireForm(c)
	if !ok {
		return
	}
	pairs, errLoad := h.mappings.Load(c.Request.Context(), formID, c.Param("provider"))
	if errLoad != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load mapping failed"})
		return
	}
	if pairs == nil {
		pairs = mapping.Mapping{}
	}
	c.JSON(http.StatusOK, gin.H{"mapping": pairs})
}

// mappingRequest is the replace body.
type mappingRequest struct {
	Mapping mapping.Mapping `json:"mapping"`
}

// PutMapping replaces the field mapping of (form, provider).
func (h *IntegrationHandler) PutMapping(c *gin.Context) {
	formID, ok := h.requireForm(c)
	if !ok {
		return
	}
	provider := c.Param("provider")
	if _, known := h.registry.Descriptor(provider); !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	var body mappingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	if errReplace := h.mappings.Replace(ctx, formID, provider, body.Mapping); errReplace != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save mapping failed"})
		return
	}
	pairs, _ := h.mappings.Load(ctx, formID, provider)
	c.JSON(http.StatusOK, gin.H{"mapping": pairs})
}

// Properties lists the fields the provider accepts for this form's config.
func (h *IntegrationHandler) Properties(c *gin.Context) {
	formID, ok := h.requireForm(c)
	if !ok {
		return
	}
	props, status, errProps := h.loadProperties(c, formID, c.Param("provider"))
	if errProps != nil {
		c.JSON(status, gin.H{"error": errProps.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"properties": props})
}

// AutoMap suggests pairs for common fields and stores the result when save=true.
func (h *IntegrationHandler) AutoMap(c *gin.Context) {
	formID, ok := h.requireForm(c)
	if !ok {
		return
	}
	provider := c.Param("provider")
	ctx := c.Request.Context()
	form, errForm := h.forms.Get(ctx, formID)
	if errForm != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load form failed"})
		return
	}
	props, status, errProps := h.loadProperties(c, formID, provider)
	if errProps != nil {
		c.JSON(status, gin.H{"error": errProps.Error()})
		return
	}
	existing, errLoad := h.mappings.Load(ctx, formID, provider)
	if errLoad != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load mapping failed"})
		return
	}
	suggested := mapping.AutoMap(form.Fields, props, existing)
	if strings.EqualFold(c.Query("save"), "true") {
		if errReplace := h.mappings.Replace(ctx, formID, provider, suggested); errReplace != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "save mapping failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"mapping": suggested})
}

func (h *IntegrationHandler) loadProperties(c *gin.Context, formID uint64, provider string) ([]mapping.Property, int, error) {
	in, active := h.registry.Get(provider)
	if !active {
		return nil, http.StatusNotFound, errors.New("provider is not configured")
	}
	ctx := c.Request.Context()
	configs, errLoad := integrations.LoadFormConfigs(ctx, h.forms, formID)
	if errLoad != nil {
		return nil, http.StatusInternalServerError, errLoad
	}
	ttl := h.settings.Seconds(settings.PropertyCacheSecondsKey, settings.DefaultPropertyCacheSeconds)
	props, errProps := integrations.Properties(ctx, h.cache, ttl, in, configs[provider])
	if errProps != nil {
		if errors.Is(errProps, integrations.ErrNoProperties) {
			return nil, http.StatusBadRequest, errProps
		}
		log.WithError(errProps).Warnf("admin: list %s properties failed", provider)
		return nil, http.StatusBadGateway, errors.New("provider property lookup failed")
	}
	return props, http.StatusOK, nil
}

// requireForm parses :id and checks the form exists, answering on failure.
func (h *IntegrationHandler) requireForm(c *gin.Context) (uint64, bool) {
	formID, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	if _, errForm := h.forms.Get(c.Request.Context(), formID); errForm != nil {
		if errors.Is(errForm, forms.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
			return 0, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load form failed"})
		return 0, false
	}
	return formID, true
}
