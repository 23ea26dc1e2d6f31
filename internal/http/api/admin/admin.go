package admin

import (
	"github.com/formrelay/formrelay/internal/audit"
	"github.com/formrelay/formrelay/internal/cache"
	"github.com/formrelay/formrelay/internal/config"
	"github.com/formrelay/formrelay/internal/dispatch"
	"github.com/formrelay/formrelay/internal/forms"
	relayhttp "github.com/formrelay/formrelay/internal/http"
	"github.com/formrelay/formrelay/internal/http/api/admin/handlers"
	"github.com/formrelay/formrelay/internal/integrations"
	"github.com/formrelay/formrelay/internal/mapping"
	"github.com/formrelay/formrelay/internal/retry"
	"github.com/formrelay/formrelay/internal/settings"
	"github.com/formrelay/formrelay/internal/submissions"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps carries the services the admin API works on.
type Deps struct {
	DB          *gorm.DB
	Auth        config.AuthConfig
	Forms       *forms.Store
	Submissions *submissions.Store
	Registry    *integrations.Registry
	Mappings    *mapping.Repository
	Cache       *cache.Manager
	Settings    *settings.Store
	Audit       *audit.Logger
	Retries     *retry.Store // nil when the asynq queue is used.
	Dispatcher  *dispatch.Dispatcher
}

// RegisterAdminRoutes registers the admin API under /v0/admin.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	admin := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(deps.Auth)
	admin.POST("/login", authHandler.Login)

	authed := admin.Group("")
	authed.Use(relayhttp.AdminAuthMiddleware(deps.Auth.JWTSecret))

	formHandler := handlers.NewFormHandler(deps.Forms)
	authed.GET("/forms", formHandler.List)
	authed.POST("/forms", formHandler.Create)
	authed.GET("/forms/:id", formHandler.Get)
	authed.PUT("/forms/:id", formHandler.Update)
	authed.DELETE("/forms/:id", formHandler.Delete)

	submissionHandler := handlers.NewSubmissionHandler(deps.Submissions, deps.Dispatcher)
	authed.GET("/forms/:id/submissions", submissionHandler.ListByForm)
	authed.GET("/submissions/:id", submissionHandler.Get)
	authed.POST("/submissions/:id/redispatch", submissionHandler.Redispatch)
	authed.GET("/dispatches", submissionHandler.ListDispatches)

	integrationHandler := handlers.NewIntegrationHandler(deps.Registry, deps.Forms, deps.Mappings, deps.Cache, deps.Settings)
	authed.GET("/integrations", integrationHandler.ListProviders)
	authed.GET("/integrations/:provider/settings", integrationHandler.GetSettings)
	authed.PUT("/integrations/:provider/settings", integrationHandler.PutSettings)
	authed.POST("/integrations/:provider/rotate-secret", integrationHandler.RotateSecret)
	authed.GET("/forms/:id/integrations", integrationHandler.ListFormConfigs)
	authed.PUT("/forms/:id/integrations/:provider", integrationHandler.PutFormConfig)
	authed.GET("/forms/:id/integrations/:provider/mapping", integrationHandler.GetMapping)
	authed.PUT("/forms/:id/integrations/:provider/mapping", integrationHandler.PutMapping)
	authed.POST("/forms/:id/integrations/:provider/auto-map", integrationHandler.AutoMap)
	authed.GET("/forms/:id/integrations/:provider/properties", integrationHandler.Properties)

	settingsHandler := handlers.NewSettingsHandler(deps.DB, deps.Settings)
	authed.GET("/settings", settingsHandler.List)
	authed.PUT("/settings/:key", settingsHandler.Put)
	authed.DELETE("/settings/:key", settingsHandler.Delete)

	logsHandler := handlers.NewLogsHandler(deps.Audit)
	authed.GET("/logs", logsHandler.List)

	if deps.Retries != nil {
		retryHandler := handlers.NewRetryHandler(deps.Retries)
		authed.GET("/retry-tasks", retryHandler.List)
		authed.POST("/retry-tasks/:id/run", retryHandler.RunNow)
		authed.DELETE("/retry-tasks/:id", retryHandler.Delete)
	}
}
