package app

import (
	"net/http"

	"github.com/osvaldoandrade/inspectq/internal/controllers"
	"github.com/osvaldoandrade/inspectq/internal/middleware"
	"github.com/osvaldoandrade/inspectq/pkg/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", controllers.NewHealthController(app.Queue, app.Backends).Handle)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := app.Engine.Group("/v1/inspectq", middleware.ProducerAuth(app.ProducerValidator))
	{
		v1.POST("/artifacts", middleware.RequireScope(auth.ScopeIngest), middleware.IngestRateLimit(app.RateLimiter), controllers.NewCreateArtifactController(app.Ingest).Handle)
		v1.GET("/queue", middleware.RequireScope(auth.ScopeRead), controllers.NewQueueStatsController(app.Queue).Handle)
	}

	app.Engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}
