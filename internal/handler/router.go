package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter registers the middleware and every route. gatherer backs
// /metrics; nil means the default registry.
func SetupRouter(h *Handler, log *zap.Logger, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		batches := api.Group("/batches")
		{
			batches.POST("", h.CreateBatch)
			batches.GET("", h.ListBatches)
			batches.GET("/:id", h.GetBatch)
			batches.DELETE("/:id", h.DeleteBatch)

			batches.POST("/:id/pull", h.PullRecords)
			batches.POST("/:id/validate", h.Validate)
			batches.POST("/:id/export", h.Export)
			batches.POST("/:id/re-export", h.ReExport)
			batches.GET("/:id/workbook", h.Workbook)

			batches.POST("/:id/posted", h.MarkPosted)
			batches.POST("/:id/failed", h.MarkFailed)
			batches.POST("/:id/defer", h.DeferRecords)
			batches.POST("/:id/retry", h.RetryRecords)

			batches.GET("/:id/records", h.ListRecords)
			batches.PATCH("/:id/records/:record_id", h.UpdateRecord)
			batches.GET("/:id/audit", h.ListAudit)
		}

		api.GET("/reconciliation", h.GetReconciliation)
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
