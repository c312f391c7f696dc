package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/propertyreel/backend/internal/handlers"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/middleware"
	"github.com/propertyreel/backend/internal/utils"
)

// NewRouter builds the API surface. Health is unauthenticated; everything
// else sits behind the shared API key.
func NewRouter(jobHandler *handlers.JobHandler, log *logger.Logger) *gin.Engine {
	mode := utils.GetEnv("GIN_MODE", gin.ReleaseMode, log)
	gin.SetMode(mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	origins := strings.Split(utils.GetEnv("CORS_ORIGINS", "*", log), ",")
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	api.Use(middleware.APIKeyAuth(log))
	{
		api.POST("/jobs", jobHandler.CreateProductionJob)
		api.GET("/jobs/:id", jobHandler.GetJob)
		api.POST("/jobs/:id/regenerate", jobHandler.RegeneratePhotos)
		api.GET("/jobs/:id/events", jobHandler.StreamEvents)
		api.GET("/listings/:listingId/photos", jobHandler.ListPhotos)
	}
	return r
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
