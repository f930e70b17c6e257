package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/worklog/internal/common"
	"github.com/suPer8Hu/worklog/internal/config"
	"github.com/suPer8Hu/worklog/internal/httpapi/handlers"
	"github.com/suPer8Hu/worklog/internal/httpapi/middleware"
	"github.com/suPer8Hu/worklog/internal/metrics"
)

type Deps struct {
	Cfg       config.Config
	Logger    zerolog.Logger
	WorkLogs  handlers.WorkLogService
	Users     handlers.UserFinder
	Publisher handlers.JobPublisher
	Guard     middleware.Guard
	Metrics   *metrics.Collector
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
		ExposeHeaders:   []string{middleware.RequestIDHeader, middleware.HeaderReplayed, "Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(d.WorkLogs, d.Users, d.Publisher, d.Metrics)

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	api := r.Group("/api/v1/work-logs")
	api.Use(middleware.AuthRequired(d.Cfg.JWTSecret))
	api.GET("/platforms", h.GetPlatformWorkLogs)
	api.GET("/user-content", h.GetUserContent)
	api.PUT("/user-content", h.PutUserContent)
	api.GET("/daily", h.GetDailyWorkLog)
	api.GET("/daily/all", h.ListDailyWorkLogs)
	api.POST("/manual-sync",
		middleware.Idempotent(d.Guard, middleware.IdempotencyOptions{Recorder: d.Metrics}),
		h.ManualSync,
	)
	return r
}
