package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaultdrop/vaultdrop/config"
	"github.com/vaultdrop/vaultdrop/controllers"
	"github.com/vaultdrop/vaultdrop/links"
	"github.com/vaultdrop/vaultdrop/middleware"
	"github.com/vaultdrop/vaultdrop/utils"
)

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(issuer *links.Issuer, engine *links.Engine) *gin.Engine {
	cfg := config.Get()
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(utils.GinLogger())
	r.Use(utils.GinRecovery())
	r.Use(middleware.MetricsMiddleware())

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	linkController := controllers.NewLinkController(issuer, engine, cfg.BaseURL)

	// Redemption lives at a short path so the shareable URL stays compact.
	r.GET("/d/:token", middleware.RateLimitMiddleware(), linkController.Redeem)

	api := r.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware())
	api.POST("/links", linkController.Issue)
	api.GET("/links/:token", linkController.Info)
	api.DELETE("/links/:token", linkController.Delete)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "route not found")
	})

	return r
}
