package http

import (
	"github.com/gin-gonic/gin"

	"queryprism/internal/bootstrap"
	"queryprism/internal/pkg/logger"
	"queryprism/internal/transport/http/handler"
	"queryprism/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(logger.GinMiddleware(app.Logger), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app.Config.App.Name, app.Config.App.Env, app.StartedAt, app.HealthChecks())
	authHandler := handler.NewAuthHandler(app.Auth)
	documentHandler := handler.NewDocumentHandler(app.Documents, app.Config.Ingest.MaxUploadMB)
	driveHandler := handler.NewDriveHandler(app.Drive)
	authJWT := middleware.AuthJWT(app.Config.Auth.JWTSecret)

	router.GET("/healthz", healthHandler.Check)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", authJWT, authHandler.Me)

	documentGroup := v1.Group("/documents")
	documentGroup.Use(authJWT)
	documentGroup.GET("", documentHandler.List)
	documentGroup.POST("", documentHandler.Upload)
	documentGroup.DELETE("/*filename", documentHandler.Delete)

	v1.POST("/query", authJWT, documentHandler.Query)

	driveGroup := v1.Group("/drive")
	driveGroup.GET("/callback", driveHandler.Callback)
	driveGroup.POST("/folder", authJWT, driveHandler.SetFolder)
	driveGroup.GET("/connect", authJWT, driveHandler.Connect)
	driveGroup.POST("/sync", authJWT, driveHandler.StartSync)
	driveGroup.GET("/sync", authJWT, driveHandler.SyncStatus)
	driveGroup.GET("/sync/:job_id", authJWT, driveHandler.SyncStatus)

	return router
}
