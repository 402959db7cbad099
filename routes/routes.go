package routes

import (
	"database/sql"

	"github.com/gin-gonic/gin"

	"position-api/config"
	"position-api/handlers"
)

// SetupAuthRoutes sets up public authentication routes.
func SetupAuthRoutes(rg *gin.RouterGroup) {
	authHandler := &handlers.AuthHandler{}

	rg.POST("/auth/login", authHandler.Login)
}

// SetupAnalysisRoutes sets up the protected analysis routes.
func SetupAnalysisRoutes(rg *gin.RouterGroup, db *sql.DB, cfg *config.Config, ws *handlers.WSHandler) {
	h := handlers.NewAnalysisHandler(db, cfg, ws)

	rg.POST("/analyses", h.Analyze)
	rg.GET("/analyses", h.List)
	rg.GET("/analyses/:id", h.Get)
}
