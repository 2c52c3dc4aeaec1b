package controller

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Pinger is satisfied by *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

type HealthController struct {
	router *gin.RouterGroup
	db     Pinger
}

func NewHealthController(router *gin.RouterGroup, db Pinger) *HealthController {
	return &HealthController{
		router: router,
		db:     db,
	}
}

func (controller *HealthController) SetupRoutes() {
	controller.router.GET("/healthz", controller.healthHandler)
	controller.router.HEAD("/healthz", controller.healthHandler)
}

func (controller *HealthController) healthHandler(c *gin.Context) {
	if err := controller.db.PingContext(c.Request.Context()); err != nil {
		log.Error().Err(err).Msg("Database health check failed")
		c.JSON(503, gin.H{
			"status":  503,
			"message": "Database unavailable",
		})
		return
	}

	c.JSON(200, gin.H{
		"status":  200,
		"message": "Healthy",
	})
}
