package controller

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsController struct {
	router *gin.RouterGroup
}

func NewMetricsController(router *gin.RouterGroup) *MetricsController {
	return &MetricsController{
		router: router,
	}
}

func (controller *MetricsController) SetupRoutes() {
	controller.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
