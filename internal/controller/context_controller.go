package controller

import (
	"github.com/idbroker/idbroker/internal/utils"

	"github.com/gin-gonic/gin"
)

type UserContextResponse struct {
	Status         int    `json:"status"`
	Message        string `json:"message"`
	IsLoggedIn     bool   `json:"isLoggedIn"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Provider       string `json:"provider"`
	TotpPending    bool   `json:"totpPending"`
}

type AppContextResponse struct {
	Status              int      `json:"status"`
	Message             string   `json:"message"`
	ConfiguredProviders []string `json:"configuredProviders"`
	Organizations       []string `json:"organizations"`
	EIDEnabled          bool     `json:"eidEnabled"`
	AppURL              string   `json:"appUrl"`
	Domain              string   `json:"domain"`
}

type ContextControllerConfig struct {
	ConfiguredProviders []string
	Organizations       []string
	EIDEnabled          bool
	AppURL              string
	Domain              string
}

type ContextController struct {
	config ContextControllerConfig
	router *gin.RouterGroup
}

func NewContextController(config ContextControllerConfig, router *gin.RouterGroup) *ContextController {
	return &ContextController{
		config: config,
		router: router,
	}
}

func (controller *ContextController) SetupRoutes() {
	contextGroup := controller.router.Group("/context")
	contextGroup.GET("/user", controller.userContextHandler)
	contextGroup.GET("/app", controller.appContextHandler)
}

func (controller *ContextController) userContextHandler(c *gin.Context) {
	context, err := utils.GetContext(c)

	if err != nil || (!context.IsLoggedIn && !context.TotpPending) {
		c.JSON(401, UserContextResponse{
			Status:  401,
			Message: "Unauthorized",
		})
		return
	}

	c.JSON(200, UserContextResponse{
		Status:         200,
		Message:        "Success",
		IsLoggedIn:     context.IsLoggedIn,
		UserID:         context.UserID,
		OrganizationID: context.OrganizationID,
		Name:           context.Name,
		Email:          context.Email,
		Provider:       context.Provider,
		TotpPending:    context.TotpPending,
	})
}

func (controller *ContextController) appContextHandler(c *gin.Context) {
	c.JSON(200, AppContextResponse{
		Status:              200,
		Message:             "Success",
		ConfiguredProviders: controller.config.ConfiguredProviders,
		Organizations:       controller.config.Organizations,
		EIDEnabled:          controller.config.EIDEnabled,
		AppURL:              controller.config.AppURL,
		Domain:              controller.config.Domain,
	})
}
