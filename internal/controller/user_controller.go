package controller

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/idbroker/idbroker/internal/service"
	"github.com/idbroker/idbroker/internal/utils"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type LoginRequest struct {
	Organization string `json:"organization"`
	Email        string `json:"email" binding:"required"`
	Password     string `json:"password" binding:"required"`
}

type TotpRequest struct {
	Code string `json:"code" binding:"required"`
}

type UserControllerConfig struct {
	Now func() time.Time
}

type UserController struct {
	config UserControllerConfig
	router *gin.RouterGroup
	auth   *service.AuthService
}

func NewUserController(config UserControllerConfig, router *gin.RouterGroup, auth *service.AuthService) *UserController {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &UserController{
		config: config,
		router: router,
		auth:   auth,
	}
}

func (controller *UserController) SetupRoutes() {
	userGroup := controller.router.Group("/user")
	userGroup.POST("/login", controller.loginHandler)
	userGroup.POST("/logout", controller.logoutHandler)
	userGroup.POST("/totp", controller.totpHandler)
}

func (controller *UserController) loginHandler(c *gin.Context) {
	var req LoginRequest

	err := c.ShouldBindJSON(&req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to bind JSON")
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Bad Request",
		})
		return
	}

	organization := req.Organization
	if organization == "" {
		organization = service.DefaultOrganization
	}

	log.Debug().Str("organization", organization).Str("email", req.Email).Msg("Login attempt")

	session, user, err := controller.auth.Login(c.Request.Context(), organization, req.Email, req.Password, c.ClientIP())

	if err != nil {
		controller.loginFailed(c, req.Email, service.ProviderPassword, err)
		return
	}

	controller.auth.SetSessionCookie(c, session)

	if session.TotpPending {
		log.Debug().Str("user_id", user.ID).Msg("TOTP verification required")
		c.JSON(200, gin.H{
			"status":      200,
			"message":     "TOTP required",
			"totpPending": true,
		})
		return
	}

	log.Info().Str("user_id", user.ID).Msg("Login successful")
	tlog.AuditLoginSuccess(c, user.ID, service.ProviderPassword)

	c.JSON(200, gin.H{
		"status":  200,
		"message": "Login successful",
	})
}

func (controller *UserController) logoutHandler(c *gin.Context) {
	log.Debug().Msg("Logout request received")

	context, err := utils.GetContext(c)

	if err == nil && context.SessionID != "" {
		if err := controller.auth.DeleteSession(c.Request.Context(), context.SessionID); err != nil {
			log.Error().Err(err).Msg("Failed to delete session")
			c.JSON(500, gin.H{
				"status":  500,
				"message": "Internal Server Error",
			})
			return
		}
		tlog.AuditLogout(c, context.UserID, context.Provider)
	}

	controller.auth.DeleteSessionCookie(c)

	c.JSON(200, gin.H{
		"status":  200,
		"message": "Logout successful",
	})
}

func (controller *UserController) totpHandler(c *gin.Context) {
	var req TotpRequest

	err := c.ShouldBindJSON(&req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to bind JSON")
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Bad Request",
		})
		return
	}

	context, err := utils.GetContext(c)

	if err != nil || !context.TotpPending {
		log.Warn().Msg("TOTP attempt without a pending TOTP session")
		c.JSON(401, gin.H{
			"status":  401,
			"message": "Unauthorized",
		})
		return
	}

	pending, err := controller.auth.GetSession(c.Request.Context(), context.SessionID)

	if err != nil {
		log.Warn().Err(err).Msg("Pending TOTP session is gone")
		c.JSON(401, gin.H{
			"status":  401,
			"message": "Unauthorized",
		})
		return
	}

	session, user, err := controller.auth.VerifyTotp(c.Request.Context(), pending, req.Code, c.ClientIP())

	if err != nil {
		controller.loginFailed(c, context.Email, pending.Provider, err)
		return
	}

	controller.auth.SetSessionCookie(c, session)

	log.Info().Str("user_id", user.ID).Msg("TOTP verification successful")
	tlog.AuditLoginSuccess(c, user.ID, session.Provider)

	c.JSON(200, gin.H{
		"status":  200,
		"message": "Login successful",
	})
}

func (controller *UserController) loginFailed(c *gin.Context, identifier string, provider string, err error) {
	var locked *service.AccountLockedError

	if errors.As(err, &locked) {
		remaining := locked.RetryAfter(controller.config.Now())
		log.Warn().Str("identifier", identifier).Msg("Account is locked due to too many failed login attempts")
		tlog.AuditLoginFailure(c, identifier, provider, "account locked")
		c.Writer.Header().Add("x-idbroker-lock-locked", "true")
		c.Writer.Header().Add("x-idbroker-lock-reset", locked.Until.UTC().Format(time.RFC3339))
		c.Writer.Header().Add("Retry-After", strconv.Itoa(remaining))
		c.JSON(429, gin.H{
			"status":  429,
			"message": fmt.Sprintf("Too many failed login attempts. Try again in %d seconds", remaining),
		})
		return
	}

	if errors.Is(err, service.ErrUnauthorized) {
		log.Warn().Str("identifier", identifier).Msg("Invalid credentials")
		tlog.AuditLoginFailure(c, identifier, provider, "invalid credentials")
		c.JSON(401, gin.H{
			"status":  401,
			"message": "Unauthorized",
		})
		return
	}

	log.Error().Err(err).Msg("Login failed")
	c.JSON(http.StatusInternalServerError, gin.H{
		"status":  500,
		"message": "Internal Server Error",
	})
}
