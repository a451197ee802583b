package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/novaai/novachat/internal/common"
	"github.com/novaai/novachat/internal/config"
	"github.com/novaai/novachat/internal/httpapi/handlers"
	"github.com/novaai/novachat/internal/httpapi/middleware"
	"github.com/novaai/novachat/internal/store/redisstore"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, rabbit handlers.JobPublisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, rds, rabbit)

	r.GET("/ping", h.Ping)

	// captcha
	r.POST("/captcha", h.SendCaptcha)

	// register + auth
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// account
	authGroup.GET("/api/user/status", h.UserStatus)
	authGroup.POST("/api/user/sync", h.SyncUser)
	authGroup.POST("/api/user/subscription/refresh", h.RefreshSubscription)

	// chats (JWT required)
	authGroup.GET("/api/chats", h.ListChats)
	authGroup.POST("/api/chats", h.CreateChat)
	authGroup.GET("/api/chats/:id", h.GetChat)
	authGroup.PATCH("/api/chats/:id", h.RenameChat)
	authGroup.DELETE("/api/chats/:id", h.DeleteChat)
	authGroup.POST("/api/chats/:id/messages", h.AppendChatMessage)

	// out-of-band replies
	authGroup.POST("/api/chats/:id/replies", h.EnqueueReply)
	authGroup.GET("/api/jobs/:job_id", h.GetReplyJob)

	// streaming turn
	authGroup.POST("/api/chat", h.StreamChat)

	return r
}
