package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/novaai/novachat/internal/ai"
	"github.com/novaai/novachat/internal/billing"
	"github.com/novaai/novachat/internal/chat"
	"github.com/novaai/novachat/internal/common"
	"github.com/novaai/novachat/internal/config"
	"github.com/novaai/novachat/internal/email"
	"github.com/novaai/novachat/internal/httpapi/middleware"
	"github.com/novaai/novachat/internal/store/redisstore"
)

// JobPublisher enqueues reply jobs. Satisfied by rabbitmq.Publisher.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Redis       *redisstore.Store
	SMTPSetting email.SMTPConfig
	ChatSvc     *chat.Service
	Billing     *billing.Service
	Registry    *ai.Registry
	Rabbit      JobPublisher
}

// NewRegistry builds the provider registry from config. Gemini is the
// hosted default; ollama and openai are alternates.
func NewRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.GeminiModel
		}
		return ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey, m), nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(cfg.OpenAIAPIKey, m), nil
	})
	return reg
}

func NewHandler(db *gorm.DB, cfg config.Config, r *redisstore.Store, rabbit JobPublisher) *Handler {
	reg := NewRegistry(cfg)
	repo := chat.NewRepo(db)
	chatSvc := chat.NewService(repo, reg, cfg.AIProvider, "", cfg.ChatHistoryWindow)
	return &Handler{
		DB:  db,
		Cfg: cfg,
		SMTPSetting: email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		},
		Redis:    r,
		ChatSvc:  chatSvc,
		Billing:  billing.NewService(db, r),
		Registry: reg,
		Rabbit:   rabbit,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
