package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/novaai/novachat/internal/ai"
	"github.com/novaai/novachat/internal/common"
)

const DefaultTitle = "New Chat"

var ErrInvalidMessage = errors.New("chat: invalid message")

type Service struct {
	repo          *Repo
	registry      *ai.Registry
	provider      string
	model         string
	historyWindow int
}

func NewService(repo *Repo, registry *ai.Registry, provider, model string, historyWindow int) *Service {
	if historyWindow <= 0 || historyWindow > 100 {
		historyWindow = 10
	}
	return &Service{
		repo:          repo,
		registry:      registry,
		provider:      provider,
		model:         model,
		historyWindow: historyWindow,
	}
}

func (s *Service) CreateChat(ctx context.Context, userID uint64, title string) (*Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	c := &Chat{
		ID:     id,
		UserID: userID,
		Title:  title,
	}
	if err := s.repo.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) GetChat(ctx context.Context, userID uint64, chatID string) (*Chat, error) {
	return s.repo.GetChat(ctx, chatID, userID)
}

func (s *Service) ListChats(ctx context.Context, userID uint64) ([]Chat, error) {
	return s.repo.ListChats(ctx, userID)
}

func (s *Service) AppendMessage(ctx context.Context, userID uint64, chatID string, m *Message) error {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return ErrInvalidMessage
	}
	if m.Content == "" {
		return ErrInvalidMessage
	}
	if m.MsgID == 0 {
		m.MsgID = time.Now().UnixMilli()
	}
	if m.Timestamp == "" {
		m.Timestamp = time.Now().Format("15:04")
	}
	return s.repo.AppendMessage(ctx, chatID, userID, m)
}

func (s *Service) RenameChat(ctx context.Context, userID uint64, chatID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrInvalidMessage
	}
	return s.repo.RenameChat(ctx, chatID, userID, title)
}

func (s *Service) DeleteChat(ctx context.Context, userID uint64, chatID string) error {
	return s.repo.DeleteChat(ctx, chatID, userID)
}

// ValidateChatOwner checks existence and ownership without loading the
// transcript.
func (s *Service) ValidateChatOwner(ctx context.Context, userID uint64, chatID string) error {
	_, err := s.repo.ListChatHeader(ctx, chatID, userID)
	return err
}

// GenerateReplyAndAppend builds provider context from the stored transcript,
// generates an assistant reply, appends it, and returns its message ID.
// Used by the async reply worker.
func (s *Service) GenerateReplyAndAppend(ctx context.Context, userID uint64, chatID string) (string, int64, error) {
	if _, err := s.repo.ListChatHeader(ctx, chatID, userID); err != nil {
		return "", 0, err
	}

	provider, err := s.registry.Get(ctx, s.provider, s.model)
	if err != nil {
		return "", 0, err
	}

	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, chatID, s.historyWindow)
	if err != nil {
		return "", 0, err
	}

	// provider expects ASC (oldest -> newest)
	providerMsgs := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content})
	}

	reply, err := provider.Chat(ctx, providerMsgs)
	if err != nil {
		return "", 0, err
	}

	assistantMsg := &Message{
		MsgID:     time.Now().UnixMilli(),
		Role:      RoleAssistant,
		Content:   reply,
		Timestamp: time.Now().Format("15:04"),
	}
	if err := s.repo.AppendMessage(ctx, chatID, userID, assistantMsg); err != nil {
		return "", 0, err
	}
	return reply, assistantMsg.MsgID, nil
}

func (s *Service) CreateReplyJobOrGetExisting(ctx context.Context, job *ReplyJob) (*ReplyJob, bool, error) {
	return s.repo.CreateReplyJobOrGetExisting(ctx, job)
}

func (s *Service) GetReplyJob(ctx context.Context, jobID string) (*ReplyJob, error) {
	return s.repo.GetReplyJobByID(ctx, jobID)
}

// IsNotFound reports whether err is the store's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
