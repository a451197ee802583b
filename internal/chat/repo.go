package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// GetChat loads a chat with its full transcript in insertion order.
// Ownership mismatches surface as gorm.ErrRecordNotFound.
func (r *Repo) GetChat(ctx context.Context, id string, userID uint64) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", id).
		Order("row_id ASC").
		Find(&c.Messages).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChatHeader loads the chat row without its transcript. Ownership
// mismatches surface as gorm.ErrRecordNotFound.
func (r *Repo) ListChatHeader(ctx context.Context, id string, userID uint64) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns the user's chats newest-activity first, without
// transcripts.
func (r *Repo) ListChats(ctx context.Context, userID uint64) ([]Chat, error) {
	var chats []Chat
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC, created_at DESC").
		Find(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}

// AppendMessage stores a message and bumps the chat's updated_at in one
// transaction so recency ordering stays consistent with the transcript.
func (r *Repo) AppendMessage(ctx context.Context, chatID string, userID uint64, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Chat
		if err := tx.Where("id = ? AND user_id = ?", chatID, userID).First(&c).Error; err != nil {
			return err
		}
		m.ChatID = chatID
		m.Streaming = false
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Chat{}).Where("id = ?", chatID).
			Update("updated_at", time.Now()).Error
	})
}

func (r *Repo) RenameChat(ctx context.Context, chatID string, userID uint64, title string) error {
	res := r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ? AND user_id = ?", chatID, userID).
		Updates(map[string]any{
			"title":      title,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) DeleteChat(ctx context.Context, chatID string, userID uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", chatID, userID).Delete(&Chat{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("chat_id = ?", chatID).Delete(&Message{}).Error
	})
}

// ListRecentMessagesDesc returns the most recent messages in DESC order
// (newest -> oldest), for provider context building.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("row_id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// Job CRUD
func (r *Repo) CreateReplyJob(ctx context.Context, job *ReplyJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetReplyJobByID(ctx context.Context, id string) (*ReplyJob, error) {
	var j ReplyJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateReplyJobRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&ReplyJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkReplyJobSucceeded(ctx context.Context, id string, assistantMsgID int64) error {
	return r.db.WithContext(ctx).Model(&ReplyJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkReplyJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&ReplyJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) GetReplyJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*ReplyJob, error) {
	var job ReplyJob
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateReplyJobOrGetExisting tries to create a job; if the idempotency key
// already exists for the user, it returns the existing job instead.
func (r *Repo) CreateReplyJobOrGetExisting(ctx context.Context, job *ReplyJob) (*ReplyJob, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetReplyJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
