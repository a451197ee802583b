package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/novaai/novachat/internal/chat"
	"github.com/novaai/novachat/internal/common"
)

func (h *Handler) ListChats(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chats, err := h.ChatSvc.ListChats(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	common.OK(c, gin.H{"chats": chats})
}

type createChatReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createChatReq
	_ = c.ShouldBindJSON(&req) // allow empty {} -> default title

	created, err := h.ChatSvc.CreateChat(c.Request.Context(), uid, req.Title)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create chat")
		return
	}
	common.OK(c, gin.H{"chat": created})
}

func (h *Handler) GetChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("id")
	got, err := h.ChatSvc.GetChat(c.Request.Context(), uid, chatID)
	if err != nil {
		if chat.IsNotFound(err) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load chat")
		return
	}
	if got.Messages == nil {
		got.Messages = []chat.Message{}
	}
	common.OK(c, gin.H{"chat": got})
}

type renameChatReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req renameChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	chatID := c.Param("id")
	if err := h.ChatSvc.RenameChat(c.Request.Context(), uid, chatID, req.Title); err != nil {
		switch {
		case err == chat.ErrInvalidMessage:
			common.Fail(c, http.StatusBadRequest, 10005, "title cannot be empty")
		case chat.IsNotFound(err):
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
		default:
			common.Fail(c, http.StatusInternalServerError, 50003, "failed to rename chat")
		}
		return
	}
	common.OK(c, gin.H{"success": true})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("id")
	if err := h.ChatSvc.DeleteChat(c.Request.Context(), uid, chatID); err != nil {
		if chat.IsNotFound(err) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to delete chat")
		return
	}
	common.OK(c, gin.H{"success": true})
}

type appendMessageReq struct {
	Message struct {
		ID        int64  `json:"id"`
		Type      string `json:"type" binding:"required"`
		Content   string `json:"content" binding:"required"`
		Timestamp string `json:"timestamp"`
	} `json:"message" binding:"required"`
}

func (h *Handler) AppendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req appendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid message format")
		return
	}

	chatID := c.Param("id")
	m := &chat.Message{
		MsgID:     req.Message.ID,
		Role:      req.Message.Type,
		Content:   req.Message.Content,
		Timestamp: req.Message.Timestamp,
	}
	if err := h.ChatSvc.AppendMessage(c.Request.Context(), uid, chatID, m); err != nil {
		switch {
		case err == chat.ErrInvalidMessage:
			common.Fail(c, http.StatusBadRequest, 10006, "invalid message format")
		case chat.IsNotFound(err):
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
		default:
			common.Fail(c, http.StatusInternalServerError, 50005, "failed to save message")
		}
		return
	}
	common.OK(c, gin.H{"success": true})
}

type enqueueReplyReq struct {
	Message string `json:"message"`
}

// EnqueueReply schedules an out-of-band assistant reply for a stored chat.
// When the body carries a message it is appended to the chat first, so the
// worker sees it as part of the history.
func (h *Handler) EnqueueReply(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("id")
	if err := h.ChatSvc.ValidateChatOwner(c.Request.Context(), uid, chatID); err != nil {
		if chat.IsNotFound(err) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		log.Printf("[EnqueueReply] ValidateChatOwner failed uid=%d chat_id=%s err=%v", uid, chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	var req enqueueReplyReq
	_ = c.ShouldBindJSON(&req) // body is optional
	req.Message = strings.TrimSpace(req.Message)

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	jobID, err := common.NewULID()
	if err != nil {
		log.Printf("[EnqueueReply] NewULID failed uid=%d chat_id=%s err=%v", uid, chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.ReplyJob{
		ID:             jobID,
		UserID:         uid,
		ChatID:         chatID,
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	job, created, err := h.ChatSvc.CreateReplyJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		log.Printf("[EnqueueReply] CreateReplyJobOrGetExisting failed uid=%d chat_id=%s err=%v", uid, chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if created && req.Message != "" {
		m := &chat.Message{Role: chat.RoleUser, Content: req.Message}
		if err := h.ChatSvc.AppendMessage(c.Request.Context(), uid, chatID, m); err != nil {
			log.Printf("[EnqueueReply] AppendMessage failed uid=%d chat_id=%s err=%v", uid, chatID, err)
			common.Fail(c, http.StatusInternalServerError, 50005, "failed to save message")
			return
		}
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job.ID); err != nil {
			log.Printf("[EnqueueReply] PublishJob failed uid=%d chat_id=%s job_id=%s err=%v", uid, chatID, job.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": job.ID})
}

func (h *Handler) GetReplyJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetReplyJob(c.Request.Context(), jobID)
	if err != nil {
		if chat.IsNotFound(err) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"chat_id":           j.ChatID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
