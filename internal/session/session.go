package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/novaai/novachat/internal/chat"
)

const (
	// Greeting is the canned assistant message shown in a fresh session.
	// It lives only in memory: it is never persisted and never sent to
	// the model as context.
	Greeting = "Hello! I'm NovaAI, your AI assistant. How can I help you today?"

	UntitledChatTitle = "Untitled Chat"

	// StoppedMarker finalizes an assistant message that was canceled
	// before any token arrived.
	StoppedMarker = "[Response generation stopped]"

	// Free-tier limits. Privileged accounts are exempt from both.
	freeUserMessageLimit = 5

	historyWindow = 10
)

// HistoryItem is one prior turn entry sent to the streaming endpoint.
type HistoryItem struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Attachment references a local file to upload with a turn.
type Attachment struct {
	Name string
	Path string
}

// Store is the persistence contract the controller consumes. Chat and
// message payloads use the shared chat types.
type Store interface {
	ListChats(ctx context.Context) ([]chat.Chat, error)
	CreateChat(ctx context.Context, title string) (*chat.Chat, error)
	GetChat(ctx context.Context, id string) (*chat.Chat, error)
	AppendMessage(ctx context.Context, chatID string, m chat.Message) error
	RenameChat(ctx context.Context, chatID, title string) error
	DeleteChat(ctx context.Context, chatID string) error
}

// Streamer starts one streaming turn. Recv returns one chunk at a time and
// io.EOF on normal end; canceling ctx aborts the transport.
type Streamer interface {
	StreamTurn(ctx context.Context, text string, history []HistoryItem, file *Attachment) (TurnStream, error)
}

type TurnStream interface {
	Recv() (string, error)
	Close() error
}

// Entitlements reports whether the account holds an active paid
// subscription.
type Entitlements interface {
	Privileged(ctx context.Context) bool
}

// Controller owns the state of one chat session: the visible transcript,
// the sidebar chat list, and the single in-flight request handle. All
// exported methods are safe for concurrent use; SendMessage blocks its
// caller until the turn reaches a terminal state.
type Controller struct {
	store    Store
	streamer Streamer
	ent      Entitlements
	notify   Notifier

	mu            sync.Mutex
	messages      []chat.Message
	chats         []chat.Chat
	currentChatID string
	cancel        context.CancelFunc
	sendGen       uint64
	lastMsgID     int64

	now func() time.Time
}

// nextMsgID hands out timestamp-based message ids, bumped past the last
// one issued so ids stay unique even when sends land in the same
// millisecond.
func (c *Controller) nextMsgID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.now().UnixMilli()
	if id <= c.lastMsgID {
		id = c.lastMsgID + 1
	}
	c.lastMsgID = id
	return id
}

func NewController(store Store, streamer Streamer, ent Entitlements, n Notifier) *Controller {
	if n == nil {
		n = NopNotifier
	}
	c := &Controller{
		store:    store,
		streamer: streamer,
		ent:      ent,
		notify:   n,
		now:      time.Now,
	}
	c.messages = []chat.Message{c.greeting()}
	return c
}

func (c *Controller) greeting() chat.Message {
	now := c.now()
	return chat.Message{
		MsgID:     now.UnixMilli(),
		Role:      chat.RoleAssistant,
		Content:   Greeting,
		Timestamp: now.Format("15:04"),
	}
}

// Messages returns a copy of the visible transcript.
func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Chats returns a copy of the sidebar list, most recent first.
func (c *Controller) Chats() []chat.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Chat, len(c.chats))
	copy(out, c.chats)
	return out
}

func (c *Controller) CurrentChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentChatID
}

// DeriveTitle trims a first input down to a sidebar title.
func DeriveTitle(base string) string {
	if utf8.RuneCountInString(base) > 30 {
		return string([]rune(base)[:27]) + "..."
	}
	return base
}

func sortChats(cs []chat.Chat) {
	sort.SliceStable(cs, func(i, j int) bool {
		ti, tj := cs[i].UpdatedAt, cs[j].UpdatedAt
		if ti.IsZero() {
			ti = cs[i].CreatedAt
		}
		if tj.IsZero() {
			tj = cs[j].CreatedAt
		}
		return ti.After(tj)
	})
}

// LoadChats refreshes the sidebar list from storage.
func (c *Controller) LoadChats(ctx context.Context) {
	chats, err := c.store.ListChats(ctx)
	if err != nil {
		log.Printf("session: load chats: %v", err)
		c.notify.Error("Failed to load chat history.")
		chats = nil
	}
	sortChats(chats)
	c.mu.Lock()
	c.chats = chats
	c.mu.Unlock()
}

// NewChat creates a chat, makes it active, and resets the transcript to
// the greeting.
func (c *Controller) NewChat(ctx context.Context, title string) (*chat.Chat, error) {
	if title == "" {
		title = chat.DefaultTitle
	}
	created, err := c.store.CreateChat(ctx, title)
	if err != nil {
		log.Printf("session: create chat: %v", err)
		c.notify.Error("Failed to create new chat.")
		return nil, err
	}

	c.mu.Lock()
	c.chats = append([]chat.Chat{*created}, c.chats...)
	sortChats(c.chats)
	c.currentChatID = created.ID
	c.messages = []chat.Message{c.greeting()}
	c.mu.Unlock()

	c.notify.Success(fmt.Sprintf("Chat %q created", created.Title))
	return created, nil
}

// SelectChat loads a stored chat and makes it active. An empty id resets
// to a fresh unsaved session. Selecting the already-active chat is a no-op.
func (c *Controller) SelectChat(ctx context.Context, chatID string) {
	if chatID == "" {
		c.mu.Lock()
		c.currentChatID = ""
		c.messages = []chat.Message{c.greeting()}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if chatID == c.currentChatID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	loaded, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		log.Printf("session: load chat %s: %v", chatID, err)
		c.notify.Error("Failed to load chat.")
		return
	}

	c.mu.Lock()
	c.currentChatID = loaded.ID
	if len(loaded.Messages) > 0 {
		msgs := make([]chat.Message, len(loaded.Messages))
		copy(msgs, loaded.Messages)
		for i := range msgs {
			msgs[i].Streaming = false
		}
		c.messages = msgs
	} else {
		c.messages = []chat.Message{c.greeting()}
	}
	c.mu.Unlock()
}

// RenameChat optimistically updates the local title and persists it in the
// background flow; on failure the local title reverts. silent suppresses
// the notices, used for auto-titling.
func (c *Controller) RenameChat(ctx context.Context, chatID, newTitle string, silent bool) bool {
	newTitle = strings.TrimSpace(newTitle)
	if newTitle == "" || chatID == "" {
		return false
	}

	c.mu.Lock()
	idx := -1
	for i := range c.chats {
		if c.chats[i].ID == chatID {
			idx = i
			break
		}
	}
	if idx < 0 || c.chats[idx].Title == newTitle {
		c.mu.Unlock()
		return idx >= 0
	}
	oldTitle := c.chats[idx].Title
	oldUpdatedAt := c.chats[idx].UpdatedAt
	c.chats[idx].Title = newTitle
	c.chats[idx].UpdatedAt = c.now()
	sortChats(c.chats)
	c.mu.Unlock()

	if err := c.store.RenameChat(ctx, chatID, newTitle); err != nil {
		log.Printf("session: rename chat %s: %v", chatID, err)
		if !silent {
			c.notify.Error("Failed to rename chat. Reverting.")
		}
		c.mu.Lock()
		for i := range c.chats {
			if c.chats[i].ID == chatID {
				c.chats[i].Title = oldTitle
				c.chats[i].UpdatedAt = oldUpdatedAt
				break
			}
		}
		sortChats(c.chats)
		c.mu.Unlock()
		return false
	}

	if !silent {
		c.notify.Success("Chat renamed successfully.")
	}
	return true
}

// DeleteChat removes a chat from storage and the sidebar. Deleting the
// active chat resets the session to a fresh greeting.
func (c *Controller) DeleteChat(ctx context.Context, chatID string) bool {
	if chatID == "" {
		return false
	}
	if err := c.store.DeleteChat(ctx, chatID); err != nil {
		log.Printf("session: delete chat %s: %v", chatID, err)
		c.notify.Error("Failed to delete chat.")
		return false
	}

	c.mu.Lock()
	kept := c.chats[:0]
	for _, ch := range c.chats {
		if ch.ID != chatID {
			kept = append(kept, ch)
		}
	}
	c.chats = kept
	if c.currentChatID == chatID {
		c.currentChatID = ""
		c.messages = []chat.Message{c.greeting()}
	}
	c.mu.Unlock()

	c.notify.Success("Chat deleted successfully.")
	return true
}

// StopStreaming cancels the in-flight request, if any. Idempotent.
func (c *Controller) StopStreaming() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) pristineLocked() bool {
	return len(c.messages) == 1 && c.messages[0].Content == Greeting
}

// SendMessage runs one full turn: validation, quota, chat creation,
// optimistic transcript updates, the streaming request, and finalization.
// Every terminal state leaves a readable assistant message; no message is
// left with Streaming set.
func (c *Controller) SendMessage(ctx context.Context, text string, file *Attachment) {
	if strings.TrimSpace(text) == "" && file == nil {
		return
	}

	privileged := c.ent.Privileged(ctx)

	c.mu.Lock()
	if !privileged && c.currentChatID != "" {
		userCount := 0
		for _, m := range c.messages {
			if m.Role == chat.RoleUser {
				userCount++
			}
		}
		if userCount >= freeUserMessageLimit {
			c.mu.Unlock()
			c.notify.Info("You've reached the message limit for free users in this chat. Upgrade to Pro for unlimited messages.")
			return
		}
	}
	c.mu.Unlock()
	if !privileged && file != nil {
		c.notify.Info("File attachments are a Pro feature. Upgrade to Pro to use this feature.")
		return
	}

	// One request in flight: a new send supersedes the previous one.
	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.sendGen++
	gen := c.sendGen
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		// only release the handle if no newer send replaced it
		if c.sendGen == gen {
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	now := c.now()
	userContent := text
	if file != nil {
		userContent += fmt.Sprintf("\n[File: %s]", file.Name)
	}
	userMsg := chat.Message{
		MsgID:     c.nextMsgID(),
		Role:      chat.RoleUser,
		Content:   userContent,
		Timestamp: now.Format("15:04"),
	}
	placeholderID := c.nextMsgID()
	placeholder := chat.Message{
		MsgID:     placeholderID,
		Role:      chat.RoleAssistant,
		Content:   "",
		Timestamp: now.Format("15:04"),
		Streaming: true,
	}

	c.mu.Lock()
	chatID := c.currentChatID
	needNewChat := chatID == "" || c.pristineLocked()
	c.mu.Unlock()

	isNewChatFlow := false
	if needNewChat {
		isNewChatFlow = true
		base := text
		if base == "" && file != nil {
			base = file.Name
		}
		if base == "" {
			base = UntitledChatTitle
		}
		created, err := c.NewChat(ctx, DeriveTitle(base))
		if err != nil {
			c.notify.Error("Failed to create a new chat session to send message.")
			return
		}
		chatID = created.ID
	}

	// The user message must be visible before any network latency.
	c.mu.Lock()
	if c.pristineLocked() {
		c.messages = []chat.Message{userMsg, placeholder}
	} else {
		c.messages = append(c.messages, userMsg, placeholder)
	}
	turnMessages := make([]chat.Message, len(c.messages))
	copy(turnMessages, c.messages)
	c.mu.Unlock()

	// Best-effort persist; failures warn but never block the stream.
	if err := c.store.AppendMessage(ctx, chatID, userMsg); err != nil {
		log.Printf("session: save user message: %v", err)
		c.notify.Error("Could not save message to server.")
	}

	if !isNewChatFlow && strings.TrimSpace(text) != "" {
		c.mu.Lock()
		var title string
		for i := range c.chats {
			if c.chats[i].ID == chatID {
				title = c.chats[i].Title
				break
			}
		}
		c.mu.Unlock()
		if title == chat.DefaultTitle || title == UntitledChatTitle {
			if newTitle := DeriveTitle(strings.TrimSpace(text)); newTitle != title {
				c.RenameChat(ctx, chatID, newTitle, true)
			}
		}
	}

	history := buildHistory(turnMessages, placeholderID)

	stream, err := c.streamer.StreamTurn(sctx, text, history, file)
	if err != nil {
		if canceled(sctx, err) {
			c.finalizeCanceled(placeholderID)
			return
		}
		c.finalizeError(ctx, chatID, placeholderID, err)
		return
	}
	defer stream.Close()

	var accumulated strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if canceled(sctx, err) {
				c.finalizeCanceled(placeholderID)
				return
			}
			c.finalizeError(ctx, chatID, placeholderID, err)
			return
		}

		// Duck-typed protocol boundary: a chunk that parses whole as a
		// JSON object with an "error" field is the terminal error
		// payload. A legitimate reply that happens to be exactly that
		// shape would be misclassified; known limitation of the wire
		// format.
		if errPayload, ok := parseErrorChunk(chunk); ok {
			log.Printf("session: stream error payload: %s (%s)", errPayload.Error, errPayload.Details)
			c.notify.Error("AI Error: " + errPayload.Error)
			accumulated.Reset()
			accumulated.WriteString(errPayload.Error)
			break
		}

		accumulated.WriteString(chunk)
		c.updateStreaming(placeholderID, accumulated.String())
	}

	content := strings.TrimSpace(accumulated.String())
	if content == "" {
		content = "..."
	}
	final := chat.Message{
		MsgID:     placeholderID,
		Role:      chat.RoleAssistant,
		Content:   content,
		Timestamp: c.now().Format("15:04"),
	}
	if err := c.store.AppendMessage(ctx, chatID, final); err != nil {
		log.Printf("session: save assistant message: %v", err)
		c.notify.Error("Could not save message to server.")
	}

	c.mu.Lock()
	c.replaceMessageLocked(final)
	for i := range c.chats {
		if c.chats[i].ID == chatID {
			c.chats[i].UpdatedAt = c.now()
			merged := c.chats[i].Messages[:0]
			for _, m := range c.chats[i].Messages {
				if m.MsgID != userMsg.MsgID && m.MsgID != placeholderID {
					merged = append(merged, m)
				}
			}
			c.chats[i].Messages = append(merged, userMsg, final)
			break
		}
	}
	sortChats(c.chats)
	c.mu.Unlock()
}

type errorChunk struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func parseErrorChunk(chunk string) (errorChunk, bool) {
	var p errorChunk
	if err := json.Unmarshal([]byte(chunk), &p); err != nil || p.Error == "" {
		return errorChunk{}, false
	}
	return p, true
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func buildHistory(msgs []chat.Message, placeholderID int64) []HistoryItem {
	filtered := make([]HistoryItem, 0, len(msgs))
	for _, m := range msgs {
		if m.MsgID == placeholderID || m.Content == Greeting {
			continue
		}
		filtered = append(filtered, HistoryItem{Type: m.Role, Content: m.Content})
	}
	if len(filtered) > historyWindow {
		filtered = filtered[len(filtered)-historyWindow:]
	}
	return filtered
}

func (c *Controller) updateStreaming(id int64, content string) {
	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].MsgID == id {
			c.messages[i].Content = content
			c.messages[i].Streaming = true
			break
		}
	}
	c.mu.Unlock()
}

func (c *Controller) replaceMessageLocked(m chat.Message) {
	for i := range c.messages {
		if c.messages[i].MsgID == m.MsgID {
			c.messages[i] = m
			return
		}
	}
}

// finalizeCanceled keeps whatever content had streamed in, marking it with
// the stopped marker only when nothing arrived. Nothing is persisted.
func (c *Controller) finalizeCanceled(id int64) {
	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].MsgID == id {
			c.messages[i].Streaming = false
			if c.messages[i].Content == "" {
				c.messages[i].Content = StoppedMarker
			}
			break
		}
	}
	c.mu.Unlock()
}

// finalizeError surfaces the failure as the assistant's message content so
// the transcript records what happened, then persists it.
func (c *Controller) finalizeError(ctx context.Context, chatID string, id int64, cause error) {
	log.Printf("session: turn failed: %v", cause)
	final := chat.Message{
		MsgID:     id,
		Role:      chat.RoleAssistant,
		Content:   "Error: " + cause.Error(),
		Timestamp: c.now().Format("15:04"),
	}
	if err := c.store.AppendMessage(ctx, chatID, final); err != nil {
		log.Printf("session: save error message: %v", err)
	}
	c.mu.Lock()
	c.replaceMessageLocked(final)
	c.mu.Unlock()
	c.notify.Error("Failed to get AI response.")
}
