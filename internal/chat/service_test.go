package chat

import (
	"context"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/novaai/novachat/internal/ai"
)

type recordingProvider struct {
	last  []ai.Message
	reply string
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	if p.reply == "" {
		return "ok", nil
	}
	return p.reply, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one in-memory database per test, shared by every query
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Chat{}, &Message{}, &ReplyJob{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, window int) (*Service, *recordingProvider) {
	t.Helper()
	prov := &recordingProvider{}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})
	return NewService(NewRepo(openTestDB(t)), reg, "fake", "default", window), prov
}

func TestCreateChat_DefaultsTitle(t *testing.T) {
	svc, _ := newTestService(t, 10)

	c, err := svc.CreateChat(context.Background(), 1, "   ")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if c.Title != DefaultTitle {
		t.Fatalf("expected default title, got %q", c.Title)
	}
	if len(c.ID) != 26 {
		t.Fatalf("expected ULID chat id, got %q", c.ID)
	}
}

func TestAppendMessage_RoundTrip(t *testing.T) {
	svc, _ := newTestService(t, 10)
	ctx := context.Background()

	c, err := svc.CreateChat(ctx, 1, "Hello chat")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	msgs := []*Message{
		{MsgID: 1000, Role: RoleUser, Content: "Hello", Timestamp: "09:15"},
		{MsgID: 1001, Role: RoleAssistant, Content: "Hi there", Timestamp: "09:15"},
	}
	for _, m := range msgs {
		if err := svc.AppendMessage(ctx, 1, c.ID, m); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}

	got, err := svc.GetChat(ctx, 1, c.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Content != "Hello" || got.Messages[1].Content != "Hi there" {
		t.Fatalf("messages out of order: %q, %q", got.Messages[0].Content, got.Messages[1].Content)
	}
	for _, m := range got.Messages {
		if m.Streaming {
			t.Fatalf("stored message %d has streaming=true", m.MsgID)
		}
	}
}

func TestAppendMessage_RejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t, 10)
	ctx := context.Background()

	c, err := svc.CreateChat(ctx, 1, "x")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	if err := svc.AppendMessage(ctx, 1, c.ID, &Message{Role: "system", Content: "nope"}); err != ErrInvalidMessage {
		t.Fatalf("expected ErrInvalidMessage for bad role, got %v", err)
	}
	if err := svc.AppendMessage(ctx, 1, c.ID, &Message{Role: RoleUser, Content: ""}); err != ErrInvalidMessage {
		t.Fatalf("expected ErrInvalidMessage for empty content, got %v", err)
	}
}

func TestAppendMessage_OwnershipHidden(t *testing.T) {
	svc, _ := newTestService(t, 10)
	ctx := context.Background()

	c, err := svc.CreateChat(ctx, 1, "mine")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	err = svc.AppendMessage(ctx, 2, c.ID, &Message{MsgID: 1, Role: RoleUser, Content: "hi"})
	if !IsNotFound(err) {
		t.Fatalf("expected not-found for foreign user, got %v", err)
	}
}

func TestListChats_RecencyOrder(t *testing.T) {
	svc, _ := newTestService(t, 10)
	ctx := context.Background()

	first, err := svc.CreateChat(ctx, 1, "first")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := svc.CreateChat(ctx, 1, "second")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	// touching the older chat moves it to the head
	time.Sleep(10 * time.Millisecond)
	if err := svc.AppendMessage(ctx, 1, first.ID, &Message{MsgID: 1, Role: RoleUser, Content: "bump"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	chats, err := svc.ListChats(ctx, 1)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
	if chats[0].ID != first.ID {
		t.Fatalf("expected bumped chat at head, got %q", chats[0].Title)
	}
	if chats[0].UpdatedAt.Before(chats[1].UpdatedAt) {
		t.Fatalf("list not ordered by updated_at desc")
	}
	_ = second
}

func TestRenameChat_BumpsRecencyAndValidates(t *testing.T) {
	svc, _ := newTestService(t, 10)
	ctx := context.Background()

	c, err := svc.CreateChat(ctx, 1, "old title")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	before := c.UpdatedAt

	if err := svc.RenameChat(ctx, 1, c.ID, "  "); err != ErrInvalidMessage {
		t.Fatalf("expected ErrInvalidMessage for blank title, got %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := svc.RenameChat(ctx, 1, c.ID, "new title"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	got, err := svc.GetChat(ctx, 1, c.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.Title != "new title" {
		t.Fatalf("title not updated: %q", got.Title)
	}
	if !got.UpdatedAt.After(before) {
		t.Fatalf("updated_at not bumped on rename")
	}
}

func TestDeleteChat_RemovesTranscript(t *testing.T) {
	svc, _ := newTestService(t, 10)
	ctx := context.Background()

	c, err := svc.CreateChat(ctx, 1, "doomed")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := svc.AppendMessage(ctx, 1, c.ID, &Message{MsgID: 1, Role: RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := svc.DeleteChat(ctx, 1, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetChat(ctx, 1, c.ID); !IsNotFound(err) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
	if err := svc.DeleteChat(ctx, 1, c.ID); !IsNotFound(err) {
		t.Fatalf("expected not-found on double delete, got %v", err)
	}
}

func TestGenerateReply_UsesHistoryWindow(t *testing.T) {
	window := 3
	svc, prov := newTestService(t, window)
	ctx := context.Background()

	c, err := svc.CreateChat(ctx, 2, "windowed")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	// seed 5 messages; provider should only see the most recent `window`
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if err := svc.AppendMessage(ctx, 2, c.ID, &Message{
			MsgID:   int64(i + 1),
			Role:    role,
			Content: "seed",
		}); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	prov.reply = "windowed reply"
	reply, msgID, err := svc.GenerateReplyAndAppend(ctx, 2, c.ID)
	if err != nil {
		t.Fatalf("generate reply: %v", err)
	}
	if reply != "windowed reply" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if msgID == 0 {
		t.Fatalf("expected assistant message id to be set")
	}
	if len(prov.last) != window {
		t.Fatalf("expected provider to receive %d messages, got %d", window, len(prov.last))
	}

	got, err := svc.GetChat(ctx, 2, c.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	lastMsg := got.Messages[len(got.Messages)-1]
	if lastMsg.Role != RoleAssistant || lastMsg.Content != "windowed reply" {
		t.Fatalf("assistant reply not appended: role=%q content=%q", lastMsg.Role, lastMsg.Content)
	}
}

func TestReplyJob_Idempotency(t *testing.T) {
	svc, _ := newTestService(t, 10)
	ctx := context.Background()

	key := "client-key-1"
	j1 := &ReplyJob{ID: "01JOBAAAAAAAAAAAAAAAAAAAAA", UserID: 1, ChatID: "c1", Prompt: "p", IdempotencyKey: &key, Status: JobQueued}
	created, isNew, err := svc.CreateReplyJobOrGetExisting(ctx, j1)
	if err != nil || !isNew {
		t.Fatalf("first create: isNew=%v err=%v", isNew, err)
	}

	j2 := &ReplyJob{ID: "01JOBBBBBBBBBBBBBBBBBBBBBB", UserID: 1, ChatID: "c1", Prompt: "p", IdempotencyKey: &key, Status: JobQueued}
	existing, isNew, err := svc.CreateReplyJobOrGetExisting(ctx, j2)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if isNew {
		t.Fatalf("expected existing job for duplicate key")
	}
	if existing.ID != created.ID {
		t.Fatalf("expected job %s, got %s", created.ID, existing.ID)
	}
}
