package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novaai/novachat/internal/chat"
)

type fakeStore struct {
	mu         sync.Mutex
	chats      map[string]*chat.Chat
	seq        int
	getCalls   int
	failCreate bool
	failRename bool
	failAppend bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{chats: map[string]*chat.Chat{}}
}

func (s *fakeStore) ListChats(ctx context.Context) ([]chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		cc := *c
		cc.Messages = nil
		out = append(out, cc)
	}
	return out, nil
}

func (s *fakeStore) CreateChat(ctx context.Context, title string) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return nil, fmt.Errorf("create failed")
	}
	s.seq++
	now := time.Now()
	c := &chat.Chat{ID: fmt.Sprintf("chat-%d", s.seq), Title: title, CreatedAt: now, UpdatedAt: now}
	s.chats[c.ID] = c
	cc := *c
	return &cc, nil
}

func (s *fakeStore) GetChat(ctx context.Context, id string) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	c, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("chat not found")
	}
	cc := *c
	cc.Messages = append([]chat.Message(nil), c.Messages...)
	return &cc, nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, chatID string, m chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return fmt.Errorf("append failed")
	}
	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat not found")
	}
	m.Streaming = false
	c.Messages = append(c.Messages, m)
	c.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) RenameChat(ctx context.Context, chatID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRename {
		return fmt.Errorf("rename failed")
	}
	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat not found")
	}
	c.Title = title
	c.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) DeleteChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return fmt.Errorf("chat not found")
	}
	delete(s.chats, chatID)
	return nil
}

func (s *fakeStore) storedMessages(chatID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	return append([]chat.Message(nil), c.Messages...)
}

type fixedEntitlements bool

func (f fixedEntitlements) Privileged(ctx context.Context) bool { return bool(f) }

type fakeStream struct {
	ctx    context.Context
	chunks []string
	i      int
	// when block is set, Recv hangs after the scripted chunks until the
	// ctx is canceled instead of returning io.EOF
	block bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeStreamer struct {
	mu          sync.Mutex
	chunks      []string
	block       bool
	startErr    error
	starts      int
	lastText    string
	lastHistory []HistoryItem
}

func (f *fakeStreamer) StreamTurn(ctx context.Context, text string, history []HistoryItem, file *Attachment) (TurnStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.lastText = text
	f.lastHistory = append([]HistoryItem(nil), history...)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeStream{ctx: ctx, chunks: f.chunks, block: f.block}, nil
}

func (f *fakeStreamer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type recordedNotices struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (n *recordedNotices) Info(msg string) {
	n.mu.Lock()
	n.infos = append(n.infos, msg)
	n.mu.Unlock()
}
func (n *recordedNotices) Success(string) {}
func (n *recordedNotices) Error(msg string) {
	n.mu.Lock()
	n.errors = append(n.errors, msg)
	n.mu.Unlock()
}

func newTestController(store Store, streamer Streamer, privileged bool) (*Controller, *recordedNotices) {
	n := &recordedNotices{}
	c := NewController(store, streamer, fixedEntitlements(privileged), n)
	return c, n
}

func TestSendMessage_EmptyInputIsNoOp(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"hi"}}
	ctrl, _ := newTestController(store, streamer, true)

	before := ctrl.Messages()
	ctrl.SendMessage(context.Background(), "   ", nil)

	assert.Equal(t, before, ctrl.Messages())
	assert.Equal(t, 0, streamer.startCount())
	assert.Empty(t, ctrl.Chats())
}

func TestSendMessage_FreeTierMessageLimit(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"ok"}}
	ctrl, notices := newTestController(store, streamer, false)

	// five turns fill the free allowance
	for i := 0; i < 5; i++ {
		ctrl.SendMessage(context.Background(), fmt.Sprintf("message %d", i), nil)
	}
	require.Equal(t, 5, streamer.startCount())

	ctrl.SendMessage(context.Background(), "one too many", nil)

	assert.Equal(t, 5, streamer.startCount(), "sixth message must not reach the network")
	require.NotEmpty(t, notices.infos)
	assert.Contains(t, notices.infos[len(notices.infos)-1], "message limit")
}

func TestSendMessage_FreeTierRejectsFiles(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{}
	ctrl, notices := newTestController(store, streamer, false)

	before := ctrl.Messages()
	ctrl.SendMessage(context.Background(), "look at this", &Attachment{Name: "notes.txt", Path: "/tmp/notes.txt"})

	assert.Equal(t, before, ctrl.Messages())
	assert.Equal(t, 0, streamer.startCount())
	assert.Empty(t, store.chats)
	require.NotEmpty(t, notices.infos)
	assert.Contains(t, notices.infos[0], "Pro feature")
}

func TestSendMessage_StreamsChunksIntoFinalMessage(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"Hel", "lo ", "there"}}
	ctrl, _ := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "Hello", nil)

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2, "greeting is replaced by the first turn")
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)

	chats := ctrl.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "Hello", chats[0].Title)
	assert.Equal(t, chats[0].ID, ctrl.CurrentChatID())

	stored := store.storedMessages(chats[0].ID)
	require.Len(t, stored, 2)
	assert.Equal(t, "Hello", stored[0].Content)
	assert.Equal(t, "Hello there", stored[1].Content)
}

func TestSendMessage_TitleTruncation(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"ok"}}
	ctrl, _ := newTestController(store, streamer, true)

	long := strings.Repeat("a", 40)
	ctrl.SendMessage(context.Background(), long, nil)

	chats := ctrl.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, strings.Repeat("a", 27)+"...", chats[0].Title)
}

func TestSendMessage_EmptyStreamYieldsEllipsis(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{}
	ctrl, _ := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "anyone there?", nil)

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "...", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
}

func TestSendMessage_TerminalErrorPayload(t *testing.T) {
	store := newFakeStore()
	quota := "📊 AI provider API quota exceeded. Please try again later."
	streamer := &fakeStreamer{chunks: []string{fmt.Sprintf(`{"error":%q,"details":"429"}`, quota)}}
	ctrl, notices := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "hello", nil)

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "📊"))
	assert.False(t, msgs[1].Streaming)
	require.NotEmpty(t, notices.errors)
	assert.Contains(t, notices.errors[0], quota)
}

func TestSendMessage_StartFailureBecomesErrorMessage(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{startErr: fmt.Errorf("connection refused")}
	ctrl, notices := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "hello", nil)

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Error: connection refused", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
	assert.Contains(t, notices.errors, "Failed to get AI response.")

	// the error answer is part of the stored transcript
	stored := store.storedMessages(ctrl.CurrentChatID())
	require.Len(t, stored, 2)
	assert.Equal(t, "Error: connection refused", stored[1].Content)
}

func TestStopStreaming_KeepsPartialContent(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"partial answer"}, block: true}
	ctrl, _ := newTestController(store, streamer, true)

	done := make(chan struct{})
	go func() {
		ctrl.SendMessage(context.Background(), "tell me everything", nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, m := range ctrl.Messages() {
			if m.Streaming && m.Content == "partial answer" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	ctrl.StopStreaming()
	<-done

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial answer", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)

	// only the user message was persisted; cancellation saves nothing
	stored := store.storedMessages(ctrl.CurrentChatID())
	require.Len(t, stored, 1)
	assert.Equal(t, chat.RoleUser, stored[0].Role)
}

func TestStopStreaming_NothingAccumulatedUsesMarker(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{block: true}
	ctrl, _ := newTestController(store, streamer, true)

	done := make(chan struct{})
	go func() {
		ctrl.SendMessage(context.Background(), "hello?", nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return streamer.startCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctrl.StopStreaming()
	<-done

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, StoppedMarker, msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
}

func TestStopStreaming_IdleIsIdempotent(t *testing.T) {
	ctrl, _ := newTestController(newFakeStore(), &fakeStreamer{}, true)
	ctrl.StopStreaming()
	ctrl.StopStreaming()
}

func TestSelectChat_SameChatIsNoOp(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"hi"}}
	ctrl, _ := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "first", nil)
	id := ctrl.CurrentChatID()
	require.NotEmpty(t, id)

	before := store.getCalls
	msgs := ctrl.Messages()
	ctrl.SelectChat(context.Background(), id)

	assert.Equal(t, before, store.getCalls)
	assert.Equal(t, msgs, ctrl.Messages())
}

func TestSelectChat_EmptyResetsToGreeting(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"hi"}}
	ctrl, _ := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "first", nil)
	require.NotEmpty(t, ctrl.CurrentChatID())

	ctrl.SelectChat(context.Background(), "")

	assert.Empty(t, ctrl.CurrentChatID())
	msgs := ctrl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, Greeting, msgs[0].Content)
}

func TestSelectChat_RoundTrip(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"the answer"}}
	ctrl, _ := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "the question", nil)
	id := ctrl.CurrentChatID()
	want := ctrl.Messages()

	ctrl.SelectChat(context.Background(), "")
	ctrl.SelectChat(context.Background(), id)

	got := ctrl.Messages()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Content, got[i].Content)
		assert.Equal(t, want[i].Role, got[i].Role)
		assert.False(t, got[i].Streaming)
	}
}

func TestHistoryExcludesGreetingAndPlaceholder(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"reply"}}
	ctrl, _ := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "first question", nil)

	require.Equal(t, 1, streamer.startCount())
	require.Len(t, streamer.lastHistory, 1)
	assert.Equal(t, "user", streamer.lastHistory[0].Type)
	assert.Equal(t, "first question", streamer.lastHistory[0].Content)
	for _, h := range streamer.lastHistory {
		assert.NotEqual(t, Greeting, h.Content)
	}
}

func TestRenameChat_RevertsOnFailure(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"hi"}}
	ctrl, notices := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "original", nil)
	id := ctrl.CurrentChatID()

	store.failRename = true
	ok := ctrl.RenameChat(context.Background(), id, "better title", false)

	assert.False(t, ok)
	chats := ctrl.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "original", chats[0].Title)
	assert.Contains(t, notices.errors, "Failed to rename chat. Reverting.")
}

func TestRenameChat_SilentFailureIsQuiet(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"hi"}}
	ctrl, notices := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "original", nil)
	id := ctrl.CurrentChatID()

	store.failRename = true
	notices.mu.Lock()
	notices.errors = nil
	notices.mu.Unlock()

	ok := ctrl.RenameChat(context.Background(), id, "better title", true)

	assert.False(t, ok)
	assert.Empty(t, notices.errors)
}

func TestChatList_OrderedByRecency(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"hi"}}
	ctrl, _ := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "first chat", nil)
	first := ctrl.CurrentChatID()

	ctrl.SelectChat(context.Background(), "")
	ctrl.SendMessage(context.Background(), "second chat", nil)
	second := ctrl.CurrentChatID()
	require.NotEqual(t, first, second)

	chats := ctrl.Chats()
	require.Len(t, chats, 2)
	assert.Equal(t, second, chats[0].ID)

	// renaming the older chat bumps it back to the head
	require.True(t, ctrl.RenameChat(context.Background(), first, "renamed", false))
	chats = ctrl.Chats()
	assert.Equal(t, first, chats[0].ID)

	for i := 1; i < len(chats); i++ {
		assert.False(t, chats[i-1].UpdatedAt.Before(chats[i].UpdatedAt))
	}
}

func TestDeleteChat_ActiveChatResetsSession(t *testing.T) {
	store := newFakeStore()
	streamer := &fakeStreamer{chunks: []string{"hi"}}
	ctrl, _ := newTestController(store, streamer, true)

	ctrl.SendMessage(context.Background(), "doomed", nil)
	id := ctrl.CurrentChatID()

	require.True(t, ctrl.DeleteChat(context.Background(), id))

	assert.Empty(t, ctrl.CurrentChatID())
	assert.Empty(t, ctrl.Chats())
	msgs := ctrl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, Greeting, msgs[0].Content)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "short", DeriveTitle("short"))
	assert.Equal(t, strings.Repeat("x", 30), DeriveTitle(strings.Repeat("x", 30)))
	assert.Equal(t, strings.Repeat("x", 27)+"...", DeriveTitle(strings.Repeat("x", 31)))
}
