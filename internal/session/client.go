package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/novaai/novachat/internal/chat"
)

// Client talks to the chat backend. It implements Store, Streamer, and
// Entitlements over the JSON envelope and the raw streaming endpoint.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 0}, // streaming responses have no deadline
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || env.Code != 0 {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("server error: %d", resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *Client) ListChats(ctx context.Context) ([]chat.Chat, error) {
	var data struct {
		Chats []chat.Chat `json:"chats"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats", nil, &data); err != nil {
		return nil, err
	}
	return data.Chats, nil
}

func (c *Client) CreateChat(ctx context.Context, title string) (*chat.Chat, error) {
	var data struct {
		Chat *chat.Chat `json:"chat"`
	}
	body := map[string]string{"title": title}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chats", body, &data); err != nil {
		return nil, err
	}
	if data.Chat == nil {
		return nil, fmt.Errorf("create chat: empty response")
	}
	return data.Chat, nil
}

func (c *Client) GetChat(ctx context.Context, id string) (*chat.Chat, error) {
	var data struct {
		Chat *chat.Chat `json:"chat"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats/"+id, nil, &data); err != nil {
		return nil, err
	}
	if data.Chat == nil {
		return nil, fmt.Errorf("get chat %s: empty response", id)
	}
	return data.Chat, nil
}

func (c *Client) AppendMessage(ctx context.Context, chatID string, m chat.Message) error {
	body := map[string]any{"message": m}
	return c.doJSON(ctx, http.MethodPost, "/api/chats/"+chatID+"/messages", body, nil)
}

func (c *Client) RenameChat(ctx context.Context, chatID, title string) error {
	body := map[string]string{"title": title}
	return c.doJSON(ctx, http.MethodPatch, "/api/chats/"+chatID, body, nil)
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/chats/"+chatID, nil, nil)
}

// Privileged checks the account's subscription status. Errors degrade to
// the free tier.
func (c *Client) Privileged(ctx context.Context) bool {
	var data struct {
		Privileged bool `json:"privileged"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/user/status", nil, &data); err != nil {
		return false
	}
	return data.Privileged
}

// AwaitActivation polls the subscription status after checkout until it
// turns active. Bounded retries with an increasing delay.
func (c *Client) AwaitActivation(ctx context.Context) bool {
	const maxAttempts = 5
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.Privileged(ctx) {
			return true
		}
		if attempt == maxAttempts {
			break
		}
		delay := time.Duration(attempt)*time.Second + 2*time.Second
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return false
}

// StreamTurn posts one turn to the streaming endpoint and returns the chunk
// reader. A non-OK status is decoded from the error body and returned as an
// error before any chunk is read.
func (c *Client) StreamTurn(ctx context.Context, text string, history []HistoryItem, file *Attachment) (TurnStream, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("message", text); err != nil {
		return nil, err
	}
	if history == nil {
		history = []HistoryItem{}
	}
	hb, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}
	if err := mw.WriteField("conversationHistory", string(hb)); err != nil {
		return nil, err
	}
	if file != nil {
		name := file.Name
		if name == "" {
			name = filepath.Base(file.Path)
		}
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(file.Path)
		if err != nil {
			return nil, err
		}
		_, cpErr := io.Copy(part, f)
		f.Close()
		if cpErr != nil {
			return nil, cpErr
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		if decErr := json.NewDecoder(resp.Body).Decode(&e); decErr == nil && e.Error != "" {
			return nil, fmt.Errorf("%s", e.Error)
		}
		return nil, fmt.Errorf("server error: %d", resp.StatusCode)
	}

	return &turnStream{body: resp.Body, buf: make([]byte, 32*1024)}, nil
}

type turnStream struct {
	body io.ReadCloser
	buf  []byte
}

// Recv returns the next transport chunk as received. Chunk boundaries
// follow the server's flush points, which is what the error duck-typing
// relies on.
func (s *turnStream) Recv() (string, error) {
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			return string(s.buf[:n]), nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (s *turnStream) Close() error {
	return s.body.Close()
}
