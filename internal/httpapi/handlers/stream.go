package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/novaai/novachat/internal/ai"
	"github.com/novaai/novachat/internal/chat"
	"github.com/novaai/novachat/internal/extract"
)

const historyWindowForPrompt = 10

type historyEntry struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// StreamChat is the raw streaming endpoint. It accepts a multipart form
// (message, conversationHistory, optional file), forwards the turn to the
// configured AI provider, and relays token deltas as a chunked text/plain
// body. A provider failure mid-stream is written as a trailing JSON object
// with an "error" field; clients detect it by trying to parse each chunk.
func (h *Handler) StreamChat(c *gin.Context) {
	if _, ok := userIDFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to process chat request"})
		return
	}

	userInput := c.PostForm("message")
	historyString := c.PostForm("conversationHistory")

	fileHeader, fileErr := c.FormFile("file")
	hasFile := fileErr == nil && fileHeader != nil

	if userInput == "" && !hasFile {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message or file is required"})
		return
	}

	var history []historyEntry
	if historyString != "" {
		if err := json.Unmarshal([]byte(historyString), &history); err != nil {
			log.Printf("[StreamChat] could not parse conversation history: %v", err)
			history = nil
		}
	}

	var (
		extracted extract.Result
		tempPath  string
	)
	if hasFile {
		var err error
		tempPath, err = saveToTemp(fileHeader)
		if err != nil {
			log.Printf("[StreamChat] temp save failed for %q: %v", fileHeader.Filename, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process chat request"})
			return
		}
		defer func() {
			if err := os.Remove(tempPath); err != nil {
				log.Printf("[StreamChat] temp cleanup failed %s: %v", tempPath, err)
			}
		}()

		extracted, err = extract.File(tempPath, fileHeader.Filename, fileHeader.Header.Get("Content-Type"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process chat request"})
			return
		}
	}

	messages := buildPromptMessages(userInput, history, hasFile, extracted)

	provider, err := h.Registry.Get(c.Request.Context(), h.Cfg.AIProvider, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process chat request"})
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)

	writeChunk := func(s string) {
		if _, err := c.Writer.WriteString(s); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}

	sp, streaming := provider.(ai.StreamProvider)
	if !streaming {
		reply, err := provider.Chat(c.Request.Context(), messages)
		if err != nil {
			writeChunk(terminalError(err))
			return
		}
		writeChunk(reply)
		return
	}

	chunks, errs := sp.StreamChat(c.Request.Context(), messages)
	ctx := c.Request.Context()
	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writeChunk(s)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				writeChunk(terminalError(err))
				return
			}
		}
	}
}

// terminalError renders a provider failure as the in-band JSON object the
// client watches for inside the chunk stream.
func terminalError(err error) string {
	payload, mErr := json.Marshal(gin.H{
		"error":   ai.UserMessage(err),
		"details": err.Error(),
	})
	if mErr != nil {
		return `{"error":"` + ai.MsgGenericError + `"}`
	}
	return string(payload)
}

func saveToTemp(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "upload_*_"+sanitizeFilename(fh.Filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "*", "_")
	if name == "" {
		name = "file"
	}
	return name
}

// buildPromptMessages turns the client-sent turn into provider messages:
// the trailing window of history minus assistant error lines, then the user
// input merged with any extracted file content.
func buildPromptMessages(userInput string, history []historyEntry, hasFile bool, extracted extract.Result) []ai.Message {
	if len(history) > historyWindowForPrompt {
		history = history[len(history)-historyWindowForPrompt:]
	}

	messages := make([]ai.Message, 0, len(history)+1)
	for _, entry := range history {
		if entry.Type == chat.RoleAssistant &&
			(strings.HasPrefix(entry.Content, "🤖") || strings.HasPrefix(entry.Content, "🛡️")) {
			continue
		}
		role := chat.RoleAssistant
		if entry.Type == chat.RoleUser {
			role = chat.RoleUser
		}
		messages = append(messages, ai.Message{Role: role, Content: entry.Content})
	}

	final := ai.Message{Role: chat.RoleUser, Content: userInput}
	if hasFile {
		switch extracted.Kind {
		case extract.KindImage:
			final.Content = fmt.Sprintf("The user has uploaded an image named %q. User's message related to this image: %s",
				extracted.Filename, userInput)
			final.Image = &ai.InlineImage{
				Base64:   extracted.Base64,
				MIMEType: extracted.MIMEType,
				Name:     extracted.Filename,
			}
		default:
			final.Content = fmt.Sprintf("The user has uploaded a file named %q.\nFile Content:\n%s\n\nUser's message related to this file: %s",
				extracted.Filename, extracted.Text, userInput)
		}
	}
	return append(messages, final)
}
