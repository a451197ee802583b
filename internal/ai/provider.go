package ai

import "context"

// Message is one turn of provider-visible conversation context.
type Message struct {
	Role    string
	Content string

	// Image carries an optional inline attachment for providers that
	// accept one (base64 payload with declared MIME type).
	Image *InlineImage
}

type InlineImage struct {
	Base64   string
	MIMEType string
	Name     string
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both returned channels are closed when the stream ends.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
