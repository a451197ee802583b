package ai

import (
	"context"
	"errors"
	"net"
	"strings"
)

// User-facing messages for the provider failure taxonomy. Clients key off
// the leading emoji, so these strings are part of the wire contract.
const (
	MsgAuthError     = "🔑 Authentication error with AI provider."
	MsgQuotaExceeded = "📊 AI provider API quota exceeded. Please try again later."
	MsgSafetyBlocked = "🛡️ Your request was blocked due to safety settings by the AI provider."
	MsgModelNotFound = "🤷 AI Model not found or not accessible."
	MsgNetworkError  = "🌐 Network error connecting to AI provider. Please check your connection and try again."
	MsgGenericError  = "🤖 I'm having trouble processing your request right now. Please try again."
)

// UserMessage classifies a provider failure into a stable user-facing
// message. Classification is substring matching over the provider error
// text; providers do not share a structured error shape.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return MsgNetworkError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized"):
		return MsgAuthError
	case strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "limit"):
		return MsgQuotaExceeded
	case strings.Contains(msg, "blocked") || strings.Contains(msg, "safety"):
		return MsgSafetyBlocked
	case strings.Contains(msg, "model") && (strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")):
		return MsgModelNotFound
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "connection refused"):
		return MsgNetworkError
	default:
		return MsgGenericError
	}
}
