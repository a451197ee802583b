package extract

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Result is the extracted representation of an uploaded file: either plain
// text merged into the prompt, or a base64 image payload with its MIME type.
type Result struct {
	Kind     Kind
	Text     string
	Base64   string
	MIMEType string
	Filename string
}

// File extracts prompt-ready content from a file on disk. mimeType may be
// empty; the content is sniffed as a fallback. Unsupported formats yield a
// bracketed text placeholder rather than an error so a bad attachment never
// kills the surrounding turn.
func File(path, originalName, mimeType string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("extract: read %s: %w", originalName, err)
	}

	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	ext := strings.ToLower(filepath.Ext(originalName))

	switch {
	case strings.HasPrefix(mimeType, "text/plain") || ext == ".txt":
		return Result{Kind: KindText, Text: string(data), Filename: originalName}, nil

	case strings.HasPrefix(mimeType, "image/"):
		return Result{
			Kind:     KindImage,
			Base64:   base64.StdEncoding.EncodeToString(data),
			MIMEType: mimeType,
			Filename: originalName,
		}, nil

	case mimeType == "application/pdf" || ext == ".pdf":
		return Result{
			Kind:     KindText,
			Text:     fmt.Sprintf("[PDF file uploaded: %s. PDF parsing is not enabled.]", originalName),
			Filename: originalName,
		}, nil

	case strings.Contains(mimeType, "application/msword") ||
		strings.Contains(mimeType, "officedocument.wordprocessingml.document") ||
		ext == ".doc" || ext == ".docx":
		return Result{
			Kind:     KindText,
			Text:     fmt.Sprintf("[Word document uploaded: %s. Document parsing is not enabled.]", originalName),
			Filename: originalName,
		}, nil

	default:
		return Result{
			Kind: KindText,
			Text: fmt.Sprintf("[Unsupported file type: %s (%s). Supported types: TXT, PDF, DOC/DOCX, Images (PNG, JPG, GIF, WEBP)]",
				originalName, mimeType),
			Filename: originalName,
		}, nil
	}
}
